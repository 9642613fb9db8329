package tenancy

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// maxProjectIDLen bounds project identifiers.
const maxProjectIDLen = 64

var projectIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ProjectHeader names the project for routes that are not project scoped
// in their path (for example job lookups).
const ProjectHeader = "X-Project-ID"

// TenantResolver resolves the tenant context from an HTTP request.
type TenantResolver interface {
	Resolve(r *http.Request) (TenantContext, error)
}

// PathResolver reads the project from the "projects/{id}" path segment,
// falling back to the X-Project-ID header. A header naming a different
// project than the path is an error. Requests naming no project resolve to
// an empty context.
type PathResolver struct{}

func (PathResolver) Resolve(r *http.Request) (TenantContext, error) {
	header := strings.TrimSpace(r.Header.Get(ProjectHeader))
	id, ok := ProjectFromPath(r.URL.Path)
	switch {
	case !ok:
		id = header
	case header != "" && header != id:
		return TenantContext{}, fmt.Errorf("%s %q does not match project %q in the path", ProjectHeader, header, id)
	}
	if id == "" {
		return TenantContext{}, nil
	}
	if err := ValidateProjectID(id); err != nil {
		return TenantContext{}, err
	}
	return TenantContext{ProjectID: id}, nil
}

// ProjectFromPath extracts the segment following "projects" in path.
func ProjectFromPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "projects" {
			return parts[i+1], true
		}
	}
	return "", false
}

// ValidateProjectID checks the format of a project identifier.
func ValidateProjectID(id string) error {
	if len(id) > maxProjectIDLen {
		return fmt.Errorf("project id %q exceeds maximum length of %d characters", id, maxProjectIDLen)
	}
	if !projectIDRe.MatchString(id) {
		return fmt.Errorf("project id %q is invalid: must consist of letters, digits, '-' or '_' and start with a letter or digit", id)
	}
	return nil
}
