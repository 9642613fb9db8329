package authz

import (
	"net/http"
	"strings"
)

// ResourceMapping maps an HTTP request to a playbook resource and verb for authorization.
type ResourceMapping struct {
	Resource string
	Verb     string
}

// UnknownMapping is returned when no known pattern matches the request.
// Callers should deny requests with this mapping by default.
var UnknownMapping = ResourceMapping{Resource: "", Verb: ""}

// MapRequest maps an HTTP method and URL path to a ResourceMapping. Paths
// are matched on the segments following "projects/{projectId}", so the
// mapping does not depend on where the API is mounted.
func MapRequest(method, path string) ResourceMapping {
	segs := splitPath(path)

	rest, ok := afterProject(segs)
	if !ok {
		return mapJobRoute(method, segs)
	}
	if len(rest) == 0 {
		return UnknownMapping
	}

	switch rest[0] {
	case "playbooks":
		return mapPlaybookRoute(method, rest[1:])
	case "drafts":
		if method != http.MethodGet {
			return UnknownMapping
		}
		if len(rest) == 1 {
			return ResourceMapping{Resource: ResourceDrafts, Verb: VerbList}
		}
		return ResourceMapping{Resource: ResourceDrafts, Verb: VerbGet}
	case "approvals":
		return mapApprovalRoute(method, rest[1:])
	case "assets":
		if method == http.MethodPost && len(rest) == 3 && rest[2] == "invalidate" {
			return ResourceMapping{Resource: ResourceAssets, Verb: VerbUpdate}
		}
	case "audit":
		if method != http.MethodGet {
			return UnknownMapping
		}
		if len(rest) <= 2 {
			return ResourceMapping{Resource: ResourceAudit, Verb: VerbList}
		}
		return ResourceMapping{Resource: ResourceAudit, Verb: VerbGet}
	}
	return UnknownMapping
}

// mapJobRoute handles */jobs, */jobs/{jobId} and */jobs/{jobId}/cancel.
func mapJobRoute(method string, segs []string) ResourceMapping {
	n := len(segs)
	switch {
	case n >= 1 && segs[n-1] == "jobs" && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceJobs, Verb: VerbList}
	case n >= 2 && segs[n-2] == "jobs" && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceJobs, Verb: VerbGet}
	case n >= 3 && segs[n-3] == "jobs" && segs[n-1] == "cancel" && method == http.MethodPost:
		return ResourceMapping{Resource: ResourceJobs, Verb: VerbUpdate}
	}
	return UnknownMapping
}

// mapPlaybookRoute handles the segments after /playbooks.
func mapPlaybookRoute(method string, rest []string) ResourceMapping {
	if len(rest) == 0 {
		if method == http.MethodGet {
			return ResourceMapping{Resource: ResourcePlaybooks, Verb: VerbList}
		}
		return UnknownMapping
	}
	if len(rest) < 2 {
		return UnknownMapping
	}

	switch action := strings.Join(rest[1:], "/"); {
	case method == http.MethodGet && action == "estimate":
		return ResourceMapping{Resource: ResourceEstimates, Verb: VerbGet}
	case method == http.MethodPost && action == "preview":
		return ResourceMapping{Resource: ResourcePreviews, Verb: VerbCreate}
	case method == http.MethodPost && action == "drafts":
		return ResourceMapping{Resource: ResourceDrafts, Verb: VerbCreate}
	case method == http.MethodGet && action == "drafts/latest":
		return ResourceMapping{Resource: ResourceDrafts, Verb: VerbGet}
	case method == http.MethodPost && action == "apply":
		return ResourceMapping{Resource: ResourceApply, Verb: VerbExecute}
	}
	return UnknownMapping
}

// mapApprovalRoute handles the segments after /approvals.
func mapApprovalRoute(method string, rest []string) ResourceMapping {
	switch {
	case len(rest) == 0 && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceApprovals, Verb: VerbList}
	case len(rest) == 0 && method == http.MethodPost:
		return ResourceMapping{Resource: ResourceApprovals, Verb: VerbCreate}
	case len(rest) == 1 && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceApprovals, Verb: VerbGet}
	case len(rest) == 2 && rest[1] == "decision" && method == http.MethodPost:
		return ResourceMapping{Resource: ResourceApprovals, Verb: VerbApprove}
	}
	return UnknownMapping
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(strings.Trim(path, "/"), "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// afterProject returns the segments following projects/{projectId}.
func afterProject(segs []string) ([]string, bool) {
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] == "projects" {
			return segs[i+2:], true
		}
	}
	return nil, false
}
