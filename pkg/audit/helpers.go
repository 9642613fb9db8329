package audit

import (
	"net/http"
	"strings"
)

// routeInfo describes a request path for the audit trail.
type routeInfo struct {
	resourceType string
	resourceID   string
	action       string
}

// describeRoute extracts the resource and action from a playbook API path.
// For /api/playbooks/v1/projects/p1/playbooks/missing_seo_title/apply it
// returns {playbook, missing_seo_title, apply}.
func describeRoute(method, path string) routeInfo {
	parts := strings.Split(strings.Trim(path, "/"), "/")

	rest := parts
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "projects" {
			rest = parts[i+2:]
			break
		}
	}
	if len(rest) == 0 {
		return routeInfo{action: methodVerb(method)}
	}

	info := routeInfo{resourceType: strings.TrimSuffix(rest[0], "s")}
	if len(rest) > 1 {
		info.resourceID = rest[1]
	}

	switch last := rest[len(rest)-1]; {
	case info.resourceType == "playbook" && len(rest) == 3:
		switch last {
		case "drafts":
			info.action = "generate-draft"
		default:
			info.action = last // preview, apply
		}
	case info.resourceType == "approval" && len(rest) == 1 && method == http.MethodPost:
		info.action = "request-approval"
	case info.resourceType == "approval" && last == "decision":
		info.action = "decide-approval"
	case info.resourceType == "asset" && last == "invalidate":
		info.action = "invalidate"
	default:
		info.action = methodVerb(method)
	}
	return info
}

// methodVerb maps an HTTP method onto a generic action name.
func methodVerb(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut:
		return "update"
	case http.MethodPatch:
		return "patch"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// isAuditedRequest returns true if the request should be audited. Mutating
// methods are audited; reads and health checks are not.
func isAuditedRequest(method, path string) bool {
	if isHealthEndpoint(path) {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// isHealthEndpoint returns true for health-check paths.
func isHealthEndpoint(path string) bool {
	switch path {
	case "/livez", "/readyz", "/healthz":
		return true
	}
	return false
}
