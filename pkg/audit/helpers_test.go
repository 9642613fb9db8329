package audit

import (
	"testing"
)

func TestDescribeRoute(t *testing.T) {
	const base = "/api/playbooks/v1/projects/p1"
	tests := []struct {
		method string
		path   string
		want   routeInfo
	}{
		{"POST", base + "/playbooks/missing_seo_title/preview", routeInfo{"playbook", "missing_seo_title", "preview"}},
		{"POST", base + "/playbooks/missing_seo_title/drafts", routeInfo{"playbook", "missing_seo_title", "generate-draft"}},
		{"POST", base + "/playbooks/missing_seo_title/apply", routeInfo{"playbook", "missing_seo_title", "apply"}},
		{"POST", base + "/approvals", routeInfo{"approval", "", "request-approval"}},
		{"POST", base + "/approvals/a1/decision", routeInfo{"approval", "a1", "decide-approval"}},
		{"POST", base + "/assets/product:1/invalidate", routeInfo{"asset", "product:1", "invalidate"}},
		{"DELETE", base + "/drafts/d1", routeInfo{"draft", "d1", "delete"}},
		{"POST", "/other", routeInfo{"other", "", "create"}},
	}
	for _, tt := range tests {
		if got := describeRoute(tt.method, tt.path); got != tt.want {
			t.Errorf("describeRoute(%s, %s) = %+v, want %+v", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestIsAuditedRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{"POST", "/api/playbooks/v1/projects/p1/playbooks/x/apply", true},
		{"DELETE", "/api/playbooks/v1/projects/p1/drafts/d1", true},
		{"GET", "/api/playbooks/v1/projects/p1/drafts", false},
		{"POST", "/healthz", false},
		{"GET", "/readyz", false},
	}
	for _, tt := range tests {
		if got := isAuditedRequest(tt.method, tt.path); got != tt.want {
			t.Errorf("isAuditedRequest(%s, %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}
