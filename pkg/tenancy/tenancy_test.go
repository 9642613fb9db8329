package tenancy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProjectFromContext(t *testing.T) {
	ctx := WithTenant(context.Background(), TenantContext{ProjectID: "shop-1"})
	if got := ProjectFromContext(ctx); got != "shop-1" {
		t.Errorf("ProjectFromContext() = %q, want %q", got, "shop-1")
	}
	if got := ProjectFromContext(context.Background()); got != "" {
		t.Errorf("ProjectFromContext() = %q, want empty", got)
	}
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		header      string
		wantStatus  int
		wantProject string
	}{
		{
			name:        "project from path",
			url:         "/api/playbooks/v1/projects/shop-1/drafts",
			wantStatus:  http.StatusOK,
			wantProject: "shop-1",
		},
		{
			name:        "matching header",
			url:         "/api/playbooks/v1/projects/shop-1/drafts",
			header:      "shop-1",
			wantStatus:  http.StatusOK,
			wantProject: "shop-1",
		},
		{
			name:       "header conflicts with path",
			url:        "/api/playbooks/v1/projects/shop-1/drafts",
			header:     "shop-2",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "header for non-project route",
			url:         "/api/playbooks/v1/jobs/j1",
			header:      "shop-2",
			wantStatus:  http.StatusOK,
			wantProject: "shop-2",
		},
		{
			name:       "no project at all",
			url:        "/healthz",
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid project id",
			url:        "/api/playbooks/v1/projects/-bad/drafts",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid header",
			url:        "/api/playbooks/v1/jobs/j1",
			header:     "has spaces",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotProject string
			handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotProject = ProjectFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set(ProjectHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusBadRequest {
				var body map[string]string
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if body["error"] != "invalid_request" {
					t.Errorf("error = %q, want invalid_request", body["error"])
				}
				return
			}
			if gotProject != tt.wantProject {
				t.Errorf("project = %q, want %q", gotProject, tt.wantProject)
			}
		})
	}
}

func TestValidateProjectID(t *testing.T) {
	valid := []string{"a", "shop-1", "Shop_2", "0abc"}
	for _, id := range valid {
		if err := ValidateProjectID(id); err != nil {
			t.Errorf("ValidateProjectID(%q) unexpected error: %v", id, err)
		}
	}
	invalid := []string{"-a", "_a", "a b", "a/b", string(make([]byte, 65))}
	for _, id := range invalid {
		if err := ValidateProjectID(id); err == nil {
			t.Errorf("ValidateProjectID(%q) expected error", id)
		}
	}
}
