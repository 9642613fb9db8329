package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

// run executes the CLI against srv and returns what it printed.
func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	viper.Reset()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this is a long string", 10, "this is..."},
		{"abcdef", 3, "abc"},
		{"Café au lait", 6, "Caf..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestHealthHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	out, err := run(t, srv, "health")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if !strings.Contains(out, "Server is ok") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestEstimateSendsScopeAndIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/playbooks/v1/projects/shop-1/playbooks/missing_seo_title/estimate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("assetType") != "PRODUCTS" {
			t.Errorf("assetType = %q", q.Get("assetType"))
		}
		if q.Get("productIds") != "1,2" {
			t.Errorf("productIds = %q", q.Get("productIds"))
		}
		if r.Header.Get("X-Remote-User") != "alice" {
			t.Errorf("X-Remote-User = %q", r.Header.Get("X-Remote-User"))
		}
		if r.Header.Get("X-User-Role") != "EDITOR" {
			t.Errorf("X-User-Role = %q", r.Header.Get("X-User-Role"))
		}
		json.NewEncoder(w).Encode(estimateResponse{
			PlaybookID:    "missing_seo_title",
			Field:         "seo_title",
			ScopeID:       "scope-abc",
			RulesHash:     "rules-def",
			AffectedCount: 2,
			Eligible:      true,
			Excluded: []excludedRef{
				{Ref: assetRef{AssetType: "PRODUCTS", ProductID: "3"}, Reason: "NOT_FOUND"},
			},
		})
	}))
	defer srv.Close()

	out, err := run(t, srv, "-p", "shop-1", "--user", "alice", "--role", "editor",
		"estimate", "missing_seo_title", "--product-ids", "1,2")
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	for _, want := range []string{"scope-abc", "rules-def", "Affected:", "product:3", "NOT_FOUND"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestEstimateRequiresProject(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := run(t, srv, "estimate", "missing_seo_title")
	if err == nil || !strings.Contains(err.Error(), "no project set") {
		t.Fatalf("expected missing project error, got %v", err)
	}
}

func TestProjectFromEnv(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(playbooksResponse{
			Playbooks: []playbookInfo{{ID: "missing_seo_title", DisplayName: "Missing SEO titles", Field: "seo_title"}},
			TotalSize: 1,
		})
	}))
	defer srv.Close()

	t.Setenv("PLAYBOOKCTL_PROJECT", "from-env")
	out, err := run(t, srv, "playbooks")
	if err != nil {
		t.Fatalf("playbooks failed: %v", err)
	}
	if gotPath != "/api/playbooks/v1/projects/from-env/playbooks" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(out, "Missing SEO titles") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestConfigFile(t *testing.T) {
	var gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-Remote-User")
		json.NewEncoder(w).Encode(playbooksResponse{})
	}))
	defer srv.Close()

	cfg := filepath.Join(t.TempDir(), "playbookctl.yaml")
	if err := os.WriteFile(cfg, []byte("project: shop-9\nuser: carol\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, srv, "--config", cfg, "playbooks"); err != nil {
		t.Fatalf("playbooks failed: %v", err)
	}
	if gotUser != "carol" {
		t.Errorf("X-Remote-User = %q, want carol", gotUser)
	}
}

func TestGenerateWithRulesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/playbooks/missing_seo_title/drafts") {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Scope scopeBody `json:"scope"`
			Rules rulesBody `json:"rules"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if body.Scope.AssetType != "PAGES" || len(body.Scope.HandleRefs) != 1 {
			t.Errorf("unexpected scope: %+v", body.Scope)
		}
		if body.Rules.Config["maxLength"] != float64(60) {
			t.Errorf("maxLength = %v", body.Rules.Config["maxLength"])
		}
		title := "About Us | Acme"
		json.NewEncoder(w).Encode(draft{
			ID:          "d-1",
			PlaybookID:  "missing_seo_title",
			Status:      "COMPLETE",
			Counts:      draftCounts{AffectedTotal: 1, DraftGenerated: 1},
			Suggestions: []suggestion{{AssetRef: "page_handle:about-us", FinalSuggestion: &title, Outcome: "DRAFT_GENERATED"}},
		})
	}))
	defer srv.Close()

	rulesFile := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(rulesFile, []byte("enabled: true\nmaxLength: 60\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, srv, "-p", "shop-1", "generate", "missing_seo_title",
		"--asset-type", "pages", "--handles", "about-us", "--rules-file", rulesFile)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	for _, want := range []string{"d-1", "COMPLETE", "About Us | Acme"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestGenerateAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("async") != "true" {
			t.Errorf("expected async query, got %q", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(asyncGenerateResponse{Job: job{ID: "job-7", State: "queued"}, Created: true})
	}))
	defer srv.Close()

	out, err := run(t, srv, "-p", "shop-1", "generate", "missing_seo_title", "--async")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out, "Queued job job-7 (queued)") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestApplyApprovalRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   "APPROVAL_REQUIRED",
			"message": "apply requires an approved request",
		})
	}))
	defer srv.Close()

	_, err := run(t, srv, "-p", "shop-1", "apply", "missing_seo_title", "--scope-id", "s", "--rules-hash", "h")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %T", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Code != "APPROVAL_REQUIRED" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "approvals request") {
		t.Errorf("expected hint in error, got: %v", err)
	}
}

func TestApplyRequiresIdentifiers(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := run(t, srv, "-p", "shop-1", "apply", "missing_seo_title"); err == nil {
		t.Fatal("expected error for missing --scope-id and --rules-hash")
	}
}

func TestApplyOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["approvalId"] != "ap-1" {
			t.Errorf("approvalId = %q", body["approvalId"])
		}
		json.NewEncoder(w).Encode(applyResponse{
			DraftID:      "d-1",
			AppliedCount: 1,
			FailedCount:  1,
			Failures:     []applyFailure{{AssetRef: "product:2", Reason: "ASSET_NOT_FOUND"}},
		})
	}))
	defer srv.Close()

	out, err := run(t, srv, "-p", "shop-1", "apply", "missing_seo_title",
		"--scope-id", "s", "--rules-hash", "h", "--approval-id", "ap-1")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !strings.Contains(out, "applied 1") || !strings.Contains(out, "ASSET_NOT_FOUND") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestApprovalsListJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "PENDING_APPROVAL" {
			t.Errorf("status = %q", r.URL.Query().Get("status"))
		}
		json.NewEncoder(w).Encode(approvalsResponse{
			Approvals: []approval{{ID: "ap-1", DraftID: "d-1", Status: "PENDING_APPROVAL", RequestedBy: "bob"}},
			TotalSize: 1,
		})
	}))
	defer srv.Close()

	out, err := run(t, srv, "-p", "shop-1", "-o", "json", "approvals", "list", "--status", "PENDING_APPROVAL")
	if err != nil {
		t.Fatalf("approvals list failed: %v", err)
	}
	var got approvalsResponse
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.TotalSize != 1 || got.Approvals[0].ID != "ap-1" {
		t.Errorf("unexpected approvals: %+v", got)
	}
}

func TestApprovalsRequestAndDecide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/api/playbooks/v1/projects/shop-1/approvals":
			if body["draftId"] != "d-1" {
				t.Errorf("draftId = %q", body["draftId"])
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(approval{ID: "ap-1", Status: "PENDING_APPROVAL"})
		case "/api/playbooks/v1/projects/shop-1/approvals/ap-1/decision":
			if body["verdict"] != "reject" {
				t.Errorf("verdict = %q", body["verdict"])
			}
			json.NewEncoder(w).Encode(approval{ID: "ap-1", Status: "REJECTED"})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	out, err := run(t, srv, "-p", "shop-1", "approvals", "request", "--draft-id", "d-1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !strings.Contains(out, "Requested approval ap-1") {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = run(t, srv, "-p", "shop-1", "approvals", "reject", "ap-1", "--note", "too long")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if !strings.Contains(out, "REJECTED") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestApprovalsRequestNeedsTarget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := run(t, srv, "-p", "shop-1", "approvals", "request", "--scope-id", "s")
	if err == nil || !strings.Contains(err.Error(), "--draft-id") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestDraftsListYAML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(draftsResponse{
			Drafts:    []draft{{ID: "d-1", Status: "STALE", StaleReason: "asset product:1 changed"}},
			TotalSize: 1,
		})
	}))
	defer srv.Close()

	out, err := run(t, srv, "-p", "shop-1", "-o", "yaml", "drafts", "list")
	if err != nil {
		t.Fatalf("drafts list failed: %v", err)
	}
	if !strings.Contains(out, "status: STALE") || !strings.Contains(out, "totalSize: 1") {
		t.Errorf("unexpected yaml:\n%s", out)
	}
}

func TestInvalidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/api/playbooks/v1/projects/shop-1/assets/product:1/invalidate" {
			t.Errorf("unexpected path: %s", r.URL.EscapedPath())
		}
		json.NewEncoder(w).Encode(map[string][]string{"staleDraftIds": {"d-1", "d-2"}})
	}))
	defer srv.Close()

	out, err := run(t, srv, "-p", "shop-1", "invalidate", "product:1")
	if err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if strings.Count(out, "is now stale") != 2 {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestJobsListUsesProjectHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/playbooks/v1/jobs/" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Project-ID"); got != "shop-1" {
			t.Errorf("X-Project-ID = %q, want shop-1", got)
		}
		if got := r.URL.Query().Get("state"); got != "queued" {
			t.Errorf("state = %q, want queued", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jobs":      []map[string]any{{"id": "job-7", "playbookId": "missing_seo_title", "state": "queued"}},
			"totalSize": 1,
		})
	}))
	defer srv.Close()

	out, err := run(t, srv, "-p", "shop-1", "jobs", "list", "--state", "queued")
	if err != nil {
		t.Fatalf("jobs list failed: %v", err)
	}
	if !strings.Contains(out, "job-7") || !strings.Contains(out, "Total: 1") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := run(t, srv, "jobs", "list"); err == nil || !strings.Contains(err.Error(), "no project set") {
		t.Errorf("expected missing project error, got %v", err)
	}
}

func TestClientErrorHandling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	client := &playbookClient{baseURL: srv.URL, http: srv.Client()}
	err := client.getJSON("/api/anything", &struct{}{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "internal error") {
		t.Errorf("error should contain status and body, got: %v", err)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := &playbookClient{baseURL: srv.URL, token: "tok", http: srv.Client()}
	if err := client.getJSON("/x", &struct{}{}); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
}
