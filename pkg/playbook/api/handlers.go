package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seoforge/playbook-engine/pkg/authz"
	"github.com/seoforge/playbook-engine/pkg/jobs"
	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/approvals"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
	"github.com/seoforge/playbook-engine/pkg/playbook/service"
	"github.com/seoforge/playbook-engine/pkg/tenancy"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type handlers struct {
	svc      *service.Service
	validate *Validator
	logger   *slog.Logger
}

// caller returns the project of the request and the caller's identity on it.
func caller(r *http.Request) (projectID, actor string, role playbook.Role) {
	projectID = tenancy.ProjectFromContext(r.Context())
	id, ok := authz.IdentityFromContext(r.Context())
	if !ok {
		return projectID, "anonymous", playbook.RoleViewer
	}
	return projectID, id.User, id.RoleFor(projectID)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := h.validate.Validate(dst); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("playbook request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

// scopeBody is the target set carried by request bodies.
type scopeBody struct {
	AssetType  string   `json:"assetType" validate:"required,asset_type"`
	ProductIDs []string `json:"productIds,omitempty" validate:"max=1000,dive,required"`
	HandleRefs []string `json:"handleRefs,omitempty" validate:"max=1000,dive,required"`
}

func (b scopeBody) request(projectID string) scope.Request {
	return scope.Request{
		ProjectID:  projectID,
		AssetType:  playbook.AssetType(b.AssetType),
		ProductIDs: b.ProductIDs,
		HandleRefs: b.HandleRefs,
	}
}

// ListPlaybooks handles GET /projects/{projectId}/playbooks
func (h *handlers) ListPlaybooks(w http.ResponseWriter, r *http.Request) {
	pbs := h.svc.Playbooks()
	writeJSON(w, http.StatusOK, map[string]any{
		"playbooks": pbs,
		"totalSize": len(pbs),
	})
}

// Estimate handles GET /projects/{projectId}/playbooks/{playbookId}/estimate
// Query params: assetType, productIds, handles (comma separated or repeated), preset
func (h *handlers) Estimate(w http.ResponseWriter, r *http.Request) {
	projectID, _, _ := caller(r)
	q := r.URL.Query()
	in := service.EstimateInput{
		PlaybookID: chi.URLParam(r, "playbookId"),
		Scope: scope.Request{
			ProjectID:  projectID,
			AssetType:  playbook.AssetType(strings.ToUpper(q.Get("assetType"))),
			ProductIDs: listParam(q["productIds"]),
			HandleRefs: listParam(q["handles"]),
		},
		Rules: service.RulesInput{Preset: q.Get("preset")},
	}
	est, err := h.svc.Estimate(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

type previewRequest struct {
	Scope      scopeBody          `json:"scope"`
	Rules      service.RulesInput `json:"rules"`
	SampleSize int                `json:"sampleSize,omitempty" validate:"gte=0,lte=10"`
	BrandNotes string             `json:"brandNotes,omitempty" validate:"max=2000"`
}

// Preview handles POST /projects/{projectId}/playbooks/{playbookId}/preview
func (h *handlers) Preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !h.decode(w, r, &req) {
		return
	}
	projectID, _, _ := caller(r)
	p, err := h.svc.Preview(r.Context(), service.PreviewInput{
		PlaybookID: chi.URLParam(r, "playbookId"),
		Scope:      req.Scope.request(projectID),
		Rules:      req.Rules,
		SampleSize: req.SampleSize,
		BrandNotes: req.BrandNotes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type generateRequest struct {
	Scope      scopeBody          `json:"scope"`
	Rules      service.RulesInput `json:"rules"`
	ScopeID    string             `json:"scopeId,omitempty"`
	RulesHash  string             `json:"rulesHash,omitempty"`
	BrandNotes string             `json:"brandNotes,omitempty" validate:"max=2000"`
}

// GenerateDraft handles POST /projects/{projectId}/playbooks/{playbookId}/drafts
// With ?async=true the generation is queued and the job is returned with 202.
func (h *handlers) GenerateDraft(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !h.decode(w, r, &req) {
		return
	}
	projectID, actor, _ := caller(r)
	in := service.GenerateInput{
		PlaybookID: chi.URLParam(r, "playbookId"),
		Scope:      req.Scope.request(projectID),
		Rules:      req.Rules,
		ScopeID:    req.ScopeID,
		RulesHash:  req.RulesHash,
		BrandNotes: req.BrandNotes,
		Actor:      actor,
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		job, created, err := h.svc.EnqueueGeneration(r.Context(), in)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.Header().Set("Location", "/jobs/"+job.ID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job":     jobs.JobToResponse(job),
			"created": created,
		})
		return
	}

	detail, err := h.svc.GenerateDraft(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailToResponse(detail))
}

// LatestDraft handles GET /projects/{projectId}/playbooks/{playbookId}/drafts/latest
func (h *handlers) LatestDraft(w http.ResponseWriter, r *http.Request) {
	projectID, _, _ := caller(r)
	playbookID := chi.URLParam(r, "playbookId")
	detail, err := h.svc.LatestDraft(r.Context(), projectID, playbookID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if detail == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no draft for playbook %q", playbookID))
		return
	}
	writeJSON(w, http.StatusOK, detailToResponse(detail))
}

// ListDrafts handles GET /projects/{projectId}/drafts
// Query params: playbookId, status, pageSize, pageToken
func (h *handlers) ListDrafts(w http.ResponseWriter, r *http.Request) {
	projectID, _, _ := caller(r)
	q := r.URL.Query()
	filter := drafts.ListFilter{
		ProjectID:  projectID,
		PlaybookID: q.Get("playbookId"),
		Status:     strings.ToUpper(q.Get("status")),
	}
	records, nextToken, total, err := h.svc.ListDrafts(r.Context(), filter, pageSize(q.Get("pageSize")), q.Get("pageToken"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]draftResponse, len(records))
	for i := range records {
		items[i] = draftToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drafts":        items,
		"nextPageToken": nextToken,
		"totalSize":     total,
	})
}

// GetDraft handles GET /projects/{projectId}/drafts/{draftId}
func (h *handlers) GetDraft(w http.ResponseWriter, r *http.Request) {
	projectID, _, _ := caller(r)
	detail, err := h.svc.GetDraft(r.Context(), projectID, chi.URLParam(r, "draftId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailToResponse(detail))
}

type applyRequest struct {
	ScopeID    string     `json:"scopeId" validate:"required"`
	RulesHash  string     `json:"rulesHash" validate:"required"`
	ApprovalID string     `json:"approvalId,omitempty"`
	Scope      *scopeBody `json:"scope,omitempty"`
}

// Apply handles POST /projects/{projectId}/playbooks/{playbookId}/apply
func (h *handlers) Apply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !h.decode(w, r, &req) {
		return
	}
	projectID, actor, role := caller(r)
	in := service.ApplyInput{
		ProjectID:  projectID,
		PlaybookID: chi.URLParam(r, "playbookId"),
		ScopeID:    req.ScopeID,
		RulesHash:  req.RulesHash,
		ApprovalID: req.ApprovalID,
		Actor:      actor,
		Role:       role,
	}
	if req.Scope != nil {
		sr := req.Scope.request(projectID)
		in.Scope = &sr
	}
	res, err := h.svc.Apply(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type approvalRequest struct {
	DraftID    string `json:"draftId,omitempty"`
	PlaybookID string `json:"playbookId,omitempty"`
	ScopeID    string `json:"scopeId,omitempty" validate:"required_without=DraftID"`
	RulesHash  string `json:"rulesHash,omitempty" validate:"required_without=DraftID"`
	Reason     string `json:"reason,omitempty" validate:"max=1000"`
}

// RequestApproval handles POST /projects/{projectId}/approvals
// Returns 201 for a new request and 200 when a pending one is reused.
func (h *handlers) RequestApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !h.decode(w, r, &req) {
		return
	}
	projectID, actor, role := caller(r)
	rec, created, err := h.svc.RequestApproval(r.Context(), service.ApprovalInput{
		ProjectID:  projectID,
		DraftID:    req.DraftID,
		PlaybookID: req.PlaybookID,
		ScopeID:    req.ScopeID,
		RulesHash:  req.RulesHash,
		Reason:     req.Reason,
		Actor:      actor,
		Role:       role,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, approvalToResponse(rec, nil))
}

// ListApprovals handles GET /projects/{projectId}/approvals
// Query params: status, pageSize, pageToken
func (h *handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	projectID, _, _ := caller(r)
	q := r.URL.Query()
	records, nextToken, total, err := h.svc.ListApprovals(r.Context(), projectID,
		approvals.Status(strings.ToUpper(q.Get("status"))), pageSize(q.Get("pageSize")), q.Get("pageToken"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]approvalResponse, len(records))
	for i := range records {
		items[i] = approvalToResponse(&records[i], nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals":     items,
		"nextPageToken": nextToken,
		"totalSize":     total,
	})
}

// GetApproval handles GET /projects/{projectId}/approvals/{approvalId}
func (h *handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	projectID, _, _ := caller(r)
	detail, err := h.svc.GetApproval(r.Context(), projectID, chi.URLParam(r, "approvalId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalToResponse(detail.Request, detail.Decisions))
}

type decisionRequest struct {
	Verdict string `json:"verdict" validate:"required,verdict"`
	Note    string `json:"note,omitempty" validate:"max=1000"`
}

// DecideApproval handles POST /projects/{projectId}/approvals/{approvalId}/decision
func (h *handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	projectID, actor, role := caller(r)
	rec, err := h.svc.DecideApproval(r.Context(), service.DecisionInput{
		ProjectID:  projectID,
		ApprovalID: chi.URLParam(r, "approvalId"),
		Verdict:    approvals.Verdict(req.Verdict),
		Note:       req.Note,
		Actor:      actor,
		Role:       role,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalToResponse(rec, nil))
}

// InvalidateAsset handles POST /projects/{projectId}/assets/{assetKey}/invalidate
// The asset key is the canonical ref, e.g. "product:123" or "page_handle:about-us".
func (h *handlers) InvalidateAsset(w http.ResponseWriter, r *http.Request) {
	projectID, actor, _ := caller(r)
	ids, err := h.svc.InvalidateAsset(r.Context(), projectID, chi.URLParam(r, "assetKey"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"staleDraftIds": ids})
}

// listParam flattens repeated and comma separated query values.
func listParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func pageSize(raw string) int {
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return 20
}

type draftCounts struct {
	AffectedTotal  int `json:"affectedTotal"`
	DraftGenerated int `json:"draftGenerated"`
	NoSuggestion   int `json:"noSuggestion"`
}

type draftResponse struct {
	ID          string               `json:"id"`
	ProjectID   string               `json:"projectId"`
	PlaybookID  string               `json:"playbookId"`
	ScopeID     string               `json:"scopeId"`
	RulesHash   string               `json:"rulesHash"`
	AssetType   string               `json:"assetType"`
	Field       string               `json:"field"`
	Status      string               `json:"status"`
	Counts      draftCounts          `json:"counts"`
	AICalled    bool                 `json:"aiCalled"`
	ScopeRefs   []string             `json:"scopeRefs"`
	Excluded    map[string]string    `json:"excluded,omitempty"`
	LastError   string               `json:"lastError,omitempty"`
	StaleReason string               `json:"staleReason,omitempty"`
	CreatedBy   string               `json:"createdBy,omitempty"`
	CreatedAt   string               `json:"createdAt"`
	UpdatedAt   string               `json:"updatedAt"`
	Reused      bool                 `json:"reused,omitempty"`
	Suggestions []suggestionResponse `json:"suggestions,omitempty"`
}

type suggestionResponse struct {
	AssetRef        string   `json:"assetRef"`
	Field           string   `json:"field"`
	CurrentValue    string   `json:"currentValue"`
	RawSuggestion   string   `json:"rawSuggestion,omitempty"`
	FinalSuggestion *string  `json:"finalSuggestion"`
	RuleWarnings    []string `json:"ruleWarnings,omitempty"`
	Outcome         string   `json:"outcome"`
	FailureReason   string   `json:"failureReason,omitempty"`
	AppliedAt       string   `json:"appliedAt,omitempty"`
}

func draftToResponse(d *drafts.DraftRecord) draftResponse {
	refs := []string(d.ScopeRefs)
	if refs == nil {
		refs = []string{}
	}
	return draftResponse{
		ID:         d.ID,
		ProjectID:  d.ProjectID,
		PlaybookID: d.PlaybookID,
		ScopeID:    d.ScopeID,
		RulesHash:  d.RulesHash,
		AssetType:  d.AssetType,
		Field:      d.Field,
		Status:     string(d.Status),
		Counts: draftCounts{
			AffectedTotal:  d.AffectedTotal,
			DraftGenerated: d.DraftGenerated,
			NoSuggestion:   d.NoSuggestionCount,
		},
		AICalled:    d.AICalled,
		ScopeRefs:   refs,
		Excluded:    map[string]string(d.ExcludedRefs),
		LastError:   d.LastError,
		StaleReason: d.StaleReason,
		CreatedBy:   d.CreatedBy,
		CreatedAt:   d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   d.UpdatedAt.Format(time.RFC3339),
	}
}

func detailToResponse(detail *service.DraftDetail) draftResponse {
	resp := draftToResponse(detail.Draft)
	resp.Reused = detail.Reused
	resp.Suggestions = make([]suggestionResponse, len(detail.Suggestions))
	for i, s := range detail.Suggestions {
		sr := suggestionResponse{
			AssetRef:        s.AssetKey,
			Field:           s.Field,
			CurrentValue:    s.CurrentValue,
			RawSuggestion:   s.RawSuggestion,
			FinalSuggestion: s.FinalSuggestion,
			RuleWarnings:    []string(s.RuleWarnings),
			Outcome:         string(s.Outcome),
			FailureReason:   s.FailureReason,
		}
		if s.AppliedAt != nil {
			sr.AppliedAt = s.AppliedAt.Format(time.RFC3339)
		}
		resp.Suggestions[i] = sr
	}
	return resp
}

type decisionResponse struct {
	Reviewer  string `json:"reviewer"`
	Verdict   string `json:"verdict"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type approvalResponse struct {
	ID          string             `json:"id"`
	ProjectID   string             `json:"projectId"`
	DraftID     string             `json:"draftId"`
	ScopeID     string             `json:"scopeId"`
	RulesHash   string             `json:"rulesHash"`
	Status      string             `json:"status"`
	RequestedBy string             `json:"requestedBy"`
	Reason      string             `json:"reason,omitempty"`
	DecidedBy   string             `json:"decidedBy,omitempty"`
	DecidedAt   string             `json:"decidedAt,omitempty"`
	Note        string             `json:"decisionNote,omitempty"`
	Consumed    bool               `json:"consumed"`
	ConsumedAt  string             `json:"consumedAt,omitempty"`
	CreatedAt   string             `json:"createdAt"`
	Decisions   []decisionResponse `json:"decisions,omitempty"`
}

func approvalToResponse(rec *approvals.RequestRecord, decisions []approvals.DecisionRecord) approvalResponse {
	resp := approvalResponse{
		ID:          rec.ID,
		ProjectID:   rec.ProjectID,
		DraftID:     rec.ResourceID,
		ScopeID:     rec.ScopeID,
		RulesHash:   rec.RulesHash,
		Status:      string(rec.Status),
		RequestedBy: rec.RequestedBy,
		Reason:      rec.Reason,
		DecidedBy:   rec.DecidedBy,
		Note:        rec.DecisionNote,
		Consumed:    rec.Consumed,
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.DecidedAt != nil {
		resp.DecidedAt = rec.DecidedAt.Format(time.RFC3339)
	}
	if rec.ConsumedAt != nil {
		resp.ConsumedAt = rec.ConsumedAt.Format(time.RFC3339)
	}
	for _, d := range decisions {
		resp.Decisions = append(resp.Decisions, decisionResponse{
			Reviewer:  d.Reviewer,
			Verdict:   string(d.Verdict),
			Comment:   d.Comment,
			CreatedAt: d.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
