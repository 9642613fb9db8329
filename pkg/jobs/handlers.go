package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seoforge/playbook-engine/pkg/pagination"
	"github.com/seoforge/playbook-engine/pkg/tenancy"
)

// jobHandlers serve generation jobs of the caller's project. The project
// comes from the tenancy context (the X-Project-ID header, since job URLs
// carry no project); jobs of other projects are reported as missing.
type jobHandlers struct {
	store *JobStore
}

func (h jobHandlers) project(w http.ResponseWriter, r *http.Request) (string, bool) {
	project := tenancy.ProjectFromContext(r.Context())
	if project == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "job requests must name a project with the "+tenancy.ProjectHeader+" header")
		return "", false
	}
	return project, true
}

// load returns the job named in the path when it belongs to the caller's
// project, writing the error response otherwise.
func (h jobHandlers) load(w http.ResponseWriter, r *http.Request) (*GenerationJob, bool) {
	project, ok := h.project(w, r)
	if !ok {
		return nil, false
	}
	id := chi.URLParam(r, "jobId")
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get job")
		return nil, false
	}
	if job == nil || job.ProjectID != project {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("job %q not found", id))
		return nil, false
	}
	return job, true
}

// get handles GET /jobs/{jobId}
func (h jobHandlers) get(w http.ResponseWriter, r *http.Request) {
	if job, ok := h.load(w, r); ok {
		writeJSON(w, http.StatusOK, JobToResponse(job))
	}
}

// list handles GET /jobs
// Query params: playbookId, state, requestedBy, pageSize, pageToken
func (h jobHandlers) list(w http.ResponseWriter, r *http.Request) {
	project, ok := h.project(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := JobListFilter{
		ProjectID:   project,
		PlaybookID:  q.Get("playbookId"),
		State:       q.Get("state"),
		RequestedBy: q.Get("requestedBy"),
	}
	pageSize, err := strconv.Atoi(q.Get("pageSize"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}

	records, next, total, err := h.store.List(r.Context(), filter, pageSize, q.Get("pageToken"))
	if errors.Is(err, pagination.ErrInvalidToken) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	out := make([]JobResponse, len(records))
	for i := range records {
		out[i] = JobToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":          out,
		"nextPageToken": next,
		"totalSize":     total,
	})
}

// cancel handles POST /jobs/{jobId}/cancel. Only queued jobs can be
// canceled; a running generation finishes on its own.
func (h jobHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.load(w, r)
	if !ok {
		return
	}
	found, err := h.store.Cancel(r.Context(), job.ID)
	switch {
	case errors.Is(err, ErrNotCancelable):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel job")
	case !found:
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("job %q not found", job.ID))
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(JobStateCanceled), "jobId": job.ID})
	}
}

// JobResponse is the API representation of a generation job.
type JobResponse struct {
	ID           string `json:"id"`
	ProjectID    string `json:"projectId"`
	PlaybookID   string `json:"playbookId"`
	RequestedBy  string `json:"requestedBy"`
	RequestedAt  string `json:"requestedAt"`
	State        string `json:"state"`
	Message      string `json:"message,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	DraftID      string `json:"draftId,omitempty"`
	DraftStatus  string `json:"draftStatus,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

// JobToResponse converts a job record to its API form.
func JobToResponse(job *GenerationJob) JobResponse {
	resp := JobResponse{
		ID:           job.ID,
		ProjectID:    job.ProjectID,
		PlaybookID:   job.PlaybookID,
		RequestedBy:  job.RequestedBy,
		RequestedAt:  job.RequestedAt.Format(time.RFC3339),
		State:        string(job.State),
		Message:      job.Message,
		AttemptCount: job.AttemptCount,
		LastError:    job.LastError,
		DraftID:      job.DraftID,
		DraftStatus:  job.DraftStatus,
		DurationMs:   job.DurationMs,
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
