package audit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seoforge/playbook-engine/pkg/pagination"
	"github.com/seoforge/playbook-engine/pkg/tenancy"
)

type eventHandlers struct {
	store *Store
}

func (h eventHandlers) page(w http.ResponseWriter, r *http.Request, f ListFilter) {
	q := r.URL.Query()
	size, _ := strconv.Atoi(q.Get("pageSize"))
	records, next, total, err := h.store.ListFiltered(r.Context(), f, size, q.Get("pageToken"))
	switch {
	case errors.Is(err, pagination.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list audit events")
		return
	}

	events := make([]eventResponse, len(records))
	for i := range records {
		events[i] = recordToResponse(records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":        events,
		"nextPageToken": next,
		"totalSize":     total,
	})
}

// list handles GET .../audit/events
// Query params: actor, action, eventType, resourceType, resourceId, pageSize, pageToken
func (h eventHandlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.page(w, r, ListFilter{
		ProjectID:    tenancy.ProjectFromContext(r.Context()),
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		EventType:    q.Get("eventType"),
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
	})
}

// history handles GET .../audit/{drafts|approvals}/{id}/history: every
// domain event about one draft or approval, newest first.
func (h eventHandlers) history(resourceType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.page(w, r, ListFilter{
			ProjectID:    tenancy.ProjectFromContext(r.Context()),
			EventType:    EventTypeDomain,
			ResourceType: resourceType,
			ResourceID:   chi.URLParam(r, "resourceId"),
		})
	}
}

// get handles GET .../audit/events/{eventId}. Events of other projects
// are reported as missing.
func (h eventHandlers) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "eventId")
	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get audit event")
		return
	}
	if rec == nil || rec.ProjectID != tenancy.ProjectFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "not_found", "audit event "+strconv.Quote(id)+" not found")
		return
	}
	writeJSON(w, http.StatusOK, recordToResponse(*rec))
}

type eventResponse struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"projectId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	EventType     string         `json:"eventType"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resourceType,omitempty"`
	ResourceID    string         `json:"resourceId,omitempty"`
	Outcome       string         `json:"outcome"`
	StatusCode    int            `json:"statusCode,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"createdAt"`
}

func recordToResponse(rec EventRecord) eventResponse {
	return eventResponse{
		ID:            rec.ID,
		ProjectID:     rec.ProjectID,
		CorrelationID: rec.CorrelationID,
		EventType:     rec.EventType,
		Actor:         rec.Actor,
		Action:        rec.Action,
		ResourceType:  rec.ResourceType,
		ResourceID:    rec.ResourceID,
		Outcome:       rec.Outcome,
		StatusCode:    rec.StatusCode,
		Reason:        rec.Reason,
		RequestID:     rec.RequestID,
		Metadata:      rec.Metadata,
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
