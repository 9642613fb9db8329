package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Domain actions recorded by the playbook service.
const (
	ActionDraftGenerated    = "playbook.draft.generated"
	ActionDraftStale        = "playbook.draft.stale"
	ActionApplyExecuted     = "playbook.apply.executed"
	ActionApprovalRequested = "playbook.approval.requested"
	ActionApprovalDecided   = "playbook.approval.decided"
	ActionApprovalConsumed  = "playbook.approval.consumed"
)

// Resource types for domain events.
const (
	ResourceDraft    = "draft"
	ResourceApproval = "approval"
	ResourceAsset    = "asset"
)

// Event is the caller's view of a domain event.
type Event struct {
	ProjectID    string
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string // defaults to success
	Reason       string
	Metadata     map[string]any
}

// Recorder writes domain events. A nil Recorder, or one without a store,
// drops events. Writes are best effort: failures are logged and never
// returned to the caller.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record appends ev. The request ID of ctx, when present, is attached.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || r.store == nil {
		return
	}
	outcome := ev.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	actor := ev.Actor
	if actor == "" {
		actor = "system"
	}
	requestID := middleware.GetReqID(ctx)

	rec := &EventRecord{
		ID:            uuid.New().String(),
		ProjectID:     ev.ProjectID,
		CorrelationID: requestID,
		EventType:     EventTypeDomain,
		Actor:         actor,
		Action:        ev.Action,
		ResourceType:  ev.ResourceType,
		ResourceID:    ev.ResourceID,
		Outcome:       outcome,
		Reason:        ev.Reason,
		RequestID:     requestID,
		Metadata:      JSONAny(ev.Metadata),
		CreatedAt:     r.now(),
	}
	if err := r.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error("failed to write audit event", "action", ev.Action, "resource", ev.ResourceID, "error", err)
	}
}
