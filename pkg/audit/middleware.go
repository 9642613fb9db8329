package audit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/seoforge/playbook-engine/pkg/authz"
	"github.com/seoforge/playbook-engine/pkg/tenancy"
)

// maxErrorBody bounds how much of a failed response is kept to read its
// error code.
const maxErrorBody = 2048

// limitedBuffer keeps the first maxErrorBody bytes written to it.
type limitedBuffer struct {
	bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxErrorBody - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

// errorCode returns the "error" field of a JSON error body, e.g.
// STALE_DRAFT or APPROVAL_REQUIRED.
func errorCode(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return ""
	}
	return parsed.Error
}

// AuditMiddleware records every mutating call under the playbook API as an
// http event. Failed calls carry the API error code as their reason so a
// rejected apply can be told apart from a stale one.
func AuditMiddleware(store *Store, cfg *AuditConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg == nil || !cfg.Enabled || store == nil || !isAuditedRequest(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			started := time.Now()
			var body limitedBuffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			outcome := outcomeFromStatus(status)
			if outcome == OutcomeDenied && !cfg.LogDenied {
				return
			}

			ctx := r.Context()
			project := tenancy.ProjectFromContext(ctx)
			actor, role := "anonymous", ""
			if id, ok := authz.IdentityFromContext(ctx); ok {
				actor = id.User
				role = string(id.RoleFor(project))
			}

			requestID := middleware.GetReqID(ctx)
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = requestID
			}

			var reason string
			if outcome != OutcomeSuccess {
				reason = errorCode(body.Bytes())
			}

			route := describeRoute(r.Method, r.URL.Path)
			event := &EventRecord{
				ID:            uuid.NewString(),
				ProjectID:     project,
				CorrelationID: correlationID,
				EventType:     EventTypeHTTP,
				Actor:         actor,
				Action:        route.action,
				ResourceType:  route.resourceType,
				ResourceID:    route.resourceID,
				Outcome:       outcome,
				StatusCode:    status,
				Reason:        reason,
				RequestID:     requestID,
				CreatedAt:     started,
				Metadata: JSONAny{
					"method":     r.Method,
					"path":       r.URL.Path,
					"durationMs": time.Since(started).Milliseconds(),
					"role":       role,
				},
			}
			if err := store.Append(ctx, event); err != nil {
				logger.Error("failed to write audit event", "error", err, "requestID", requestID)
			}
		})
	}
}

func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return OutcomeDenied
	default:
		return OutcomeFailure
	}
}
