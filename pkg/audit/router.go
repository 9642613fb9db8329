package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seoforge/playbook-engine/pkg/authz"
)

// Router serves the project audit trail, mounted under
// /projects/{projectId}/audit:
//
//	GET /events
//	GET /events/{eventId}
//	GET /drafts/{resourceId}/history
//	GET /approvals/{resourceId}/history
//
// A non-nil authorizer guards each route with the audit permission; pass
// nil when an outer AuthzMiddleware already checks it.
func Router(store *Store, authorizer authz.Authorizer) chi.Router {
	h := eventHandlers{store: store}
	guard := func(verb string, next http.HandlerFunc) http.HandlerFunc {
		if authorizer == nil {
			return next
		}
		return authz.RequirePermission(authorizer, authz.ResourceAudit, verb)(next).ServeHTTP
	}

	r := chi.NewRouter()
	r.Get("/events", guard(authz.VerbList, h.list))
	r.Get("/events/{eventId}", guard(authz.VerbGet, h.get))
	r.Get("/drafts/{resourceId}/history", guard(authz.VerbGet, h.history(ResourceDraft)))
	r.Get("/approvals/{resourceId}/history", guard(authz.VerbGet, h.history(ResourceApproval)))
	return r
}
