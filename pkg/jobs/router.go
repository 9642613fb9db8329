package jobs

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seoforge/playbook-engine/pkg/authz"
)

// Router serves the job status API, mounted at /jobs:
//
//	GET  /
//	GET  /{jobId}
//	POST /{jobId}/cancel
//
// Requests must carry the project in the X-Project-ID header. A non-nil
// authorizer guards each route with the jobs permission; pass nil when an
// outer AuthzMiddleware already checks it.
func Router(store *JobStore, authorizer authz.Authorizer) chi.Router {
	h := jobHandlers{store: store}
	guard := func(verb string, next http.HandlerFunc) http.HandlerFunc {
		if authorizer == nil {
			return next
		}
		return authz.RequirePermission(authorizer, authz.ResourceJobs, verb)(next).ServeHTTP
	}

	r := chi.NewRouter()
	r.Get("/", guard(authz.VerbList, h.list))
	r.Get("/{jobId}", guard(authz.VerbGet, h.get))
	r.Post("/{jobId}/cancel", guard(authz.VerbUpdate, h.cancel))
	return r
}
