// Package api serves the playbook engine over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seoforge/playbook-engine/pkg/audit"
	"github.com/seoforge/playbook-engine/pkg/authz"
	"github.com/seoforge/playbook-engine/pkg/cache"
	"github.com/seoforge/playbook-engine/pkg/jobs"
	"github.com/seoforge/playbook-engine/pkg/playbook/service"
	"github.com/seoforge/playbook-engine/pkg/tenancy"
)

// BasePath is where the playbook API is mounted.
const BasePath = "/api/playbooks/v1"

// Options configures the HTTP surface. Service is required. A nil
// Authorizer allows every request; a nil Verifier trusts identity headers.
type Options struct {
	Service     *service.Service
	Jobs        *jobs.JobStore
	Audit       *audit.Store
	AuditConfig *audit.AuditConfig
	Authorizer  authz.Authorizer
	Verifier    *authz.TokenVerifier
	Cache       *cache.CacheManager
	// AllowedOrigins defaults to any http or https origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter builds the HTTP handler of the playbook server.
func NewRouter(opts Options) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authorizer := opts.Authorizer
	if authorizer == nil {
		authorizer = &authz.NoopAuthorizer{}
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	h := &handlers{svc: opts.Service, validate: NewValidator(), logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			"X-Remote-User", "X-Remote-Group", "X-User-Role", "X-Correlation-ID", tenancy.ProjectHeader},
		ExposedHeaders:   []string{"Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthHandler)
	r.Get("/livez", healthHandler)

	r.Route(BasePath, func(r chi.Router) {
		r.Use(tenancy.Middleware(tenancy.PathResolver{}))
		r.Use(authz.IdentityMiddleware(opts.Verifier))
		if opts.Audit != nil && opts.AuditConfig != nil && opts.AuditConfig.Enabled {
			r.Use(audit.AuditMiddleware(opts.Audit, opts.AuditConfig, logger))
		}
		r.Use(authz.AuthzMiddleware(authorizer))

		r.Route("/projects/{projectId}", func(r chi.Router) {
			r.Get("/playbooks", h.ListPlaybooks)
			r.Route("/playbooks/{playbookId}", func(r chi.Router) {
				r.With(opts.Cache.EstimateMiddleware()).Get("/estimate", h.Estimate)
				r.Post("/preview", h.Preview)
				r.Post("/drafts", h.GenerateDraft)
				r.Get("/drafts/latest", h.LatestDraft)
				r.Post("/apply", h.Apply)
			})

			r.Get("/drafts", h.ListDrafts)
			r.Get("/drafts/{draftId}", h.GetDraft)

			r.Post("/approvals", h.RequestApproval)
			r.Get("/approvals", h.ListApprovals)
			r.Get("/approvals/{approvalId}", h.GetApproval)
			r.Post("/approvals/{approvalId}/decision", h.DecideApproval)

			r.Post("/assets/{assetKey}/invalidate", h.InvalidateAsset)

			if opts.Audit != nil {
				// Permissions are already checked by AuthzMiddleware.
				r.Mount("/audit", audit.Router(opts.Audit, nil))
			}
		})

		if opts.Jobs != nil {
			r.Mount("/jobs", jobs.Router(opts.Jobs, nil))
		}
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
