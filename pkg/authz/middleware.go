package authz

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/seoforge/playbook-engine/pkg/tenancy"
)

// RequirePermission guards a single route with a fixed resource and verb.
// It expects IdentityMiddleware and the tenancy middleware to have run.
func RequirePermission(authorizer Authorizer, resource, verb string) func(http.Handler) http.Handler {
	mapping := ResourceMapping{Resource: resource, Verb: verb}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authorized(w, r, authorizer, mapping) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// AuthzMiddleware derives the resource and verb from the request with
// MapRequest and guards every route below it. Paths MapRequest does not
// know are refused.
func AuthzMiddleware(authorizer Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mapping := MapRequest(r.Method, r.URL.Path)
			if mapping == UnknownMapping {
				writeAuthzError(w, http.StatusForbidden, "FORBIDDEN", "unknown endpoint, access denied")
				return
			}
			if authorized(w, r, authorizer, mapping) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// authorized asks the authorizer about the caller's role on the request's
// project and writes the error response when the answer is no.
func authorized(w http.ResponseWriter, r *http.Request, authorizer Authorizer, m ResourceMapping) bool {
	id, _ := IdentityFromContext(r.Context())
	project := tenancy.ProjectFromContext(r.Context())
	req := AuthzRequest{
		User:      id.User,
		Role:      id.RoleFor(project),
		Resource:  m.Resource,
		Verb:      m.Verb,
		ProjectID: project,
	}

	ok, err := authorizer.Authorize(r.Context(), req)
	switch {
	case err != nil:
		writeAuthzError(w, http.StatusInternalServerError, "internal_error", "authorization check failed")
	case !ok:
		writeAuthzError(w, http.StatusForbidden, "FORBIDDEN",
			fmt.Sprintf("role %s may not %s %s in project %s", req.Role, m.Verb, m.Resource, project))
	}
	return err == nil && ok
}

func writeAuthzError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}
