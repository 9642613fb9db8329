package tenancy

import (
	"encoding/json"
	"net/http"
)

// Middleware attaches the project resolved by resolver to the request
// context. A request naming a malformed or conflicting project is rejected
// with 400 before any handler runs. A nil resolver uses PathResolver.
func Middleware(resolver TenantResolver) func(http.Handler) http.Handler {
	if resolver == nil {
		resolver = PathResolver{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := resolver.Resolve(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "invalid_request",
					"message": err.Error(),
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tc)))
		})
	}
}
