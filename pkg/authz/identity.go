package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/seoforge/playbook-engine/pkg/playbook"
)

// identityCtxKey is an unexported type used as the context key for Identity.
type identityCtxKey struct{}

// Identity represents the authenticated user making a request. Role is the
// fallback for projects not listed in Projects.
type Identity struct {
	User     string
	Groups   []string
	Role     playbook.Role
	Projects map[string]playbook.Role
}

// RoleFor returns the user's role on projectID.
func (id Identity) RoleFor(projectID string) playbook.Role {
	if r, ok := id.Projects[projectID]; ok {
		return r
	}
	if id.Role == "" {
		return playbook.RoleViewer
	}
	return id.Role
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the zero value and false if no identity is set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// IdentityMiddleware returns HTTP middleware that establishes the caller's
// identity and stores it in the request context.
//
// With a verifier, a bearer token is required and its claims are the only
// source of identity. Without one, X-Remote-User, X-Remote-Group and
// X-User-Role are trusted; a missing user defaults to "anonymous" and a
// missing role to VIEWER.
func IdentityMiddleware(verifier *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id Identity
			if verifier != nil {
				raw, ok := bearerToken(r)
				if !ok {
					writeUnauthorized(w, "missing bearer token")
					return
				}
				claimed, err := verifier.Verify(raw)
				if err != nil {
					writeUnauthorized(w, "invalid bearer token")
					return
				}
				id = claimed
			} else {
				id = headerIdentity(r)
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func headerIdentity(r *http.Request) Identity {
	user := strings.TrimSpace(r.Header.Get("X-Remote-User"))
	if user == "" {
		user = "anonymous"
	}

	var groups []string
	groupHeader := strings.TrimSpace(r.Header.Get("X-Remote-Group"))
	if groupHeader != "" {
		for _, g := range strings.Split(groupHeader, ",") {
			g = strings.TrimSpace(g)
			if g != "" {
				groups = append(groups, g)
			}
		}
	}

	return Identity{
		User:   user,
		Groups: groups,
		Role:   playbook.ParseRole(r.Header.Get("X-User-Role")),
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
