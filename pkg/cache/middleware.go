package cache

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// CacheMiddleware serves repeated GETs from c. keyFn maps a request to its
// key and defaults to the request URI. Only 200 responses are stored, and
// never when the handler sets Cache-Control: no-store. Responses carry
// X-Cache: HIT or MISS.
func CacheMiddleware(c *LRUCache[[]byte], keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = func(r *http.Request) string { return r.URL.RequestURI() }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFn(r)
			if body, ok := c.Get(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				_, _ = w.Write(body)
				return
			}

			w.Header().Set("X-Cache", "MISS")
			var buf bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			if ww.Status() == http.StatusOK && ww.Header().Get("Cache-Control") != "no-store" {
				c.Set(key, buf.Bytes())
			}
		})
	}
}
