package cache

import (
	"net/http"
	"strings"
)

// CacheManager owns the estimate response cache and knows how to drop a
// project's entries when its assets change.
type CacheManager struct {
	estimates *LRUCache[[]byte]
}

// NewCacheManager creates a CacheManager from the given configuration.
// If cfg is nil or disabled, it returns nil. All methods are safe on nil.
func NewCacheManager(cfg *CacheConfig) *CacheManager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &CacheManager{
		estimates: NewLRUCache[[]byte](cfg.MaxSize, cfg.EstimateTTL),
	}
}

// EstimateMiddleware caches GET estimate responses. The key is the project
// scoped part of the path plus the query, so InvalidateProject can find it.
func (cm *CacheManager) EstimateMiddleware() func(http.Handler) http.Handler {
	if cm == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return CacheMiddleware(cm.estimates, projectKey)
}

// InvalidateProject drops every cached response of one project.
func (cm *CacheManager) InvalidateProject(projectID string) int {
	if cm == nil {
		return 0
	}
	return cm.estimates.InvalidatePrefix("projects/" + projectID + "/")
}

// InvalidateAll clears every cache entry.
func (cm *CacheManager) InvalidateAll() {
	if cm == nil {
		return
	}
	cm.estimates.InvalidateAll()
}

// projectKey trims everything before "projects/" so keys do not depend on
// where the router is mounted.
func projectKey(r *http.Request) string {
	uri := r.URL.RequestURI()
	if i := strings.Index(uri, "projects/"); i >= 0 {
		return uri[i:]
	}
	return uri
}
