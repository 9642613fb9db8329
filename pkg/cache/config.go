package cache

import (
	"os"
	"strconv"
	"time"
)

// CacheConfig sizes the in-process caches in front of the playbook service.
// Estimates are cheap to recompute and expire fast; previews cost AI calls
// and are kept longer.
type CacheConfig struct {
	Enabled     bool
	EstimateTTL time.Duration
	PreviewTTL  time.Duration
	MaxSize     int // entries per cache
}

// DefaultCacheConfig returns the built-in cache settings.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Enabled:     true,
		EstimateTTL: 30 * time.Second,
		PreviewTTL:  10 * time.Minute,
		MaxSize:     1000,
	}
}

// CacheConfigFromEnv overlays PLAYBOOK_CACHE_ENABLED, PLAYBOOK_CACHE_MAX_SIZE,
// PLAYBOOK_CACHE_ESTIMATE_TTL and PLAYBOOK_CACHE_PREVIEW_TTL on the defaults.
// TTLs accept a Go duration ("45s") or a bare number of seconds.
func CacheConfigFromEnv() *CacheConfig {
	cfg := DefaultCacheConfig()
	if b, err := strconv.ParseBool(os.Getenv("PLAYBOOK_CACHE_ENABLED")); err == nil {
		cfg.Enabled = b
	}
	if n, err := strconv.Atoi(os.Getenv("PLAYBOOK_CACHE_MAX_SIZE")); err == nil && n > 0 {
		cfg.MaxSize = n
	}
	if d, ok := ttlFromEnv("PLAYBOOK_CACHE_ESTIMATE_TTL"); ok {
		cfg.EstimateTTL = d
	}
	if d, ok := ttlFromEnv("PLAYBOOK_CACHE_PREVIEW_TTL"); ok {
		cfg.PreviewTTL = d
	}
	return cfg
}

func ttlFromEnv(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, secs > 0
	}
	d, err := time.ParseDuration(v)
	return d, err == nil && d > 0
}
