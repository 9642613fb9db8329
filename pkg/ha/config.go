// Package ha provides the primitives that let several playbook-engine
// replicas share one database: migration locking and per-key locks that
// serialize draft generation and apply across processes.
package ha

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Lock backends.
const (
	BackendLocal    = "local"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// HAConfig selects how replicas coordinate.
type HAConfig struct {
	// LockBackend is local (single replica), postgres (advisory locks) or
	// redis (SET NX PX). Unknown names are kept so NewKeyLocker can reject
	// them at startup.
	LockBackend string

	// RedisURL, when set, takes precedence over the discrete Redis fields,
	// e.g. redis://:secret@cache:6379/2.
	RedisURL      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LockTTL is how long a redis lock outlives a crashed holder; live
	// holders keep refreshing it.
	LockTTL       time.Duration
	RetryInterval time.Duration

	MigrationLockEnabled bool

	// Identity names this replica in lock rows and logs.
	Identity string
}

// DefaultHAConfig returns the single-replica configuration.
func DefaultHAConfig() *HAConfig {
	return &HAConfig{
		LockBackend:          BackendLocal,
		RedisAddr:            "localhost:6379",
		LockTTL:              30 * time.Second,
		RetryInterval:        100 * time.Millisecond,
		MigrationLockEnabled: true,
		Identity:             defaultIdentity(),
	}
}

// HAConfigFromEnv overlays these variables on the defaults:
//
//	PLAYBOOK_LOCK_BACKEND            local | postgres | redis
//	PLAYBOOK_REDIS_URL               redis:// URL
//	PLAYBOOK_REDIS_ADDR              host:port
//	PLAYBOOK_REDIS_PASSWORD
//	PLAYBOOK_REDIS_DB
//	PLAYBOOK_LOCK_TTL                duration, e.g. 45s
//	PLAYBOOK_LOCK_RETRY_INTERVAL     duration, e.g. 250ms
//	PLAYBOOK_MIGRATION_LOCK_ENABLED  bool
//	POD_NAME                         replica identity
func HAConfigFromEnv() *HAConfig {
	cfg := DefaultHAConfig()

	if v := strings.TrimSpace(os.Getenv("PLAYBOOK_LOCK_BACKEND")); v != "" {
		cfg.LockBackend = strings.ToLower(v)
	}
	cfg.RedisURL = os.Getenv("PLAYBOOK_REDIS_URL")
	if v := os.Getenv("PLAYBOOK_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	cfg.RedisPassword = os.Getenv("PLAYBOOK_REDIS_PASSWORD")
	if n, err := strconv.Atoi(os.Getenv("PLAYBOOK_REDIS_DB")); err == nil && n >= 0 {
		cfg.RedisDB = n
	}
	if d, err := time.ParseDuration(os.Getenv("PLAYBOOK_LOCK_TTL")); err == nil && d >= time.Second {
		cfg.LockTTL = d
	}
	if d, err := time.ParseDuration(os.Getenv("PLAYBOOK_LOCK_RETRY_INTERVAL")); err == nil && d > 0 {
		cfg.RetryInterval = d
	}
	if b, err := strconv.ParseBool(os.Getenv("PLAYBOOK_MIGRATION_LOCK_ENABLED")); err == nil {
		cfg.MigrationLockEnabled = b
	}
	return cfg
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "unknown"
}
