package ha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var haEnv = []string{
	"PLAYBOOK_LOCK_BACKEND",
	"PLAYBOOK_REDIS_URL",
	"PLAYBOOK_REDIS_ADDR",
	"PLAYBOOK_REDIS_PASSWORD",
	"PLAYBOOK_REDIS_DB",
	"PLAYBOOK_LOCK_TTL",
	"PLAYBOOK_LOCK_RETRY_INTERVAL",
	"PLAYBOOK_MIGRATION_LOCK_ENABLED",
}

func TestHAConfigFromEnv(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *HAConfig)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg *HAConfig) {
				assert.Equal(t, BackendLocal, cfg.LockBackend)
				assert.Equal(t, "localhost:6379", cfg.RedisAddr)
				assert.Equal(t, 30*time.Second, cfg.LockTTL)
				assert.Equal(t, 100*time.Millisecond, cfg.RetryInterval)
				assert.True(t, cfg.MigrationLockEnabled)
				assert.NotEmpty(t, cfg.Identity)
			},
		},
		{
			name: "redis fields",
			env: map[string]string{
				"PLAYBOOK_LOCK_BACKEND":   " Redis ",
				"PLAYBOOK_REDIS_ADDR":     "redis:6380",
				"PLAYBOOK_REDIS_PASSWORD": "secret",
				"PLAYBOOK_REDIS_DB":       "2",
			},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.Equal(t, BackendRedis, cfg.LockBackend)
				assert.Equal(t, "redis:6380", cfg.RedisAddr)
				assert.Equal(t, "secret", cfg.RedisPassword)
				assert.Equal(t, 2, cfg.RedisDB)
			},
		},
		{
			name: "unknown backend is kept for startup validation",
			env:  map[string]string{"PLAYBOOK_LOCK_BACKEND": "zookeeper"},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.Equal(t, "zookeeper", cfg.LockBackend)
			},
		},
		{
			name: "durations",
			env: map[string]string{
				"PLAYBOOK_LOCK_TTL":            "90s",
				"PLAYBOOK_LOCK_RETRY_INTERVAL": "250ms",
			},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.Equal(t, 90*time.Second, cfg.LockTTL)
				assert.Equal(t, 250*time.Millisecond, cfg.RetryInterval)
			},
		},
		{
			name: "ttl below one second ignored",
			env:  map[string]string{"PLAYBOOK_LOCK_TTL": "10ms", "PLAYBOOK_REDIS_DB": "-1"},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.Equal(t, 30*time.Second, cfg.LockTTL)
				assert.Zero(t, cfg.RedisDB)
			},
		},
		{
			name: "migration lock disabled",
			env:  map[string]string{"PLAYBOOK_MIGRATION_LOCK_ENABLED": "0"},
			check: func(t *testing.T, cfg *HAConfig) {
				assert.False(t, cfg.MigrationLockEnabled)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range haEnv {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			tt.check(t, HAConfigFromEnv())
		})
	}
}

func TestIdentityFromPodName(t *testing.T) {
	t.Setenv("POD_NAME", "playbook-server-abc-123")
	assert.Equal(t, "playbook-server-abc-123", HAConfigFromEnv().Identity)
}

func TestRedisOptions(t *testing.T) {
	cfg := DefaultHAConfig()
	cfg.RedisAddr = "cache:6379"
	cfg.RedisDB = 3
	opts, err := redisOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 3, opts.DB)

	cfg.RedisURL = "redis://:pw@other:6380/5"
	opts, err = redisOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "other:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 5, opts.DB)

	cfg.RedisURL = "http://nope"
	_, err = redisOptions(cfg)
	assert.Error(t, err)
}
