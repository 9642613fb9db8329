package jobs

import (
	"os"
	"strconv"
	"time"
)

// JobConfig tunes the async generation queue.
type JobConfig struct {
	Enabled      bool          // PLAYBOOK_JOB_ENABLED, default true. When false drafts can only be generated inline.
	Concurrency  int           // Worker goroutines per replica. Default 2.
	MaxRetries   int           // Attempts before a job is marked failed. Default 3.
	PollInterval time.Duration // Idle poll period; Notify short-circuits it. Default 2s.
	// RunTimeout bounds a single generation attempt. Default 10m.
	RunTimeout time.Duration
	// ClaimTimeout is how long a job may stay running before another replica
	// requeues it. Kept above RunTimeout. Default 15m.
	ClaimTimeout  time.Duration
	RetentionDays int // Finished jobs older than this are deleted. Default 7, 0 keeps them.
}

// DefaultJobConfig returns the default queue settings.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Enabled:       true,
		Concurrency:   2,
		MaxRetries:    3,
		PollInterval:  2 * time.Second,
		RunTimeout:    10 * time.Minute,
		ClaimTimeout:  15 * time.Minute,
		RetentionDays: 7,
	}
}

// JobConfigFromEnv reads PLAYBOOK_JOB_* variables. Durations use Go syntax
// ("500ms", "2m"); values that fail to parse keep the default.
func JobConfigFromEnv() *JobConfig {
	cfg := DefaultJobConfig()
	if v, ok := os.LookupEnv("PLAYBOOK_JOB_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Enabled = b
		}
	}
	envInt("PLAYBOOK_JOB_CONCURRENCY", 1, &cfg.Concurrency)
	envInt("PLAYBOOK_JOB_MAX_RETRIES", 0, &cfg.MaxRetries)
	envInt("PLAYBOOK_JOB_RETENTION_DAYS", 0, &cfg.RetentionDays)
	envDuration("PLAYBOOK_JOB_POLL_INTERVAL", 10*time.Millisecond, &cfg.PollInterval)
	envDuration("PLAYBOOK_JOB_RUN_TIMEOUT", time.Second, &cfg.RunTimeout)
	envDuration("PLAYBOOK_JOB_CLAIM_TIMEOUT", time.Second, &cfg.ClaimTimeout)
	if cfg.ClaimTimeout <= cfg.RunTimeout {
		cfg.ClaimTimeout = cfg.RunTimeout + time.Minute
	}
	return cfg
}

func envInt(key string, min int, dst *int) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n >= min {
		*dst = n
	}
}

func envDuration(key string, min time.Duration, dst *time.Duration) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d >= min {
		*dst = d
	}
}
