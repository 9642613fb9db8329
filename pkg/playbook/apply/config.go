package apply

import (
	"os"
	"strconv"
	"time"
)

// Config controls apply execution.
type Config struct {
	Concurrency int           // Max concurrent external writes per apply. Default 4.
	RowTimeout  time.Duration // Timeout of one external write. Default 15s.
}

// DefaultConfig returns the default apply configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: 4,
		RowTimeout:  15 * time.Second,
	}
}

// ConfigFromEnv loads config from environment variables.
// PLAYBOOK_APPLY_CONCURRENCY, PLAYBOOK_APPLY_ROW_TIMEOUT_SECONDS
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PLAYBOOK_APPLY_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("PLAYBOOK_APPLY_ROW_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RowTimeout = time.Duration(n) * time.Second
		}
	}
	return cfg
}
