package suggest

import (
	"os"
	"strconv"
	"time"
)

// Config controls how the generator calls the AI provider.
type Config struct {
	Timeout      time.Duration // Per-attempt timeout. Default 20s.
	MaxAttempts  int           // Attempts per asset, including the first. Default 2.
	RetryBackoff time.Duration // Pause between attempts. Default 500ms.
	RatePerSec   float64       // Provider calls per second across all batches. Default 5. 0 disables.
	Burst        int           // Limiter burst. Default 5.
}

// DefaultConfig returns the default generator configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:      20 * time.Second,
		MaxAttempts:  2,
		RetryBackoff: 500 * time.Millisecond,
		RatePerSec:   5,
		Burst:        5,
	}
}

// ConfigFromEnv loads config from environment variables.
// PLAYBOOK_AI_TIMEOUT_SECONDS, PLAYBOOK_AI_MAX_ATTEMPTS, PLAYBOOK_AI_RETRY_BACKOFF_MS,
// PLAYBOOK_AI_RATE_PER_SEC, PLAYBOOK_AI_BURST
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PLAYBOOK_AI_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Timeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("PLAYBOOK_AI_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("PLAYBOOK_AI_RETRY_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RetryBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("PLAYBOOK_AI_RATE_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.RatePerSec = f
		}
	}
	if v := os.Getenv("PLAYBOOK_AI_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Burst = n
		}
	}

	return cfg
}
