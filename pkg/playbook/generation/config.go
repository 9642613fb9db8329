package generation

import (
	"os"
	"strconv"
	"time"
)

// Config controls draft generation and previews.
type Config struct {
	Concurrency       int           // Max concurrent suggestion calls per batch. Default 4.
	PreviewSampleSize int           // Preview sample size when none is requested. Default 3.
	PreviewMaxSize    int           // Largest allowed preview sample. Default 10.
	FlightTimeout     time.Duration // Upper bound for one generation batch. Default 10m.
}

// DefaultConfig returns the default generation configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:       4,
		PreviewSampleSize: 3,
		PreviewMaxSize:    10,
		FlightTimeout:     10 * time.Minute,
	}
}

// ConfigFromEnv loads config from environment variables.
// PLAYBOOK_GENERATION_CONCURRENCY, PLAYBOOK_PREVIEW_SAMPLE_SIZE,
// PLAYBOOK_PREVIEW_MAX_SIZE, PLAYBOOK_GENERATION_TIMEOUT_MINUTES
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PLAYBOOK_GENERATION_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("PLAYBOOK_PREVIEW_SAMPLE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PreviewSampleSize = n
		}
	}
	if v := os.Getenv("PLAYBOOK_PREVIEW_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PreviewMaxSize = n
		}
	}
	if v := os.Getenv("PLAYBOOK_GENERATION_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FlightTimeout = time.Duration(n) * time.Minute
		}
	}
	if cfg.PreviewSampleSize > cfg.PreviewMaxSize {
		cfg.PreviewSampleSize = cfg.PreviewMaxSize
	}
	return cfg
}
