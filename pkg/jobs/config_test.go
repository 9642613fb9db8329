package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobConfigFromEnv(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *JobConfig)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg *JobConfig) {
				assert.Equal(t, DefaultJobConfig(), cfg)
			},
		},
		{
			name: "overrides",
			env: map[string]string{
				"PLAYBOOK_JOB_ENABLED":        "false",
				"PLAYBOOK_JOB_CONCURRENCY":    "6",
				"PLAYBOOK_JOB_MAX_RETRIES":    "0",
				"PLAYBOOK_JOB_POLL_INTERVAL":  "250ms",
				"PLAYBOOK_JOB_RUN_TIMEOUT":    "2m",
				"PLAYBOOK_JOB_CLAIM_TIMEOUT":  "5m",
				"PLAYBOOK_JOB_RETENTION_DAYS": "0",
			},
			check: func(t *testing.T, cfg *JobConfig) {
				assert.False(t, cfg.Enabled)
				assert.Equal(t, 6, cfg.Concurrency)
				assert.Zero(t, cfg.MaxRetries)
				assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
				assert.Equal(t, 2*time.Minute, cfg.RunTimeout)
				assert.Equal(t, 5*time.Minute, cfg.ClaimTimeout)
				assert.Zero(t, cfg.RetentionDays)
			},
		},
		{
			name: "unparsable values keep defaults",
			env: map[string]string{
				"PLAYBOOK_JOB_ENABLED":       "maybe",
				"PLAYBOOK_JOB_CONCURRENCY":   "0",
				"PLAYBOOK_JOB_POLL_INTERVAL": "2",
				"PLAYBOOK_JOB_MAX_RETRIES":   "-1",
			},
			check: func(t *testing.T, cfg *JobConfig) {
				assert.True(t, cfg.Enabled)
				assert.Equal(t, 2, cfg.Concurrency)
				assert.Equal(t, 3, cfg.MaxRetries)
				assert.Equal(t, 2*time.Second, cfg.PollInterval)
			},
		},
		{
			name: "claim timeout stays above run timeout",
			env: map[string]string{
				"PLAYBOOK_JOB_RUN_TIMEOUT":   "20m",
				"PLAYBOOK_JOB_CLAIM_TIMEOUT": "10m",
			},
			check: func(t *testing.T, cfg *JobConfig) {
				assert.Equal(t, 21*time.Minute, cfg.ClaimTimeout)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			tt.check(t, JobConfigFromEnv())
		})
	}
}
