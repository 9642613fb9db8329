package audit

import (
	"os"
	"strconv"
	"time"
)

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Enabled       bool          // Middleware active. Default true.
	LogDenied     bool          // Record 401/403 responses. Default true.
	RetentionDays int           // 0 keeps everything. Default 180.
	SweepInterval time.Duration // Default 24h.
	// KeepApplyHistory exempts apply and approval events from the
	// retention sweep. Default true.
	KeepApplyHistory bool
}

// DefaultAuditConfig returns the default configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled:          true,
		LogDenied:        true,
		RetentionDays:    180,
		SweepInterval:    24 * time.Hour,
		KeepApplyHistory: true,
	}
}

// AuditConfigFromEnv loads config from environment variables.
// PLAYBOOK_AUDIT_ENABLED, PLAYBOOK_AUDIT_LOG_DENIED, PLAYBOOK_AUDIT_RETENTION_DAYS,
// PLAYBOOK_AUDIT_SWEEP_INTERVAL, PLAYBOOK_AUDIT_KEEP_APPLY_HISTORY
func AuditConfigFromEnv() *AuditConfig {
	cfg := DefaultAuditConfig()

	if v, err := strconv.ParseBool(os.Getenv("PLAYBOOK_AUDIT_ENABLED")); err == nil {
		cfg.Enabled = v
	}
	if v, err := strconv.ParseBool(os.Getenv("PLAYBOOK_AUDIT_LOG_DENIED")); err == nil {
		cfg.LogDenied = v
	}
	if v, err := strconv.Atoi(os.Getenv("PLAYBOOK_AUDIT_RETENTION_DAYS")); err == nil && v >= 0 {
		cfg.RetentionDays = v
	}
	if d, err := time.ParseDuration(os.Getenv("PLAYBOOK_AUDIT_SWEEP_INTERVAL")); err == nil && d >= time.Minute {
		cfg.SweepInterval = d
	}
	if v, err := strconv.ParseBool(os.Getenv("PLAYBOOK_AUDIT_KEEP_APPLY_HISTORY")); err == nil {
		cfg.KeepApplyHistory = v
	}
	return cfg
}

// protectedActions are the domain actions retention leaves alone.
func (c *AuditConfig) protectedActions() []string {
	if !c.KeepApplyHistory {
		return nil
	}
	return []string{
		ActionApplyExecuted,
		ActionApprovalRequested,
		ActionApprovalDecided,
		ActionApprovalConsumed,
	}
}
