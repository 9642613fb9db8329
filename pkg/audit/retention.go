package audit

import (
	"context"
	"log/slog"
	"time"
)

// RetentionWorker prunes the audit trail. Draft and HTTP events older
// than the retention window are deleted; apply and approval events are
// kept when the config asks for it, since they are the only record of what
// was written to a storefront and who signed off.
type RetentionWorker struct {
	store *Store
	cfg   *AuditConfig
	log   *slog.Logger
	now   func() time.Time
}

// NewRetentionWorker creates a RetentionWorker. A nil cfg uses the defaults.
func NewRetentionWorker(store *Store, cfg *AuditConfig, logger *slog.Logger) *RetentionWorker {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{store: store, cfg: cfg, log: logger, now: time.Now}
}

// Run sweeps once per SweepInterval until ctx is done. It returns at once
// when there is nothing to prune.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.store == nil || w.cfg.RetentionDays <= 0 {
		w.log.Info("audit retention disabled", "retentionDays", w.cfg.RetentionDays)
		return
	}
	interval := w.cfg.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	w.log.Info("audit retention started",
		"retentionDays", w.cfg.RetentionDays,
		"interval", interval.String(),
		"keepApplyHistory", w.cfg.KeepApplyHistory)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) int64 {
	cutoff := w.now().AddDate(0, 0, -w.cfg.RetentionDays)
	deleted, err := w.store.DeleteOlderThan(ctx, cutoff, w.cfg.protectedActions()...)
	if err != nil {
		w.log.Error("audit retention sweep failed", "error", err)
		return 0
	}
	if deleted > 0 {
		w.log.Info("audit events pruned", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted
}
