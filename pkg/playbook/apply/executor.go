// Package apply writes the suggestions of a resolved draft to the external
// asset store, at most once per (draft, asset, field).
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seoforge/playbook-engine/pkg/ha"
	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/ledger"
)

// ErrAssetNotFound is returned by an AssetWriter when the asset no longer
// exists in the external store.
var ErrAssetNotFound = errors.New("asset not found")

// ErrInvalidDraft is returned for a ResolvedDraft not built by
// drafts.Store.Resolve.
var ErrInvalidDraft = errors.New("draft was not resolved from storage")

// AssetWriter updates a single field of an external asset.
type AssetWriter interface {
	UpdateField(ctx context.Context, externalID string, field playbook.Field, value string) error
}

// Ledger is the idempotency ledger the executor consults and appends to.
type Ledger interface {
	AppliedUnits(ctx context.Context, draftID string) (map[ledger.UnitKey]time.Time, error)
	Append(ctx context.Context, e *ledger.EntryRecord) (bool, error)
}

// Stamper records applied_at on draft rows.
type Stamper interface {
	MarkApplied(ctx context.Context, draftID, assetKey, field string, at time.Time) error
}

// Failure reasons.
const (
	ReasonAssetNotFound = "ASSET_NOT_FOUND"
	ReasonTimeout       = "TIMEOUT"
	ReasonWriteFailed   = "WRITE_FAILED"
	ReasonLedgerError   = "LEDGER_ERROR"
	ReasonCanceled      = "CANCELED"
)

// Failure is one row that was not applied. Failed rows are retried by the
// next apply of the same draft.
type Failure struct {
	AssetKey string `json:"assetRef"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// Result aggregates one apply invocation.
type Result struct {
	DraftID               string    `json:"draftId"`
	AppliedCount          int       `json:"appliedCount"`
	SkippedAlreadyApplied int       `json:"skippedAlreadyApplied"`
	FailedCount           int       `json:"failedCount"`
	Failures              []Failure `json:"failures"`

	attempted int
}

// Attempted reports whether any row reached the external store.
func (r *Result) Attempted() bool { return r != nil && r.attempted > 0 }

// Executor applies resolved drafts. Applies of one draft are serialized;
// different drafts run independently.
type Executor struct {
	writer  AssetWriter
	ledger  Ledger
	stamper Stamper
	local   *ha.LocalKeyLocker
	locker  ha.KeyLocker
	cfg     *Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor creates an Executor. locker may be nil, in which case only
// the in-process lock is used.
func NewExecutor(writer AssetWriter, l Ledger, stamper Stamper, locker ha.KeyLocker, cfg *Config, logger *slog.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		writer:  writer,
		ledger:  l,
		stamper: stamper,
		local:   ha.NewLocalKeyLocker(),
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Apply writes every unit of rd that the ledger does not list yet. Row
// failures are reported in the Result. When the lock is lost after rows were
// attempted, Apply returns the Result together with the error; otherwise an
// error means nothing was written.
func (e *Executor) Apply(ctx context.Context, rd *drafts.ResolvedDraft, appliedBy string) (*Result, error) {
	if !rd.Valid() {
		return nil, ErrInvalidDraft
	}

	var result *Result
	lockKey := "apply:" + rd.ID()
	err := e.local.WithLock(ctx, lockKey, func(ctx context.Context) error {
		if e.locker == nil {
			var err error
			result, err = e.apply(ctx, rd, appliedBy)
			return err
		}
		return e.locker.WithLock(ctx, lockKey, func(ctx context.Context) error {
			var err error
			result, err = e.apply(ctx, rd, appliedBy)
			return err
		})
	})
	if err != nil {
		if result.Attempted() {
			return result, err
		}
		return nil, err
	}
	return result, nil
}

func (e *Executor) apply(ctx context.Context, rd *drafts.ResolvedDraft, appliedBy string) (*Result, error) {
	applied, err := e.ledger.AppliedUnits(ctx, rd.ID())
	if err != nil {
		return nil, fmt.Errorf("load ledger for draft %s: %w", rd.ID(), err)
	}

	result := &Result{DraftID: rd.ID(), Failures: []Failure{}}
	var pending []drafts.Unit
	for _, u := range rd.Units() {
		if _, done := applied[ledger.UnitKey{AssetKey: u.AssetKey, Field: u.Field}]; done {
			result.SkippedAlreadyApplied++
			continue
		}
		pending = append(pending, u)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, u := range pending {
		g.Go(func() error {
			failure, inserted := e.applyUnit(gctx, rd, u, appliedBy)
			mu.Lock()
			defer mu.Unlock()
			result.attempted++
			switch {
			case failure != nil:
				result.FailedCount++
				result.Failures = append(result.Failures, *failure)
			case inserted:
				result.AppliedCount++
			default:
				result.SkippedAlreadyApplied++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Failures, func(i, j int) bool {
		if result.Failures[i].AssetKey != result.Failures[j].AssetKey {
			return result.Failures[i].AssetKey < result.Failures[j].AssetKey
		}
		return result.Failures[i].Field < result.Failures[j].Field
	})

	e.logger.Info("apply finished",
		"draftId", rd.ID(),
		"applied", result.AppliedCount,
		"skipped", result.SkippedAlreadyApplied,
		"failed", result.FailedCount,
	)
	return result, nil
}

// applyUnit writes one unit and records it in the ledger. The ledger entry
// is written only after the external store confirmed the write.
func (e *Executor) applyUnit(ctx context.Context, rd *drafts.ResolvedDraft, u drafts.Unit, appliedBy string) (*Failure, bool) {
	if err := ctx.Err(); err != nil {
		return &Failure{AssetKey: u.AssetKey, Field: u.Field, Reason: ReasonCanceled, Detail: err.Error()}, false
	}

	rowCtx, cancel := context.WithTimeout(ctx, e.cfg.RowTimeout)
	err := e.writer.UpdateField(rowCtx, u.ExternalID, playbook.Field(u.Field), u.Value)
	cancel()
	if err != nil {
		reason := ReasonWriteFailed
		switch {
		case errors.Is(err, ErrAssetNotFound):
			reason = ReasonAssetNotFound
		case errors.Is(err, context.DeadlineExceeded):
			reason = ReasonTimeout
		case errors.Is(err, context.Canceled):
			reason = ReasonCanceled
		}
		e.logger.Warn("external write failed", "draftId", rd.ID(), "asset", u.AssetKey, "reason", reason, "error", err)
		return &Failure{AssetKey: u.AssetKey, Field: u.Field, Reason: reason, Detail: err.Error()}, false
	}

	at := e.now().UTC()
	inserted, err := e.ledger.Append(context.WithoutCancel(ctx), &ledger.EntryRecord{
		DraftID:    rd.ID(),
		AssetKey:   u.AssetKey,
		Field:      u.Field,
		ProjectID:  rd.ProjectID(),
		ExternalID: u.ExternalID,
		Value:      u.Value,
		AppliedBy:  appliedBy,
		AppliedAt:  at,
	})
	if err != nil {
		e.logger.Error("ledger append failed after external write", "draftId", rd.ID(), "asset", u.AssetKey, "error", err)
		return &Failure{AssetKey: u.AssetKey, Field: u.Field, Reason: ReasonLedgerError, Detail: err.Error()}, false
	}

	if e.stamper != nil {
		if err := e.stamper.MarkApplied(context.WithoutCancel(ctx), rd.ID(), u.AssetKey, u.Field, at); err != nil {
			e.logger.Warn("failed to stamp applied row", "draftId", rd.ID(), "asset", u.AssetKey, "error", err)
		}
	}
	return nil, inserted
}
