// Package generation produces automation drafts and previews. Generation
// for one cache key runs at most once at a time across the process (and
// across replicas when a distributed KeyLocker is configured).
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/seoforge/playbook-engine/pkg/ha"
	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/rules"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
	"github.com/seoforge/playbook-engine/pkg/playbook/suggest"
)

// ReasonEmptyAfterRules marks a suggestion that rules reduced to nothing.
const ReasonEmptyAfterRules = "EMPTY_AFTER_RULES"

// SuggestionSource produces raw suggestions. *suggest.Generator implements
// it; errors are expected to be *suggest.GenerationFailure.
type SuggestionSource interface {
	Generate(ctx context.Context, asset scope.Asset, field playbook.Field, pc suggest.PromptContext) (suggest.RawSuggestion, error)
}

// Request describes one draft generation.
type Request struct {
	Scope       *scope.Scope
	Playbook    playbook.Playbook
	Rules       rules.RuleConfig
	RulesHash   string
	BrandNotes  string
	RequestedBy string
}

// CacheKey returns the draft cache key of the request.
func (r Request) CacheKey() string {
	return drafts.CacheKey(r.Scope.ProjectID, r.Playbook.ID, r.Scope.ID, r.RulesHash)
}

// Outcome is the result of Generate. Reused is true when the call found
// the draft already complete and made no provider calls.
type Outcome struct {
	Draft  *drafts.DraftRecord
	Reused bool
	// Created is true when this call created the draft row.
	Created bool
}

// Coordinator runs draft generation and previews.
type Coordinator struct {
	drafts   *drafts.Store
	source   SuggestionSource
	locker   ha.KeyLocker
	previews PreviewCache
	cfg      *Config
	logger   *slog.Logger
	flight   singleflight.Group
}

// NewCoordinator creates a Coordinator. locker and previews may be nil.
func NewCoordinator(store *drafts.Store, source SuggestionSource, locker ha.KeyLocker, previews PreviewCache, cfg *Config, logger *slog.Logger) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = ha.NewLocalKeyLocker()
	}
	return &Coordinator{
		drafts:   store,
		source:   source,
		locker:   locker,
		previews: previews,
		cfg:      cfg,
		logger:   logger,
	}
}

// Generate returns the draft for the request's cache key, generating the
// missing rows if needed. Concurrent calls for one key share a single run.
// The run is detached from ctx: a caller giving up does not cancel the
// batch, it only stops waiting for it.
func (c *Coordinator) Generate(ctx context.Context, req Request) (*Outcome, error) {
	if req.Scope == nil {
		return nil, errors.New("generation request has no scope")
	}
	key := req.CacheKey()

	ch := c.flight.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlightTimeout)
		defer cancel()

		var out *Outcome
		err := c.locker.WithLock(runCtx, "generate:"+key, func(lctx context.Context) error {
			var err error
			out, err = c.generate(lctx, req, key)
			return err
		})
		return out, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*Outcome)
		if res.Shared {
			out.Created = false
		}
		return &out, nil
	}
}

type assetFailure struct {
	asset   scope.Asset
	failure *suggest.GenerationFailure
}

func (c *Coordinator) generate(ctx context.Context, req Request, key string) (*Outcome, error) {
	current, err := c.drafts.FindCurrent(ctx, key)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Status == drafts.StatusComplete {
		return &Outcome{Draft: current, Reused: true}, nil
	}

	excluded := make(map[string]string, len(req.Scope.Excluded))
	for _, e := range req.Scope.Excluded {
		excluded[e.Ref.Key()] = e.Reason
	}
	d, created, err := c.drafts.Claim(ctx, drafts.ClaimInput{
		ProjectID:     req.Scope.ProjectID,
		PlaybookID:    req.Playbook.ID,
		ScopeID:       req.Scope.ID,
		RulesHash:     req.RulesHash,
		AssetType:     string(req.Scope.AssetType),
		Field:         string(req.Playbook.Field),
		ScopeRefs:     req.Scope.Keys(),
		Excluded:      excluded,
		RulesSnapshot: req.Rules,
		CreatedBy:     req.RequestedBy,
	})
	if err != nil {
		return nil, err
	}

	existing, err := c.drafts.Suggestions(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(existing))
	for _, row := range existing {
		done[row.AssetKey] = true
	}
	var todo []scope.Asset
	for _, a := range req.Scope.Assets {
		if !done[a.Ref.Key()] {
			todo = append(todo, a)
		}
	}

	if len(todo) == 0 {
		final, err := c.drafts.Finalize(ctx, d.ID, "")
		if err != nil {
			return nil, err
		}
		return &Outcome{Draft: final, Created: created, Reused: !created}, nil
	}

	lastError := c.runBatch(ctx, d, req, todo)
	final, err := c.drafts.Finalize(ctx, d.ID, lastError)
	if err != nil {
		return nil, err
	}
	c.logger.Info("draft generation finished",
		"draftId", final.ID,
		"status", final.Status,
		"generated", final.DraftGenerated,
		"noSuggestion", final.NoSuggestionCount,
		"affected", final.AffectedTotal,
	)
	return &Outcome{Draft: final, Created: created}, nil
}

// runBatch generates rows for todo and returns the error to record on the
// draft, if any. Per-asset failures become NO_SUGGESTION rows unless the
// whole batch failed without ever reaching the provider; then nothing is
// persisted so a later call retries every asset.
func (c *Coordinator) runBatch(ctx context.Context, d *drafts.DraftRecord, req Request, todo []scope.Asset) string {
	field := req.Playbook.Field
	pc := suggest.PromptContext{Playbook: req.Playbook, BrandNotes: req.BrandNotes}

	var (
		mu        sync.Mutex
		failures  []assetFailure
		persisted int
		storeErrs []string
		closed    bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, asset := range todo {
		g.Go(func() error {
			raw, err := c.source.Generate(gctx, asset, field, pc)
			if err != nil {
				var gf *suggest.GenerationFailure
				if !errors.As(err, &gf) {
					gf = &suggest.GenerationFailure{Reason: suggest.ReasonProviderError, Err: err}
				}
				mu.Lock()
				failures = append(failures, assetFailure{asset: asset, failure: gf})
				mu.Unlock()
				return nil
			}

			row := suggestionRow(d.ID, asset, field, raw.Text, req.Rules)
			_, err = c.drafts.UpsertSuggestion(ctx, row)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, drafts.ErrDraftClosed):
				closed = true
			case err != nil:
				storeErrs = append(storeErrs, err.Error())
			default:
				persisted++
			}
			return nil
		})
	}
	_ = g.Wait()

	if closed {
		return ""
	}

	reached := persisted > 0
	for _, f := range failures {
		reached = reached || f.failure.Reached
	}
	if !reached && len(failures) > 0 {
		reason := failures[0].failure
		c.logger.Warn("ai provider unreachable, draft left pending", "draftId", d.ID, "reason", reason.Reason, "error", reason.Err)
		return fmt.Sprintf("ai provider unavailable (%s)", reason.Reason)
	}

	var deferred []string
	for _, f := range failures {
		if !terminal(f.failure.Reason) {
			deferred = append(deferred, f.asset.Ref.Key())
			continue
		}
		row := &drafts.SuggestionRecord{
			DraftID:       d.ID,
			AssetKey:      f.asset.Ref.Key(),
			Field:         string(field),
			ExternalID:    f.asset.ExternalID,
			CurrentValue:  f.asset.Value(field),
			Outcome:       drafts.OutcomeNoSuggestion,
			FailureReason: string(f.failure.Reason),
			AIReached:     f.failure.Reached,
		}
		if _, err := c.drafts.UpsertSuggestion(ctx, row); err != nil && !errors.Is(err, drafts.ErrDraftClosed) {
			storeErrs = append(storeErrs, err.Error())
		}
	}

	var msgs []string
	if len(deferred) > 0 {
		msgs = append(msgs, fmt.Sprintf("%d assets not attempted", len(deferred)))
	}
	msgs = append(msgs, storeErrs...)
	return strings.Join(msgs, "; ")
}

// terminal reports whether a failure is a final answer for the asset.
// Cancellations and local rate limiting leave the asset for a later run.
func terminal(r suggest.FailureReason) bool {
	return r != suggest.ReasonCanceled && r != suggest.ReasonRateLimited
}

func suggestionRow(draftID string, asset scope.Asset, field playbook.Field, raw string, cfg rules.RuleConfig) *drafts.SuggestionRecord {
	res := rules.Apply(raw, field, cfg)
	row := &drafts.SuggestionRecord{
		DraftID:       draftID,
		AssetKey:      asset.Ref.Key(),
		Field:         string(field),
		ExternalID:    asset.ExternalID,
		CurrentValue:  asset.Value(field),
		RawSuggestion: raw,
		RuleWarnings:  drafts.JSONStringSlice(res.Warnings),
		AIReached:     true,
	}
	if res.Empty() {
		row.Outcome = drafts.OutcomeNoSuggestion
		row.FailureReason = ReasonEmptyAfterRules
		return row
	}
	final := res.Final
	row.FinalSuggestion = &final
	row.Outcome = drafts.OutcomeGenerated
	return row
}
