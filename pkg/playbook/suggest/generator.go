// Package suggest is the only place the playbook engine calls the AI
// provider. Every failure is converted into a typed GenerationFailure so a
// single asset can never abort a batch.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
)

// Provider is the AI text-generation backend.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt string) (string, error)

func (f ProviderFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ErrUnavailable is wrapped by providers when the request never reached the
// model (connection refused, DNS failure, missing credentials).
var ErrUnavailable = errors.New("ai provider unavailable")

// FailureReason classifies a GenerationFailure.
type FailureReason string

const (
	ReasonTimeout       FailureReason = "TIMEOUT"
	ReasonProviderError FailureReason = "PROVIDER_ERROR"
	ReasonEmptyOutput   FailureReason = "EMPTY_OUTPUT"
	ReasonRateLimited   FailureReason = "RATE_LIMITED"
	ReasonCanceled      FailureReason = "CANCELED"
)

// GenerationFailure is the per-asset failure outcome. Reached reports
// whether any attempt was accepted by the provider, including attempts
// that later timed out.
type GenerationFailure struct {
	Reason   FailureReason
	Reached  bool
	Attempts int
	Err      error
}

func (f *GenerationFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("generation failed (%s): %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("generation failed (%s)", f.Reason)
}

func (f *GenerationFailure) Unwrap() error { return f.Err }

// RawSuggestion is unprocessed provider output.
type RawSuggestion struct {
	Text     string
	Attempts int
}

// PromptContext carries what the prompt is built from besides the asset.
type PromptContext struct {
	Playbook   playbook.Playbook
	BrandNotes string
	Locale     string
}

// Generator wraps a Provider with timeouts, bounded retry and a shared
// rate limiter.
type Generator struct {
	provider Provider
	cfg      *Config
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewGenerator creates a Generator. A nil cfg uses DefaultConfig.
func NewGenerator(provider Provider, cfg *Config, logger *slog.Logger) *Generator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Generator{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}
}

// Generate asks the provider for one (asset, field) suggestion. The returned
// error, when non-nil, is always a *GenerationFailure.
func (g *Generator) Generate(ctx context.Context, asset scope.Asset, field playbook.Field, pc PromptContext) (RawSuggestion, error) {
	prompt := BuildPrompt(asset, field, pc)
	attempts := g.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last *GenerationFailure
	reached := false
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && !g.sleep(ctx) {
			break
		}
		if err := g.limiter.Wait(ctx); err != nil {
			reason := ReasonRateLimited
			if ctx.Err() != nil {
				reason = ReasonCanceled
			}
			last = &GenerationFailure{Reason: reason, Err: err}
			break
		}

		made++
		text, failure := g.attempt(ctx, prompt)
		if failure == nil {
			return RawSuggestion{Text: text, Attempts: attempt}, nil
		}
		reached = reached || failure.Reached
		last = failure
		if !retryable(failure.Reason) || ctx.Err() != nil {
			break
		}
		g.logger.Debug("retrying suggestion", "asset", asset.Ref.Key(), "attempt", attempt, "reason", failure.Reason)
	}

	if last == nil {
		last = &GenerationFailure{Reason: ReasonCanceled, Err: ctx.Err()}
	}
	last.Reached = reached || last.Reached
	last.Attempts = made
	return RawSuggestion{}, last
}

func (g *Generator) attempt(ctx context.Context, prompt string) (string, *GenerationFailure) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	text, err := g.provider.Complete(callCtx, prompt)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return "", &GenerationFailure{Reason: ReasonCanceled, Err: ctx.Err()}
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
			// The request went out; the provider just did not answer in time.
			return "", &GenerationFailure{Reason: ReasonTimeout, Reached: true, Err: err}
		case errors.Is(err, ErrUnavailable):
			return "", &GenerationFailure{Reason: ReasonProviderError, Err: err}
		default:
			return "", &GenerationFailure{Reason: ReasonProviderError, Reached: true, Err: err}
		}
	}
	text = strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
	if text == "" {
		return "", &GenerationFailure{Reason: ReasonEmptyOutput, Reached: true}
	}
	return text, nil
}

func (g *Generator) sleep(ctx context.Context) bool {
	if g.cfg.RetryBackoff <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(g.cfg.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func retryable(r FailureReason) bool {
	return r == ReasonTimeout || r == ReasonProviderError
}

// BuildPrompt renders the provider prompt for one asset.
func BuildPrompt(asset scope.Asset, field playbook.Field, pc PromptContext) string {
	var b strings.Builder
	switch field {
	case playbook.FieldSEODescription:
		fmt.Fprintf(&b, "Write an SEO meta description of at most %d characters", field.HardLimit())
	default:
		fmt.Fprintf(&b, "Write an SEO title of at most %d characters", field.HardLimit())
	}
	fmt.Fprintf(&b, " for this %s. Reply with the text only.\n", strings.ToLower(strings.TrimSuffix(string(asset.Ref.AssetType), "S")))
	if asset.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", asset.Title)
	}
	if asset.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", truncateForPrompt(asset.Description, 600))
	}
	if pc.Locale != "" {
		fmt.Fprintf(&b, "Language: %s\n", pc.Locale)
	}
	if pc.BrandNotes != "" {
		fmt.Fprintf(&b, "Brand notes: %s\n", pc.BrandNotes)
	}
	return b.String()
}

func truncateForPrompt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
