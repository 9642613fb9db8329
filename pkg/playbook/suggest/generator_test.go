package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
)

func testConfig() *Config {
	return &Config{Timeout: 50 * time.Millisecond, MaxAttempts: 2, RatePerSec: 0, Burst: 1}
}

func testAsset() scope.Asset {
	return scope.Asset{Ref: scope.ProductRef("1"), Title: "Linen Shirt", Description: "Breathable linen."}
}

func TestGenerate_Success(t *testing.T) {
	var prompts []string
	g := NewGenerator(ProviderFunc(func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return `  "Linen Shirt for Summer"  `, nil
	}), testConfig(), nil)

	raw, err := g.Generate(context.Background(), testAsset(), playbook.FieldSEOTitle, PromptContext{BrandNotes: "friendly"})
	require.NoError(t, err)
	assert.Equal(t, "Linen Shirt for Summer", raw.Text)
	assert.Equal(t, 1, raw.Attempts)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "SEO title of at most 60 characters for this product")
	assert.Contains(t, prompts[0], "Brand notes: friendly")
}

func TestGenerate_RetriesProviderError(t *testing.T) {
	var calls atomic.Int32
	g := NewGenerator(ProviderFunc(func(context.Context, string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("502 bad gateway")
		}
		return "Second try", nil
	}), testConfig(), nil)

	raw, err := g.Generate(context.Background(), testAsset(), playbook.FieldSEOTitle, PromptContext{})
	require.NoError(t, err)
	assert.Equal(t, "Second try", raw.Text)
	assert.Equal(t, 2, raw.Attempts)
}

func TestGenerate_FailureReasons(t *testing.T) {
	tests := []struct {
		name        string
		provider    ProviderFunc
		wantReason  FailureReason
		wantReached bool
		wantCalls   int32
	}{
		{
			name:        "provider error",
			provider:    func(context.Context, string) (string, error) { return "", errors.New("500") },
			wantReason:  ReasonProviderError,
			wantReached: true,
			wantCalls:   2,
		},
		{
			name:       "unreachable",
			provider:   func(context.Context, string) (string, error) { return "", fmt.Errorf("dial: %w", ErrUnavailable) },
			wantReason: ReasonProviderError,
			wantCalls:  2,
		},
		{
			name:        "empty output",
			provider:    func(context.Context, string) (string, error) { return `  ""  `, nil },
			wantReason:  ReasonEmptyOutput,
			wantReached: true,
			wantCalls:   1,
		},
		{
			name: "timeout",
			provider: func(ctx context.Context, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			wantReason:  ReasonTimeout,
			wantReached: true,
			wantCalls:   2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			g := NewGenerator(ProviderFunc(func(ctx context.Context, p string) (string, error) {
				calls.Add(1)
				return tt.provider(ctx, p)
			}), testConfig(), nil)

			_, err := g.Generate(context.Background(), testAsset(), playbook.FieldSEOTitle, PromptContext{})
			var failure *GenerationFailure
			require.True(t, errors.As(err, &failure))
			assert.Equal(t, tt.wantReason, failure.Reason)
			assert.Equal(t, tt.wantReached, failure.Reached)
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, int(tt.wantCalls), failure.Attempts)
		})
	}
}

func TestGenerate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGenerator(ProviderFunc(func(context.Context, string) (string, error) {
		cancel()
		return "", errors.New("interrupted")
	}), testConfig(), nil)

	_, err := g.Generate(ctx, testAsset(), playbook.FieldSEOTitle, PromptContext{})
	var failure *GenerationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonCanceled, failure.Reason)
	assert.Equal(t, 1, failure.Attempts)
}

func TestGenerate_RateLimitedByDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSec = 0.001
	cfg.Burst = 1
	g := NewGenerator(ProviderFunc(func(context.Context, string) (string, error) {
		return "ok", nil
	}), cfg, nil)

	_, err := g.Generate(context.Background(), testAsset(), playbook.FieldSEOTitle, PromptContext{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, testAsset(), playbook.FieldSEOTitle, PromptContext{})
	var failure *GenerationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonRateLimited, failure.Reason)
	assert.Equal(t, 0, failure.Attempts)
}

func TestBuildPrompt_Description(t *testing.T) {
	asset := scope.Asset{
		Ref:         scope.HandleRef(playbook.AssetTypeCollections, "summer"),
		Title:       "Summer",
		Description: strings.Repeat("x", 700),
	}
	p := BuildPrompt(asset, playbook.FieldSEODescription, PromptContext{Locale: "de"})
	assert.Contains(t, p, "meta description of at most 155 characters for this collection")
	assert.Contains(t, p, "Language: de")
	assert.NotContains(t, p, strings.Repeat("x", 601))
}
