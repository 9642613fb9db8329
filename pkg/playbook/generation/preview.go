package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/hashing"
	"github.com/seoforge/playbook-engine/pkg/playbook/rules"
	"github.com/seoforge/playbook-engine/pkg/playbook/suggest"
)

// PreviewCache holds preview results in memory. *cache.LRUCache[*Preview]
// implements it.
type PreviewCache interface {
	Get(key string) (*Preview, bool)
	Set(key string, p *Preview)
	InvalidatePrefix(prefix string) int
}

// PreviewItem is the sample result for one asset.
type PreviewItem struct {
	AssetRef      string   `json:"assetRef"`
	CurrentValue  string   `json:"currentValue"`
	RawSuggestion string   `json:"rawSuggestion,omitempty"`
	Final         string   `json:"finalSuggestion,omitempty"`
	Warnings      []string `json:"ruleWarnings,omitempty"`
	Outcome       string   `json:"outcome"`
	FailureReason string   `json:"failureReason,omitempty"`
}

// Preview is a small generated sample. It is never persisted.
type Preview struct {
	ProjectID     string        `json:"projectId"`
	PlaybookID    string        `json:"playbookId"`
	ScopeID       string        `json:"scopeId"`
	RulesHash     string        `json:"rulesHash"`
	AffectedTotal int           `json:"affectedTotal"`
	SampleSize    int           `json:"sampleSize"`
	Items         []PreviewItem `json:"items"`
	GeneratedAt   time.Time     `json:"generatedAt"`
	Cached        bool          `json:"cached"`
}

func (p *Preview) clone() *Preview {
	cp := *p
	cp.Items = append([]PreviewItem(nil), p.Items...)
	return &cp
}

// PreviewRequest describes a preview.
type PreviewRequest struct {
	Request
	SampleSize int
}

// ErrSampleSize is returned for a sample size outside 1..PreviewMaxSize.
var ErrSampleSize = errors.New("invalid preview sample size")

// SampleSize resolves the requested sample size: zero means the default,
// anything above the maximum is rejected.
func (c *Coordinator) SampleSize(requested int) (int, error) {
	switch {
	case requested == 0:
		return c.cfg.PreviewSampleSize, nil
	case requested < 0 || requested > c.cfg.PreviewMaxSize:
		return 0, fmt.Errorf("%w: %d (max %d)", ErrSampleSize, requested, c.cfg.PreviewMaxSize)
	}
	return requested, nil
}

// previewKey starts with the project ID so InvalidateProject can drop a
// project's entries by prefix. Brand notes change the prompt, so they are
// part of the key.
func previewKey(projectID, playbookID, scopeID, rulesHash, brandNotes string, n int) string {
	notes := hashing.WithDomain(hashing.DomainNotes, []byte(brandNotes))
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d", projectID, playbookID, scopeID, rulesHash, notes, n)
}

// Preview generates suggestions for the first SampleSize assets of the
// scope in canonical order. Results are cached per
// (project, playbook, scope, rules, brand notes, size) until
// InvalidateProject.
func (c *Coordinator) Preview(ctx context.Context, req PreviewRequest) (*Preview, error) {
	if req.Scope == nil {
		return nil, errors.New("preview request has no scope")
	}
	n, err := c.SampleSize(req.SampleSize)
	if err != nil {
		return nil, err
	}
	key := previewKey(req.Scope.ProjectID, req.Playbook.ID, req.Scope.ID, req.RulesHash, req.BrandNotes, n)
	if c.previews != nil {
		if p, ok := c.previews.Get(key); ok {
			cp := p.clone()
			cp.Cached = true
			return cp, nil
		}
	}

	sample := req.Scope.Assets
	if len(sample) > n {
		sample = sample[:n]
	}
	field := req.Playbook.Field
	pc := suggest.PromptContext{Playbook: req.Playbook, BrandNotes: req.BrandNotes}

	items := make([]PreviewItem, len(sample))
	var reached bool
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, asset := range sample {
		g.Go(func() error {
			item := PreviewItem{AssetRef: asset.Ref.Key(), CurrentValue: asset.Value(field)}
			raw, err := c.source.Generate(gctx, asset, field, pc)
			if err != nil {
				var gf *suggest.GenerationFailure
				reason := string(suggest.ReasonProviderError)
				if errors.As(err, &gf) {
					reason = string(gf.Reason)
					if gf.Reached {
						mu.Lock()
						reached = true
						mu.Unlock()
					}
				}
				item.Outcome = string(drafts.OutcomeNoSuggestion)
				item.FailureReason = reason
				items[i] = item
				return nil
			}
			mu.Lock()
			reached = true
			mu.Unlock()

			res := rules.Apply(raw.Text, field, req.Rules)
			item.RawSuggestion = raw.Text
			item.Warnings = res.Warnings
			if res.Empty() {
				item.Outcome = string(drafts.OutcomeNoSuggestion)
				item.FailureReason = ReasonEmptyAfterRules
			} else {
				item.Outcome = string(drafts.OutcomeGenerated)
				item.Final = res.Final
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &Preview{
		ProjectID:     req.Scope.ProjectID,
		PlaybookID:    req.Playbook.ID,
		ScopeID:       req.Scope.ID,
		RulesHash:     req.RulesHash,
		AffectedTotal: len(req.Scope.Assets),
		SampleSize:    len(sample),
		Items:         items,
		GeneratedAt:   time.Now().UTC(),
	}
	// Samples where the provider never answered are not cached.
	if c.previews != nil && (reached || len(sample) == 0) {
		c.previews.Set(key, p.clone())
	}
	return p, nil
}

// InvalidateProject drops cached previews of a project.
func (c *Coordinator) InvalidateProject(projectID string) int {
	if c.previews == nil {
		return 0
	}
	return c.previews.InvalidatePrefix(projectID + "|")
}
