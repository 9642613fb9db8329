package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seoforge/playbook-engine/pkg/audit"
	"github.com/seoforge/playbook-engine/pkg/jobs"
	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/generation"
	"github.com/seoforge/playbook-engine/pkg/playbook/rules"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
)

// EstimateInput describes an estimate.
type EstimateInput struct {
	PlaybookID string
	Scope      scope.Request
	Rules      RulesInput
}

// Estimate is the read-only sizing of a playbook run. ScopeID and
// RulesHash are the values a later generate or apply must carry.
type Estimate struct {
	ProjectID     string             `json:"projectId"`
	PlaybookID    string             `json:"playbookId"`
	AssetType     playbook.AssetType `json:"assetType"`
	Field         playbook.Field     `json:"field"`
	ScopeID       string             `json:"scopeId"`
	RulesHash     string             `json:"rulesHash"`
	AffectedCount int                `json:"affectedCount"`
	Eligible      bool               `json:"eligible"`
	Excluded      []scope.Excluded   `json:"excluded,omitempty"`
}

// Estimate resolves the scope and counts affected assets. Nothing is
// persisted and the AI provider is not called.
func (s *Service) Estimate(ctx context.Context, in EstimateInput) (*Estimate, error) {
	p, err := s.prepare(ctx, in.PlaybookID, in.Scope, in.Rules)
	if err != nil {
		return nil, err
	}
	return &Estimate{
		ProjectID:     p.scope.ProjectID,
		PlaybookID:    p.playbook.ID,
		AssetType:     p.scope.AssetType,
		Field:         p.playbook.Field,
		ScopeID:       p.scope.ID,
		RulesHash:     p.rulesHash,
		AffectedCount: len(p.scope.Assets),
		Eligible:      len(p.scope.Assets) > 0,
		Excluded:      p.scope.Excluded,
	}, nil
}

// PreviewInput describes a preview.
type PreviewInput struct {
	PlaybookID string
	Scope      scope.Request
	Rules      RulesInput
	SampleSize int
	BrandNotes string
}

// Preview generates a small sample for the scope. The sample is cached in
// memory only and never becomes the draft of its key.
func (s *Service) Preview(ctx context.Context, in PreviewInput) (*generation.Preview, error) {
	if _, err := s.coordinator.SampleSize(in.SampleSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	p, err := s.prepare(ctx, in.PlaybookID, in.Scope, in.Rules)
	if err != nil {
		return nil, err
	}
	return s.coordinator.Preview(ctx, generation.PreviewRequest{
		Request:    p.generationRequest(in.BrandNotes, ""),
		SampleSize: in.SampleSize,
	})
}

// GenerateInput describes a draft generation. ScopeID and RulesHash are
// optional; when set they must match what the request resolves to now.
type GenerateInput struct {
	PlaybookID string
	Scope      scope.Request
	Rules      RulesInput
	ScopeID    string
	RulesHash  string
	BrandNotes string
	Actor      string
}

// DraftDetail is a draft with its suggestion rows.
type DraftDetail struct {
	Draft       *drafts.DraftRecord
	Suggestions []drafts.SuggestionRecord
	// Reused is true when generation found the draft already complete.
	Reused bool
}

func checkExpected(p *prepared, scopeID, rulesHash string) error {
	if scopeID != "" && scopeID != p.scope.ID {
		return fmt.Errorf("%w: scope resolves to %s, not %s", drafts.ErrStaleDraft, p.scope.ID, scopeID)
	}
	if rulesHash != "" && rulesHash != p.rulesHash {
		return fmt.Errorf("%w: rules hash is %s, not %s", drafts.ErrStaleDraft, p.rulesHash, rulesHash)
	}
	return nil
}

// GenerateDraft returns the draft for the request's cache key, generating
// whatever rows are missing. Calling it again for a complete draft makes
// no provider calls.
func (s *Service) GenerateDraft(ctx context.Context, in GenerateInput) (*DraftDetail, error) {
	p, err := s.prepare(ctx, in.PlaybookID, in.Scope, in.Rules)
	if err != nil {
		return nil, err
	}
	if err := checkExpected(p, in.ScopeID, in.RulesHash); err != nil {
		return nil, err
	}
	return s.generate(ctx, p, in.BrandNotes, in.Actor)
}

func (s *Service) generate(ctx context.Context, p *prepared, brandNotes, actor string) (*DraftDetail, error) {
	out, err := s.coordinator.Generate(ctx, p.generationRequest(brandNotes, actor))
	if err != nil {
		return nil, err
	}
	d := out.Draft
	if !out.Reused {
		s.recorder.Record(ctx, audit.Event{
			ProjectID:    d.ProjectID,
			Actor:        actor,
			Action:       audit.ActionDraftGenerated,
			ResourceType: audit.ResourceDraft,
			ResourceID:   d.ID,
			Metadata: map[string]any{
				"playbookId":        d.PlaybookID,
				"scopeId":           d.ScopeID,
				"rulesHash":         d.RulesHash,
				"status":            string(d.Status),
				"affectedTotal":     d.AffectedTotal,
				"draftGenerated":    d.DraftGenerated,
				"noSuggestionCount": d.NoSuggestionCount,
				"aiCalled":          d.AICalled,
				"created":           out.Created,
			},
		})
	}
	rows, err := s.drafts.Suggestions(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	return &DraftDetail{Draft: d, Suggestions: rows, Reused: out.Reused}, nil
}

// jobPayload is the serialized form of a queued generation. Rules are
// stored resolved so a preset edited after enqueue does not change the run.
type jobPayload struct {
	PlaybookID string           `json:"playbookId"`
	Scope      scope.Request    `json:"scope"`
	Rules      rules.RuleConfig `json:"rules"`
	BrandNotes string           `json:"brandNotes,omitempty"`
	Actor      string           `json:"actor,omitempty"`
}

// EnqueueGeneration validates the request and queues it for the worker
// pool. A queued or running job for the same cache key is returned instead
// of a new one, with created=false.
func (s *Service) EnqueueGeneration(ctx context.Context, in GenerateInput) (*jobs.GenerationJob, bool, error) {
	if s.jobs == nil {
		return nil, false, ErrAsyncDisabled
	}
	p, err := s.prepare(ctx, in.PlaybookID, in.Scope, in.Rules)
	if err != nil {
		return nil, false, err
	}
	if err := checkExpected(p, in.ScopeID, in.RulesHash); err != nil {
		return nil, false, err
	}

	payload, err := json.Marshal(jobPayload{
		PlaybookID: p.playbook.ID,
		Scope:      in.Scope,
		Rules:      p.rules,
		BrandNotes: in.BrandNotes,
		Actor:      in.Actor,
	})
	if err != nil {
		return nil, false, fmt.Errorf("encode job payload: %w", err)
	}

	job, created, err := s.jobs.Enqueue(ctx, &jobs.GenerationJob{
		ProjectID:      p.scope.ProjectID,
		PlaybookID:     p.playbook.ID,
		IdempotencyKey: drafts.CacheKey(p.scope.ProjectID, p.playbook.ID, p.scope.ID, p.rulesHash),
		Payload:        string(payload),
		RequestedBy:    in.Actor,
		RequestedAt:    time.Now(),
	})
	if err != nil {
		return nil, false, err
	}
	if created && s.notifier != nil {
		s.notifier.Notify()
	}
	return job, created, nil
}

// GenerateForJob runs a queued generation. It implements
// jobs.DraftGenerator. The scope is resolved again at run time, so assets
// deleted while the job waited are excluded.
func (s *Service) GenerateForJob(ctx context.Context, job *jobs.GenerationJob) (jobs.Result, error) {
	var pl jobPayload
	if err := json.Unmarshal([]byte(job.Payload), &pl); err != nil {
		return jobs.Result{}, fmt.Errorf("decode job payload: %w", err)
	}
	cfg := pl.Rules
	p, err := s.prepare(ctx, pl.PlaybookID, pl.Scope, RulesInput{Config: &cfg})
	if err != nil {
		return jobs.Result{}, err
	}
	detail, err := s.generate(ctx, p, pl.BrandNotes, pl.Actor)
	if err != nil {
		return jobs.Result{}, err
	}
	if detail.Draft.Status == drafts.StatusPending && detail.Draft.LastError != "" {
		// Provider unreachable: let the job retry.
		return jobs.Result{}, errors.New(detail.Draft.LastError)
	}
	return jobs.Result{DraftID: detail.Draft.ID, DraftStatus: string(detail.Draft.Status)}, nil
}

func (s *Service) detail(ctx context.Context, d *drafts.DraftRecord) (*DraftDetail, error) {
	rows, err := s.drafts.Suggestions(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	return &DraftDetail{Draft: d, Suggestions: rows}, nil
}

// LatestDraft returns the newest non-stale draft of a playbook in a
// project, or nil when there is none.
func (s *Service) LatestDraft(ctx context.Context, projectID, playbookID string) (*DraftDetail, error) {
	if _, err := playbook.Lookup(playbookID); err != nil {
		return nil, err
	}
	d, err := s.drafts.Latest(ctx, projectID, playbookID)
	if err != nil || d == nil {
		return nil, err
	}
	return s.detail(ctx, d)
}

// GetDraft returns a draft of the project. Drafts of other projects are
// reported as not found.
func (s *Service) GetDraft(ctx context.Context, projectID, draftID string) (*DraftDetail, error) {
	d, err := s.drafts.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if d == nil || d.ProjectID != projectID {
		return nil, fmt.Errorf("%w: %s", drafts.ErrDraftNotFound, draftID)
	}
	return s.detail(ctx, d)
}

// ListDrafts lists the drafts of a project, newest first.
func (s *Service) ListDrafts(ctx context.Context, filter drafts.ListFilter, pageSize int, pageToken string) ([]drafts.DraftRecord, string, int, error) {
	if filter.ProjectID == "" {
		return nil, "", 0, invalidRequest("projectId is required")
	}
	return s.drafts.List(ctx, filter, pageSize, pageToken)
}

// InvalidateAsset reports that an asset changed or disappeared in the
// storefront. Every live draft whose scope contains it becomes STALE and
// the project's cached estimates and previews are dropped.
func (s *Service) InvalidateAsset(ctx context.Context, projectID, assetKey, actor string) ([]string, error) {
	if projectID == "" {
		return nil, invalidRequest("projectId is required")
	}
	ref, err := scope.ParseKey(assetKey)
	if err != nil {
		return nil, err
	}
	ids, err := s.drafts.MarkStaleContaining(ctx, projectID, ref.Key(), drafts.StaleScopeChanged)
	s.invalidateCaches(projectID)
	for _, id := range ids {
		s.recorder.Record(ctx, audit.Event{
			ProjectID:    projectID,
			Actor:        actor,
			Action:       audit.ActionDraftStale,
			ResourceType: audit.ResourceDraft,
			ResourceID:   id,
			Reason:       drafts.StaleScopeChanged,
			Metadata:     map[string]any{"assetRef": ref.Key()},
		})
	}
	if err != nil {
		return ids, err
	}
	s.logger.Info("asset invalidated", "projectId", projectID, "assetRef", ref.Key(), "staleDrafts", len(ids))
	return ids, nil
}
