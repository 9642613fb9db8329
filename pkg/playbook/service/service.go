// Package service exposes the playbook engine entry points: estimate,
// preview, draft generation, apply, approvals and asset invalidation. It
// owns no state of its own; it sequences the engine packages and records
// audit events around them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/seoforge/playbook-engine/pkg/audit"
	"github.com/seoforge/playbook-engine/pkg/cache"
	"github.com/seoforge/playbook-engine/pkg/jobs"
	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/apply"
	"github.com/seoforge/playbook-engine/pkg/playbook/approvals"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/generation"
	"github.com/seoforge/playbook-engine/pkg/playbook/rules"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
)

var (
	// ErrInvalidRequest marks caller input the service rejects before doing
	// any work (bad rules, missing identifiers).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAsyncDisabled is returned by EnqueueGeneration without a job store.
	ErrAsyncDisabled = errors.New("async generation is not configured")
)

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Notifier wakes the job workers after an enqueue. *jobs.WorkerPool
// implements it.
type Notifier interface {
	Notify()
}

// Options wires the service to its collaborators. Catalog, Drafts,
// Coordinator, Executor, Approvals and Policies are required; the rest may
// be nil.
type Options struct {
	Catalog     scope.Catalog
	Drafts      *drafts.Store
	Coordinator *generation.Coordinator
	Executor    *apply.Executor
	Approvals   *approvals.Store
	Policies    approvals.PolicySource
	Presets     *rules.Presets
	Jobs        *jobs.JobStore
	Notifier    Notifier
	Recorder    *audit.Recorder
	Cache       *cache.CacheManager
	Logger      *slog.Logger
}

// Service implements the playbook entry points.
type Service struct {
	resolver    *scope.Resolver
	drafts      *drafts.Store
	coordinator *generation.Coordinator
	executor    *apply.Executor
	approvals   *approvals.Store
	policies    approvals.PolicySource
	gate        approvals.Gate
	presets     *rules.Presets
	jobs        *jobs.JobStore
	notifier    Notifier
	recorder    *audit.Recorder
	cache       *cache.CacheManager
	validate    *validator.Validate
	logger      *slog.Logger
}

// New creates a Service from opts.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	presets := opts.Presets
	if presets == nil {
		presets = rules.NewPresets(nil)
	}
	policies := opts.Policies
	if policies == nil {
		policies = approvals.NewStaticPolicies(approvals.Policy{}, nil)
	}
	return &Service{
		resolver:    scope.NewResolver(opts.Catalog),
		drafts:      opts.Drafts,
		coordinator: opts.Coordinator,
		executor:    opts.Executor,
		approvals:   opts.Approvals,
		policies:    policies,
		presets:     presets,
		jobs:        opts.Jobs,
		notifier:    opts.Notifier,
		recorder:    opts.Recorder,
		cache:       opts.Cache,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
	}
}

// SetNotifier installs the job notifier. The worker pool needs the service
// as its generator, so it is usually created after the service.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Playbooks lists the registered playbooks.
func (s *Service) Playbooks() []playbook.Playbook {
	return playbook.All()
}

// RulesInput selects the rule configuration of a run: an inline config, a
// named preset, or (neither) the playbook field's default.
type RulesInput struct {
	Preset string            `json:"preset,omitempty"`
	Config *rules.RuleConfig `json:"config,omitempty"`
}

func (s *Service) resolveRules(pb playbook.Playbook, in RulesInput) (rules.RuleConfig, string, error) {
	var cfg rules.RuleConfig
	switch {
	case in.Config != nil:
		if err := s.validate.Struct(in.Config); err != nil {
			return rules.RuleConfig{}, "", invalidRequest("rules: %v", err)
		}
		cfg = *in.Config
	case in.Preset != "":
		p, ok := s.presets.Get(in.Preset, pb.Field)
		if !ok {
			return rules.RuleConfig{}, "", invalidRequest("unknown rule preset %q for %s", in.Preset, pb.Field)
		}
		cfg = p
	default:
		cfg = rules.Default(pb.Field)
	}
	return cfg, rules.Hash(cfg), nil
}

// prepared is a request after playbook lookup, scope resolution and rules
// selection.
type prepared struct {
	playbook  playbook.Playbook
	scope     *scope.Scope
	rules     rules.RuleConfig
	rulesHash string
}

func (s *Service) prepare(ctx context.Context, playbookID string, req scope.Request, ri RulesInput) (*prepared, error) {
	pb, err := playbook.Lookup(playbookID)
	if err != nil {
		return nil, err
	}
	cfg, hash, err := s.resolveRules(pb, ri)
	if err != nil {
		return nil, err
	}
	sc, err := s.resolver.Resolve(ctx, req, pb.Field)
	if err != nil {
		return nil, err
	}
	return &prepared{playbook: pb, scope: sc, rules: cfg, rulesHash: hash}, nil
}

func (p *prepared) generationRequest(brandNotes, actor string) generation.Request {
	return generation.Request{
		Scope:       p.scope,
		Playbook:    p.playbook,
		Rules:       p.rules,
		RulesHash:   p.rulesHash,
		BrandNotes:  brandNotes,
		RequestedBy: actor,
	}
}

func (s *Service) invalidateCaches(projectID string) {
	n := s.cache.InvalidateProject(projectID)
	if s.coordinator != nil {
		n += s.coordinator.InvalidateProject(projectID)
	}
	if n > 0 {
		s.logger.Debug("invalidated cached playbook results", "projectId", projectID, "entries", n)
	}
}
