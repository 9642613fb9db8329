package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/seoforge/playbook-engine/pkg/audit"
	"github.com/seoforge/playbook-engine/pkg/cache"
	"github.com/seoforge/playbook-engine/pkg/ha"
	"github.com/seoforge/playbook-engine/pkg/jobs"
	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/apply"
	"github.com/seoforge/playbook-engine/pkg/playbook/approvals"
	"github.com/seoforge/playbook-engine/pkg/playbook/catalogstore"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/generation"
	"github.com/seoforge/playbook-engine/pkg/playbook/ledger"
	"github.com/seoforge/playbook-engine/pkg/playbook/rules"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
	"github.com/seoforge/playbook-engine/pkg/playbook/suggest"
)

const project = "shop-1"

// fakeWriter records external writes; IDs in missing behave like assets
// deleted in the storefront.
type fakeWriter struct {
	mu      sync.Mutex
	calls   map[string]int
	missing map[string]bool
}

func (w *fakeWriter) UpdateField(_ context.Context, externalID string, _ playbook.Field, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls[externalID]++
	if w.missing[externalID] {
		return apply.ErrAssetNotFound
	}
	return nil
}

func (w *fakeWriter) callsFor(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[id]
}

// applyLocker stands in for the distributed draft lock. It can fail before
// running fn, or report the lock lost once fn has returned.
type applyLocker struct {
	failBefore atomic.Bool
	loseAfter  atomic.Bool
}

func (l *applyLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l.failBefore.Load() {
		return errors.New("lock backend unavailable")
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if l.loseAfter.Load() {
		return fmt.Errorf("%w: %s", ha.ErrLockLost, key)
	}
	return nil
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

type testEnv struct {
	svc      *Service
	catalog  *catalogstore.Store
	writer   *fakeWriter
	audit    *audit.Store
	jobs     *jobs.JobStore
	notifier *countingNotifier
	locker   *applyLocker
	aiCalls  atomic.Int32
	aiDown   atomic.Bool
}

// newEnv builds a service over an in-memory database. The provider answers
// "Buy <title> online" and fails for assets titled "Broken".
func newEnv(t *testing.T, policies ...approvals.Policy) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	env := &testEnv{
		catalog:  catalogstore.NewStore(db),
		writer:   &fakeWriter{calls: map[string]int{}, missing: map[string]bool{}},
		audit:    audit.NewStore(db),
		jobs:     jobs.NewJobStore(db),
		notifier: &countingNotifier{},
		locker:   &applyLocker{},
	}
	draftStore := drafts.NewStore(db)
	approvalStore := approvals.NewStore(db)
	ledgerStore := ledger.New(db)
	require.NoError(t, env.catalog.AutoMigrate())
	require.NoError(t, draftStore.AutoMigrate())
	require.NoError(t, approvalStore.AutoMigrate())
	require.NoError(t, ledgerStore.AutoMigrate())
	require.NoError(t, env.audit.AutoMigrate())
	require.NoError(t, env.jobs.AutoMigrate())

	provider := suggest.ProviderFunc(func(_ context.Context, prompt string) (string, error) {
		if env.aiDown.Load() {
			return "", suggest.ErrUnavailable
		}
		env.aiCalls.Add(1)
		title := ""
		for _, line := range strings.Split(prompt, "\n") {
			if v, ok := strings.CutPrefix(line, "Title: "); ok {
				title = v
			}
		}
		if title == "Broken" {
			return "", errors.New("model overloaded")
		}
		return "Buy " + title + " online", nil
	})
	gen := suggest.NewGenerator(provider, &suggest.Config{
		Timeout:     time.Second,
		MaxAttempts: 1,
	}, nil)
	previews := cache.NewLRUCache[*generation.Preview](100, time.Minute)
	coord := generation.NewCoordinator(draftStore, gen, nil, previews, nil, nil)
	exec := apply.NewExecutor(env.writer, ledgerStore, draftStore, env.locker, nil, nil)

	env.svc = New(Options{
		Catalog:     env.catalog,
		Drafts:      draftStore,
		Coordinator: coord,
		Executor:    exec,
		Approvals:   approvalStore,
		Policies:    approvals.NewStaticPolicies(approvals.Policy{}, policies),
		Presets: rules.NewPresets([]rules.Preset{
			{Name: "short", Field: playbook.FieldSEOTitle, Rules: rules.RuleConfig{Enabled: true, MaxLength: 20}},
		}),
		Jobs:     env.jobs,
		Notifier: env.notifier,
		Recorder: audit.NewRecorder(env.audit, nil),
		Cache:    cache.NewCacheManager(cache.DefaultCacheConfig()),
	})
	return env
}

func (e *testEnv) seedProducts(t *testing.T, titles map[string]string) {
	t.Helper()
	for id, title := range titles {
		require.NoError(t, e.catalog.Upsert(context.Background(), &catalogstore.AssetRecord{
			ProjectID:  project,
			AssetType:  playbook.AssetTypeProducts,
			ProductID:  id,
			ExternalID: "gid://Product/" + id,
			Title:      title,
		}))
	}
}

func productScope(ids ...string) scope.Request {
	return scope.Request{ProjectID: project, AssetType: playbook.AssetTypeProducts, ProductIDs: ids}
}

func maxLength60() RulesInput {
	return RulesInput{Config: &rules.RuleConfig{Enabled: true, MaxLength: 60}}
}

func (e *testEnv) generate(t *testing.T, sc scope.Request) *DraftDetail {
	t.Helper()
	d, err := e.svc.GenerateDraft(context.Background(), GenerateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      sc,
		Rules:      maxLength60(),
		Actor:      "editor",
	})
	require.NoError(t, err)
	return d
}

func (e *testEnv) auditCount(t *testing.T, action string) int {
	t.Helper()
	_, _, total, err := e.audit.ListFiltered(context.Background(), audit.ListFilter{ProjectID: project, Action: action}, 100, "")
	require.NoError(t, err)
	return total
}

func TestScenario_EstimateGenerateApplyWithDeletedProduct(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug", "2": "Bowl", "3": "Plate"})
	ctx := context.Background()

	est, err := env.svc.Estimate(ctx, EstimateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope("3", "1", "2"),
		Rules:      maxLength60(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, est.AffectedCount)
	assert.True(t, est.Eligible)

	d, err := env.svc.GenerateDraft(ctx, GenerateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope("1", "2", "3"),
		Rules:      maxLength60(),
		ScopeID:    est.ScopeID,
		RulesHash:  est.RulesHash,
		Actor:      "owner",
	})
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusComplete, d.Draft.Status)
	assert.True(t, d.Draft.AICalled)
	assert.Equal(t, 3, d.Draft.DraftGenerated)
	require.Len(t, d.Suggestions, 3)
	require.NotNil(t, d.Suggestions[0].FinalSuggestion)
	assert.Equal(t, "Buy Mug online", *d.Suggestions[0].FinalSuggestion)

	env.writer.missing["gid://Product/2"] = true
	res, err := env.svc.Apply(ctx, ApplyInput{
		ProjectID:  project,
		PlaybookID: playbook.MissingSEOTitle,
		ScopeID:    est.ScopeID,
		RulesHash:  est.RulesHash,
		Actor:      "owner",
		Role:       playbook.RoleOwner,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AppliedCount)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "product:2", res.Failures[0].AssetKey)
	assert.Equal(t, apply.ReasonAssetNotFound, res.Failures[0].Reason)

	again, err := env.svc.Apply(ctx, ApplyInput{
		ProjectID:  project,
		PlaybookID: playbook.MissingSEOTitle,
		ScopeID:    est.ScopeID,
		RulesHash:  est.RulesHash,
		Actor:      "owner",
		Role:       playbook.RoleOwner,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, again.AppliedCount)
	assert.Equal(t, 2, again.SkippedAlreadyApplied)
	assert.Equal(t, 1, env.writer.callsFor("gid://Product/1"), "applied rows are never re-sent")
	assert.Equal(t, 2, env.writer.callsFor("gid://Product/2"), "failed rows are retried")

	assert.Equal(t, 1, env.auditCount(t, audit.ActionDraftGenerated))
	assert.Equal(t, 2, env.auditCount(t, audit.ActionApplyExecuted))
}

func TestGenerateDraft_ReusesCompleteDraft(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug", "2": "Bowl"})

	first := env.generate(t, productScope("1", "2"))
	require.Equal(t, int32(2), env.aiCalls.Load())

	second := env.generate(t, productScope("2", "1"))
	assert.Equal(t, first.Draft.ID, second.Draft.ID)
	assert.True(t, second.Reused)
	assert.Equal(t, int32(2), env.aiCalls.Load(), "no provider calls for a complete draft")
}

func TestGenerateDraft_PartialFailureStillCompletes(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug", "2": "Broken", "3": "Plate"})

	d := env.generate(t, productScope("1", "2", "3"))
	assert.Equal(t, drafts.StatusComplete, d.Draft.Status)
	assert.Equal(t, 2, d.Draft.DraftGenerated)
	assert.Equal(t, 1, d.Draft.NoSuggestionCount)

	res, err := env.svc.Apply(context.Background(), ApplyInput{
		ProjectID:  project,
		PlaybookID: playbook.MissingSEOTitle,
		ScopeID:    d.Draft.ScopeID,
		RulesHash:  d.Draft.RulesHash,
		Actor:      "owner",
		Role:       playbook.RoleOwner,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AppliedCount)
	assert.Zero(t, res.FailedCount)
	assert.Zero(t, env.writer.callsFor("gid://Product/2"))
}

func TestGenerateDraft_ProviderDownLeavesDraftPending(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug"})
	env.aiDown.Store(true)

	d := env.generate(t, productScope("1"))
	assert.Equal(t, drafts.StatusPending, d.Draft.Status)
	assert.False(t, d.Draft.AICalled)
	assert.NotEmpty(t, d.Draft.LastError)
	assert.Empty(t, d.Suggestions)

	env.aiDown.Store(false)
	d = env.generate(t, productScope("1"))
	assert.Equal(t, drafts.StatusComplete, d.Draft.Status)
	assert.True(t, d.Draft.AICalled)
}

func TestGenerateDraft_ExpectedIDsMustMatch(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug", "2": "Bowl"})

	_, err := env.svc.GenerateDraft(context.Background(), GenerateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope("1", "2"),
		Rules:      maxLength60(),
		ScopeID:    "not-the-scope",
	})
	assert.ErrorIs(t, err, drafts.ErrStaleDraft)
	assert.Zero(t, env.aiCalls.Load())
}

func TestEstimate_Errors(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.svc.Estimate(ctx, EstimateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      scope.Request{ProjectID: project, AssetType: playbook.AssetTypePages, ProductIDs: []string{"1"}},
	})
	assert.ErrorIs(t, err, scope.ErrInvalidScope)

	_, err = env.svc.Estimate(ctx, EstimateInput{PlaybookID: "weak_titles", Scope: productScope()})
	assert.ErrorIs(t, err, playbook.ErrUnknownPlaybook)

	_, err = env.svc.Estimate(ctx, EstimateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope(),
		Rules:      RulesInput{Preset: "missing"},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = env.svc.Estimate(ctx, EstimateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope(),
		Rules:      RulesInput{Config: &rules.RuleConfig{Enabled: true, MaxLength: 500}},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEstimate_PresetChangesRulesHash(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug"})
	ctx := context.Background()

	def, err := env.svc.Estimate(ctx, EstimateInput{PlaybookID: playbook.MissingSEOTitle, Scope: productScope()})
	require.NoError(t, err)
	short, err := env.svc.Estimate(ctx, EstimateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope(),
		Rules:      RulesInput{Preset: "short"},
	})
	require.NoError(t, err)
	assert.Equal(t, def.ScopeID, short.ScopeID)
	assert.NotEqual(t, def.RulesHash, short.RulesHash)
	assert.Equal(t, 1, short.AffectedCount)
}

func TestPreview_NotPersisted(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug", "2": "Bowl", "3": "Plate"})
	ctx := context.Background()

	p, err := env.svc.Preview(ctx, PreviewInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope(),
		Rules:      maxLength60(),
		SampleSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, p.AffectedTotal)
	require.Len(t, p.Items, 2)
	assert.Equal(t, "product:1", p.Items[0].AssetRef)

	latest, err := env.svc.LatestDraft(ctx, project, playbook.MissingSEOTitle)
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = env.svc.Preview(ctx, PreviewInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope(),
		SampleSize: 11,
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestApply_RoleMatrix(t *testing.T) {
	env := newEnv(t, approvals.Policy{ProjectID: project, RequireApprovalForApply: true})
	env.seedProducts(t, map[string]string{"1": "Mug"})
	d := env.generate(t, productScope("1"))
	ctx := context.Background()

	in := ApplyInput{
		ProjectID:  project,
		PlaybookID: playbook.MissingSEOTitle,
		ScopeID:    d.Draft.ScopeID,
		RulesHash:  d.Draft.RulesHash,
	}

	viewer := in
	viewer.Role = playbook.RoleViewer
	_, err := env.svc.Apply(ctx, viewer)
	assert.ErrorIs(t, err, approvals.ErrForbidden)

	editor := in
	editor.Role = playbook.RoleEditor
	_, err = env.svc.Apply(ctx, editor)
	require.ErrorIs(t, err, approvals.ErrApprovalRequired)
	var required *approvals.ApprovalRequiredError
	require.ErrorAs(t, err, &required)
	assert.Equal(t, d.Draft.ID, required.DraftID)
	assert.Equal(t, d.Draft.RulesHash, required.RulesHash)

	owner := in
	owner.Role = playbook.RoleOwner
	res, err := env.svc.Apply(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AppliedCount)
}

func TestApply_ApprovalIsSingleUse(t *testing.T) {
	env := newEnv(t, approvals.Policy{ProjectID: project, MultiUser: true})
	env.seedProducts(t, map[string]string{"1": "Mug"})
	d := env.generate(t, productScope("1"))
	ctx := context.Background()

	req, created, err := env.svc.RequestApproval(ctx, ApprovalInput{
		ProjectID:  project,
		PlaybookID: playbook.MissingSEOTitle,
		ScopeID:    d.Draft.ScopeID,
		RulesHash:  d.Draft.RulesHash,
		Actor:      "editor",
		Role:       playbook.RoleEditor,
	})
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := env.svc.RequestApproval(ctx, ApprovalInput{
		ProjectID: project, DraftID: d.Draft.ID, Actor: "editor", Role: playbook.RoleEditor,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, req.ID, dup.ID)

	in := ApplyInput{
		ProjectID:  project,
		PlaybookID: playbook.MissingSEOTitle,
		ScopeID:    d.Draft.ScopeID,
		RulesHash:  d.Draft.RulesHash,
		Actor:      "editor",
		Role:       playbook.RoleEditor,
	}
	_, err = env.svc.Apply(ctx, in)
	var required *approvals.ApprovalRequiredError
	require.ErrorAs(t, err, &required)
	assert.Equal(t, req.ID, required.PendingRequestID)

	in.ApprovalID = req.ID
	_, err = env.svc.Apply(ctx, in)
	assert.ErrorIs(t, err, approvals.ErrApprovalNotApproved)

	_, err = env.svc.DecideApproval(ctx, DecisionInput{
		ProjectID: project, ApprovalID: req.ID, Verdict: approvals.VerdictApprove, Actor: "editor", Role: playbook.RoleEditor,
	})
	assert.ErrorIs(t, err, approvals.ErrForbidden)

	decided, err := env.svc.DecideApproval(ctx, DecisionInput{
		ProjectID: project, ApprovalID: req.ID, Verdict: approvals.VerdictApprove, Actor: "owner", Role: playbook.RoleOwner,
	})
	require.NoError(t, err)
	assert.Equal(t, approvals.StatusApproved, decided.Status)

	res, err := env.svc.Apply(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AppliedCount)

	_, err = env.svc.Apply(ctx, in)
	assert.ErrorIs(t, err, approvals.ErrApprovalConsumed)

	detail, err := env.svc.GetApproval(ctx, project, req.ID)
	require.NoError(t, err)
	assert.True(t, detail.Request.Consumed)
	require.Len(t, detail.Decisions, 1)

	assert.Equal(t, 1, env.auditCount(t, audit.ActionApprovalRequested))
	assert.Equal(t, 1, env.auditCount(t, audit.ActionApprovalDecided))
	assert.Equal(t, 1, env.auditCount(t, audit.ActionApprovalConsumed))
}

// approvedApply returns an ApplyInput for product 1 carrying an approved
// request on a project that needs approvals.
func approvedApply(t *testing.T, env *testEnv) ApplyInput {
	t.Helper()
	ctx := context.Background()
	env.seedProducts(t, map[string]string{"1": "Mug"})
	d := env.generate(t, productScope("1"))
	req, _, err := env.svc.RequestApproval(ctx, ApprovalInput{
		ProjectID: project, DraftID: d.Draft.ID, Actor: "editor", Role: playbook.RoleEditor,
	})
	require.NoError(t, err)
	_, err = env.svc.DecideApproval(ctx, DecisionInput{
		ProjectID: project, ApprovalID: req.ID, Verdict: approvals.VerdictApprove, Actor: "owner", Role: playbook.RoleOwner,
	})
	require.NoError(t, err)
	return ApplyInput{
		ProjectID:  project,
		PlaybookID: playbook.MissingSEOTitle,
		ScopeID:    d.Draft.ScopeID,
		RulesHash:  d.Draft.RulesHash,
		ApprovalID: req.ID,
		Actor:      "editor",
		Role:       playbook.RoleEditor,
	}
}

func TestApply_LockLostAfterWritesKeepsApprovalConsumed(t *testing.T) {
	env := newEnv(t, approvals.Policy{ProjectID: project, MultiUser: true})
	in := approvedApply(t, env)
	ctx := context.Background()

	env.locker.loseAfter.Store(true)
	res, err := env.svc.Apply(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AppliedCount)
	assert.Equal(t, 1, env.writer.callsFor("gid://Product/1"))

	detail, err := env.svc.GetApproval(ctx, project, in.ApprovalID)
	require.NoError(t, err)
	assert.True(t, detail.Request.Consumed)
	assert.Equal(t, 1, env.auditCount(t, audit.ActionApplyExecuted))

	env.locker.loseAfter.Store(false)
	_, err = env.svc.Apply(ctx, in)
	assert.ErrorIs(t, err, approvals.ErrApprovalConsumed)
}

func TestApply_LockFailureReleasesApproval(t *testing.T) {
	env := newEnv(t, approvals.Policy{ProjectID: project, MultiUser: true})
	in := approvedApply(t, env)
	ctx := context.Background()

	env.locker.failBefore.Store(true)
	_, err := env.svc.Apply(ctx, in)
	require.Error(t, err)
	assert.Zero(t, env.writer.callsFor("gid://Product/1"))

	detail, err := env.svc.GetApproval(ctx, project, in.ApprovalID)
	require.NoError(t, err)
	assert.False(t, detail.Request.Consumed)

	env.locker.failBefore.Store(false)
	res, err := env.svc.Apply(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AppliedCount)
}

func TestRequestApproval_ViewerForbidden(t *testing.T) {
	env := newEnv(t)
	_, _, err := env.svc.RequestApproval(context.Background(), ApprovalInput{
		ProjectID: project, DraftID: "d1", Role: playbook.RoleViewer,
	})
	assert.ErrorIs(t, err, approvals.ErrForbidden)
}

func TestGetApproval_OtherProjectNotFound(t *testing.T) {
	env := newEnv(t, approvals.Policy{ProjectID: project, RequireApprovalForApply: true})
	env.seedProducts(t, map[string]string{"1": "Mug"})
	d := env.generate(t, productScope("1"))

	req, _, err := env.svc.RequestApproval(context.Background(), ApprovalInput{
		ProjectID: project, DraftID: d.Draft.ID, Actor: "editor", Role: playbook.RoleEditor,
	})
	require.NoError(t, err)

	_, err = env.svc.GetApproval(context.Background(), "shop-2", req.ID)
	assert.ErrorIs(t, err, approvals.ErrApprovalNotFound)
}

func TestApply_MismatchedRulesHashIsStale(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug"})
	d := env.generate(t, productScope("1"))

	_, err := env.svc.Apply(context.Background(), ApplyInput{
		ProjectID:  project,
		PlaybookID: playbook.MissingSEOTitle,
		ScopeID:    d.Draft.ScopeID,
		RulesHash:  rules.Hash(rules.RuleConfig{Enabled: true, MaxLength: 50}),
		Role:       playbook.RoleOwner,
	})
	assert.ErrorIs(t, err, drafts.ErrStaleDraft)
	assert.Zero(t, env.writer.callsFor("gid://Product/1"))
}

func TestInvalidateAsset_MarksDraftsStale(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug", "2": "Bowl"})
	d := env.generate(t, productScope("1", "2"))
	ctx := context.Background()

	ids, err := env.svc.InvalidateAsset(ctx, project, "product:2", "sync")
	require.NoError(t, err)
	assert.Equal(t, []string{d.Draft.ID}, ids)

	got, err := env.svc.GetDraft(ctx, project, d.Draft.ID)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusStale, got.Draft.Status)

	_, err = env.svc.Apply(ctx, ApplyInput{
		ProjectID:  project,
		PlaybookID: playbook.MissingSEOTitle,
		ScopeID:    d.Draft.ScopeID,
		RulesHash:  d.Draft.RulesHash,
		Role:       playbook.RoleOwner,
	})
	assert.ErrorIs(t, err, drafts.ErrStaleDraft)
	assert.Equal(t, 1, env.auditCount(t, audit.ActionDraftStale))

	_, err = env.svc.InvalidateAsset(ctx, project, "sku-2", "sync")
	assert.ErrorIs(t, err, scope.ErrInvalidScope)
}

func TestGetDraft_OtherProjectNotFound(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug"})
	d := env.generate(t, productScope("1"))

	_, err := env.svc.GetDraft(context.Background(), "shop-2", d.Draft.ID)
	assert.ErrorIs(t, err, drafts.ErrDraftNotFound)

	list, _, total, err := env.svc.ListDrafts(context.Background(), drafts.ListFilter{ProjectID: project}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, d.Draft.ID, list[0].ID)
}

func TestEnqueueGeneration_IdempotentAndRunnable(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug", "2": "Bowl"})
	ctx := context.Background()
	in := GenerateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope("1", "2"),
		Rules:      maxLength60(),
		Actor:      "editor",
	}

	job, created, err := env.svc.EnqueueGeneration(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, jobs.JobStateQueued, job.State)

	dup, created, err := env.svc.EnqueueGeneration(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, dup.ID)
	assert.Equal(t, int32(1), env.notifier.n.Load())

	res, err := env.svc.GenerateForJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, string(drafts.StatusComplete), res.DraftStatus)

	latest, err := env.svc.LatestDraft(ctx, project, playbook.MissingSEOTitle)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.DraftID, latest.Draft.ID)
	assert.Equal(t, "editor", latest.Draft.CreatedBy)
}

func TestGenerateForJob_ProviderDownIsRetryable(t *testing.T) {
	env := newEnv(t)
	env.seedProducts(t, map[string]string{"1": "Mug"})
	env.aiDown.Store(true)

	job, _, err := env.svc.EnqueueGeneration(context.Background(), GenerateInput{
		PlaybookID: playbook.MissingSEOTitle,
		Scope:      productScope("1"),
	})
	require.NoError(t, err)

	_, err = env.svc.GenerateForJob(context.Background(), job)
	assert.Error(t, err)
}

func TestEnqueueGeneration_Disabled(t *testing.T) {
	env := newEnv(t)
	env.svc.jobs = nil
	_, _, err := env.svc.EnqueueGeneration(context.Background(), GenerateInput{PlaybookID: playbook.MissingSEOTitle})
	assert.ErrorIs(t, err, ErrAsyncDisabled)
}
