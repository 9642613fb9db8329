package generation

import (
	"context"
	"errors"
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

	"github.com/seoforge/playbook-engine/pkg/cache"
	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/rules"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
	"github.com/seoforge/playbook-engine/pkg/playbook/suggest"
)

// fakeSource answers per asset key. Keys in fail return the given failure;
// everything else gets "Suggested <title>".
type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]*suggest.GenerationFailure
	text  map[string]string
	gate  chan struct{}
	total atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		calls: map[string]int{},
		fail:  map[string]*suggest.GenerationFailure{},
		text:  map[string]string{},
	}
}

func (s *fakeSource) Generate(ctx context.Context, asset scope.Asset, _ playbook.Field, _ suggest.PromptContext) (suggest.RawSuggestion, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return suggest.RawSuggestion{}, &suggest.GenerationFailure{Reason: suggest.ReasonCanceled, Err: ctx.Err()}
		}
	}
	s.total.Add(1)
	key := asset.Ref.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	if f, ok := s.fail[key]; ok {
		return suggest.RawSuggestion{}, f
	}
	if t, ok := s.text[key]; ok {
		return suggest.RawSuggestion{Text: t, Attempts: 1}, nil
	}
	return suggest.RawSuggestion{Text: "Suggested " + asset.Title, Attempts: 1}, nil
}

func (s *fakeSource) callsFor(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func setupStore(t *testing.T) *drafts.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store := drafts.NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func productScope(ids ...string) *scope.Scope {
	s := &scope.Scope{ProjectID: "proj-1", AssetType: playbook.AssetTypeProducts}
	for _, id := range ids {
		ref := scope.ProductRef(id)
		s.Refs = append(s.Refs, ref)
		s.Assets = append(s.Assets, scope.Asset{Ref: ref, ExternalID: "gid://Product/" + id, Title: "Product " + id})
	}
	s.ID = scope.ScopeID(s.AssetType, s.Refs)
	return s
}

func titleRequest(s *scope.Scope) Request {
	pb, _ := playbook.Lookup(playbook.MissingSEOTitle)
	cfg := rules.Default(pb.Field)
	return Request{Scope: s, Playbook: pb, Rules: cfg, RulesHash: rules.Hash(cfg), RequestedBy: "owner"}
}

func TestGenerate_CompletesAndReuses(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	src := newFakeSource()
	c := NewCoordinator(store, src, nil, nil, nil, nil)
	req := titleRequest(productScope("1", "2", "3"))

	out, err := c.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.False(t, out.Reused)
	assert.Equal(t, drafts.StatusComplete, out.Draft.Status)
	assert.Equal(t, 3, out.Draft.AffectedTotal)
	assert.Equal(t, 3, out.Draft.DraftGenerated)
	assert.True(t, out.Draft.AICalled)

	again, err := c.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, out.Draft.ID, again.Draft.ID)
	assert.Equal(t, int32(3), src.total.Load(), "reused draft makes no provider calls")
}

func TestGenerate_PartialFailureIsNoSuggestion(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	src := newFakeSource()
	src.fail["product:2"] = &suggest.GenerationFailure{Reason: suggest.ReasonTimeout, Reached: true, Attempts: 2}
	src.text["product:3"] = "   "
	c := NewCoordinator(store, src, nil, nil, nil, nil)

	out, err := c.Generate(ctx, titleRequest(productScope("1", "2", "3")))
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusComplete, out.Draft.Status)
	assert.Equal(t, 1, out.Draft.DraftGenerated)
	assert.Equal(t, 2, out.Draft.NoSuggestionCount)
	assert.True(t, out.Draft.AICalled)

	rows, err := store.Suggestions(ctx, out.Draft.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	byKey := map[string]drafts.SuggestionRecord{}
	for _, r := range rows {
		byKey[r.AssetKey] = r
	}
	assert.Equal(t, "Suggested Product 1", *byKey["product:1"].FinalSuggestion)
	assert.Equal(t, string(suggest.ReasonTimeout), byKey["product:2"].FailureReason)
	assert.Nil(t, byKey["product:2"].FinalSuggestion)
	assert.Equal(t, ReasonEmptyAfterRules, byKey["product:3"].FailureReason)
}

func TestGenerate_SystemicFailureLeavesDraftPending(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	src := newFakeSource()
	down := &suggest.GenerationFailure{Reason: suggest.ReasonProviderError, Err: suggest.ErrUnavailable}
	src.fail["product:1"] = down
	src.fail["product:2"] = down
	c := NewCoordinator(store, src, nil, nil, nil, nil)
	req := titleRequest(productScope("1", "2"))

	out, err := c.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusPending, out.Draft.Status)
	assert.False(t, out.Draft.AICalled)
	assert.Contains(t, out.Draft.LastError, "PROVIDER_ERROR")

	rows, err := store.Suggestions(ctx, out.Draft.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// The provider recovers; the same draft is filled in.
	delete(src.fail, "product:1")
	delete(src.fail, "product:2")
	retry, err := c.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, out.Draft.ID, retry.Draft.ID)
	assert.Equal(t, drafts.StatusComplete, retry.Draft.Status)
	assert.Empty(t, retry.Draft.LastError)
	assert.True(t, retry.Draft.AICalled)
}

func TestGenerate_ProviderTimeoutCompletesDraft(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	var calls atomic.Int32
	slow := suggest.ProviderFunc(func(ctx context.Context, _ string) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	})
	gen := suggest.NewGenerator(slow, &suggest.Config{Timeout: 20 * time.Millisecond, MaxAttempts: 1, Burst: 1}, nil)
	c := NewCoordinator(store, gen, nil, nil, nil, nil)
	req := titleRequest(productScope("1"))

	out, err := c.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusComplete, out.Draft.Status)
	assert.Equal(t, 1, out.Draft.NoSuggestionCount)
	assert.True(t, out.Draft.AICalled)
	assert.Empty(t, out.Draft.LastError)

	rows, err := store.Suggestions(ctx, out.Draft.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(suggest.ReasonTimeout), rows[0].FailureReason)
	assert.True(t, rows[0].AIReached)

	again, err := c.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, int32(1), calls.Load(), "completed draft is not regenerated")
}

func TestGenerate_NoOpBatch(t *testing.T) {
	store := setupStore(t)
	src := newFakeSource()
	c := NewCoordinator(store, src, nil, nil, nil, nil)

	out, err := c.Generate(context.Background(), titleRequest(productScope()))
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusComplete, out.Draft.Status)
	assert.Equal(t, 0, out.Draft.AffectedTotal)
	assert.False(t, out.Draft.AICalled)
	assert.Zero(t, src.total.Load())
}

func TestGenerate_SingleFlight(t *testing.T) {
	store := setupStore(t)
	src := newFakeSource()
	src.gate = make(chan struct{})
	c := NewCoordinator(store, src, nil, nil, nil, nil)
	req := titleRequest(productScope("1", "2"))

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.Generate(context.Background(), req)
			assert.NoError(t, err)
			if out != nil {
				ids[i] = out.Draft.ID
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, src.callsFor("product:1"))
	assert.Equal(t, 1, src.callsFor("product:2"))
}

func TestGenerate_CallerCancellationDoesNotAbortBatch(t *testing.T) {
	store := setupStore(t)
	src := newFakeSource()
	src.gate = make(chan struct{})
	c := NewCoordinator(store, src, nil, nil, nil, nil)
	req := titleRequest(productScope("1"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Generate(ctx, req)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(src.gate)
	require.Eventually(t, func() bool {
		d, err := store.FindCurrent(context.Background(), req.CacheKey())
		return err == nil && d != nil && d.Status == drafts.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGenerate_SupersedesOlderDraft(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	c := NewCoordinator(store, newFakeSource(), nil, nil, nil, nil)

	first, err := c.Generate(ctx, titleRequest(productScope("1")))
	require.NoError(t, err)

	req := titleRequest(productScope("1"))
	req.Rules.Prefix = "Shop: "
	req.RulesHash = rules.Hash(req.Rules)
	second, err := c.Generate(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Draft.ID, second.Draft.ID)

	old, err := store.Get(ctx, first.Draft.ID)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusStale, old.Status)
	assert.Equal(t, drafts.StaleSuperseded, old.StaleReason)

	rows, err := store.Suggestions(ctx, second.Draft.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, strings.HasPrefix(*rows[0].FinalSuggestion, "Shop: "))
}

func TestPreview_SampleAndCache(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	previews := cache.NewLRUCache[*Preview](16, time.Minute)
	c := NewCoordinator(setupStore(t), src, nil, previews, nil, nil)
	s := productScope("1", "2", "3", "4", "5")

	p, err := c.Preview(ctx, PreviewRequest{Request: titleRequest(s)})
	require.NoError(t, err)
	assert.False(t, p.Cached)
	assert.Equal(t, 3, p.SampleSize)
	assert.Equal(t, 5, p.AffectedTotal)
	require.Len(t, p.Items, 3)
	assert.Equal(t, "product:1", p.Items[0].AssetRef)
	assert.Equal(t, "product:3", p.Items[2].AssetRef)
	assert.Equal(t, "Suggested Product 2", p.Items[1].Final)

	again, err := c.Preview(ctx, PreviewRequest{Request: titleRequest(s)})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, int32(3), src.total.Load())

	assert.Equal(t, 1, c.InvalidateProject("proj-1"))
	_, err = c.Preview(ctx, PreviewRequest{Request: titleRequest(s)})
	require.NoError(t, err)
	assert.Equal(t, int32(6), src.total.Load())
}

func TestPreview_BrandNotesAreCachedSeparately(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	previews := cache.NewLRUCache[*Preview](16, time.Minute)
	c := NewCoordinator(setupStore(t), src, nil, previews, nil, nil)
	s := productScope("1")

	plain := PreviewRequest{Request: titleRequest(s)}
	_, err := c.Preview(ctx, plain)
	require.NoError(t, err)

	noted := PreviewRequest{Request: titleRequest(s)}
	noted.BrandNotes = "playful, lowercase"
	p, err := c.Preview(ctx, noted)
	require.NoError(t, err)
	assert.False(t, p.Cached)
	assert.Equal(t, int32(2), src.total.Load())

	p, err = c.Preview(ctx, noted)
	require.NoError(t, err)
	assert.True(t, p.Cached)
	assert.Equal(t, int32(2), src.total.Load())
	assert.Equal(t, 2, previews.Size())
}

func TestPreview_SampleSizeBounds(t *testing.T) {
	c := NewCoordinator(setupStore(t), newFakeSource(), nil, nil, nil, nil)
	req := titleRequest(productScope("1"))

	_, err := c.Preview(context.Background(), PreviewRequest{Request: req, SampleSize: 11})
	assert.ErrorIs(t, err, ErrSampleSize)
	_, err = c.Preview(context.Background(), PreviewRequest{Request: req, SampleSize: -1})
	assert.ErrorIs(t, err, ErrSampleSize)

	p, err := c.Preview(context.Background(), PreviewRequest{Request: req, SampleSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, p.SampleSize)
}

func TestPreview_DoesNotPersist(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	c := NewCoordinator(store, newFakeSource(), nil, nil, nil, nil)
	req := titleRequest(productScope("1", "2"))

	_, err := c.Preview(ctx, PreviewRequest{Request: req})
	require.NoError(t, err)
	d, err := store.FindCurrent(ctx, req.CacheKey())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestPreview_UnreachableProviderNotCached(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.fail["product:1"] = &suggest.GenerationFailure{Reason: suggest.ReasonProviderError, Err: errors.New("dial tcp")}
	previews := cache.NewLRUCache[*Preview](16, time.Minute)
	c := NewCoordinator(setupStore(t), src, nil, previews, nil, nil)

	p, err := c.Preview(ctx, PreviewRequest{Request: titleRequest(productScope("1"))})
	require.NoError(t, err)
	assert.Equal(t, string(drafts.OutcomeNoSuggestion), p.Items[0].Outcome)
	assert.Equal(t, 0, previews.Size())
}
