package prompts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

type fakeStore struct {
	mu        sync.Mutex
	overrides map[string]*models.PromptVersion
	err       error
	calls     int
}

func (f *fakeStore) GetActivePrompt(_ context.Context, slug string) (*models.PromptVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.overrides[slug]; ok {
		return p, nil
	}
	return nil, errors.ErrNotFound
}

func (f *fakeStore) set(slug, body string, version int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[slug] = &models.PromptVersion{Slug: slug, Body: body, Version: version, Active: true}
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type warnLogger struct{ warnings int }

func (l *warnLogger) Warn(string, ...any) { l.warnings++ }

func newTestResolver(t *testing.T) (*Resolver, *fakeStore, *testClock) {
	t.Helper()
	store := &fakeStore{overrides: map[string]*models.PromptVersion{}}
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r, err := NewResolver(store, WithClock(clock.now), WithTTL(5*time.Minute))
	require.NoError(t, err)
	return r, store, clock
}

func TestResolve_DefaultsAndNegativeCache(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()

	p, err := r.Resolve(ctx, "audit-waste")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Version)
	assert.Contains(t, p.Text, "Lean process auditor")

	_, err = r.Resolve(ctx, "audit-waste")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
}

func TestResolve_OverrideCachedUntilTTL(t *testing.T) {
	r, store, clock := newTestResolver(t)
	ctx := context.Background()

	store.set("judge-quality", "v1 body", 1)
	p, err := r.Resolve(ctx, "judge-quality")
	require.NoError(t, err)
	assert.Equal(t, "v1 body", p.Text)

	store.set("judge-quality", "v2 body", 2)
	clock.advance(4 * time.Minute)
	p, _ = r.Resolve(ctx, "judge-quality")
	assert.Equal(t, "v1 body", p.Text)

	clock.advance(time.Minute)
	p, _ = r.Resolve(ctx, "judge-quality")
	assert.Equal(t, "v2 body", p.Text)
	assert.Equal(t, 2, p.Version)
}

func TestInvalidate(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()

	_, _ = r.Resolve(ctx, "generate-sop")
	_, _ = r.Resolve(ctx, "audit-waste")

	store.set("generate-sop", "override", 3)
	r.Invalidate("Generate-SOP")

	p, _ := r.Resolve(ctx, "generate-sop")
	assert.Equal(t, "override", p.Text)
	assert.Equal(t, 3, store.calls)

	r.Invalidate("*")
	_, _ = r.Resolve(ctx, "audit-waste")
	assert.Equal(t, 4, store.calls)
}

func TestResolve_StorageErrorFallsBack(t *testing.T) {
	store := &fakeStore{overrides: map[string]*models.PromptVersion{}, err: fmt.Errorf("connection refused")}
	logger := &warnLogger{}
	r, err := NewResolver(store, WithLogger(logger))
	require.NoError(t, err)

	p, err := r.Resolve(context.Background(), "architect-agents")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Version)
	assert.NotEmpty(t, p.Text)
	assert.Equal(t, 1, logger.warnings)
}

func TestResolve_UnknownSlug(t *testing.T) {
	r, _, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "summarise")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.False(t, r.Known("summarise"))
}

func TestNormalizeSlug(t *testing.T) {
	assert.Equal(t, "judge-quality", NormalizeSlug("  Judge-Quality "))
	// fullwidth characters fold under NFKC
	assert.Equal(t, "audit-waste", NormalizeSlug("ａｕｄｉｔ-waste"))
}

func TestLoadDefaults_RequiresEveryStage(t *testing.T) {
	_, err := LoadDefaults([]byte("generate-sop: hi\n"))
	assert.Error(t, err)
}
