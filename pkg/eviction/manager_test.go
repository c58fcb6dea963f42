package eviction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/llmcache/pkg/blob"
	"github.com/pario-ai/llmcache/pkg/keys"
	"github.com/pario-ai/llmcache/pkg/models"
)

const mb = 1_000_000

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memIndex is an in-memory Index that is also its own Remover.
type memIndex struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	reasons map[string]string
}

func newMemIndex(entries ...models.CacheEntry) *memIndex {
	x := &memIndex{entries: map[string]models.CacheEntry{}, reasons: map[string]string{}}
	for _, e := range entries {
		x.entries[e.Key] = e
	}
	return x
}

func (x *memIndex) Get(_ context.Context, key string) (models.CacheEntry, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[key]
	return e, ok, nil
}

func (x *memIndex) ScanExpired(_ context.Context, now time.Time) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []string
	for k, e := range x.entries {
		if e.IsExpired(now) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (x *memIndex) AllEntries(context.Context) ([]models.CacheEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]models.CacheEntry, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, e)
	}
	return out, nil
}

func (x *memIndex) Remove(_ context.Context, key, reason string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[key]; !ok {
		return false, nil
	}
	delete(x.entries, key)
	x.reasons[key] = reason
	return true, nil
}

func (x *memIndex) total() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int64
	for _, e := range x.entries {
		n += e.SizeBytes
	}
	return n
}

type memRecorder struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (r *memRecorder) Record(_ context.Context, recs ...models.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recs...)
	return nil
}

func entry(name string, size int64, hits int64, idle time.Duration) models.CacheEntry {
	return models.CacheEntry{
		Key:          name,
		CreatedAt:    epoch.Add(-time.Hour),
		LastAccessed: epoch.Add(-idle),
		ExpiresAt:    epoch.Add(23 * time.Hour),
		HitCount:     hits,
		SizeBytes:    size,
	}
}

func newTestManager(idx *memIndex, rec *memRecorder, tracked ...string) *Manager {
	m := New(idx, nil, idx, rec, tracked, zerolog.Nop())
	m.SetClock(func() time.Time { return epoch })
	return m
}

func TestScore(t *testing.T) {
	assert.Equal(t, 0.0, Score(entry("a", 1, 0, 0), epoch))
	assert.Equal(t, 5.0, Score(entry("a", 1, 5, 0), epoch))
	assert.Equal(t, 1.0, Score(entry("a", 1, 10, 9*time.Second), epoch))

	future := entry("a", 1, 3, 0)
	future.LastAccessed = epoch.Add(time.Minute)
	assert.Equal(t, 3.0, Score(future, epoch), "clock skew must not inflate the score")

	hot := entry("hot", 1, 50, time.Minute)
	cold := entry("cold", 1, 1, time.Hour)
	assert.Greater(t, Score(hot, epoch), Score(cold, epoch))
}

func TestCleanExpired(t *testing.T) {
	fresh := entry("fresh", 10, 0, 0)
	boundary := entry("boundary", 10, 0, 0)
	boundary.ExpiresAt = epoch
	old := entry("old", 10, 0, 0)
	old.ExpiresAt = epoch.Add(-time.Minute)
	pinned := entry("pinned", 10, 0, 0)
	pinned.ExpiresAt = epoch.Add(-time.Second)
	pinned.Pinned = true

	idx := newMemIndex(fresh, boundary, old, pinned)
	m := newTestManager(idx, &memRecorder{})

	n, err := m.CleanExpired(context.Background(), epoch)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "expiry applies to pinned entries too")
	assert.Equal(t, ReasonExpired, idx.reasons["old"])
	_, ok, _ := idx.Get(context.Background(), "fresh")
	assert.True(t, ok)

	n, err = m.CleanExpired(context.Background(), epoch)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep is a no-op")
}

func TestEnforceSizeLimitUnderCap(t *testing.T) {
	idx := newMemIndex(entry("a", 40*mb, 0, 0), entry("b", 40*mb, 0, 0))
	m := newTestManager(idx, &memRecorder{})

	n, err := m.EnforceSizeLimit(context.Background(), 100*mb)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnforceSizeLimitEvictsLowestScore(t *testing.T) {
	// 95MB resident, a new 10MB entry pushes the cache to 105MB.
	var resident []models.CacheEntry
	for i := 0; i < 19; i++ {
		resident = append(resident, entry(fmt.Sprintf("r%02d", i), 5*mb, int64(i), time.Duration(i)*time.Minute))
	}
	fresh := entry("new", 10*mb, 0, 0)
	idx := newMemIndex(append(resident, fresh)...)
	m := newTestManager(idx, &memRecorder{})

	n, err := m.EnforceSizeLimit(context.Background(), 100*mb, "new")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.LessOrEqual(t, idx.total(), int64(100*mb))

	_, ok, _ := idx.Get(context.Background(), "new")
	assert.True(t, ok, "the entry just written is protected")
	_, ok, _ = idx.Get(context.Background(), "r00")
	assert.False(t, ok, "zero-hit entry has the lowest score")
	assert.Equal(t, ReasonCapacity, idx.reasons["r00"])
}

func TestEnforceSizeLimitSkipsPinned(t *testing.T) {
	pinned := entry("pinned", 60*mb, 0, 2*time.Hour)
	pinned.Pinned = true
	popular := entry("popular", 30*mb, 100, 0)
	idle := entry("idle", 30*mb, 1, time.Hour)
	idx := newMemIndex(pinned, popular, idle)
	m := newTestManager(idx, &memRecorder{})

	n, err := m.EnforceSizeLimit(context.Background(), 100*mb)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, _ := idx.Get(context.Background(), "pinned")
	assert.True(t, ok)
	_, ok, _ = idx.Get(context.Background(), "idle")
	assert.False(t, ok)
}

func TestEnforceSizeLimitAllPinned(t *testing.T) {
	a := entry("a", 80*mb, 0, 0)
	a.Pinned = true
	b := entry("b", 40*mb, 0, 0)
	b.Pinned = true
	idx := newMemIndex(a, b)
	m := newTestManager(idx, &memRecorder{})

	n, err := m.EnforceSizeLimit(context.Background(), 100*mb)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(120*mb), idx.total(), "pinned entries stay; cap is transiently exceeded")
}

func TestEnforceSizeLimitOversizeEntryAccepted(t *testing.T) {
	huge := entry("huge", 150*mb, 0, 0)
	other := entry("other", 10*mb, 3, 0)
	idx := newMemIndex(huge, other)
	m := newTestManager(idx, &memRecorder{})

	_, err := m.EnforceSizeLimit(context.Background(), 100*mb, "huge")
	require.NoError(t, err)
	_, ok, _ := idx.Get(context.Background(), "huge")
	assert.True(t, ok)
	_, ok, _ = idx.Get(context.Background(), "other")
	assert.False(t, ok)
}

func TestEnforceSizeLimitTieBreak(t *testing.T) {
	older := entry("b-older", 50*mb, 0, 2*time.Hour)
	newer := entry("a-newer", 50*mb, 0, time.Hour)
	idx := newMemIndex(older, newer, entry("keep", 10*mb, 9, 0))
	m := newTestManager(idx, &memRecorder{})

	_, err := m.EnforceSizeLimit(context.Background(), 100*mb)
	require.NoError(t, err)
	_, ok, _ := idx.Get(context.Background(), "b-older")
	assert.False(t, ok, "equal scores evict the least recently accessed first")
	_, ok, _ = idx.Get(context.Background(), "a-newer")
	assert.True(t, ok)
}

func TestEnforceSizeLimitAuditsTaggedAndTracked(t *testing.T) {
	tagged := entry("tagged", 40*mb, 0, 3*time.Hour)
	tagged.DependencyTags = []string{"sel-7"}
	tracked := entry("tracked", 40*mb, 0, 2*time.Hour)
	tracked.ScopeID = "checkout_form"
	plain := entry("plain", 40*mb, 0, time.Hour)
	plain.ScopeID = "homepage"
	idx := newMemIndex(tagged, tracked, plain, entry("keep", 50*mb, 100, 0))
	rec := &memRecorder{}
	m := newTestManager(idx, rec, "checkout_form")

	n, err := m.EnforceSizeLimit(context.Background(), 60*mb)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, rec.records, 2)
	byKey := map[string]models.AuditRecord{}
	for _, r := range rec.records {
		byKey[r.InvalidatedKey] = r
		assert.Equal(t, models.AuditEvicted, r.Action)
		assert.Equal(t, SourceComponent, r.SourceComponent)
	}
	assert.Equal(t, "sel-7", byKey["tagged"].DependencyTag)
	assert.Equal(t, "checkout_form", byKey["tracked"].ScopeID)
	_, audited := byKey["plain"]
	assert.False(t, audited)
}

func TestReconcile(t *testing.T) {
	store, err := blob.New(t.TempDir())
	require.NoError(t, err)

	live, err := keys.Derive("live", nil)
	require.NoError(t, err)
	orphan, err := keys.Derive("orphan", nil)
	require.NoError(t, err)
	recent, err := keys.Derive("recent", nil)
	require.NoError(t, err)

	for _, k := range []string{live.Full, orphan.Full, recent.Full} {
		_, err := store.Write(k, json.RawMessage(`{"ok":true}`))
		require.NoError(t, err)
	}
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(store.Path(live.Full), old, old))
	require.NoError(t, os.Chtimes(store.Path(orphan.Full), old, old))

	tmp := filepath.Join(store.Dir(), orphan.Full[:2], ".tmp-"+orphan.Full+"-1")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))
	require.NoError(t, os.Chtimes(tmp, old, old))

	idx := newMemIndex(models.CacheEntry{Key: live.Full, ExpiresAt: time.Now().Add(time.Hour)})
	m := New(idx, store, idx, nil, nil, zerolog.Nop())

	n, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, store.Exists(live.Full))
	assert.False(t, store.Exists(orphan.Full))
	assert.True(t, store.Exists(recent.Full), "fresh blobs may belong to an in-flight put")
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestRunStopsOnCancel(t *testing.T) {
	expired := entry("expired", 1, 0, 0)
	expired.ExpiresAt = epoch.Add(-time.Hour)
	idx := newMemIndex(expired)
	m := newTestManager(idx, &memRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok, _ := idx.Get(context.Background(), "expired")
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
