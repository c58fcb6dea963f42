// Package cache is the public surface of the LLM response cache.
//
// A Cache composes the metadata index, the blob store, the similarity index,
// the eviction manager and the staleness coordinator. It is safe for use by
// many goroutines. Storage problems never reach callers: a broken blob or a
// failed write degrades to a miss or a skipped put. The only error Get and
// Put return is keys.ErrInvalidInput.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/llmcache/pkg/audit"
	"github.com/pario-ai/llmcache/pkg/blob"
	"github.com/pario-ai/llmcache/pkg/eviction"
	"github.com/pario-ai/llmcache/pkg/index/sqlite"
	"github.com/pario-ai/llmcache/pkg/keys"
	"github.com/pario-ai/llmcache/pkg/models"
	"github.com/pario-ai/llmcache/pkg/similarity"
	"github.com/pario-ai/llmcache/pkg/staleness"
)

// Removal reasons beyond those of the eviction and staleness packages.
const (
	ReasonInvalidated = "invalidated"
	ReasonSelfHeal    = "self_heal"
	ReasonCleared     = "cleared"
)

// SourceComponent names the cache in audit records for explicit invalidations.
const SourceComponent = "cache"

const (
	indexFile = "index.db"
	auditFile = "audit.db"
)

// AuditDBPath returns where a cache rooted at dir keeps its audit log.
func AuditDBPath(dir string) string {
	return filepath.Join(dir, auditFile)
}

// Options configures a Cache.
type Options struct {
	Dir           string
	Enabled       bool
	TTL           time.Duration
	MaxSizeBytes  int64
	TrackedScopes []string

	ShingleSize     int
	PrefixLen       int
	StalenessBuffer int

	// SweepInterval starts a background TTL sweep when positive.
	SweepInterval time.Duration

	Audit              bool
	AuditRetentionDays int

	Logger zerolog.Logger
	Now    func() time.Time
}

// DefaultOptions returns options for an enabled cache rooted at dir with a
// 24h TTL and a 100MB size cap.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                dir,
		Enabled:            true,
		TTL:                24 * time.Hour,
		MaxSizeBytes:       100 * 1_000_000,
		ShingleSize:        similarity.DefaultShingleSize,
		PrefixLen:          similarity.DefaultPrefixLen,
		StalenessBuffer:    staleness.DefaultBuffer,
		Audit:              true,
		AuditRetentionDays: 30,
		Logger:             zerolog.Nop(),
	}
}

// PutOptions carries per-entry metadata for Put.
type PutOptions struct {
	ScopeID        string
	DependencyTags []string
	Pinned         bool
}

// Cache is the content-addressable response cache.
type Cache struct {
	opts    Options
	index   *sqlite.Index
	blobs   *blob.Store
	similar *similarity.Index
	evictor *eviction.Manager
	stale   *staleness.Coordinator
	audit   *audit.Logger
	log     zerolog.Logger
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

// Open opens or creates the cache under opts.Dir. A corrupted index is
// reinitialized rather than reported.
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("open cache: directory required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	blobs, err := blob.New(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	index, err := sqlite.Open(filepath.Join(opts.Dir, indexFile), opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	c := &Cache{
		opts:    opts,
		index:   index,
		blobs:   blobs,
		similar: similarity.New(opts.ShingleSize, opts.PrefixLen),
		log:     opts.Logger,
		now:     opts.Now,
	}

	var recorder audit.Recorder
	if opts.Audit {
		al, err := audit.New(models.AuditConfig{
			Enabled:       true,
			DBPath:        AuditDBPath(opts.Dir),
			RetentionDays: opts.AuditRetentionDays,
		}, opts.Logger)
		if err != nil {
			c.log.Warn().Err(err).Msg("audit log unavailable; continuing without it")
		} else {
			c.audit = al
			recorder = al
		}
	}

	rm := remover{c}
	c.evictor = eviction.New(index, blobs, rm, recorder, opts.TrackedScopes, opts.Logger)
	c.evictor.SetClock(opts.Now)
	c.stale = staleness.New(index, rm, recorder, opts.StalenessBuffer, opts.Logger)
	c.stale.SetClock(opts.Now)

	if err := c.rebuildSimilarity(context.Background()); err != nil {
		c.log.Warn().Err(err).Msg("similarity index rebuild failed")
	}
	c.refreshGauges(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.stale.Run(ctx)
	}()
	if opts.SweepInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.evictor.Run(ctx, opts.SweepInterval)
		}()
	}

	return c, nil
}

// Close stops background work and closes the underlying stores.
func (c *Cache) Close() error {
	var err error
	c.closed.Do(func() {
		c.cancel()
		c.stale.Close()
		c.wg.Wait()
		if c.audit != nil {
			if aerr := c.audit.Close(); aerr != nil {
				c.log.Warn().Err(aerr).Msg("close audit log")
			}
		}
		err = c.index.Close()
	})
	return err
}

// Get returns the cached response for (prompt, context). Expired, missing or
// unreadable entries are misses; unreadable ones are removed on the way.
func (c *Cache) Get(ctx context.Context, prompt string, contextVars map[string]string) (json.RawMessage, bool, error) {
	k, err := keys.Derive(prompt, contextVars)
	if err != nil {
		return nil, false, err
	}
	if !c.opts.Enabled {
		c.miss("disabled")
		return nil, false, nil
	}

	now := c.now()
	entry, ok, err := c.index.Get(ctx, k.Full)
	if err != nil {
		c.log.Warn().Err(err).Str("key", k.Full).Msg("index lookup failed")
		CacheErrors.WithLabelValues("get").Inc()
		c.miss("error")
		return nil, false, nil
	}
	if !ok {
		c.miss("absent")
		return nil, false, nil
	}
	if entry.IsExpired(now) {
		c.removeQuietly(ctx, k.Full, eviction.ReasonExpired)
		c.miss("expired")
		return nil, false, nil
	}

	payload, err := c.blobs.Read(k.Full)
	if err != nil {
		c.log.Warn().Err(err).Str("key", k.Full).Msg("dropping entry with unreadable payload")
		c.removeQuietly(ctx, k.Full, ReasonSelfHeal)
		c.miss("corrupt")
		return nil, false, nil
	}

	if _, err := c.index.Touch(ctx, k.Full, now); err != nil {
		c.log.Warn().Err(err).Str("key", k.Full).Msg("failed to record hit")
		CacheErrors.WithLabelValues("get").Inc()
	}
	c.hits.Add(1)
	CacheHits.Inc()
	c.log.Debug().Str("key", k.Full).Msg("cache hit")
	return payload, true, nil
}

// Put stores response for (prompt, context). It reports false when caching
// was skipped; the caller still owns a valid response in that case.
func (c *Cache) Put(ctx context.Context, prompt string, contextVars map[string]string, response json.RawMessage, opts PutOptions) (bool, error) {
	k, err := keys.Derive(prompt, contextVars)
	if err != nil {
		return false, err
	}
	if !json.Valid(response) {
		return false, fmt.Errorf("%w: response is not valid JSON", keys.ErrInvalidInput)
	}
	if !c.opts.Enabled {
		return false, nil
	}

	_, hadRow, lookupErr := c.index.Get(ctx, k.Full)
	size, err := c.blobs.Write(k.Full, response)
	if err != nil {
		c.log.Warn().Err(err).Str("key", k.Full).Msg("blob write failed; response not cached")
		CacheErrors.WithLabelValues("put").Inc()
		return false, nil
	}

	now := c.now()
	entry := models.CacheEntry{
		Key:            k.Full,
		PromptHash:     k.PromptHash,
		Prompt:         k.Normalized,
		CreatedAt:      now,
		LastAccessed:   now,
		ExpiresAt:      now.Add(c.opts.TTL),
		SizeBytes:      size,
		ScopeID:        opts.ScopeID,
		DependencyTags: opts.DependencyTags,
		Pinned:         opts.Pinned,
	}
	if err := c.index.Upsert(ctx, entry); err != nil {
		c.log.Warn().Err(err).Str("key", k.Full).Msg("index upsert failed; response not cached")
		CacheErrors.WithLabelValues("put").Inc()
		// The blob may back an entry that is already indexed.
		if lookupErr == nil && !hadRow {
			_ = c.blobs.Delete(k.Full)
		}
		return false, nil
	}
	c.similar.Add(k.Full, k.PromptHash, k.Normalized)

	if _, err := c.evictor.EnforceSizeLimit(ctx, c.opts.MaxSizeBytes, k.Full); err != nil {
		c.log.Warn().Err(err).Msg("size limit enforcement incomplete")
		CacheErrors.WithLabelValues("sweep").Inc()
	}
	c.refreshGauges(ctx)
	c.log.Debug().Str("key", k.Full).Int64("size", size).Str("scope_id", opts.ScopeID).Msg("cache put")
	return true, nil
}

// Invalidate removes key regardless of pinning. Unknown keys are not an error.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if !keys.IsKey(key) {
		return fmt.Errorf("%w: malformed key %q", keys.ErrInvalidInput, key)
	}
	entry, _, _ := c.index.Get(ctx, key)
	removed, err := c.remove(ctx, key, ReasonInvalidated)
	if err != nil {
		return err
	}
	if removed && c.audit != nil {
		rec := models.AuditRecord{
			InvalidatedKey:  key,
			Action:          models.AuditInvalidated,
			Reason:          "explicit invalidation",
			SourceComponent: SourceComponent,
			ScopeID:         entry.ScopeID,
			Timestamp:       c.now(),
		}
		if err := c.audit.Record(ctx, rec); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("failed to audit invalidation")
		}
	}
	c.refreshGauges(ctx)
	return nil
}

// FindSimilar returns live entries whose prompts resemble prompt with at
// least threshold confidence, best first. Entries cached for the identical
// prompt under another context come back with confidence 1.
func (c *Cache) FindSimilar(ctx context.Context, prompt string, threshold float64) []models.SimilarMatch {
	matches := []models.SimilarMatch{}
	if !c.opts.Enabled {
		return matches
	}

	now := c.now()
	for _, cand := range c.similar.FindSimilar(prompt, threshold) {
		entry, ok, err := c.index.Get(ctx, cand.Key)
		if err != nil {
			continue
		}
		if !ok {
			c.similar.Remove(cand.Key)
			continue
		}
		if entry.IsExpired(now) {
			continue
		}
		matches = append(matches, models.SimilarMatch{
			Key:        cand.Key,
			PromptHash: cand.PromptHash,
			Confidence: cand.Confidence,
			HitCount:   entry.HitCount,
			CreatedAt:  entry.CreatedAt,
			SameFamily: cand.SameFamily,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].HitCount != matches[j].HitCount {
			return matches[i].HitCount > matches[j].HitCount
		}
		return matches[i].Key < matches[j].Key
	})

	result := "none"
	if len(matches) > 0 {
		result = "match"
	}
	SimilarityQueries.WithLabelValues(result).Inc()
	return matches
}

// Stats aggregates the index together with this process's hit and miss
// counters.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	tot, err := c.index.Totals(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := models.CacheStats{
		TotalEntries:   tot.Entries,
		TotalSizeBytes: tot.SizeBytes,
		PinnedEntries:  tot.Pinned,
		TotalHits:      hits,
		TotalMisses:    misses,
		IndexedHits:    tot.Hits,
		OldestEntry:    tot.Oldest,
		NewestEntry:    tot.Newest,
		MaxSizeBytes:   c.opts.MaxSizeBytes,
		Enabled:        c.opts.Enabled,
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}
	CacheEntries.Set(float64(tot.Entries))
	CacheSize.Set(float64(tot.SizeBytes))
	return stats, nil
}

// Entry returns the index metadata for key.
func (c *Cache) Entry(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	if !keys.IsKey(key) {
		return models.CacheEntry{}, false, fmt.Errorf("%w: malformed key %q", keys.ErrInvalidInput, key)
	}
	return c.index.Get(ctx, key)
}

// SetPinned pins or unpins key. It reports whether the key exists.
func (c *Cache) SetPinned(ctx context.Context, key string, pinned bool) (bool, error) {
	if !keys.IsKey(key) {
		return false, fmt.Errorf("%w: malformed key %q", keys.ErrInvalidInput, key)
	}
	return c.index.SetPinned(ctx, key, pinned)
}

// Clear removes every entry, or only the expired ones when expiredOnly is set.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int, error) {
	if expiredOnly {
		n, err := c.evictor.CleanExpired(ctx, c.now())
		c.refreshGauges(ctx)
		return n, err
	}

	entries, err := c.index.AllEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear: %w", err)
	}
	n := 0
	for _, e := range entries {
		removed, err := c.remove(ctx, e.Key, ReasonCleared)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	c.refreshGauges(ctx)
	return n, nil
}

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	Expired int `json:"expired"`
	Evicted int `json:"evicted"`
	Orphans int `json:"orphans"`
}

// Sweep runs the TTL sweep, enforces the size cap and reconciles the blob
// store against the index.
func (c *Cache) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var err error
	if res.Expired, err = c.evictor.CleanExpired(ctx, c.now()); err != nil {
		return res, err
	}
	if res.Evicted, err = c.evictor.EnforceSizeLimit(ctx, c.opts.MaxSizeBytes); err != nil {
		return res, err
	}
	if res.Orphans, err = c.evictor.Reconcile(ctx); err != nil {
		return res, err
	}
	c.refreshGauges(ctx)
	return res, nil
}

// Staleness returns the coordinator external components report to.
func (c *Cache) Staleness() *staleness.Coordinator {
	return c.stale
}

// Audit returns the audit log, or nil when auditing is disabled.
func (c *Cache) Audit() *audit.Logger {
	return c.audit
}

// Recovered reports whether the index was reinitialized at open.
func (c *Cache) Recovered() bool {
	return c.index.Recovered()
}

// remove deletes key from the index, the similarity index and the blob
// store, in that order. A leftover blob is picked up by Reconcile. Expiry
// removals only go ahead if the row is still expired when deleted, so a
// concurrent Put that refreshed the key keeps its entry.
func (c *Cache) remove(ctx context.Context, key, reason string) (bool, error) {
	var (
		existed bool
		err     error
	)
	if reason == eviction.ReasonExpired {
		existed, err = c.index.DeleteExpired(ctx, key, c.now())
	} else {
		existed, err = c.index.Delete(ctx, key)
	}
	if err != nil {
		CacheErrors.WithLabelValues("remove").Inc()
		return false, fmt.Errorf("remove %s: %w", key, err)
	}
	if !existed && reason == eviction.ReasonExpired {
		return false, nil
	}
	c.similar.Remove(key)
	if err := c.blobs.Delete(key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("blob delete failed; left for reconcile")
		CacheErrors.WithLabelValues("remove").Inc()
	}
	if existed {
		CacheEvictions.WithLabelValues(reason).Inc()
	}
	return existed, nil
}

func (c *Cache) removeQuietly(ctx context.Context, key, reason string) {
	if _, err := c.remove(ctx, key, reason); err != nil {
		c.log.Warn().Err(err).Msg("lazy removal failed")
	}
}

func (c *Cache) miss(reason string) {
	c.misses.Add(1)
	CacheMisses.WithLabelValues(reason).Inc()
}

func (c *Cache) rebuildSimilarity(ctx context.Context) error {
	entries, err := c.index.AllEntries(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	for _, e := range entries {
		if e.IsExpired(now) {
			continue
		}
		c.similar.Add(e.Key, e.PromptHash, e.Prompt)
	}
	return nil
}

func (c *Cache) refreshGauges(ctx context.Context) {
	tot, err := c.index.Totals(ctx)
	if err != nil {
		return
	}
	CacheEntries.Set(float64(tot.Entries))
	CacheSize.Set(float64(tot.SizeBytes))
}

// remover adapts Cache to the eviction and staleness Remover interfaces.
type remover struct{ c *Cache }

func (r remover) Remove(ctx context.Context, key, reason string) (bool, error) {
	return r.c.remove(ctx, key, reason)
}
