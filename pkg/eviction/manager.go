// Package eviction keeps the cache within its TTL and size bounds.
package eviction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/llmcache/pkg/audit"
	"github.com/pario-ai/llmcache/pkg/blob"
	"github.com/pario-ai/llmcache/pkg/models"
)

// Removal reasons reported to the Remover.
const (
	ReasonExpired  = "expired"
	ReasonCapacity = "capacity"
)

// SourceComponent names the eviction manager in audit records.
const SourceComponent = "eviction"

const (
	tempMaxAge  = time.Hour
	orphanGrace = time.Minute
)

// Index is the metadata view the manager needs.
type Index interface {
	Get(ctx context.Context, key string) (models.CacheEntry, bool, error)
	ScanExpired(ctx context.Context, now time.Time) ([]string, error)
	AllEntries(ctx context.Context) ([]models.CacheEntry, error)
}

// Remover deletes one entry from every cache structure. It must be
// idempotent and report whether the entry was present.
type Remover interface {
	Remove(ctx context.Context, key, reason string) (bool, error)
}

// Manager runs TTL and size sweeps.
type Manager struct {
	index   Index
	blobs   *blob.Store
	remover Remover
	audit   audit.Recorder
	tracked map[string]bool
	log     zerolog.Logger
	now     func() time.Time

	sweepMu sync.Mutex
}

// New creates a Manager. recorder may be nil.
func New(index Index, blobs *blob.Store, remover Remover, recorder audit.Recorder, trackedScopes []string, logger zerolog.Logger) *Manager {
	tracked := make(map[string]bool, len(trackedScopes))
	for _, s := range trackedScopes {
		tracked[s] = true
	}
	return &Manager{
		index:   index,
		blobs:   blobs,
		remover: remover,
		audit:   recorder,
		tracked: tracked,
		log:     logger,
		now:     time.Now,
	}
}

// SetClock replaces the manager's time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Score rates how valuable an entry is to keep: hits per second of idleness.
func Score(e models.CacheEntry, now time.Time) float64 {
	age := now.Sub(e.LastAccessed).Seconds()
	if age < 0 {
		age = 0
	}
	return float64(e.HitCount) / (1 + age)
}

// CleanExpired removes every entry with expiresAt <= now. It is safe to
// re-run after a partial sweep.
func (m *Manager) CleanExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.index.ScanExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("scan expired: %w", err)
	}

	removed := 0
	var errs []error
	for _, key := range expired {
		ok, err := m.remover.Remove(ctx, key, ReasonExpired)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		m.log.Debug().Int("removed", removed).Msg("expired entries swept")
	}
	return removed, errors.Join(errs...)
}

// EnforceSizeLimit evicts the lowest-scoring unpinned entries until the total
// size is at most maxBytes. Keys in protect are never evicted. When only
// pinned or protected entries remain the cap is left exceeded.
func (m *Manager) EnforceSizeLimit(ctx context.Context, maxBytes int64, protect ...string) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}

	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	entries, err := m.index.AllEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot entries: %w", err)
	}

	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	if total <= maxBytes {
		return 0, nil
	}

	skip := make(map[string]bool, len(protect))
	for _, k := range protect {
		skip[k] = true
	}

	now := m.now()
	candidates := make([]models.CacheEntry, 0, len(entries))
	for _, e := range entries {
		if e.Pinned || skip[e.Key] {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := Score(candidates[i], now), Score(candidates[j], now)
		if si != sj {
			return si < sj
		}
		if !candidates[i].LastAccessed.Equal(candidates[j].LastAccessed) {
			return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
		}
		return candidates[i].Key < candidates[j].Key
	})

	evicted := 0
	var records []models.AuditRecord
	var errs []error
	for _, e := range candidates {
		if total <= maxBytes {
			break
		}
		ok, err := m.remover.Remove(ctx, e.Key, ReasonCapacity)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total -= e.SizeBytes
		if !ok {
			continue
		}
		evicted++
		if rec, audited := m.evictionRecord(e, now); audited {
			records = append(records, rec)
		}
	}

	if total > maxBytes {
		m.log.Warn().
			Int64("total_bytes", total).
			Int64("max_bytes", maxBytes).
			Msg("size cap exceeded; remaining entries are pinned")
	}
	if m.audit != nil && len(records) > 0 {
		if err := m.audit.Record(ctx, records...); err != nil {
			m.log.Warn().Err(err).Msg("failed to audit capacity evictions")
		}
	}
	if evicted > 0 {
		m.log.Debug().Int("evicted", evicted).Int64("total_bytes", total).Msg("size limit enforced")
	}
	return evicted, errors.Join(errs...)
}

func (m *Manager) evictionRecord(e models.CacheEntry, now time.Time) (models.AuditRecord, bool) {
	if len(e.DependencyTags) == 0 && !m.tracked[e.ScopeID] {
		return models.AuditRecord{}, false
	}
	rec := models.AuditRecord{
		InvalidatedKey:  e.Key,
		Action:          models.AuditEvicted,
		Reason:          "size limit exceeded",
		SourceComponent: SourceComponent,
		ScopeID:         e.ScopeID,
		Timestamp:       now,
	}
	if len(e.DependencyTags) > 0 {
		rec.DependencyTag = e.DependencyTags[0]
	}
	return rec, true
}

// Reconcile removes blobs without an Index row and abandoned temp files.
// Recently written objects are skipped so an in-flight put is not undone.
// File ages are measured against the wall clock.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	if m.blobs == nil {
		return 0, nil
	}
	now := time.Now()
	removed := 0
	err := m.blobs.Walk(func(o blob.Object) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.Temp {
			if now.Sub(o.ModTime) < tempMaxAge {
				return nil
			}
			if err := os.Remove(o.Path); err != nil && !os.IsNotExist(err) {
				m.log.Warn().Err(err).Str("path", o.Path).Msg("failed to remove temp file")
				return nil
			}
			removed++
			return nil
		}
		if now.Sub(o.ModTime) < orphanGrace {
			return nil
		}
		_, ok, err := m.index.Get(ctx, o.Key)
		if err != nil || ok {
			return nil
		}
		if err := m.blobs.Delete(o.Key); err != nil {
			m.log.Warn().Err(err).Str("key", o.Key).Msg("failed to remove orphan blob")
			return nil
		}
		removed++
		return nil
	})
	if removed > 0 {
		m.log.Info().Int("removed", removed).Msg("blob store reconciled")
	}
	return removed, err
}

// Run sweeps expired entries every interval until ctx is done. Orphans are
// reconciled once at start.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
		m.log.Warn().Err(err).Msg("reconcile failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanExpired(ctx, m.now()); err != nil {
				m.log.Warn().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}
