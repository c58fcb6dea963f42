// Package staleness turns invalidation signals from independent components
// (selector tracker, browser pool, rate limiter) into scoped cache removals.
//
// Producers never touch cache storage. They Submit StalenessEvents into the
// coordinator's queue; Run drains the queue and applies each event. Every
// removed key yields one audit record. Applying the same event twice is a
// no-op the second time.
package staleness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/llmcache/pkg/audit"
	"github.com/pario-ai/llmcache/pkg/models"
)

// ReasonStale is the removal reason reported to the Remover.
const ReasonStale = "stale"

// DefaultBuffer is the event queue capacity used when none is configured.
const DefaultBuffer = 256

var (
	// ErrEmptyEvent is returned for events that set neither scope nor tag.
	ErrEmptyEvent = errors.New("staleness event selects nothing")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("staleness coordinator closed")
)

// Index finds entries affected by an event.
type Index interface {
	ScanByScope(ctx context.Context, scopeID string) ([]string, error)
	ScanByDependency(ctx context.Context, tag string) ([]string, error)
}

// Remover deletes one entry from every cache structure, reporting whether it
// was present.
type Remover interface {
	Remove(ctx context.Context, key, reason string) (bool, error)
}

// Coordinator applies staleness events to the cache.
type Coordinator struct {
	index   Index
	remover Remover
	audit   audit.Recorder
	log     zerolog.Logger
	now     func() time.Time

	events chan models.StalenessEvent
	done   chan struct{}

	// mu guards closed; submitters hold it only to register in inflight.
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New creates a Coordinator with a queue of the given capacity. recorder
// may be nil.
func New(index Index, remover Remover, recorder audit.Recorder, buffer int, logger zerolog.Logger) *Coordinator {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Coordinator{
		index:   index,
		remover: remover,
		audit:   recorder,
		log:     logger,
		now:     time.Now,
		events:  make(chan models.StalenessEvent, buffer),
		done:    make(chan struct{}),
	}
}

// SetClock replaces the coordinator's time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Submit queues ev, blocking while the queue is full until ctx is done or
// the coordinator closes. An event accepted with a nil error is applied
// even if Close follows immediately.
func (c *Coordinator) Submit(ctx context.Context, ev models.StalenessEvent) error {
	if ev.Empty() {
		return ErrEmptyEvent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	c.inflight.Add(1)
	c.mu.RUnlock()
	defer c.inflight.Done()

	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued events until ctx is done or Close is called. Before
// returning it closes the coordinator and applies every event still queued.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.drain(context.WithoutCancel(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.events:
			c.apply(ctx, ev)
		}
	}
}

// Close rejects further submissions and stops Run.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// drain applies the events accepted before shutdown. Submitters that were
// still blocked observe done and return ErrClosed, so the wait is bounded.
func (c *Coordinator) drain(ctx context.Context) {
	c.Close()
	c.inflight.Wait()
	for {
		select {
		case ev := <-c.events:
			c.apply(ctx, ev)
		default:
			return
		}
	}
}

func (c *Coordinator) apply(ctx context.Context, ev models.StalenessEvent) {
	if _, err := c.Apply(ctx, ev); err != nil {
		c.log.Warn().Err(err).
			Str("scope_id", ev.ScopeID).
			Str("dependency_tag", ev.DependencyTag).
			Str("source", ev.SourceComponent).
			Msg("staleness event failed")
	}
}

// Apply invalidates every entry matching ev's scope or dependency tag,
// pinned ones included, and returns one audit record per removed key.
func (c *Coordinator) Apply(ctx context.Context, ev models.StalenessEvent) ([]models.AuditRecord, error) {
	if ev.Empty() {
		return nil, ErrEmptyEvent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}

	matched := make(map[string]bool)
	if ev.ScopeID != "" {
		found, err := c.index.ScanByScope(ctx, ev.ScopeID)
		if err != nil {
			return nil, fmt.Errorf("scan scope %q: %w", ev.ScopeID, err)
		}
		for _, k := range found {
			matched[k] = true
		}
	}
	if ev.DependencyTag != "" {
		found, err := c.index.ScanByDependency(ctx, ev.DependencyTag)
		if err != nil {
			return nil, fmt.Errorf("scan dependency %q: %w", ev.DependencyTag, err)
		}
		for _, k := range found {
			matched[k] = true
		}
	}

	targets := make([]string, 0, len(matched))
	for k := range matched {
		targets = append(targets, k)
	}
	sort.Strings(targets)

	var records []models.AuditRecord
	var errs []error
	for _, key := range targets {
		removed, err := c.remover.Remove(ctx, key, ReasonStale)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !removed {
			continue
		}
		records = append(records, models.AuditRecord{
			InvalidatedKey:  key,
			Action:          models.AuditStale,
			Reason:          ev.Reason,
			SourceComponent: ev.SourceComponent,
			ScopeID:         ev.ScopeID,
			DependencyTag:   ev.DependencyTag,
			Timestamp:       ev.Timestamp,
		})
	}

	if c.audit != nil && len(records) > 0 {
		if err := c.audit.Record(ctx, records...); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}

	c.log.Info().
		Str("scope_id", ev.ScopeID).
		Str("dependency_tag", ev.DependencyTag).
		Str("source", ev.SourceComponent).
		Str("reason", ev.Reason).
		Int("matched", len(targets)).
		Int("invalidated", len(records)).
		Msg("staleness event applied")

	return records, errors.Join(errs...)
}
