// Package sqlite implements the cache metadata index on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmcache/pkg/models"
)

// ErrIndexUnavailable marks an index store that could not be opened or
// failed its integrity check. It is logged, never returned from Open.
var ErrIndexUnavailable = errors.New("index unavailable")

// Index is the durable metadata store for cache entries. Point lookups go
// through the primary key; expiry, prompt hash, scope and dependency tag
// scans are served by secondary indexes.
type Index struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	recovered bool
	inMemory  bool
}

const createTables = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	prompt_hash TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hit_count INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL,
	scope_id TEXT NOT NULL DEFAULT '',
	pinned INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_expires ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_entries_prompt ON cache_entries(prompt_hash);
CREATE INDEX IF NOT EXISTS idx_entries_scope ON cache_entries(scope_id);

CREATE TABLE IF NOT EXISTS entry_dependencies (
	key TEXT NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (key, tag)
);
CREATE INDEX IF NOT EXISTS idx_dependencies_tag ON entry_dependencies(tag);
`

const entryColumns = `key, prompt_hash, prompt, created_at, last_accessed, expires_at, hit_count, size_bytes, scope_id, pinned`

// Open opens the index at dbPath. An unreadable or corrupted store is moved
// aside and replaced by an empty one; if even that fails the index runs in
// memory. Either way a warning is logged and the caller gets a usable index.
func Open(dbPath string, logger zerolog.Logger) (*Index, error) {
	idx, err := open(dbPath)
	if err == nil {
		return idx, nil
	}
	logger.Warn().
		Err(fmt.Errorf("%w: %v", ErrIndexUnavailable, err)).
		Str("path", dbPath).
		Msg("index unreadable, reinitializing as empty cache")

	quarantine(dbPath)
	if idx, err = open(dbPath); err == nil {
		idx.recovered = true
		return idx, nil
	}

	logger.Warn().
		Err(fmt.Errorf("%w: %v", ErrIndexUnavailable, err)).
		Str("path", dbPath).
		Msg("index path unusable, falling back to in-memory index")
	idx, err = openMemory()
	if err != nil {
		return nil, fmt.Errorf("open in-memory index: %w", err)
	}
	idx.recovered = true
	return idx, nil
}

func open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, path: dbPath}, nil
}

func openMemory() (*Index, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, path: ":memory:", inMemory: true}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(createTables); err != nil {
		return fmt.Errorf("migrate index db: %w", err)
	}
	var result string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		return fmt.Errorf("check index db: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("check index db: %s", result)
	}
	return nil
}

// quarantine moves a broken database and its WAL files out of the way so the
// data can still be inspected.
func quarantine(dbPath string) {
	suffix := fmt.Sprintf(".corrupt-%d", time.Now().Unix())
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if _, err := os.Stat(p); err == nil {
			if err := os.Rename(p, p+suffix); err != nil {
				_ = os.Remove(p)
			}
		}
	}
}

// Recovered reports whether Open had to discard the previous store.
func (x *Index) Recovered() bool {
	return x.recovered
}

// InMemory reports whether the index fell back to a non-durable store.
func (x *Index) InMemory() bool {
	return x.inMemory
}

// Upsert inserts or replaces an entry together with its dependency tags.
func (x *Index) Upsert(ctx context.Context, e models.CacheEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cache_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			prompt_hash = excluded.prompt_hash,
			prompt = excluded.prompt,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed,
			expires_at = excluded.expires_at,
			hit_count = excluded.hit_count,
			size_bytes = excluded.size_bytes,
			scope_id = excluded.scope_id,
			pinned = excluded.pinned`,
		e.Key, e.PromptHash, e.Prompt,
		e.CreatedAt.UnixNano(), e.LastAccessed.UnixNano(), e.ExpiresAt.UnixNano(),
		e.HitCount, e.SizeBytes, e.ScopeID, boolToInt(e.Pinned),
	)
	if err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_dependencies WHERE key = ?`, e.Key); err != nil {
		return fmt.Errorf("index upsert tags: %w", err)
	}
	for _, tag := range uniqueTags(e.DependencyTags) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entry_dependencies (key, tag) VALUES (?, ?)`, e.Key, tag,
		); err != nil {
			return fmt.Errorf("index upsert tags: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	return nil
}

// Get returns the entry stored under key.
func (x *Index) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	row := x.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("index get: %w", err)
	}

	tags, err := x.queryStrings(ctx, `SELECT tag FROM entry_dependencies WHERE key = ? ORDER BY tag`, key)
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("index get tags: %w", err)
	}
	e.DependencyTags = tags
	return e, true, nil
}

// Delete removes an entry and its tags in one transaction. It reports whether
// a row existed.
func (x *Index) Delete(ctx context.Context, key string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("index delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_dependencies WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("index delete tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("index delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("index delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("index delete: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired removes key only if its row is still expired at now, so an
// entry refreshed by a concurrent put survives. It reports whether a row was
// removed.
func (x *Index) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("index delete expired: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key = ? AND expires_at <= ?`, key, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("index delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("index delete expired: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_dependencies WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("index delete expired tags: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("index delete expired: %w", err)
	}
	return true, nil
}

// Touch records a hit: bumps hit_count and sets last_accessed.
func (x *Index) Touch(ctx context.Context, key string, now time.Time) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	res, err := x.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed = ? WHERE key = ?`,
		now.UnixNano(), key,
	)
	if err != nil {
		return false, fmt.Errorf("index touch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("index touch: %w", err)
	}
	return n > 0, nil
}

// SetPinned changes the pinned flag of an entry.
func (x *Index) SetPinned(ctx context.Context, key string, pinned bool) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	res, err := x.db.ExecContext(ctx, `UPDATE cache_entries SET pinned = ? WHERE key = ?`, boolToInt(pinned), key)
	if err != nil {
		return false, fmt.Errorf("index pin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("index pin: %w", err)
	}
	return n > 0, nil
}

// ScanExpired returns keys whose expires_at is at or before now, oldest first.
func (x *Index) ScanExpired(ctx context.Context, now time.Time) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	keys, err := x.queryStrings(ctx,
		`SELECT key FROM cache_entries WHERE expires_at <= ? ORDER BY expires_at`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("scan expired: %w", err)
	}
	return keys, nil
}

// ScanByScope returns keys whose scope_id equals scopeID exactly.
func (x *Index) ScanByScope(ctx context.Context, scopeID string) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	keys, err := x.queryStrings(ctx, `SELECT key FROM cache_entries WHERE scope_id = ? ORDER BY key`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("scan scope: %w", err)
	}
	return keys, nil
}

// ScanByDependency returns keys tagged with tag.
func (x *Index) ScanByDependency(ctx context.Context, tag string) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	keys, err := x.queryStrings(ctx, `SELECT key FROM entry_dependencies WHERE tag = ? ORDER BY key`, tag)
	if err != nil {
		return nil, fmt.Errorf("scan dependency: %w", err)
	}
	return keys, nil
}

// ScanByPromptHash returns keys cached for the same normalized prompt.
func (x *Index) ScanByPromptHash(ctx context.Context, promptHash string) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	keys, err := x.queryStrings(ctx, `SELECT key FROM cache_entries WHERE prompt_hash = ? ORDER BY key`, promptHash)
	if err != nil {
		return nil, fmt.Errorf("scan prompt hash: %w", err)
	}
	return keys, nil
}

// AllEntries returns a snapshot of every entry with its tags.
func (x *Index) AllEntries(ctx context.Context) ([]models.CacheEntry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM cache_entries ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("all entries: %w", err)
	}
	var entries []models.CacheEntry
	pos := make(map[string]int)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		pos[e.Key] = len(entries)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("all entries: %w", err)
	}

	tagRows, err := x.db.QueryContext(ctx, `SELECT key, tag FROM entry_dependencies ORDER BY key, tag`)
	if err != nil {
		return nil, fmt.Errorf("all entry tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var key, tag string
		if err := tagRows.Scan(&key, &tag); err != nil {
			return nil, fmt.Errorf("scan entry tag: %w", err)
		}
		if i, ok := pos[key]; ok {
			entries[i].DependencyTags = append(entries[i].DependencyTags, tag)
		}
	}
	return entries, tagRows.Err()
}

// Totals aggregates the index for stats.
type Totals struct {
	Entries   int64
	SizeBytes int64
	Hits      int64
	Pinned    int64
	Oldest    time.Time
	Newest    time.Time
}

// Totals returns aggregate counts over all entries.
func (x *Index) Totals(ctx context.Context) (Totals, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var t Totals
	var oldest, newest sql.NullInt64
	err := x.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(hit_count), 0),
		        COALESCE(SUM(pinned), 0), MIN(created_at), MAX(created_at)
		 FROM cache_entries`,
	).Scan(&t.Entries, &t.SizeBytes, &t.Hits, &t.Pinned, &oldest, &newest)
	if err != nil {
		return Totals{}, fmt.Errorf("index totals: %w", err)
	}
	if oldest.Valid {
		t.Oldest = fromNanos(oldest.Int64)
	}
	if newest.Valid {
		t.Newest = fromNanos(newest.Int64)
	}
	return t, nil
}

// TotalSize returns the summed payload size of all entries.
func (x *Index) TotalSize(ctx context.Context) (int64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var size int64
	if err := x.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&size); err != nil {
		return 0, fmt.Errorf("index size: %w", err)
	}
	return size, nil
}

// Close releases the database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (models.CacheEntry, error) {
	var e models.CacheEntry
	var created, accessed, expires int64
	var pinned int
	if err := r.Scan(&e.Key, &e.PromptHash, &e.Prompt, &created, &accessed, &expires,
		&e.HitCount, &e.SizeBytes, &e.ScopeID, &pinned); err != nil {
		return models.CacheEntry{}, err
	}
	e.CreatedAt = fromNanos(created)
	e.LastAccessed = fromNanos(accessed)
	e.ExpiresAt = fromNanos(expires)
	e.Pinned = pinned != 0
	return e, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func uniqueTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
