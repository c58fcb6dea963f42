// Package audit records every removal of a cache entry that operators may
// need to trace back: staleness invalidations, explicit invalidations and
// capacity evictions of tagged entries.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmcache/pkg/models"
)

const schema = `CREATE TABLE IF NOT EXISTS invalidation_audit (
	id               TEXT PRIMARY KEY,
	invalidated_key  TEXT NOT NULL,
	action           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	source_component TEXT NOT NULL DEFAULT '',
	scope_id         TEXT NOT NULL DEFAULT '',
	dependency_tag   TEXT NOT NULL DEFAULT '',
	ts               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_key ON invalidation_audit(invalidated_key);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON invalidation_audit(ts);
CREATE INDEX IF NOT EXISTS idx_audit_source ON invalidation_audit(source_component);`

// Recorder is the write side of the audit trail.
type Recorder interface {
	Record(ctx context.Context, records ...models.AuditRecord) error
}

// Logger writes and queries audit records in a dedicated SQLite database.
type Logger struct {
	db     *sql.DB
	cfg    models.AuditConfig
	log    zerolog.Logger
	now    func() time.Time
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// New opens the audit database, creates the schema and starts the
// retention loop.
func New(cfg models.AuditConfig, logger zerolog.Logger) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		log:  logger,
		now:  time.Now,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop(time.Hour)

	return l, nil
}

// Record inserts records in one transaction. Missing IDs and timestamps are
// filled in. A nil Logger discards everything.
func (l *Logger) Record(ctx context.Context, records ...models.AuditRecord) error {
	if l == nil || l.db == nil || len(records) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit record: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO invalidation_audit
		(id, invalidated_key, action, reason, source_component, scope_id, dependency_tag, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit record: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = l.now()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.InvalidatedKey, string(r.Action), r.Reason, r.SourceComponent,
			r.ScopeID, r.DependencyTag, r.Timestamp.UTC().UnixNano(),
		); err != nil {
			return fmt.Errorf("audit record %s: %w", r.InvalidatedKey, err)
		}
	}
	return tx.Commit()
}

// Query returns audit records matching opts, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditRecord, error) {
	q := `SELECT id, invalidated_key, action, reason, source_component, scope_id, dependency_tag, ts
		FROM invalidation_audit WHERE 1=1`
	var args []any

	if opts.Key != "" {
		q += " AND invalidated_key = ?"
		args = append(args, opts.Key)
	}
	if opts.SourceComponent != "" {
		q += " AND source_component = ?"
		args = append(args, opts.SourceComponent)
	}
	if opts.Action != "" {
		q += " AND action = ?"
		args = append(args, string(opts.Action))
	}
	if !opts.Since.IsZero() {
		q += " AND ts >= ?"
		args = append(args, opts.Since.UTC().UnixNano())
	}

	q += " ORDER BY ts DESC, id"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var r models.AuditRecord
		var action string
		var ts int64
		if err := rows.Scan(&r.ID, &r.InvalidatedKey, &action, &r.Reason,
			&r.SourceComponent, &r.ScopeID, &r.DependencyTag, &ts); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		r.Action = models.AuditAction(action)
		r.Timestamp = time.Unix(0, ts).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats returns counts grouped by source component, action and UTC day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT source_component, action, date(ts / 1000000000, 'unixepoch') AS day, count(*) AS cnt
		 FROM invalidation_audit
		 GROUP BY source_component, action, day
		 ORDER BY day DESC, source_component, action`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var action string
		var day sql.NullString
		if err := rows.Scan(&s.SourceComponent, &action, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Action = models.AuditAction(action)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes records older than the configured retention period.
// A non-positive retention keeps everything.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := l.now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM invalidation_audit WHERE ts < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	var err error
	l.closed.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}

func (l *Logger) retentionLoop(every time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.log.Warn().Err(err).Msg("audit retention cleanup failed")
				continue
			}
			if n > 0 {
				l.log.Debug().Int64("deleted", n).Msg("audit retention cleanup")
			}
		}
	}
}
