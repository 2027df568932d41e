// Package queue implements the Persistent Event Queue: a crash-safe,
// single-writer-per-method, SQLite-backed log of detection events with
// bounded retries and terminal statuses.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/golang-migrate/migrate/v4"
	sqlite3m "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/parikshanai/edge-agent/internal/platform/paths"
	"github.com/parikshanai/edge-agent/internal/queue/migrations"
)

// EventType enumerates the durable event kinds.
type EventType string

const (
	EventAttendance EventType = "ATTENDANCE"
	EventDiscipline EventType = "DISCIPLINE"
	EventAlert      EventType = "ALERT"
	EventPresence   EventType = "PRESENCE"
)

// Status is one of the three lifecycle states an event record passes
// through. Once a record reaches Processed or Failed it is immutable
// except for CleanupOld deletion.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// maxRetries is the retry ceiling after which a record becomes terminal.
const maxRetries = 5

// Record is the durable unit stored by the queue.
type Record struct {
	ID          int64
	Type        EventType
	CameraID    int
	Timestamp   time.Time
	Data        []byte // opaque JSON payload
	Status      Status
	RetryCount  int
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Stats is a point-in-time summary of the queue's contents.
type Stats struct {
	Pending         int
	Processed       int
	Failed          int
	TotalProcessed  int64
}

// Queue is the PEQ. A single instance is safe for concurrent Enqueue
// calls from multiple producers; GetPending/MarkProcessed/MarkFailed are
// intended to be called from exactly one consumer loop, per spec.
type Queue struct {
	db             *sql.DB
	processedCount int64 // cached mirror of stats.processed_count
}

// Open opens (creating if necessary) the SQLite-backed queue at dbPath and
// applies any pending schema migrations.
func Open(ctx context.Context, dbPath string) (*Queue, error) {
	if err := paths.EnsureParentDir(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer store; avoid SQLITE_BUSY under our own concurrency

	if err := migrate_(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}

	q := &Queue{db: db}
	if err := q.loadProcessedCount(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("load processed_count: %w", err)
	}

	return q, nil
}

func migrate_(db *sql.DB) error {
	driver, err := sqlite3m.WithInstance(db, &sqlite3m.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (q *Queue) loadProcessedCount(ctx context.Context) error {
	var v int64
	err := q.db.QueryRowContext(ctx, `SELECT value FROM stats WHERE key = 'processed_count'`).Scan(&v)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	atomic.StoreInt64(&q.processedCount, v)
	return nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends a pending record with retryCount=0. Safe to call from
// any producer context; performs no de-duplication.
func (q *Queue) Enqueue(ctx context.Context, typ EventType, cameraID int, ts time.Time, data []byte) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO events (type, camera_id, timestamp, data, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?)
	`, string(typ), cameraID, ts.Format(time.RFC3339), data, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("enqueue event: %w", err)
	}
	return res.LastInsertId()
}

// GetPending returns up to batchSize oldest pending records with
// retryCount < 5, ordered by createdAt ascending. Does not lease them.
func (q *Queue) GetPending(ctx context.Context, batchSize int) ([]Record, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, type, camera_id, timestamp, data, status, retry_count, created_at, processed_at
		FROM events
		WHERE status = 'pending' AND retry_count < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, maxRetries, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var tsStr, createdStr string
		var processedStr sql.NullString
		var status string
		if err := rows.Scan(&r.ID, &r.Type, &r.CameraID, &tsStr, &r.Data, &status, &r.RetryCount, &createdStr, &processedStr); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		r.Status = Status(status)
		r.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		if processedStr.Valid {
			t, _ := time.Parse(time.RFC3339, processedStr.String)
			r.ProcessedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkProcessed transitions records to processed, stamps processedAt, and
// atomically increments the persisted processed_count.
func (q *Queue) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	stmt, err := tx.PrepareContext(ctx, `UPDATE events SET status='processed', processed_at=? WHERE id=? AND status='pending'`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var affected int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, now, id)
		if err != nil {
			return fmt.Errorf("mark event %d processed: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("mark event %d processed: not currently pending", id)
		}
		affected += n
	}

	newTotal := atomic.AddInt64(&q.processedCount, affected)
	if _, err := tx.ExecContext(ctx, `UPDATE stats SET value=? WHERE key='processed_count'`, newTotal); err != nil {
		atomic.AddInt64(&q.processedCount, -affected)
		return fmt.Errorf("persist processed_count: %w", err)
	}

	return tx.Commit()
}

// MarkFailed increments retryCount for each pending id; records whose
// post-increment retryCount reaches 5 transition to terminal failed,
// otherwise remain pending for re-drain. Ids that are no longer pending
// are left untouched.
func (q *Queue) MarkFailed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE events
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END
		WHERE id = ? AND status = 'pending'
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, maxRetries, id); err != nil {
			return fmt.Errorf("mark event %d failed: %w", id, err)
		}
	}

	return tx.Commit()
}

// CleanupOld deletes terminal records older than now - days.
func (q *Queue) CleanupOld(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM events WHERE status IN ('processed', 'failed') AND created_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old events: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a point-in-time summary of the queue.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	s := Stats{TotalProcessed: atomic.LoadInt64(&q.processedCount)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = count
		case StatusProcessed:
			s.Processed = count
		case StatusFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

// Flush blocks until all committed transitions are durable. SQLite
// already fsyncs on commit under WAL mode, but callers rely on Flush as
// an explicit barrier (see the design note on EventQueue.flush), so this
// takes a brief exclusive lock to force a WAL checkpoint rather than
// being a pure no-op.
func (q *Queue) Flush(ctx context.Context) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flush: begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		tx.Rollback()
		return fmt.Errorf("flush: checkpoint: %w", err)
	}
	return tx.Commit()
}
