package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/caseflow/internal/sqlutil"
)

// SQLQueue is a persistent, leased Queue backed by a queue_tasks table.
// SQLite and PostgreSQL share the implementation.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS queue_tasks (
//	    id               TEXT PRIMARY KEY,
//	    queue            TEXT NOT NULL,
//	    payload          BLOB NOT NULL,   -- gob-encoded Task (BYTEA on PostgreSQL)
//	    not_before       BIGINT NOT NULL, -- unix nanos
//	    enqueued_at      BIGINT NOT NULL,
//	    attempts         INTEGER NOT NULL,
//	    leased_by        TEXT NOT NULL DEFAULT '',
//	    lease_expires_at BIGINT NOT NULL DEFAULT 0
//	);
type SQLQueue struct {
	db           *sql.DB
	dialect      sqlutil.Dialect
	pollInterval time.Duration
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

func newSQLQueue(db *sql.DB, dialect sqlutil.Dialect, poll time.Duration) (*SQLQueue, error) {
	q := &SQLQueue{db: db, dialect: dialect, pollInterval: poll}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s queue schema: %w", dialect, err)
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_tasks (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload ` + q.dialect.Blob() + ` NOT NULL,
			not_before BIGINT NOT NULL,
			enqueued_at BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			leased_by TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_tasks_ready ON queue_tasks(queue, not_before)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO queue_tasks (id, queue, payload, not_before, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		t.ID, t.Queue, data, t.NotBefore.UnixNano(), t.EnqueuedAt.UnixNano(), t.Attempts,
	)
	return err
}

// Dequeue claims the oldest eligible row with a single UPDATE ... RETURNING,
// so concurrent consumers never lease the same task. PostgreSQL additionally
// skips rows locked by other transactions.
func (q *SQLQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		return nil, errInvalidLease
	}
	lock := ""
	if q.dialect == sqlutil.Postgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	query := q.dialect.Rebind(`
		UPDATE queue_tasks SET leased_by = ?, lease_expires_at = ?
		WHERE id = (
			SELECT id FROM queue_tasks
			WHERE queue = ? AND not_before <= ? AND (leased_by = '' OR lease_expires_at <= ?)
			ORDER BY not_before, enqueued_at, id
			LIMIT 1 ` + lock + `
		)
		RETURNING id, payload, attempts, not_before`)

	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		var (
			id        string
			payload   []byte
			attempts  int
			notBefore int64
		)
		err := q.db.QueryRowContext(ctx, query, owner, now.Add(leaseTTL).UnixNano(), queue, now.UnixNano(), now.UnixNano()).
			Scan(&id, &payload, &attempts, &notBefore)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				if err := waitPoll(ctx, tmr, q.pollInterval); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		task, err := DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task %q failed: %w", id, err)
		}
		task.ID = id
		task.Attempts = attempts
		task.NotBefore = time.Unix(0, notBefore)
		return task, nil
	}
}

func (q *SQLQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(`DELETE FROM queue_tasks WHERE id = ? AND leased_by = ?`), taskID, owner)
	return leaseResult(res, err)
}

func (q *SQLQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		UPDATE queue_tasks
		SET leased_by = '', lease_expires_at = 0, not_before = ?, attempts = ?
		WHERE id = ? AND leased_by = ?`),
		notBefore.UnixNano(), attempts, taskID, owner,
	)
	return leaseResult(res, err)
}

func (q *SQLQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		return errInvalidLease
	}
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		UPDATE queue_tasks SET lease_expires_at = ?
		WHERE id = ? AND leased_by = ?`),
		time.Now().Add(leaseTTL).UnixNano(), taskID, owner,
	)
	return leaseResult(res, err)
}

// Len returns an approximate number of queued tasks.
func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		slog.Warn("queue length query failed", slog.String("dialect", q.dialect.String()), slog.Any("error", err))
		return 0
	}
	return n
}

func leaseResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
