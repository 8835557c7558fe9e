// Package store is the SQLite-backed task queue of the durable retry path.
// The database file survives process death; a crashed worker's lease simply
// expires and the chain head becomes runnable again.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"reportsync/internal/model"
	"reportsync/internal/queue"
)

// Open opens the queue database. SQLite serializes writers anyway, so a
// single connection keeps the pragmas from Init in effect.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

var _ queue.TaskQueue = (*Queue)(nil)

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// WithClock replaces the queue's time source. Used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

const taskColumns = `seq, id, chain, organization_id, project_id, report_id, storage_path, local_uri,
	field_name, mime_type, attempts, last_error, claimed_by, next_run_at, created_at`

func (q *Queue) Enqueue(ctx context.Context, tasks []model.RetryTask) error {
	if len(tasks) == 0 {
		return nil
	}
	now := q.now().UnixMilli()

	return withTx(ctx, q.db, func(tx *sql.Tx) error {
		for i := range tasks {
			t := &tasks[i]
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			if t.Chain == "" {
				t.Chain = t.Scope().Chain()
			}
			res, err := tx.ExecContext(ctx, `
INSERT INTO retry_tasks (id, chain, organization_id, project_id, report_id, storage_path, local_uri,
	field_name, mime_type, next_run_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.Chain, t.OrganizationID, t.ProjectID, t.ReportID, t.StoragePath, t.LocalURI,
				t.FieldName, t.MimeType, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, err)
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return err
			}
			t.Seq = seq
			t.CreatedAt = time.UnixMilli(now)
			t.NextRunAt = time.UnixMilli(now)
		}
		return nil
	})
}

func (q *Queue) Poll(ctx context.Context, owner string, lease time.Duration) (*model.RetryTask, error) {
	if owner == "" || lease <= 0 {
		return nil, fmt.Errorf("poll: need an owner and a positive lease, got %q %v", owner, lease)
	}
	now := q.now().UnixMilli()

	// candidates are chain heads only
	rows, err := q.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM retry_tasks t
WHERE t.seq = (SELECT MIN(h.seq) FROM retry_tasks h WHERE h.chain = t.chain)
	AND t.next_run_at <= ?
	AND t.claim_until <= ?
ORDER BY t.next_run_at, t.seq
LIMIT 16`, now, now)
	if err != nil {
		return nil, err
	}
	candidates, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	for _, t := range candidates {
		claimed, err := q.claim(ctx, t, owner, now, now+lease.Milliseconds())
		if err != nil {
			return nil, err
		}
		if claimed {
			t.ClaimedBy = owner
			return &t, nil
		}
	}
	return nil, queue.ErrEmpty
}

// claim leases a chain head, provided nobody else holds it and it is still
// the head
func (q *Queue) claim(ctx context.Context, t model.RetryTask, owner string, now, until int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE retry_tasks
SET claimed_by = ?, claim_until = ?
WHERE id = ? AND claim_until <= ?
	AND seq = (SELECT MIN(seq) FROM retry_tasks WHERE chain = ?)`,
		owner, until, t.ID, now, t.Chain,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (q *Queue) Extend(ctx context.Context, id, owner string, lease time.Duration) error {
	until := q.now().Add(lease).UnixMilli()
	res, err := q.db.ExecContext(ctx, `
UPDATE retry_tasks SET claim_until = ? WHERE id = ? AND claimed_by = ?`, until, id, owner)
	return q.owned(ctx, "extend", id, res, err)
}

func (q *Queue) Ack(ctx context.Context, id, owner string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM retry_tasks WHERE id = ? AND claimed_by = ?`, id, owner)
	return q.owned(ctx, "ack", id, res, err)
}

func (q *Queue) Nack(ctx context.Context, id, owner string, backoff time.Duration, cause error) error {
	nextRun := q.now().Add(backoff).UnixMilli()

	res, err := q.db.ExecContext(ctx, `
UPDATE retry_tasks
SET attempts = attempts + 1, last_error = ?, next_run_at = ?, claimed_by = '', claim_until = 0
WHERE id = ? AND claimed_by = ?`,
		queue.TruncateError(cause), nextRun, id, owner,
	)
	return q.owned(ctx, "nack", id, res, err)
}

// owned checks that a claim-guarded statement hit its row, and tells a
// missing task from one claimed by someone else.
func (q *Queue) owned(ctx context.Context, op, id string, res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists int
	err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_tasks WHERE id = ?`, id).Scan(&exists)
	switch {
	case err != nil:
		return fmt.Errorf("%s %s: %w", op, id, err)
	case exists == 0:
		return fmt.Errorf("%s %s: %w", op, id, queue.ErrNotFound)
	default:
		return fmt.Errorf("%s %s: %w", op, id, queue.ErrLeaseLost)
	}
}

func (q *Queue) Pending(ctx context.Context, chain string) ([]model.RetryTask, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM retry_tasks
WHERE chain = ?
ORDER BY seq`, chain)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// Chains returns the number of pending tasks per chain.
func (q *Queue) Chains(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT chain, COUNT(*) FROM retry_tasks GROUP BY chain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var chain string
		var n int
		if err := rows.Scan(&chain, &n); err != nil {
			return nil, err
		}
		out[chain] = n
	}
	return out, rows.Err()
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func scanTasks(rows *sql.Rows) ([]model.RetryTask, error) {
	defer rows.Close()

	var out []model.RetryTask
	for rows.Next() {
		var t model.RetryTask
		var nextRun, created int64
		if err := rows.Scan(
			&t.Seq, &t.ID, &t.Chain, &t.OrganizationID, &t.ProjectID, &t.ReportID, &t.StoragePath, &t.LocalURI,
			&t.FieldName, &t.MimeType, &t.Attempts, &t.LastError, &t.ClaimedBy, &nextRun, &created,
		); err != nil {
			return nil, err
		}
		t.NextRunAt = time.UnixMilli(nextRun)
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}
