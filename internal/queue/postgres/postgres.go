// Package postgres implements queue.Queue on PostgreSQL using
// SELECT ... FOR UPDATE SKIP LOCKED for claim, adapting the claim/requeue/
// reschedule/dead-letter shape of a Postgres job queue worker to the
// workflow run-job domain.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/flowbase/core/internal/queue"
)

// Queue is a PostgreSQL-backed implementation of queue.Queue.
type Queue struct {
	db *sql.DB
}

var _ queue.Queue = (*Queue)(nil)

// New wraps an already-open *sql.DB. Run schema.sql once before use.
func New(db *sql.DB) *Queue { return &Queue{db: db} }

func (q *Queue) Enqueue(ctx context.Context, job queue.Job, policy queue.RetryPolicy) error {
	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = policy.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, kind, org_id, payload, max_attempts, run_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, string(job.Kind), job.OrgID, job.Payload, maxAttempts, runAt)
	return err
}

func (q *Queue) Claim(ctx context.Context, workerID string, lockTTL time.Duration) (queue.Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.Job{}, err
	}
	defer tx.Rollback()

	var j queue.Job
	var kind string
	err = tx.QueryRowContext(ctx,
		`SELECT id, kind, org_id, payload, attempts, max_attempts, created_at, run_at
		 FROM queue_jobs
		 WHERE status = 'pending' AND run_at <= now()
		 ORDER BY run_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT 1`).
		Scan(&j.ID, &kind, &j.OrgID, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.CreatedAt, &j.RunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Job{}, queue.ErrEmpty
	}
	if err != nil {
		return queue.Job{}, err
	}
	j.Kind = queue.Kind(kind)

	lockedUntil := time.Now().Add(lockTTL)
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_jobs SET status='processing', locked_by=$2, locked_until=$3,
		   attempts = attempts + 1, updated_at = now()
		 WHERE id = $1`,
		j.ID, workerID, lockedUntil); err != nil {
		return queue.Job{}, err
	}
	j.Attempts++

	if err := tx.Commit(); err != nil {
		return queue.Job{}, err
	}
	return j, nil
}

func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status='done', updated_at=now() WHERE id=$1`, id)
	return err
}

func (q *Queue) Nack(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		     run_at = $2, last_error = $3, locked_by = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $1`,
		id, runAt, errMsg)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, id string, errMsg string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status='failed', last_error=$2, locked_by=NULL, locked_until=NULL, updated_at=now()
		 WHERE id=$1`,
		id, errMsg)
	return err
}

func (q *Queue) RequeueStale(ctx context.Context, lockTTL time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status='pending', locked_by=NULL, locked_until=NULL, updated_at=now()
		 WHERE status='processing' AND locked_until < now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
