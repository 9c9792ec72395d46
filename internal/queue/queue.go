// Package queue defines the ordered-delivery job queue consumed by the
// workflow worker fleet and scheduler (spec §2, §6): typed job kinds,
// per-job retry policy, idempotent enqueue keyed by job id, and
// visibility-timeout-based claim/ack/nack/dead-letter.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Claim when no job is currently claimable.
var ErrEmpty = errors.New("queue: empty")

// Kind identifies the payload shape a job carries. The workflow worker
// dispatches on Kind to decide which handler advances the job.
type Kind string

const (
	// KindRunStep advances a WorkflowRun by one node from its current cursor.
	KindRunStep Kind = "run_step"
	// KindRunContinuation resumes a blocked WorkflowRun after an executor
	// posts a pending request's result.
	KindRunContinuation Kind = "run_continuation"
)

// RetryPolicy bounds how many times a job is attempted; BaseBackoff and
// MaxBackoff bound the delay callers apply when they reschedule a failed job.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Job is one unit of work on the queue.
type Job struct {
	ID          string
	Kind        Kind
	OrgID       string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	RunAt       time.Time
}

// Queue is the ordered-delivery job queue interface (spec §6 "Work queue
// (consumed)"). Enqueue of an already-existing id is a no-op, making retried
// producers (e.g. the scheduler re-evaluating a trigger) safe to call twice.
type Queue interface {
	// Enqueue inserts a job for execution at or after RunAt (immediately if
	// zero). Returns nil without creating a duplicate row if id already
	// exists, regardless of status.
	Enqueue(ctx context.Context, job Job, policy RetryPolicy) error

	// Claim atomically reserves the next runnable job for workerID, marking
	// it processing with a visibility timeout of lockTTL. Returns ErrEmpty
	// if nothing is claimable right now.
	Claim(ctx context.Context, workerID string, lockTTL time.Duration) (Job, error)

	// Ack marks a claimed job done, removing it from further consideration.
	Ack(ctx context.Context, id string) error

	// Nack reschedules a claimed job for retry at runAt with errMsg recorded,
	// or dead-letters it if the job has exhausted its MaxAttempts.
	Nack(ctx context.Context, id string, runAt time.Time, errMsg string) error

	// DeadLetter marks a job permanently failed, bypassing further retries.
	DeadLetter(ctx context.Context, id string, errMsg string) error

	// RequeueStale returns claimed-but-not-acked jobs whose visibility
	// timeout has elapsed back to runnable, for workers that died mid-claim.
	RequeueStale(ctx context.Context, lockTTL time.Duration) (int64, error)
}
