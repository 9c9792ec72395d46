// Package memory implements queue.Queue in process memory for unit tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/flowbase/core/internal/queue"
)

type entry struct {
	job         queue.Job
	status      string // pending|processing|done|failed
	runAt       time.Time
	lockedUntil time.Time
}

// Queue is an in-memory implementation of queue.Queue.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
}

var _ queue.Queue = (*Queue)(nil)

// New returns an empty in-memory queue.
func New() *Queue {
	return &Queue{entries: make(map[string]*entry)}
}

func (q *Queue) Enqueue(ctx context.Context, job queue.Job, policy queue.RetryPolicy) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[job.ID]; ok {
		return nil
	}
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
	job.MaxAttempts = maxAttempts
	job.RunAt = runAt
	job.CreatedAt = time.Now()
	q.entries[job.ID] = &entry{job: job, status: "pending", runAt: runAt}
	return nil
}

func (q *Queue) Claim(ctx context.Context, workerID string, lockTTL time.Duration) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var best *entry
	for _, e := range q.entries {
		if e.status != "pending" || e.runAt.After(now) {
			continue
		}
		if best == nil || e.runAt.Before(best.runAt) {
			best = e
		}
	}
	if best == nil {
		return queue.Job{}, queue.ErrEmpty
	}
	best.status = "processing"
	best.lockedUntil = now.Add(lockTTL)
	best.job.Attempts++
	return best.job, nil
}

func (q *Queue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		e.status = "done"
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil
	}
	if e.job.Attempts >= e.job.MaxAttempts {
		e.status = "failed"
		return nil
	}
	e.status = "pending"
	e.runAt = runAt
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, id string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		e.status = "failed"
	}
	return nil
}

func (q *Queue) RequeueStale(ctx context.Context, lockTTL time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var n int64
	for _, e := range q.entries {
		if e.status == "processing" && e.lockedUntil.Before(now) {
			e.status = "pending"
			n++
		}
	}
	return n, nil
}
