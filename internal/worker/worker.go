// Package worker implements the queue-claim loop that drives a
// workflow.engine.Engine (spec §4.1, §4.8): claim a job, dispatch on its
// Kind to HandleRunStep or HandleRunContinuation, then Ack, Nack, or
// DeadLetter depending on the outcome. This is the "cmd/worker claims jobs
// from queue.Queue" half of the contract internal/workflow/engine's Engine
// doc comment describes; the engine itself never polls.
//
// Grounded in internal/scheduler's single-purpose polling-loop shape
// (jittered sleep between empty polls, context-cancellation exit), adapted
// from trigger-scanning to job-claiming.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/queue"
	"github.com/flowbase/core/internal/telemetry"
	"github.com/flowbase/core/internal/workflow/engine"
)

// DefaultPollInterval is how long a Pool sleeps after finding no claimable
// job before polling again.
const DefaultPollInterval = 2 * time.Second

// DefaultLockTTL is the visibility timeout Claim grants per job; a worker
// that dies mid-job surfaces it back to RequeueStale after this elapses.
const DefaultLockTTL = 5 * time.Minute

// Pool claims and executes jobs against an Engine implementation (either
// pgengine or temporalengine — this package only depends on the engine.Engine
// interface, so it never knows which).
type Pool struct {
	queue        queue.Queue
	engine       engine.Engine
	workerID     string
	pollInterval time.Duration
	lockTTL      time.Duration
	retryPolicy  queue.RetryPolicy
	logger       telemetry.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(d time.Duration) Option {
	return func(p *Pool) { p.lockTTL = d }
}

// WithLogger attaches a telemetry.Logger; defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New builds a Pool that claims jobs under workerID and executes them
// against eng.
func New(q queue.Queue, eng engine.Engine, workerID string, opts ...Option) *Pool {
	p := &Pool{
		queue:        q,
		engine:       eng,
		workerID:     workerID,
		pollInterval: DefaultPollInterval,
		lockTTL:      DefaultLockTTL,
		retryPolicy:  queue.RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second},
		logger:       telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run claims and executes jobs until ctx is cancelled. One goroutine per
// desired concurrency level should call Run with the same Pool; Claim's
// atomicity makes concurrent callers safe.
func (p *Pool) Run(ctx context.Context) error {
	for {
		claimed, err := p.queue.Claim(ctx, p.workerID, p.lockTTL)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.jitteredInterval()):
			}
			continue
		case err != nil:
			p.logger.Warn(ctx, "worker: claim failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.jitteredInterval()):
			}
			continue
		}

		p.execute(ctx, claimed)
	}
}

func (p *Pool) execute(ctx context.Context, job queue.Job) {
	var handleErr error
	switch job.Kind {
	case queue.KindRunStep:
		handleErr = p.engine.HandleRunStep(ctx, job)
	case queue.KindRunContinuation:
		handleErr = p.engine.HandleRunContinuation(ctx, job)
	default:
		handleErr = coreerr.Newf(coreerr.InvalidNodeConfig, "unrecognized job kind %q", job.Kind)
	}

	if handleErr == nil {
		if err := p.queue.Ack(ctx, job.ID); err != nil {
			p.logger.Warn(ctx, "worker: ack failed", "jobId", job.ID, "err", err)
		}
		return
	}

	if !coreerr.IsRetryable(handleErr) {
		if err := p.queue.DeadLetter(ctx, job.ID, handleErr.Error()); err != nil {
			p.logger.Warn(ctx, "worker: dead-letter failed", "jobId", job.ID, "err", err)
		}
		return
	}

	backoff := retryBackoff(p.retryPolicy, job.Attempts+1)
	if err := p.queue.Nack(ctx, job.ID, time.Now().Add(backoff), handleErr.Error()); err != nil {
		p.logger.Warn(ctx, "worker: nack failed", "jobId", job.ID, "err", err)
	}
}

func (p *Pool) jitteredInterval() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(p.pollInterval)))
	return p.pollInterval + jitter/2
}

func retryBackoff(policy queue.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	max := policy.MaxBackoff
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
