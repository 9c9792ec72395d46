package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/queue"
	"github.com/flowbase/core/internal/queue/memory"
)

// stubEngine implements engine.Engine with scripted returns per call,
// recording which handler ran and on what job.
type stubEngine struct {
	stepErr         error
	continuationErr error
	stepCalls       []queue.Job
	continueCalls   []queue.Job
}

func (e *stubEngine) HandleRunStep(ctx context.Context, job queue.Job) error {
	e.stepCalls = append(e.stepCalls, job)
	return e.stepErr
}

func (e *stubEngine) HandleRunContinuation(ctx context.Context, job queue.Job) error {
	e.continueCalls = append(e.continueCalls, job)
	return e.continuationErr
}

func mustClaim(t *testing.T, q *memory.Queue) queue.Job {
	t.Helper()
	job, err := q.Claim(context.Background(), "test-worker", time.Minute)
	require.NoError(t, err)
	return job
}

func TestExecuteDispatchesOnJobKind(t *testing.T) {
	q := memory.New()
	eng := &stubEngine{}
	p := New(q, eng, "w1")

	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "step-1", Kind: queue.KindRunStep}, queue.RetryPolicy{MaxAttempts: 3}))
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "cont-1", Kind: queue.KindRunContinuation}, queue.RetryPolicy{MaxAttempts: 3}))

	p.execute(context.Background(), mustClaim(t, q))
	p.execute(context.Background(), mustClaim(t, q))

	assert.Len(t, eng.stepCalls, 1)
	assert.Equal(t, "step-1", eng.stepCalls[0].ID)
	assert.Len(t, eng.continueCalls, 1)
	assert.Equal(t, "cont-1", eng.continueCalls[0].ID)
}

func TestExecuteAcksOnSuccess(t *testing.T) {
	q := memory.New()
	eng := &stubEngine{}
	p := New(q, eng, "w1")

	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "job-1", Kind: queue.KindRunStep}, queue.RetryPolicy{MaxAttempts: 3}))
	p.execute(context.Background(), mustClaim(t, q))

	_, err := q.Claim(context.Background(), "w1", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty, "acked job must not be claimable again")
}

func TestExecuteDeadLettersNonRetryableError(t *testing.T) {
	q := memory.New()
	eng := &stubEngine{stepErr: coreerr.New(coreerr.InvalidNodeConfig, "bad config")}
	p := New(q, eng, "w1")

	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "job-1", Kind: queue.KindRunStep}, queue.RetryPolicy{MaxAttempts: 3}))
	p.execute(context.Background(), mustClaim(t, q))

	_, err := q.Claim(context.Background(), "w1", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty, "dead-lettered job must not be claimable again")
}

func TestExecuteNacksRetryableErrorForFutureRetry(t *testing.T) {
	q := memory.New()
	eng := &stubEngine{stepErr: coreerr.New(coreerr.NodeExecutionTimeout, "timeout").WithRetryable()}
	p := New(q, eng, "w1", WithPollInterval(time.Millisecond))
	p.retryPolicy = queue.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond}

	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "job-1", Kind: queue.KindRunStep, MaxAttempts: 3}, queue.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond}))
	p.execute(context.Background(), mustClaim(t, q))

	// Immediately after Nack the retry is scheduled slightly in the future
	// (backoff > 0), so it is not yet claimable.
	_, err := q.Claim(context.Background(), "w1", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	time.Sleep(5 * time.Millisecond)
	job, err := q.Claim(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
}

func TestExecuteUnrecognizedKindDeadLetters(t *testing.T) {
	q := memory.New()
	eng := &stubEngine{}
	p := New(q, eng, "w1")

	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "job-1", Kind: queue.Kind("unknown")}, queue.RetryPolicy{MaxAttempts: 3}))
	p.execute(context.Background(), mustClaim(t, q))

	assert.Empty(t, eng.stepCalls)
	assert.Empty(t, eng.continueCalls)
	_, err := q.Claim(context.Background(), "w1", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	q := memory.New()
	eng := &stubEngine{}
	p := New(q, eng, "w1", WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}
