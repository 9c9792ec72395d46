// Package engine declares the contract a workflow execution backend must
// satisfy (spec §4.1, §4.2, §4.9): drive a run's ready frontier forward one
// node at a time, checkpointing after each step, until the run succeeds,
// fails, or blocks on a dispatched request.
//
// Grounded in runtime/agent/engine/engine.go's Engine interface, which lets
// generated code target Temporal, an in-memory adapter, or a custom backend
// without modification. Here the same seam separates pgengine (the default,
// Postgres/Redis-backed interpreter that owns the run/event/frontier state
// directly) from temporalengine (an adapter that hands the same job payloads
// to a Temporal workflow and lets Temporal own durability and replay).
// cmd/worker always builds pgengine; internal/worker, which drives an Engine
// from the work queue, depends only on this interface.
package engine

import (
	"context"

	"github.com/flowbase/core/internal/queue"
)

// Engine executes KindRunStep and KindRunContinuation jobs. Implementations
// have no claim loop of their own: cmd/worker claims jobs from queue.Queue
// and calls HandleRunStep/HandleRunContinuation, translating the returned
// error into Ack/Nack/DeadLetter via coreerr.IsRetryable.
type Engine interface {
	// HandleRunStep advances a run by draining its ready frontier until it
	// succeeds, fails, or blocks on a dispatched request.
	HandleRunStep(ctx context.Context, job queue.Job) error

	// HandleRunContinuation polls for the result a blocked run is awaiting
	// and, once available, requeues a run_step job to resume it.
	HandleRunContinuation(ctx context.Context, job queue.Job) error
}
