// Package pgengine is the default engine.Engine implementation (spec §4.1,
// §4.2): a workflow interpreter that walks a parsed DSL graph one ready node
// at a time, checkpointing the run row after each node, dispatching blocked
// nodes through the gateway, and resuming blocked runs once their dispatched
// request's result lands. All state lives in Postgres (store.Store) and
// Redis (the gateway's kv.Store); there is no separate durable-execution
// backend underneath it.
//
// Grounded in runtime/agent/engine/engine.go's Engine/WorkflowContext/Future
// abstraction, simplified: that teacher engine replays a deterministic
// workflow function against a durable execution backend (Temporal or its own
// in-memory adapter), so Future/WorkflowContext exist to make replay safe.
// Here the interpreter itself is the source of truth — a run's Frontier and
// Output.Steps are the only state a crash needs to recover from — so only
// the registration/dispatch shape is carried forward; there is no
// replay-safety concern to abstract over. The drain loop and checkpoint
// discipline are new code against spec §4.1/§4.2/§4.8; queue plumbing
// follows internal/scheduler's job-construction idiom. temporalengine is the
// sibling implementation that hands the same job payloads to Temporal
// instead.
package pgengine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/gateway"
	"github.com/flowbase/core/internal/kv"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/queue"
	"github.com/flowbase/core/internal/store"
	"github.com/flowbase/core/internal/telemetry"
	"github.com/flowbase/core/internal/workflow/dsl"
	"github.com/flowbase/core/internal/workflow/engine"
	"github.com/flowbase/core/internal/workflow/nodes"
)

var _ engine.Engine = (*Engine)(nil)

// Engine executes KindRunStep and KindRunContinuation jobs (spec §4.1,
// §4.8). It has no Run loop of its own: cmd/worker claims jobs from
// queue.Queue and calls HandleRunStep/HandleRunContinuation, translating
// the returned error into Ack/Nack/DeadLetter via coreerr.IsRetryable.
type Engine struct {
	store    store.Store
	queue    queue.Queue
	registry *nodes.Registry
	gw       *gateway.Gateway

	retryPolicy        queue.RetryPolicy
	continuationPolicy queue.RetryPolicy
	logger             telemetry.Logger
	now                func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy sets the policy applied to re-enqueued run_step jobs
// (both node-failure retries and fresh KindRunStep jobs after a block
// resumes).
func WithRetryPolicy(p queue.RetryPolicy) Option {
	return func(e *Engine) { e.retryPolicy = p }
}

// WithContinuationPolicy sets the policy applied to run_continuation jobs:
// its MaxAttempts bounds how long the poller keeps re-checking for a
// dispatch result before the run is abandoned as blocked (spec §4.8).
func WithContinuationPolicy(p queue.RetryPolicy) Option {
	return func(e *Engine) { e.continuationPolicy = p }
}

// WithLogger attaches a telemetry.Logger; defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine over the durable store, work queue, node registry,
// and gateway dispatch core.
func New(st store.Store, q queue.Queue, registry *nodes.Registry, gw *gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		queue:    q,
		registry: registry,
		gw:       gw,
		retryPolicy: queue.RetryPolicy{
			MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second,
		},
		continuationPolicy: queue.RetryPolicy{
			MaxAttempts: 60, BaseBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second,
		},
		logger: telemetry.NewNoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runStepPayload / continuationPayload are the two job payload shapes this
// package produces and consumes (spec §6 "work queue"), following
// internal/scheduler's convention of a dedicated Job.OrgID field plus a thin
// JSON payload.
type runStepPayload struct {
	RunID string `json:"runId"`
}

type continuationPayload struct {
	RunID     string `json:"runId"`
	RequestID string `json:"requestId"`
}

func runStepJob(orgID, runID string, runAt time.Time) queue.Job {
	raw, _ := json.Marshal(runStepPayload{RunID: runID})
	return queue.Job{ID: uuid.NewString(), Kind: queue.KindRunStep, OrgID: orgID, Payload: raw, RunAt: runAt}
}

func continuationJob(orgID, runID, requestID string) queue.Job {
	raw, _ := json.Marshal(continuationPayload{RunID: runID, RequestID: requestID})
	// Deterministic id: a duplicate dispatch-complete delivery must not
	// enqueue a second poller for the same outstanding request.
	return queue.Job{ID: "cont-" + requestID, Kind: queue.KindRunContinuation, OrgID: orgID, Payload: raw}
}

// HandleRunStep advances runID by draining its ready frontier: it executes
// nodes in FIFO order, checkpointing the run after each success, until the
// frontier empties (the run succeeds), a node fails (retried up to
// MaxAttempts, then the run fails), or a node blocks (the run suspends and
// this job acks; a continuation job resumes it later, spec §4.1, §4.2).
func (e *Engine) HandleRunStep(ctx context.Context, job queue.Job) error {
	var payload runStepPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return coreerr.Wrap(coreerr.InvalidNodeConfig, err, "run_step payload: "+err.Error())
	}

	run, err := e.store.GetRun(ctx, job.OrgID, payload.RunID)
	if err != nil {
		return err
	}

	switch run.Status {
	case model.RunSucceeded, model.RunFailed, model.RunBlocked:
		// Idempotent no-op: a redelivered or racing job arrived for a run
		// that has already moved past the state this job was meant to drive.
		return nil
	case model.RunQueued, model.RunQueuedForRetry:
		run.AttemptCount++
		if run.AttemptCount > run.MaxAttempts {
			return e.terminalFail(ctx, run, "", "", coreerr.New(coreerr.NodeExecutionFailed, "run exceeded maxAttempts before executing a node"))
		}
		run.Status = model.RunRunning
		// spec §4.2 "markRunning(attemptCount := attemptCount + 1) writes a
		// run_started event" — every transition into running emits one, not
		// only the first (§8 scenario 2's retried delivery emits a second).
		if _, err := e.appendEvent(ctx, run, "", "", model.EventRunStarted, model.LevelInfo, nil, ""); err != nil {
			return err
		}
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return err
		}
	case model.RunRunning:
		// Crash-recovery redelivery of an already-running attempt: the
		// transition into running already persisted, so attemptCount must
		// not bump again (spec §8 "strictly increases on each transition to
		// running", not on each redelivery of the same attempt).
	default:
		return coreerr.Newf(coreerr.InvalidNodeConfig, "run %s has unrecognized status %q", run.ID, run.Status)
	}

	wf, err := e.store.GetWorkflow(ctx, run.OrgID, run.WorkflowID)
	if err != nil {
		return err
	}
	parsed, err := dsl.Parse(wf.DSL, wf.DSLVer)
	if err != nil {
		return e.terminalFail(ctx, run, "", "", err)
	}
	graph := parsed.Graph

	frontier := append([]string(nil), run.Frontier...)
	if len(frontier) == 0 && len(run.Output.Steps) == 0 {
		frontier = rootNodes(graph)
	}

	pendingResult := run.Runtime.PendingRemoteResult
	run.Runtime.PendingRemoteResult = nil
	consumedPending := false

	for len(frontier) > 0 {
		nodeID := frontier[0]
		frontier = frontier[1:]

		node, ok := graph.Nodes[nodeID]
		if !ok {
			return e.terminalFail(ctx, run, nodeID, "", coreerr.Newf(coreerr.InvalidNodeConfig, "frontier references unknown node %q", nodeID))
		}

		var pending *model.RemoteResult
		if !consumedPending {
			pending = pendingResult
			consumedPending = true
		}

		// Exactly-once idempotency: if node_succeeded was already recorded
		// for this (run, attempt, node), a prior worker crashed between
		// emitting the event and persisting the checkpoint. Replay the
		// recorded output rather than re-executing (spec §4.2, §8).
		if existing, err := e.store.FindEventByKey(ctx, run.OrgID, run.ID, run.AttemptCount, nodeID, model.EventNodeSucceeded); err != nil {
			return err
		} else if existing != nil {
			run.Output.Steps = append(run.Output.Steps, model.RunStep{NodeID: nodeID, Output: existing.Payload})
			run.CursorNodeIndex = len(run.Output.Steps)
			frontier = appendNewFrontier(frontier, readySuccessors(graph, node, existing.Payload, run.Output.Steps))
			continue
		}

		executor, lookupErr := e.registry.Lookup(node.Kind)
		if lookupErr != nil {
			return e.failNode(ctx, run, nodeID, string(node.Kind), lookupErr)
		}

		if pending == nil {
			// A resumed blocked node already emitted node_started before it
			// blocked on its prior pass through this loop; every other node
			// is starting fresh (spec §4.2 "For each ready node: emit
			// node_started").
			if _, err := e.appendEvent(ctx, run, nodeID, string(node.Kind), model.EventNodeStarted, model.LevelInfo, nil, ""); err != nil {
				return err
			}
		}

		result, execErr := executor.Execute(ctx, buildInput(run, node, graph, pending))
		if execErr != nil {
			return e.failNode(ctx, run, nodeID, string(node.Kind), execErr)
		}
		if result.Runtime != nil {
			run.Runtime = *result.Runtime
		}

		switch result.Status {
		case nodes.StatusSucceeded:
			if _, err := e.appendEvent(ctx, run, nodeID, string(node.Kind), model.EventNodeSucceeded, model.LevelInfo, result.Output, ""); err != nil {
				return err
			}
			run.Output.Steps = append(run.Output.Steps, model.RunStep{NodeID: nodeID, Output: result.Output})
			run.CursorNodeIndex = len(run.Output.Steps)
			frontier = appendNewFrontier(frontier, readySuccessors(graph, node, result.Output, run.Output.Steps))
			run.Frontier = frontier
			if err := e.store.UpdateRun(ctx, run); err != nil {
				return err
			}

		case nodes.StatusBlocked:
			// Put nodeID back at the head: it re-enters execution (with the
			// dispatch result as PendingRemoteResult) once resumed.
			frontier = append([]string{nodeID}, frontier...)

			resp, dispatchErr := e.dispatch(ctx, run, nodeID, result.Block)
			if dispatchErr != nil {
				if coreerr.IsRetryable(dispatchErr) {
					// Transport-layer failure: nothing was checkpointed for
					// this node, so redelivering the whole job is safe.
					return dispatchErr
				}
				// Policy denial / quota exceedance: non-retryable at the
				// engine layer, fail immediately (spec §7).
				return e.terminalFail(ctx, run, nodeID, string(node.Kind), dispatchErr)
			}

			patchRequestID(&run, nodeID, resp.RequestID)
			run.Status = model.RunBlocked
			run.Frontier = frontier
			if _, err := e.appendEvent(ctx, run, nodeID, string(node.Kind), model.EventNodeDispatched, model.LevelInfo, result.Block.Payload, ""); err != nil {
				return err
			}
			if err := e.store.UpdateRun(ctx, run); err != nil {
				return err
			}
			if err := e.queue.Enqueue(ctx, continuationJob(run.OrgID, run.ID, resp.RequestID), e.continuationPolicy); err != nil {
				e.logger.Warn(ctx, "engine: continuation enqueue failed", "runId", run.ID, "requestId", resp.RequestID, "err", err)
			}
			return nil

		default: // nodes.StatusFailed
			return e.failNode(ctx, run, nodeID, string(node.Kind), result.Err)
		}
	}

	run.Status = model.RunSucceeded
	run.Frontier = nil
	if _, err := e.appendEvent(ctx, run, "", "", model.EventRunSucceeded, model.LevelInfo, nil, ""); err != nil {
		return err
	}
	return e.store.UpdateRun(ctx, run)
}

// HandleRunContinuation polls for the result of the request a blocked run is
// awaiting (spec §4.8): if absent, it returns a retryable error so the
// queue's own Nack-driven backoff re-delivers this job until the result
// lands or the job exhausts its MaxAttempts. Once present, it requeues a
// fresh KindRunStep job so the engine resumes the node still at the head of
// Frontier.
func (e *Engine) HandleRunContinuation(ctx context.Context, job queue.Job) error {
	var payload continuationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return coreerr.Wrap(coreerr.InvalidNodeConfig, err, "run_continuation payload: "+err.Error())
	}

	run, err := e.store.GetRun(ctx, job.OrgID, payload.RunID)
	if err != nil {
		return err
	}
	if run.Status != model.RunBlocked {
		// Idempotent no-op: either resumed already by a racing delivery, or
		// the run moved on (failed/cancelled) while this poll was in flight.
		return nil
	}

	requestID := payload.RequestID
	if requestID == "" {
		requestID = requestIDFor(run)
	}
	if requestID == "" {
		return coreerr.New(coreerr.RemoteResultInvalid, "blocked run has no outstanding request id to poll")
	}

	result, err := e.gw.Result(ctx, requestID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return coreerr.New(coreerr.NodeExecutionTimeout, "dispatch result not yet available").WithRetryable()
		}
		return err
	}

	run.Runtime.PendingRemoteResult = &result
	run.Status = model.RunQueued
	run.BlockedRequestID = ""
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, runStepJob(run.OrgID, run.ID, time.Time{}), e.retryPolicy)
}

// failNode routes a node-level failure through the engine's retry-until-
// maxAttempts policy (spec §7 "node-level failures bubble to the engine;
// the engine retries per the queue's backoff until maxAttempts, then marks
// the run failed").
func (e *Engine) failNode(ctx context.Context, run model.WorkflowRun, nodeID, nodeType string, cause error) error {
	if run.AttemptCount < run.MaxAttempts {
		return e.retryRun(ctx, run, nodeID, nodeType, cause)
	}
	return e.terminalFail(ctx, run, nodeID, nodeType, cause)
}

func (e *Engine) retryRun(ctx context.Context, run model.WorkflowRun, nodeID, nodeType string, cause error) error {
	if _, err := e.appendEvent(ctx, run, nodeID, nodeType, model.EventNodeFailed, model.LevelError, nil, errMsg(cause)); err != nil {
		return err
	}
	run.Status = model.RunQueuedForRetry
	if _, err := e.appendEvent(ctx, run, "", "", model.EventRunRetried, model.LevelWarn, nil, errMsg(cause)); err != nil {
		return err
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	backoff := retryBackoff(e.retryPolicy, run.AttemptCount)
	if err := e.queue.Enqueue(ctx, runStepJob(run.OrgID, run.ID, e.now().Add(backoff)), e.retryPolicy); err != nil {
		e.logger.Warn(ctx, "engine: retry enqueue failed", "runId", run.ID, "err", err)
		return err
	}
	return nil
}

func (e *Engine) terminalFail(ctx context.Context, run model.WorkflowRun, nodeID, nodeType string, cause error) error {
	if _, err := e.appendEvent(ctx, run, nodeID, nodeType, model.EventNodeFailed, model.LevelError, nil, errMsg(cause)); err != nil {
		return err
	}
	run.Status = model.RunFailed
	run.Output.FailedNodeID = nodeID
	if _, err := e.appendEvent(ctx, run, "", "", model.EventRunFailed, model.LevelError, nil, errMsg(cause)); err != nil {
		return err
	}
	return e.store.UpdateRun(ctx, run)
}

func (e *Engine) appendEvent(ctx context.Context, run model.WorkflowRun, nodeID, nodeType string, t model.RunEventType, level model.EventLevel, payload json.RawMessage, msg string) (int64, error) {
	return e.store.AppendEvent(ctx, model.WorkflowRunEvent{
		OrgID:     run.OrgID,
		RunID:     run.ID,
		NodeID:    nodeID,
		NodeType:  nodeType,
		Attempt:   run.AttemptCount,
		EventType: t,
		Level:     level,
		Message:   msg,
		Payload:   payload,
	})
}

// dispatch resolves block into a gateway.Request and calls Dispatch, the one
// place in the engine where a blocked node's payload actually leaves the
// process (spec §4.6).
func (e *Engine) dispatch(ctx context.Context, run model.WorkflowRun, nodeID string, block *nodes.BlockPayload) (gateway.Response, error) {
	if e.gw == nil {
		return gateway.Response{}, coreerr.New(coreerr.GatewayNotConfigured, "no gateway wired into the engine")
	}
	req := gateway.Request{
		OrgID:     run.OrgID,
		RunID:     run.ID,
		NodeID:    nodeID,
		Kind:      block.DispatchKind,
		Payload:   block.Payload,
		TimeoutMs: block.TimeoutMs,
	}
	if len(block.Selector) > 0 {
		var sel struct {
			Pool       model.Pool        `json:"pool,omitempty"`
			Labels     map[string]string `json:"labels,omitempty"`
			Group      string            `json:"group,omitempty"`
			Tag        string            `json:"tag,omitempty"`
			ExecutorID string            `json:"executorId,omitempty"`
		}
		if err := json.Unmarshal(block.Selector, &sel); err == nil {
			req.Selector = gateway.Selector{
				Pool:           sel.Pool,
				RequiredLabels: sel.Labels,
				Group:          sel.Group,
				Tag:            sel.Tag,
				ExecutorID:     sel.ExecutorID,
			}
		}
	}
	return e.gw.Dispatch(ctx, req)
}

// patchRequestID records the dispatch request id the engine just obtained
// into whichever runtime slot is waiting on it: a plain blocked node's
// BlockedRequestID, or — for a tool call blocked inside an agent.run node —
// that node's AgentRunState.PendingToolCall, which the tool itself left
// without a request id (spec §4.4: the engine dispatches, not the tool).
func patchRequestID(run *model.WorkflowRun, nodeID, requestID string) {
	if run.Runtime.AgentRuns != nil {
		if st, ok := run.Runtime.AgentRuns[nodeID]; ok && st.PendingToolCall != nil {
			st.PendingToolCall.RequestID = requestID
			return
		}
	}
	run.BlockedRequestID = requestID
}

// requestIDFor recovers the outstanding request id for a blocked run when a
// continuation job's payload omits it (defensive path; continuationJob
// always bakes it in).
func requestIDFor(run model.WorkflowRun) string {
	if run.BlockedRequestID != "" {
		return run.BlockedRequestID
	}
	if len(run.Frontier) > 0 {
		if st, ok := run.Runtime.AgentRuns[run.Frontier[0]]; ok && st.PendingToolCall != nil {
			return st.PendingToolCall.RequestID
		}
	}
	return ""
}

// buildInput assembles a node executor's Input, scoping Steps per node kind
// (parallel.join sees only its direct branches' outputs; every other kind
// sees the full run history, see parallel_join.go vs. condition.go's use of
// Steps).
func buildInput(run model.WorkflowRun, node dsl.Node, g dsl.Graph, pending *model.RemoteResult) nodes.Input {
	steps := run.Output.Steps
	if node.Kind == dsl.KindParallelJoin {
		want := make(map[string]bool)
		for _, p := range dsl.Predecessors(g)[node.ID] {
			want[p] = true
		}
		scoped := make([]model.RunStep, 0, len(want))
		for _, s := range run.Output.Steps {
			if want[s.NodeID] {
				scoped = append(scoped, s)
			}
		}
		steps = scoped
	}
	return nodes.Input{
		OrgID:               run.OrgID,
		Run:                 run,
		Node:                node,
		Steps:               steps,
		RunInput:            run.Input,
		Runtime:             run.Runtime,
		PendingRemoteResult: pending,
	}
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

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
