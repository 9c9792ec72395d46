// Package temporalengine is the alternate engine.Engine implementation
// (spec §4.1, §4.9): it hands every run_step/run_continuation job to a
// Temporal workflow instead of executing the interpreter loop inline, so
// Temporal owns retry, timeout, and replay durability instead of
// queue.Queue's own backoff bookkeeping. cmd/worker always builds pgengine
// and does not construct this adapter; the interpreter itself
// (pgengine.Engine) is reused unchanged as the activity body, so both
// engines drive identical node-execution and checkpointing semantics — only
// who owns retries and scheduling differs.
//
// Grounded in runtime/agent/engine/temporal/engine.go's Options/WorkerOptions
// shape and its lazy, auto-starting worker lifecycle; simplified down to the
// two job kinds this system has instead of that teacher's generic
// WorkflowDefinition/ActivityDefinition registry.
package temporalengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/flowbase/core/internal/queue"
	"github.com/flowbase/core/internal/telemetry"
	"github.com/flowbase/core/internal/workflow/engine"
	"github.com/flowbase/core/internal/workflow/engine/pgengine"
)

var _ engine.Engine = (*Engine)(nil)

// RunStepWorkflowName and RunContinuationWorkflowName are the Temporal
// workflow types this engine registers and starts one execution of per job.
const (
	RunStepWorkflowName         = "FlowbaseRunStep"
	RunContinuationWorkflowName = "FlowbaseRunContinuation"

	runStepActivityName         = "ExecuteRunStep"
	runContinuationActivityName = "ExecuteRunContinuation"
)

// Options configures the Temporal engine adapter. Either Client or
// ClientOptions must be provided.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, New dials one using
	// ClientOptions.
	Client client.Client

	// ClientOptions describes how to dial a Temporal client when Client is
	// nil. Required in that case.
	ClientOptions *client.Options

	// TaskQueue is the Temporal task queue workers poll and workflows
	// execute on. Required.
	TaskQueue string

	// WorkerOptions forwards to worker.New for concurrency/identity tuning.
	WorkerOptions worker.Options

	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool

	// Logger emits engine lifecycle and activity logs; defaults to a no-op
	// logger.
	Logger telemetry.Logger
}

// Engine implements engine.Engine by starting a Temporal workflow execution
// per job and blocking on its result. The interpreter itself runs inside the
// activity, via the wrapped pgengine.Engine.
type Engine struct {
	client client.Client
	owned  bool // true if New dialed the client and must close it
	taskQ  string
	logger telemetry.Logger

	inner *pgengine.Engine

	mu     sync.Mutex
	worker worker.Worker
}

// New builds a Temporal-backed Engine that delegates node execution to
// inner. It registers the run-step and run-continuation workflows and their
// activities against the configured task queue but does not start polling —
// call Start to run a worker, or rely on another process already polling
// the same task queue (e.g. a dedicated Temporal worker deployment).
func New(inner *pgengine.Engine, opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporalengine: TaskQueue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	c := opts.Client
	owned := false
	if c == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporalengine: Client or ClientOptions is required")
		}
		co := *opts.ClientOptions
		if !opts.DisableTracing {
			interceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("temporal tracing interceptor: %w", err)
			}
			co.Interceptors = append(co.Interceptors, interceptor)
		}
		dialed, err := client.Dial(co)
		if err != nil {
			return nil, fmt.Errorf("dial temporal client: %w", err)
		}
		c = dialed
		owned = true
	}

	e := &Engine{
		client: c,
		owned:  owned,
		taskQ:  opts.TaskQueue,
		logger: logger,
		inner:  inner,
	}

	w := worker.New(c, opts.TaskQueue, opts.WorkerOptions)
	w.RegisterWorkflowWithOptions(e.runStepWorkflow, workflow.RegisterOptions{Name: RunStepWorkflowName})
	w.RegisterWorkflowWithOptions(e.runContinuationWorkflow, workflow.RegisterOptions{Name: RunContinuationWorkflowName})
	w.RegisterActivityWithOptions(e.executeRunStepActivity, activity.RegisterOptions{Name: runStepActivityName})
	w.RegisterActivityWithOptions(e.executeRunContinuationActivity, activity.RegisterOptions{Name: runContinuationActivityName})
	e.worker = w

	return e, nil
}

// Start begins polling the task queue in a background goroutine. Stop must
// be called to release the worker and, if New dialed the client, the
// client's connection.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worker.Start()
}

// Stop halts the worker and closes the client connection if this Engine
// owns it.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.worker.Stop()
	e.mu.Unlock()
	if e.owned {
		e.client.Close()
	}
}

// HandleRunStep starts a RunStepWorkflow execution for job and blocks until
// it completes, so the queue-claim caller can Ack/Nack exactly as it would
// for pgengine.
func (e *Engine) HandleRunStep(ctx context.Context, job queue.Job) error {
	return e.runAndWait(ctx, RunStepWorkflowName, job)
}

// HandleRunContinuation starts a RunContinuationWorkflow execution for job
// and blocks until it completes.
func (e *Engine) HandleRunContinuation(ctx context.Context, job queue.Job) error {
	return e.runAndWait(ctx, RunContinuationWorkflowName, job)
}

func (e *Engine) runAndWait(ctx context.Context, workflowName string, job queue.Job) error {
	opts := client.StartWorkflowOptions{
		ID:        workflowName + "-" + job.ID,
		TaskQueue: e.taskQ,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, workflowName, job)
	if err != nil {
		return fmt.Errorf("start temporal workflow %s: %w", workflowName, err)
	}
	return run.Get(ctx, nil)
}

// runStepWorkflow is the deterministic workflow body: it delegates entirely
// to the ExecuteRunStep activity, since the interpreter (not the workflow
// function) owns all decision logic. Temporal's own retry policy covers the
// activity; the workflow itself never needs to branch.
func (e *Engine) runStepWorkflow(ctx workflow.Context, job queue.Job) error {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())
	return workflow.ExecuteActivity(ctx, runStepActivityName, job).Get(ctx, nil)
}

func (e *Engine) runContinuationWorkflow(ctx workflow.Context, job queue.Job) error {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())
	return workflow.ExecuteActivity(ctx, runContinuationActivityName, job).Get(ctx, nil)
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
}

// DescribeRun reports whether the Temporal workflow execution backing a job
// is still running, completed, or failed, for operators inspecting a stuck
// run_step/run_continuation job outside of the blocking HandleRunStep call.
func (e *Engine) DescribeRun(ctx context.Context, workflowName, jobID string) (string, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowName+"-"+jobID, "")
	if err != nil {
		return "", fmt.Errorf("describe temporal workflow %s-%s: %w", workflowName, jobID, err)
	}
	status := resp.GetWorkflowExecutionInfo().GetStatus()
	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return "running", nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return "completed", nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "failed", nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "canceled", nil
	default:
		return status.String(), nil
	}
}

func (e *Engine) executeRunStepActivity(ctx context.Context, job queue.Job) error {
	return e.inner.HandleRunStep(ctx, job)
}

func (e *Engine) executeRunContinuationActivity(ctx context.Context, job queue.Job) error {
	return e.inner.HandleRunContinuation(ctx, job)
}
