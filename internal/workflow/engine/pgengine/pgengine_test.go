package pgengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/executorregistry"
	"github.com/flowbase/core/internal/gateway"
	"github.com/flowbase/core/internal/kv/memkv"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/queue"
	"github.com/flowbase/core/internal/queue/memory"
	memstore "github.com/flowbase/core/internal/store/memory"
	"github.com/flowbase/core/internal/workflow/dsl"
	"github.com/flowbase/core/internal/workflow/nodes"
)

const testOrg = "org1"

func v3DSL(t *testing.T, g dsl.Graph) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(struct {
		Graph dsl.Graph `json:"graph"`
	}{Graph: g})
	require.NoError(t, err)
	return raw
}

func seedWorkflow(t *testing.T, st *memstore.Store, g dsl.Graph) model.Workflow {
	t.Helper()
	wf := model.Workflow{OrgID: testOrg, ID: "wf1", Status: model.WorkflowPublished, DSLVer: model.DSLVersionV3, DSL: v3DSL(t, g)}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedRun(t *testing.T, st *memstore.Store, wf model.Workflow, maxAttempts int) model.WorkflowRun {
	t.Helper()
	run := model.WorkflowRun{
		OrgID: testOrg, WorkflowID: wf.ID, ID: "run1",
		Status: model.RunQueued, MaxAttempts: maxAttempts,
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

// succeedingExecutor always succeeds with a fixed output, for nodes kinds
// not under test.
type succeedingExecutor struct{ output json.RawMessage }

func (s succeedingExecutor) Execute(ctx context.Context, in nodes.Input) (nodes.Result, error) {
	out := s.output
	if out == nil {
		out = json.RawMessage(`{}`)
	}
	return nodes.Result{Status: nodes.StatusSucceeded, Output: out}, nil
}

// countingFailThenSucceedExecutor fails the first N calls, then succeeds.
type countingFailThenSucceedExecutor struct {
	failTimes int
	calls     int
}

func (e *countingFailThenSucceedExecutor) Execute(ctx context.Context, in nodes.Input) (nodes.Result, error) {
	e.calls++
	if e.calls <= e.failTimes {
		return nodes.Result{Status: nodes.StatusFailed, Err: errBoom}, nil
	}
	return nodes.Result{Status: nodes.StatusSucceeded, Output: json.RawMessage(`{}`)}, nil
}

var errBoom = errors.New("boom")

func newHarness(t *testing.T, g dsl.Graph) (*Engine, *memstore.Store, *memory.Queue, model.Workflow) {
	t.Helper()
	st := memstore.New()
	q := memory.New()
	reg := nodes.NewRegistry(nil, nil)
	wf := seedWorkflow(t, st, g)
	e := New(st, q, reg, nil, WithRetryPolicy(queue.RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))
	return e, st, q, wf
}

func TestConditionSkipsFalseBranch(t *testing.T) {
	g := dsl.Graph{
		Nodes: map[string]dsl.Node{
			"cond": {ID: "cond", Kind: dsl.KindCondition, Config: mustJSON(t, map[string]any{"path": "flag", "op": "eq", "value": true})},
			"yes":  {ID: "yes", Kind: dsl.KindHTTPRequest},
			"no":   {ID: "no", Kind: dsl.KindHTTPRequest},
		},
		Edges: []dsl.Edge{
			{From: "cond", To: "yes", Tag: dsl.TagTrue},
			{From: "cond", To: "no", Tag: dsl.TagFalse},
		},
	}
	e, st, q, wf := newHarness(t, g)
	e.registry.Register(dsl.KindHTTPRequest, succeedingExecutor{})

	run := seedRun(t, st, wf, 3)
	run.Input = json.RawMessage(`{"flag":true}`)
	require.NoError(t, st.UpdateRun(context.Background(), run))

	require.NoError(t, e.HandleRunStep(context.Background(), runStepJob(testOrg, run.ID, time.Time{})))

	got, err := st.GetRun(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, got.Status)

	var seen []string
	for _, s := range got.Output.Steps {
		seen = append(seen, s.NodeID)
	}
	require.Contains(t, seen, "yes")
	require.NotContains(t, seen, "no")
	_ = q
}

func TestParallelJoinAllWaitsForBothBranches(t *testing.T) {
	g := dsl.Graph{
		Nodes: map[string]dsl.Node{
			"root": {ID: "root", Kind: dsl.KindHTTPRequest},
			"a":    {ID: "a", Kind: dsl.KindHTTPRequest},
			"b":    {ID: "b", Kind: dsl.KindHTTPRequest},
			"join": {ID: "join", Kind: dsl.KindParallelJoin, Config: mustJSON(t, map[string]any{"mode": "all"})},
		},
		Edges: []dsl.Edge{
			{From: "root", To: "a"},
			{From: "root", To: "b"},
			{From: "a", To: "join"},
			{From: "b", To: "join"},
		},
	}
	e, st, _, wf := newHarness(t, g)
	e.registry.Register(dsl.KindHTTPRequest, succeedingExecutor{})

	run := seedRun(t, st, wf, 3)
	require.NoError(t, e.HandleRunStep(context.Background(), runStepJob(testOrg, run.ID, time.Time{})))

	got, err := st.GetRun(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, got.Status)

	counts := map[string]int{}
	for _, s := range got.Output.Steps {
		counts[s.NodeID]++
	}
	require.Equal(t, 1, counts["a"])
	require.Equal(t, 1, counts["b"])
	require.Equal(t, 1, counts["join"])

	// join must appear strictly after both branches in the recorded order.
	var joinIdx, aIdx, bIdx int
	for i, s := range got.Output.Steps {
		switch s.NodeID {
		case "join":
			joinIdx = i
		case "a":
			aIdx = i
		case "b":
			bIdx = i
		}
	}
	require.Greater(t, joinIdx, aIdx)
	require.Greater(t, joinIdx, bIdx)
}

func TestRetryThenSucceed(t *testing.T) {
	g := dsl.Graph{Nodes: map[string]dsl.Node{"n": {ID: "n", Kind: "test.flaky"}}}
	e, st, q, wf := newHarness(t, g)
	exec := &countingFailThenSucceedExecutor{failTimes: 1}
	e.registry.Register("test.flaky", exec)

	run := seedRun(t, st, wf, 3)
	job := runStepJob(testOrg, run.ID, time.Time{})

	// First delivery: node fails, run queued_for_retry, attemptCount=1.
	require.NoError(t, e.HandleRunStep(context.Background(), job))
	got, err := st.GetRun(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunQueuedForRetry, got.Status)
	require.Equal(t, 1, got.AttemptCount)

	events, err := st.ListEvents(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	types := eventTypes(events)
	require.Equal(t, []model.RunEventType{
		model.EventRunStarted, model.EventNodeStarted, model.EventNodeFailed, model.EventRunRetried,
	}, types)

	// Second delivery (as the queue would redeliver after backoff): node
	// succeeds, run succeeds, attemptCount=2.
	require.NoError(t, e.HandleRunStep(context.Background(), runStepJob(testOrg, run.ID, time.Time{})))
	got, err = st.GetRun(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, got.Status)
	require.Equal(t, 2, got.AttemptCount)

	// §8 scenario 2 lists a second run_started on the retried delivery, not
	// just on the first.
	events, err = st.ListEvents(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	types = eventTypes(events)
	require.Equal(t, []model.RunEventType{
		model.EventRunStarted, model.EventNodeStarted, model.EventNodeFailed, model.EventRunRetried,
		model.EventRunStarted, model.EventNodeStarted, model.EventNodeSucceeded, model.EventRunSucceeded,
	}, types)
	_ = q
}

func TestRetryExhaustsMaxAttemptsThenFails(t *testing.T) {
	g := dsl.Graph{Nodes: map[string]dsl.Node{"n": {ID: "n", Kind: "test.flaky"}}}
	e, st, _, wf := newHarness(t, g)
	exec := &countingFailThenSucceedExecutor{failTimes: 99}
	e.registry.Register("test.flaky", exec)

	run := seedRun(t, st, wf, 2)
	require.NoError(t, e.HandleRunStep(context.Background(), runStepJob(testOrg, run.ID, time.Time{})))
	got, _ := st.GetRun(context.Background(), testOrg, run.ID)
	require.Equal(t, model.RunQueuedForRetry, got.Status)

	require.NoError(t, e.HandleRunStep(context.Background(), runStepJob(testOrg, run.ID, time.Time{})))
	got, _ = st.GetRun(context.Background(), testOrg, run.ID)
	require.Equal(t, model.RunFailed, got.Status)
	require.Equal(t, "n", got.Output.FailedNodeID)
}

func TestIdempotentReplaySkipsAlreadySucceededNode(t *testing.T) {
	g := dsl.Graph{
		Nodes: map[string]dsl.Node{
			"a": {ID: "a", Kind: dsl.KindHTTPRequest},
			"b": {ID: "b", Kind: dsl.KindHTTPRequest},
		},
		Edges: []dsl.Edge{{From: "a", To: "b"}},
	}
	e, st, _, wf := newHarness(t, g)
	calls := map[string]int{}
	e.registry.Register(dsl.KindHTTPRequest, nodes.ExecutorFunc(func(ctx context.Context, in nodes.Input) (nodes.Result, error) {
		calls[in.Node.ID]++
		return nodes.Result{Status: nodes.StatusSucceeded, Output: json.RawMessage(`{}`)}, nil
	}))

	run := seedRun(t, st, wf, 3)
	run.AttemptCount = 1
	run.Status = model.RunRunning
	run.Frontier = []string{"a", "b"}
	require.NoError(t, st.UpdateRun(context.Background(), run))

	// Simulate a crash recovery: node "a" already recorded node_succeeded,
	// but the job is redelivered before "b" ran.
	_, err := st.AppendEvent(context.Background(), model.WorkflowRunEvent{
		OrgID: testOrg, RunID: run.ID, NodeID: "a", Attempt: 1,
		EventType: model.EventNodeSucceeded, Payload: json.RawMessage(`{"replayed":true}`),
	})
	require.NoError(t, err)

	require.NoError(t, e.HandleRunStep(context.Background(), runStepJob(testOrg, run.ID, time.Time{})))

	require.Equal(t, 0, calls["a"], "node a must not re-execute; its recorded output is replayed")
	require.Equal(t, 1, calls["b"])

	got, err := st.GetRun(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, got.Status)
	require.JSONEq(t, `{"replayed":true}`, string(got.Output.Steps[0].Output))
}

func TestBlockedNodeDispatchesAndContinuationResumes(t *testing.T) {
	g := dsl.Graph{Nodes: map[string]dsl.Node{
		"n": {ID: "n", Kind: dsl.KindConnectorAction, Config: mustJSON(t, map[string]any{
			"connectorId": "github", "actionId": "createIssue",
			"input":     map[string]any{"title": "bug"},
			"execution": map[string]any{"mode": "node"},
		})},
	}}

	st := memstore.New()
	q := memory.New()
	reg := nodes.NewRegistry(nil, nil)
	wf := seedWorkflow(t, st, g)

	kvStore := memkv.New()
	execReg := executorregistry.New(kvStore, st)
	require.NoError(t, execReg.Register(context.Background(), model.ExecutorRoute{
		ExecutorID: "exec1", Pool: "managed", OrgID: testOrg, MaxInFlight: 1,
		Kinds: []string{"connector.action"},
	}))
	transport := &recordingTransport{}
	gw := gateway.New(execReg, kvStore, transport, gateway.DefaultConfig())

	e := New(st, q, reg, gw, WithRetryPolicy(queue.RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))

	run := seedRun(t, st, wf, 3)
	require.NoError(t, e.HandleRunStep(context.Background(), runStepJob(testOrg, run.ID, time.Time{})))

	got, err := st.GetRun(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunBlocked, got.Status)
	require.NotEmpty(t, got.BlockedRequestID)
	require.Len(t, transport.delivered, 1)

	events, err := st.ListEvents(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	require.Contains(t, eventTypes(events), model.EventNodeDispatched)

	// Continuation poll before the executor answers: retryable timeout.
	contJob := queue.Job{ID: "cont-" + got.BlockedRequestID, Kind: queue.KindRunContinuation, OrgID: testOrg,
		Payload: mustJSON(t, map[string]any{"runId": run.ID, "requestId": got.BlockedRequestID})}
	err = e.HandleRunContinuation(context.Background(), contJob)
	require.Error(t, err)

	// Executor posts its result.
	_, _, err = gw.PostResult(context.Background(), got.BlockedRequestID, model.RemoteResult{
		Status: model.RemoteSucceeded, Output: json.RawMessage(`{"issueNumber":42}`),
	})
	require.NoError(t, err)

	require.NoError(t, e.HandleRunContinuation(context.Background(), contJob))

	got, err = st.GetRun(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunQueued, got.Status)

	// Draining the requeued run_step job resumes and completes the node.
	pending, err := q.Claim(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, queue.KindRunStep, pending.Kind)
	require.NoError(t, e.HandleRunStep(context.Background(), pending))

	got, err = st.GetRun(context.Background(), testOrg, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, got.Status)
	require.JSONEq(t, `{"issueNumber":42}`, string(got.Output.Steps[0].Output))
}

type recordingTransport struct {
	delivered []gateway.Request
}

func (t *recordingTransport) Deliver(ctx context.Context, executorID string, req gateway.Request) error {
	t.delivered = append(t.delivered, req)
	return nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func eventTypes(evts []model.WorkflowRunEvent) []model.RunEventType {
	var out []model.RunEventType
	for _, e := range evts {
		out = append(out, e.EventType)
	}
	return out
}
