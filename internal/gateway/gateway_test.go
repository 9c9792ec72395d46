package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/executorregistry"
	"github.com/flowbase/core/internal/kv"
	"github.com/flowbase/core/internal/kv/memkv"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/store/memory"
)

// recordingTransport captures every delivered request; Deliver can be made
// to fail for a specific executor to exercise the release-on-failure path.
type recordingTransport struct {
	mu         sync.Mutex
	delivered  []Request
	failExecID string
}

func (t *recordingTransport) Deliver(ctx context.Context, executorID string, req Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if executorID == t.failExecID {
		return assert.AnError
	}
	t.delivered = append(t.delivered, req)
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *executorregistry.Registry, *memkv.Store, *recordingTransport) {
	t.Helper()
	kvStore := memkv.New()
	reg := executorregistry.New(kvStore, memory.New())
	transport := &recordingTransport{}
	gw := New(reg, kvStore, transport, DefaultConfig())
	return gw, reg, kvStore, transport
}

func testRoute(id string, kinds ...string) model.ExecutorRoute {
	return model.ExecutorRoute{
		ExecutorID:  id,
		Pool:        model.PoolManaged,
		OrgID:       "org-1",
		Kinds:       kinds,
		MaxInFlight: 10,
	}
}

func TestDispatchSelectsOnlyMatchingExecutor(t *testing.T) {
	ctx := context.Background()
	gw, reg, _, transport := newTestGateway(t)

	require.NoError(t, reg.Register(ctx, testRoute("exec-http", "http.request")))
	require.NoError(t, reg.Register(ctx, testRoute("exec-connector", "connector.action")))

	resp, err := gw.Dispatch(ctx, Request{
		OrgID: "org-1",
		Kind:  "connector.action",
	})
	require.NoError(t, err)
	assert.True(t, resp.Dispatched)

	require.Len(t, transport.delivered, 1)

	route, err := reg.Lookup(ctx, "exec-connector")
	require.NoError(t, err)
	assert.NotZero(t, route.LastUsedAtMs, "the matching executor should have been dispatched to")
}

func TestDispatchNoAgentAvailable(t *testing.T) {
	ctx := context.Background()
	gw, _, _, _ := newTestGateway(t)

	_, err := gw.Dispatch(ctx, Request{OrgID: "org-1", Kind: "connector.action"})
	require.Error(t, err)
	assert.Equal(t, coreerr.NoAgentAvailable, coreerr.CodeOf(err))
}

func TestDispatchPinnedAgentOfflineWhenMissing(t *testing.T) {
	ctx := context.Background()
	gw, _, _, _ := newTestGateway(t)

	_, err := gw.Dispatch(ctx, Request{
		OrgID:    "org-1",
		Kind:     "connector.action",
		Selector: Selector{ExecutorID: "ghost"},
	})
	require.Error(t, err)
	assert.Equal(t, coreerr.PinnedAgentOffline, coreerr.CodeOf(err))
}

func TestDispatchPinnedAgentOfflineWhenSelectorMismatch(t *testing.T) {
	ctx := context.Background()
	gw, reg, _, _ := newTestGateway(t)
	require.NoError(t, reg.Register(ctx, testRoute("exec-1", "connector.action")))

	_, err := gw.Dispatch(ctx, Request{
		OrgID:    "org-1",
		Kind:     "agent.execute", // exec-1 doesn't advertise this kind
		Selector: Selector{ExecutorID: "exec-1"},
	})
	require.Error(t, err)
	assert.Equal(t, coreerr.PinnedAgentOffline, coreerr.CodeOf(err))
}

func TestSelectorTieBreakPrefersSpecializedThenLeastInFlight(t *testing.T) {
	ctx := context.Background()
	gw, reg, kvStore, transport := newTestGateway(t)

	// generalist advertises two kinds, specialist advertises one: the
	// specialist must win regardless of load (spec §4.6 specialization
	// takes priority over in-flight count).
	generalist := testRoute("generalist", "connector.action", "http.request")
	specialist := testRoute("specialist", "connector.action")
	require.NoError(t, reg.Register(ctx, generalist))
	require.NoError(t, reg.Register(ctx, specialist))

	_, err := gw.Dispatch(ctx, Request{OrgID: "org-1", Kind: "connector.action"})
	require.NoError(t, err)
	require.Len(t, transport.delivered, 1)

	route, err := reg.Lookup(ctx, "specialist")
	require.NoError(t, err)
	assert.NotZero(t, route.LastUsedAtMs, "MarkUsed should stamp LastUsedAtMs on dispatch")

	// Now register a second equally-specialized executor with lower
	// in-flight: it should be preferred on the next dispatch.
	require.NoError(t, reg.Register(ctx, testRoute("specialist-2", "connector.action")))
	// Bump specialist's in-flight counter above specialist-2's (currently 0).
	_, err = kvStore.TryReserve(ctx, "executor:inflight:specialist", 10, 0)
	require.NoError(t, err)

	transport.delivered = nil
	_, err = gw.Dispatch(ctx, Request{OrgID: "org-1", Kind: "connector.action"})
	require.NoError(t, err)
	require.Len(t, transport.delivered, 1)

	route2, err := reg.Lookup(ctx, "specialist-2")
	require.NoError(t, err)
	assert.NotZero(t, route2.LastUsedAtMs)
}

func TestDispatchReservesAndReleasesCapacityOnTransportFailure(t *testing.T) {
	ctx := context.Background()
	gw, reg, kvStore, transport := newTestGateway(t)
	transport.failExecID = "exec-1"
	require.NoError(t, reg.Register(ctx, testRoute("exec-1", "connector.action")))

	_, err := gw.Dispatch(ctx, Request{OrgID: "org-1", Kind: "connector.action"})
	require.Error(t, err)

	// capacity must have been released back to zero, not left reserved
	raw, getErr := kvStore.Get(ctx, "executor:inflight:exec-1")
	if getErr == nil {
		assert.Equal(t, "0", raw)
	}
}

func TestDispatchExecutorOverCapacity(t *testing.T) {
	ctx := context.Background()
	gw, reg, kvStore, _ := newTestGateway(t)
	route := testRoute("exec-1", "connector.action")
	route.MaxInFlight = 1
	require.NoError(t, reg.Register(ctx, route))

	// Pre-fill the executor's capacity so the next reservation fails.
	ok, err := kvStore.TryReserve(ctx, "executor:inflight:exec-1", 1, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = gw.Dispatch(ctx, Request{OrgID: "org-1", Kind: "connector.action"})
	require.Error(t, err)
	assert.Equal(t, coreerr.ExecutorOverCapacity, coreerr.CodeOf(err))
}

func TestDispatchOrgQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	kvStore := memkv.New()
	reg := executorregistry.New(kvStore, memory.New())
	transport := &recordingTransport{}
	cfg := DefaultConfig()
	cfg.DefaultOrgMaxInFlight = 1
	gw := New(reg, kvStore, transport, cfg)

	require.NoError(t, reg.Register(ctx, testRoute("exec-1", "connector.action")))
	require.NoError(t, reg.Register(ctx, testRoute("exec-2", "connector.action")))

	_, err := kvStore.TryReserve(ctx, "org:inflight:org-1", 1, 0)
	require.NoError(t, err)

	_, err = gw.Dispatch(ctx, Request{OrgID: "org-1", Kind: "connector.action"})
	require.Error(t, err)
	assert.Equal(t, coreerr.OrgQuotaExceeded, coreerr.CodeOf(err))
}

func TestPostResultReleasesCapacityAndStoresResult(t *testing.T) {
	ctx := context.Background()
	gw, reg, kvStore, _ := newTestGateway(t)
	require.NoError(t, reg.Register(ctx, testRoute("exec-1", "connector.action")))

	resp, err := gw.Dispatch(ctx, Request{
		RequestID: "req-1",
		OrgID:     "org-1",
		RunID:     "run-1",
		NodeID:    "node-1",
		Kind:      "connector.action",
	})
	require.NoError(t, err)
	assert.True(t, resp.Dispatched)

	inFlight, err := kvStore.Get(ctx, "executor:inflight:exec-1")
	require.NoError(t, err)
	assert.Equal(t, "1", inFlight)

	runID, nodeID, err := gw.PostResult(ctx, "req-1", model.RemoteResult{
		Status: model.RemoteSucceeded,
		Output: json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "node-1", nodeID)

	inFlight, err = kvStore.Get(ctx, "executor:inflight:exec-1")
	require.NoError(t, err)
	assert.Equal(t, "0", inFlight)

	result, err := gw.Result(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.RemoteSucceeded, result.Status)
	assert.JSONEq(t, `{"ok":true}`, string(result.Output))
}

func TestPostResultIsIdempotentForUnknownRequest(t *testing.T) {
	ctx := context.Background()
	gw, _, _, _ := newTestGateway(t)

	runID, nodeID, err := gw.PostResult(ctx, "never-dispatched", model.RemoteResult{Status: model.RemoteSucceeded})
	require.NoError(t, err)
	assert.Empty(t, runID)
	assert.Empty(t, nodeID)
}

func TestPostResultSecondCallIsNoOp(t *testing.T) {
	ctx := context.Background()
	gw, reg, _, _ := newTestGateway(t)
	require.NoError(t, reg.Register(ctx, testRoute("exec-1", "connector.action")))

	_, err := gw.Dispatch(ctx, Request{RequestID: "req-1", OrgID: "org-1", RunID: "run-1", NodeID: "node-1", Kind: "connector.action"})
	require.NoError(t, err)

	_, _, err = gw.PostResult(ctx, "req-1", model.RemoteResult{Status: model.RemoteSucceeded})
	require.NoError(t, err)

	runID, nodeID, err := gw.PostResult(ctx, "req-1", model.RemoteResult{Status: model.RemoteSucceeded})
	require.NoError(t, err)
	assert.Empty(t, runID)
	assert.Empty(t, nodeID)
}

func TestHandleDisconnectSynthesizesResultAndReleasesCapacity(t *testing.T) {
	ctx := context.Background()
	gw, reg, kvStore, _ := newTestGateway(t)
	require.NoError(t, reg.Register(ctx, testRoute("exec-1", "connector.action")))

	_, err := gw.Dispatch(ctx, Request{RequestID: "req-1", OrgID: "org-1", RunID: "run-1", NodeID: "node-1", Kind: "connector.action"})
	require.NoError(t, err)

	gw.HandleDisconnect(ctx, "exec-1")

	result, err := gw.Result(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.RemoteDisconnected, result.Status)
	assert.Equal(t, string(coreerr.AgentDisconnected), result.Error)

	inFlight, err := kvStore.Get(ctx, "executor:inflight:exec-1")
	require.NoError(t, err)
	assert.Equal(t, "0", inFlight)
}

func TestHandleDisconnectIgnoresOtherExecutorsPendingRequests(t *testing.T) {
	ctx := context.Background()
	gw, reg, _, _ := newTestGateway(t)
	require.NoError(t, reg.Register(ctx, testRoute("exec-1", "connector.action")))
	require.NoError(t, reg.Register(ctx, testRoute("exec-2", "connector.action")))

	_, err := gw.Dispatch(ctx, Request{RequestID: "req-1", OrgID: "org-1", RunID: "run-1", NodeID: "node-1", Kind: "connector.action", Selector: Selector{ExecutorID: "exec-2"}})
	require.NoError(t, err)

	gw.HandleDisconnect(ctx, "exec-1")

	_, err = gw.Result(ctx, "req-1")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}
