package nodes

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/workflow/dsl"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(nil, nil)

	e, err := r.Lookup(dsl.KindCondition)
	require.NoError(t, err)
	require.NotNil(t, e)

	_, err = r.Lookup(dsl.KindAgentRun)
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidNodeConfig, coreerr.CodeOf(err))
}

func TestRegistryRegisterOverwrites(t *testing.T) {
	r := NewRegistry(nil, nil)
	called := false
	r.Register(dsl.KindHTTPRequest, ExecutorFunc(func(ctx context.Context, in Input) (Result, error) {
		called = true
		return Result{Status: StatusSucceeded}, nil
	}))
	e, err := r.Lookup(dsl.KindHTTPRequest)
	require.NoError(t, err)
	_, _ = e.Execute(context.Background(), Input{})
	require.True(t, called)
}

func TestConditionEq(t *testing.T) {
	cfg, _ := json.Marshal(conditionConfig{Path: "flag", Op: "eq", Value: true})
	input, _ := json.Marshal(map[string]any{"flag": true})

	res, err := (conditionExecutor{}).Execute(context.Background(), Input{
		Node:     dsl.Node{Config: cfg},
		RunInput: input,
	})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)

	var out conditionOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	require.True(t, out.Result)
	require.Equal(t, dsl.TagTrue, out.EdgeTag)
}

func TestConditionFalseBranch(t *testing.T) {
	cfg, _ := json.Marshal(conditionConfig{Path: "flag", Op: "eq", Value: true})
	input, _ := json.Marshal(map[string]any{"flag": false})

	res, err := (conditionExecutor{}).Execute(context.Background(), Input{
		Node:     dsl.Node{Config: cfg},
		RunInput: input,
	})
	require.NoError(t, err)
	var out conditionOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	require.False(t, out.Result)
	require.Equal(t, dsl.TagFalse, out.EdgeTag)
}

func TestConditionExists(t *testing.T) {
	cfg, _ := json.Marshal(conditionConfig{Path: "steps.a.issueNumber", Op: "exists"})
	res, err := (conditionExecutor{}).Execute(context.Background(), Input{
		Node: dsl.Node{Config: cfg},
		Steps: []model.RunStep{
			{NodeID: "a", Output: json.RawMessage(`{"issueNumber":42}`)},
		},
	})
	require.NoError(t, err)
	var out conditionOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	require.True(t, out.Result)
}

func TestConditionMissingPathIsInvalidConfig(t *testing.T) {
	cfg, _ := json.Marshal(conditionConfig{Op: "exists"})
	_, err := (conditionExecutor{}).Execute(context.Background(), Input{Node: dsl.Node{Config: cfg}})
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidNodeConfig, coreerr.CodeOf(err))
}

func TestConditionUnsupportedOp(t *testing.T) {
	cfg, _ := json.Marshal(conditionConfig{Path: "flag", Op: "regexp"})
	_, err := (conditionExecutor{}).Execute(context.Background(), Input{Node: dsl.Node{Config: cfg}})
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidNodeConfig, coreerr.CodeOf(err))
}

func TestParallelJoinMergesBranches(t *testing.T) {
	cfg, _ := json.Marshal(parallelJoinConfig{Mode: "all"})
	res, err := (parallelJoinExecutor{}).Execute(context.Background(), Input{
		Node: dsl.Node{Config: cfg},
		Steps: []model.RunStep{
			{NodeID: "a", Output: json.RawMessage(`{"x":1}`)},
			{NodeID: "b", Output: json.RawMessage(`{"y":2}`)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)
	var out parallelJoinOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	require.Len(t, out.Branches, 2)
}

func TestParallelJoinRejectsBadMode(t *testing.T) {
	cfg, _ := json.Marshal(parallelJoinConfig{Mode: "weird"})
	_, err := (parallelJoinExecutor{}).Execute(context.Background(), Input{Node: dsl.Node{Config: cfg}})
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidNodeConfig, coreerr.CodeOf(err))
}

type stubConnector struct {
	schema    json.RawMessage
	invokeOut json.RawMessage
	invokeErr error
}

func (s stubConnector) Schema(connectorID, actionID string) (json.RawMessage, error) {
	return s.schema, nil
}

func (s stubConnector) Invoke(ctx context.Context, connectorID, actionID string, input json.RawMessage) (json.RawMessage, error) {
	return s.invokeOut, s.invokeErr
}

func TestConnectorActionCloudMode(t *testing.T) {
	cfg, _ := json.Marshal(connectorActionConfig{
		ConnectorID: "github",
		ActionID:    "createIssue",
		Input:       json.RawMessage(`{"title":"bug"}`),
	})
	conn := stubConnector{invokeOut: json.RawMessage(`{"issueNumber":42}`)}
	res, err := (connectorActionExecutor{connector: conn}).Execute(context.Background(), Input{
		Node: dsl.Node{Config: cfg},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)
	require.JSONEq(t, `{"issueNumber":42}`, string(res.Output))
}

func TestConnectorActionNodeModeBlocks(t *testing.T) {
	cfg, _ := json.Marshal(map[string]any{
		"connectorId": "github",
		"actionId":    "createIssue",
		"input":       map[string]any{"title": "bug"},
		"execution":   map[string]any{"mode": "node"},
	})
	res, err := (connectorActionExecutor{}).Execute(context.Background(), Input{
		Node: dsl.Node{Config: cfg},
	})
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.NotNil(t, res.Block)
	require.Equal(t, "connector.action", res.Block.DispatchKind)
}

func TestConnectorActionResumesFromPendingResult(t *testing.T) {
	cfg, _ := json.Marshal(connectorActionConfig{ConnectorID: "github", ActionID: "createIssue"})
	pending := &model.RemoteResult{Status: model.RemoteSucceeded, Output: json.RawMessage(`{"issueNumber":42}`)}
	res, err := (connectorActionExecutor{}).Execute(context.Background(), Input{
		Node:                dsl.Node{Config: cfg},
		PendingRemoteResult: pending,
	})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)
	require.JSONEq(t, `{"issueNumber":42}`, string(res.Output))
}

func TestConnectorActionResumeFailureTranslatesToFailed(t *testing.T) {
	cfg, _ := json.Marshal(connectorActionConfig{ConnectorID: "github", ActionID: "createIssue"})
	pending := &model.RemoteResult{Status: model.RemoteFailed, Error: "boom"}
	res, err := (connectorActionExecutor{}).Execute(context.Background(), Input{
		Node:                dsl.Node{Config: cfg},
		PendingRemoteResult: pending,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
}

func TestAgentExecuteRequiresExecutorMode(t *testing.T) {
	cfg, _ := json.Marshal(map[string]any{"taskType": "summarize", "execution": map[string]any{"mode": "cloud"}})
	_, err := (agentExecuteExecutor{}).Execute(context.Background(), Input{Node: dsl.Node{Config: cfg}})
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidNodeConfig, coreerr.CodeOf(err))
}

func TestAgentExecuteBlocksOnExecutorMode(t *testing.T) {
	cfg, _ := json.Marshal(map[string]any{"taskType": "summarize", "execution": map[string]any{"mode": "executor"}})
	res, err := (agentExecuteExecutor{}).Execute(context.Background(), Input{Node: dsl.Node{Config: cfg}})
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.Equal(t, "agent.execute", res.Block.DispatchKind)
}

type stubDoer struct {
	resp *http.Response
	err  error
}

func (s stubDoer) Do(req *http.Request) (*http.Response, error) { return s.resp, s.err }

func TestHTTPRequestMissingURL(t *testing.T) {
	_, err := (httpRequestExecutor{}).Execute(context.Background(), Input{Node: dsl.Node{}})
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidNodeConfig, coreerr.CodeOf(err))
}
