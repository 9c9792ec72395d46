package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/llm"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/workflow/policy"
)

func scriptedClient(responses ...string) llm.Client {
	i := 0
	return llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if i >= len(responses) {
			return nil, errors.New("scriptedClient: exhausted responses")
		}
		resp := &llm.Response{OK: true, Content: responses[i]}
		i++
		return resp, nil
	})
}

func baseConfig() Config {
	return Config{
		Provider: llm.ProviderOpenAI,
		Model:    "test-model",
		Prompt:   Prompt{System: "you are a test agent", Instructions: "do the thing"},
		Tools:    map[string]Tool{},
		Limits:   DefaultLimits(),
	}
}

type stubTool struct {
	id     string
	result ToolResult
	err    error
}

func (t stubTool) ID() string { return t.id }
func (t stubTool) Execute(ctx context.Context, input json.RawMessage) (ToolResult, error) {
	return t.result, t.err
}

func TestRunImmediateFinal(t *testing.T) {
	cfg := baseConfig()
	cfg.Provider = llm.ProviderOpenAI

	client := scriptedClient(`{"type":"final","output":"done"}`)
	loop := New(client)

	state, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, outcome.Status)
	assert.Equal(t, json.RawMessage(`"done"`), outcome.Output)
	assert.Equal(t, 1, state.Turns)
}

func TestRunToolCallThenFinal(t *testing.T) {
	cfg := baseConfig()
	cfg.Tools = map[string]Tool{
		"http.request": stubTool{id: "http.request", result: ToolResult{Status: ToolSucceeded, Output: json.RawMessage(`{"status":200}`)}},
	}
	cfg.Policy = policy.New([]string{"http.request"}, policy.OrgSettings{})

	client := scriptedClient(
		`{"type":"tool_call","toolId":"http.request","input":{}}`,
		`{"type":"final","output":"done"}`,
	)
	loop := New(client)

	state, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, outcome.Status)
	assert.Equal(t, 2, state.Turns)
	assert.Equal(t, 1, state.ToolCalls)
}

func TestRunToolCallDeniedByPolicy(t *testing.T) {
	cfg := baseConfig()
	cfg.Tools = map[string]Tool{
		"shell.run": stubTool{id: "shell.run", result: ToolResult{Status: ToolSucceeded}},
	}
	cfg.Policy = policy.New([]string{"shell.run"}, policy.OrgSettings{ShellRunEnabled: false})

	client := scriptedClient(`{"type":"tool_call","toolId":"shell.run","input":{}}`)
	loop := New(client)

	_, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, coreerr.WithSuffix(coreerr.ToolPolicyDenied, "shell.run"), coreerr.CodeOf(outcome.Err))
	assert.ErrorContains(t, outcome.Err, "shell.run disabled")
}

func TestRunToolNotRegistered(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = policy.New([]string{"http.request"}, policy.OrgSettings{})
	cfg.Tools = map[string]Tool{}

	client := scriptedClient(`{"type":"tool_call","toolId":"http.request","input":{}}`)
	loop := New(client)

	_, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, coreerr.WithSuffix(coreerr.ToolNotAllowed, "http.request"), coreerr.CodeOf(outcome.Err))
}

func TestRunToolBlocksAndResumes(t *testing.T) {
	cfg := baseConfig()
	cfg.Tools = map[string]Tool{
		"connector.action": stubTool{id: "connector.action", result: ToolResult{
			Status: ToolBlocked,
			Block:  &BlockPayload{DispatchKind: "connector.action", Payload: json.RawMessage(`{}`)},
		}},
	}
	cfg.Policy = policy.New([]string{"connector.action"}, policy.OrgSettings{})

	client := scriptedClient(`{"type":"tool_call","toolId":"connector.action","input":{}}`)
	loop := New(client)

	state, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, outcome.Status)
	require.NotNil(t, state.PendingToolCall)
	assert.Equal(t, "connector.action", state.PendingToolCall.ToolID)
	assert.Equal(t, 0, state.PendingToolCall.CallIndex)

	// Resume with a matching remote result.
	state.PendingToolCall.RequestID = "req-1"
	pending := &model.RemoteResult{
		RequestID: "req-1",
		Status:    model.RemoteSucceeded,
		Output:    json.RawMessage(`{"ok":true}`),
	}

	resumeClient := scriptedClient(`{"type":"final","output":"done"}`)
	resumeLoop := New(resumeClient)
	state2, outcome2, err := resumeLoop.Run(context.Background(), cfg, state, pending, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, outcome2.Status)
	assert.Nil(t, state2.PendingToolCall)
}

func TestRunResumeWithMismatchedRequestIDFails(t *testing.T) {
	cfg := baseConfig()
	state := &model.AgentRunState{
		History:              []model.HistoryEntry{{Role: "system", Content: "x"}, {Role: "user", Content: "y"}},
		PendingToolCall:       &model.PendingToolCall{CallIndex: 0, ToolID: "connector.action", RequestID: "req-1"},
		ToolResultsByCallIdx: map[int]json.RawMessage{},
	}
	pending := &model.RemoteResult{RequestID: "different-request", Status: model.RemoteSucceeded}

	loop := New(scriptedClient())
	_, _, err := loop.Run(context.Background(), cfg, state, pending, nil)
	require.Error(t, err)
	assert.Equal(t, coreerr.RemoteResultInvalid, coreerr.CodeOf(err))
}

func TestRunResumeWithoutPendingResultFails(t *testing.T) {
	cfg := baseConfig()
	state := &model.AgentRunState{
		History:         []model.HistoryEntry{{Role: "system", Content: "x"}, {Role: "user", Content: "y"}},
		PendingToolCall: &model.PendingToolCall{CallIndex: 0, ToolID: "connector.action", RequestID: "req-1"},
	}

	loop := New(scriptedClient())
	_, _, err := loop.Run(context.Background(), cfg, state, nil, nil)
	require.Error(t, err)
	assert.Equal(t, coreerr.RemoteResultInvalid, coreerr.CodeOf(err))
}

func TestRunExceedsMaxTurns(t *testing.T) {
	cfg := baseConfig()
	cfg.Limits.MaxTurns = 1
	cfg.Tools = map[string]Tool{
		"http.request": stubTool{id: "http.request", result: ToolResult{Status: ToolSucceeded, Output: json.RawMessage(`{}`)}},
	}
	cfg.Policy = policy.New([]string{"http.request"}, policy.OrgSettings{})

	client := scriptedClient(`{"type":"tool_call","toolId":"http.request","input":{}}`)
	loop := New(client)

	_, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, coreerr.NodeExecutionFailed, coreerr.CodeOf(outcome.Err))
}

func TestRunExceedsMaxToolCalls(t *testing.T) {
	cfg := baseConfig()
	cfg.Limits.MaxToolCalls = 1
	cfg.Tools = map[string]Tool{
		"http.request": stubTool{id: "http.request", result: ToolResult{Status: ToolSucceeded, Output: json.RawMessage(`{}`)}},
	}
	cfg.Policy = policy.New([]string{"http.request"}, policy.OrgSettings{})

	client := scriptedClient(
		`{"type":"tool_call","toolId":"http.request","input":{}}`,
		`{"type":"tool_call","toolId":"http.request","input":{}}`,
	)
	loop := New(client)

	_, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, coreerr.NodeExecutionFailed, coreerr.CodeOf(outcome.Err))
}

func TestRunInvalidEnvelopeFails(t *testing.T) {
	cfg := baseConfig()
	client := scriptedClient(`not json`)
	loop := New(client)

	_, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, coreerr.InvalidAgentOutput, coreerr.CodeOf(outcome.Err))
}

func TestRunJSONOutputModeValidatesAgainstSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.OutputMode = OutputJSON
	cfg.OutputSchema = json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)

	client := scriptedClient(`{"type":"final","output":{"age":5}}`)
	loop := New(client)

	_, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, coreerr.InvalidAgentJSONOut, coreerr.CodeOf(outcome.Err))
}

func TestRunJSONOutputModePasses(t *testing.T) {
	cfg := baseConfig()
	cfg.OutputMode = OutputJSON
	cfg.OutputSchema = json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)

	client := scriptedClient(`{"type":"final","output":{"name":"ok"}}`)
	loop := New(client)

	_, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, outcome.Status)
}

func TestRunToolFailedContinuesLoop(t *testing.T) {
	cfg := baseConfig()
	cfg.Tools = map[string]Tool{
		"http.request": stubTool{id: "http.request", result: ToolResult{Status: ToolFailed, Err: errors.New("connection refused")}},
	}
	cfg.Policy = policy.New([]string{"http.request"}, policy.OrgSettings{})

	client := scriptedClient(
		`{"type":"tool_call","toolId":"http.request","input":{}}`,
		`{"type":"final","output":"recovered"}`,
	)
	loop := New(client)

	state, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, outcome.Status)
	assert.Contains(t, state.History[len(state.History)-2].Content, "connection refused")
}

type recordedEvent struct {
	kind      string
	callIndex int
	status    ToolResultStatus
}

type recordingSink struct{ events []recordedEvent }

func (s *recordingSink) ToolCall(ctx context.Context, callIndex int, toolID string, input json.RawMessage) {
	s.events = append(s.events, recordedEvent{kind: "call", callIndex: callIndex})
}

func (s *recordingSink) ToolResult(ctx context.Context, callIndex int, status ToolResultStatus, output json.RawMessage, errMsg string) {
	s.events = append(s.events, recordedEvent{kind: "result", callIndex: callIndex, status: status})
}

func TestRunEmitsOneToolCallAndOneToolResultPerCallIndex(t *testing.T) {
	cfg := baseConfig()
	sink := &recordingSink{}
	cfg.Events = sink
	cfg.Tools = map[string]Tool{
		"http.request": stubTool{id: "http.request", result: ToolResult{Status: ToolSucceeded, Output: json.RawMessage(`{"status":200}`)}},
	}
	cfg.Policy = policy.New([]string{"http.request"}, policy.OrgSettings{})

	client := scriptedClient(
		`{"type":"tool_call","toolId":"http.request","input":{}}`,
		`{"type":"final","output":"done"}`,
	)
	loop := New(client)

	_, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, outcome.Status)
	require.Equal(t, []recordedEvent{
		{kind: "call", callIndex: 0},
		{kind: "result", callIndex: 0, status: ToolSucceeded},
	}, sink.events)
}

func TestRunBlockedToolEmitsResultOnlyOnResume(t *testing.T) {
	cfg := baseConfig()
	sink := &recordingSink{}
	cfg.Events = sink
	cfg.Tools = map[string]Tool{
		"connector.action": stubTool{id: "connector.action", result: ToolResult{
			Status: ToolBlocked,
			Block:  &BlockPayload{DispatchKind: "connector.action", Payload: json.RawMessage(`{}`)},
		}},
	}
	cfg.Policy = policy.New([]string{"connector.action"}, policy.OrgSettings{})

	client := scriptedClient(`{"type":"tool_call","toolId":"connector.action","input":{}}`)
	loop := New(client)

	state, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, outcome.Status)
	require.Equal(t, []recordedEvent{{kind: "call", callIndex: 0}}, sink.events)

	state.PendingToolCall.RequestID = "req-1"
	pending := &model.RemoteResult{RequestID: "req-1", Status: model.RemoteSucceeded, Output: json.RawMessage(`{"ok":true}`)}
	resumeLoop := New(scriptedClient(`{"type":"final","output":"done"}`))
	_, outcome2, err := resumeLoop.Run(context.Background(), cfg, state, pending, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, outcome2.Status)
	require.Equal(t, []recordedEvent{
		{kind: "call", callIndex: 0},
		{kind: "result", callIndex: 0, status: ToolSucceeded},
	}, sink.events)
}

func TestConnectorAliasResolvesToCanonicalToolID(t *testing.T) {
	cfg := baseConfig()
	cfg.Tools = map[string]Tool{
		"connector.action": stubTool{id: "connector.action", result: ToolResult{Status: ToolSucceeded, Output: json.RawMessage(`{}`)}},
	}
	cfg.Policy = policy.New([]string{"connector.action"}, policy.OrgSettings{})

	client := scriptedClient(
		`{"type":"tool_call","toolId":"connector.slack.postMessage","input":{}}`,
		`{"type":"final","output":"done"}`,
	)
	loop := New(client)

	_, outcome, err := loop.Run(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, outcome.Status)
}
