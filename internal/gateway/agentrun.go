package gateway

import (
	"context"
	"encoding/json"

	"github.com/flowbase/core/internal/agentloop"
	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/llm"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/store"
	"github.com/flowbase/core/internal/workflow/dsl"
	"github.com/flowbase/core/internal/workflow/nodes"
	"github.com/flowbase/core/internal/workflow/policy"
)

// agentRunConfig is the config body of an `agent.run` node (spec §4.4): an
// LLM-driven loop over a declared tool allowlist, optionally delegating
// sub-tasks to teammates (spec §4.4 "team.delegate / team.map").
type agentRunConfig struct {
	Provider   llm.Provider  `json:"provider"`
	Model      string        `json:"model"`
	Auth       llm.Auth      `json:"auth"`
	Prompt     promptConfig  `json:"prompt"`
	Tools      []string      `json:"tools"`
	Teammates  []teammateConfig `json:"teammates,omitempty"`
	OutputMode agentloop.OutputMode `json:"outputMode"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Limits     agentloop.Limits `json:"limits,omitempty"`
	Selector   json.RawMessage `json:"selector,omitempty"`
	TimeoutMs  int             `json:"timeoutMs,omitempty"`
}

// promptConfig mirrors agentloop.Prompt with camelCase JSON tags, matching
// the rest of the node config vocabulary's naming convention.
type promptConfig struct {
	System       string `json:"system"`
	Instructions string `json:"instructions"`
	Template     string `json:"template,omitempty"`
}

func (p promptConfig) toLoop() agentloop.Prompt {
	return agentloop.Prompt{System: p.System, Instructions: p.Instructions, Template: p.Template}
}

// teammateConfig describes one delegate target reachable via team.delegate
// or team.map (spec §4.4): its own model/tool allowlist, intersected
// against the parent's policy.
type teammateConfig struct {
	ID     string   `json:"id"`
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Tools  []string `json:"tools"`
}

// agentRunExecutor wires the agent loop (internal/agentloop) into
// nodes.Registry, providing the Tool implementations a node's declared
// allowlist resolves to: connector.action and agent.execute calls return
// ToolBlocked with a dispatch payload, exactly like their standalone
// node-kind counterparts (internal/workflow/nodes) — the engine performs the
// actual gateway.Dispatch call once it sees the node's Result is blocked, the
// same as it does for any other node kind, and patches the resulting
// requestId back into AgentRunState.PendingToolCall before persisting
// (spec §4.4, §4.6). team.delegate/team.map spawn bounded nested loops over
// configured teammates instead of dispatching anywhere. Registered into
// nodes.Registry by Wire, since it is the only node executor depending on
// both internal/agentloop and internal/gateway's request/selector types.
type agentRunExecutor struct {
	loop      *agentloop.Loop
	llmClient llm.Client
	connector nodes.Connector
	store     store.Store
}

// Wire registers the agent.run executor into reg, completing the set of
// node kinds nodes.NewRegistry leaves for the caller (spec §4.3 doc comment).
// st is used to record each tool call's agent_tool_call/agent_tool_result
// run events (spec §8); it may be nil, in which case the executor still
// runs but tool calls leave no event trail.
func Wire(reg *nodes.Registry, llmClient llm.Client, connector nodes.Connector, st store.Store) {
	reg.Register(dsl.KindAgentRun, &agentRunExecutor{
		loop:      agentloop.New(llmClient),
		llmClient: llmClient,
		connector: connector,
		store:     st,
	})
}

// storeEventSink records a node's tool-call events against the durable
// store, keyed the same way node-level events are (spec §3
// WorkflowRunEvent, §8 "exactly one agent_tool_call and one
// agent_tool_result event for callIndex(c)").
type storeEventSink struct {
	store    store.Store
	orgID    string
	runID    string
	nodeID   string
	nodeType string
	attempt  int
}

func (s storeEventSink) ToolCall(ctx context.Context, callIndex int, toolID string, input json.RawMessage) {
	payload, _ := json.Marshal(struct {
		CallIndex int             `json:"callIndex"`
		ToolID    string          `json:"toolId"`
		Input     json.RawMessage `json:"input,omitempty"`
	}{CallIndex: callIndex, ToolID: toolID, Input: input})
	_, _ = s.store.AppendEvent(ctx, model.WorkflowRunEvent{
		OrgID: s.orgID, RunID: s.runID, NodeID: s.nodeID, NodeType: s.nodeType, Attempt: s.attempt,
		EventType: model.EventAgentToolCall, Level: model.LevelInfo, Payload: payload,
	})
}

func (s storeEventSink) ToolResult(ctx context.Context, callIndex int, status agentloop.ToolResultStatus, output json.RawMessage, errMsg string) {
	payload, _ := json.Marshal(struct {
		CallIndex int             `json:"callIndex"`
		Status    string          `json:"status"`
		Output    json.RawMessage `json:"output,omitempty"`
	}{CallIndex: callIndex, Status: string(status), Output: output})
	level := model.LevelInfo
	if status == agentloop.ToolFailed {
		level = model.LevelError
	}
	_, _ = s.store.AppendEvent(ctx, model.WorkflowRunEvent{
		OrgID: s.orgID, RunID: s.runID, NodeID: s.nodeID, NodeType: s.nodeType, Attempt: s.attempt,
		EventType: model.EventAgentToolResult, Level: level, Payload: payload, Message: errMsg,
	})
}

func (e *agentRunExecutor) Execute(ctx context.Context, in nodes.Input) (nodes.Result, error) {
	var cfg agentRunConfig
	if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
		return nodes.Result{}, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "agent.run config: "+err.Error())
	}
	if cfg.Limits == (agentloop.Limits{}) {
		cfg.Limits = agentloop.DefaultLimits()
	}

	pol := policy.New(cfg.Tools, policy.OrgSettings{ShellRunEnabled: false})
	tools := e.buildTools(in, cfg, pol)

	state := in.Runtime.AgentRuns[in.Node.ID]
	loopCfg := agentloop.Config{
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		Auth:         cfg.Auth,
		Prompt:       cfg.Prompt.toLoop(),
		Tools:        tools,
		Policy:       pol,
		Limits:       cfg.Limits,
		OutputMode:   cfg.OutputMode,
		OutputSchema: cfg.OutputSchema,
	}
	if e.store != nil {
		loopCfg.Events = storeEventSink{
			store: e.store, orgID: in.OrgID, runID: in.Run.ID,
			nodeID: in.Node.ID, nodeType: string(in.Node.Kind), attempt: in.Run.AttemptCount,
		}
	}

	newState, outcome, err := e.loop.Run(ctx, loopCfg, state, in.PendingRemoteResult, in.RunInput)
	if err != nil {
		return nodes.Result{}, err
	}

	runtime := in.Runtime
	if runtime.AgentRuns == nil {
		runtime.AgentRuns = map[string]*model.AgentRunState{}
	}
	runtime.AgentRuns[in.Node.ID] = newState

	switch outcome.Status {
	case agentloop.StatusSucceeded:
		return nodes.Result{Status: nodes.StatusSucceeded, Output: outcome.Output, Runtime: &runtime}, nil
	case agentloop.StatusBlocked:
		var block *nodes.BlockPayload
		if outcome.Block != nil {
			block = &nodes.BlockPayload{
				DispatchKind: outcome.Block.DispatchKind,
				Payload:      outcome.Block.Payload,
				Selector:     outcome.Block.Selector,
				TimeoutMs:    outcome.Block.TimeoutMs,
			}
		}
		return nodes.Result{Status: nodes.StatusBlocked, Block: block, Runtime: &runtime}, nil
	default:
		return nodes.Result{Status: nodes.StatusFailed, Err: outcome.Err, Runtime: &runtime}, nil
	}
}

// buildTools resolves cfg's declared tool allowlist to agentloop.Tool
// implementations: connector.<id>.<action> and agent.execute dispatch
// through the gateway (returning ToolBlocked so the engine suspends and
// resumes the node later, spec §4.4), and team.delegate/team.map run a
// nested bounded agent loop per configured teammate.
func (e *agentRunExecutor) buildTools(in nodes.Input, cfg agentRunConfig, pol *policy.Policy) map[string]agentloop.Tool {
	tools := make(map[string]agentloop.Tool, len(cfg.Tools))
	for _, id := range cfg.Tools {
		switch {
		case id == "team.delegate" || id == "team.map":
			tools[id] = teamTool{exec: e, in: in, cfg: cfg, mode: id}
		default:
			tools[id] = dispatchTool{toolID: id}
		}
	}
	return tools
}

// dispatchTool adapts a connector.<conn>.<action>/agent.execute allowlist
// entry to an agentloop.Tool: it always reports ToolBlocked with a dispatch
// payload (there is no synchronous remote call in this architecture) and
// leaves the actual gateway.Dispatch call to the engine, same as the
// standalone connector.action/agent.execute node kinds do. The engine
// resumes the owning agent.run node once the executor posts a result
// (spec §4.4, §4.6).
type dispatchTool struct {
	toolID string
}

func (t dispatchTool) ID() string { return t.toolID }

func (t dispatchTool) Execute(ctx context.Context, input json.RawMessage) (agentloop.ToolResult, error) {
	kind := "agent.execute"
	if len(t.toolID) > len("connector.") && t.toolID[:len("connector.")] == "connector." {
		kind = "connector.action"
	}
	return agentloop.ToolResult{
		Status: agentloop.ToolBlocked,
		Block: &agentloop.BlockPayload{
			DispatchKind: kind,
			Payload:      input,
		},
	}, nil
}

// teamTool implements team.delegate (one teammate) / team.map (fan-out over
// all configured teammates) by recursively running a bounded nested agent
// loop per teammate, with the parent's allowlist intersected into each
// teammate's own (spec §4.4 "policy is intersected, never expanded").
type teamTool struct {
	exec *agentRunExecutor
	in   nodes.Input
	cfg  agentRunConfig
	mode string
}

func (t teamTool) ID() string { return t.mode }

func (t teamTool) Execute(ctx context.Context, input json.RawMessage) (agentloop.ToolResult, error) {
	var req struct {
		TeammateID string          `json:"teammateId,omitempty"`
		Input      json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return agentloop.ToolResult{}, coreerr.Wrap(coreerr.InvalidToolInput, err, err.Error())
	}

	var targets []teammateConfig
	for _, tm := range t.cfg.Teammates {
		if t.mode == "team.map" || tm.ID == req.TeammateID {
			targets = append(targets, tm)
		}
	}
	if len(targets) == 0 {
		return agentloop.ToolResult{}, coreerr.Newf(coreerr.InvalidToolInput, "no teammate %q configured", req.TeammateID)
	}

	parentPolicy := policy.New(t.cfg.Tools, policy.OrgSettings{})
	outputs := make([]json.RawMessage, 0, len(targets))
	for _, tm := range targets {
		subPolicy := parentPolicy.Intersect(tm.Tools)
		allow := t.exec.buildTools(t.in, agentRunConfig{Tools: subPolicy.Allow, Teammates: t.cfg.Teammates}, subPolicy)
		_, outcome, err := t.exec.loop.Run(ctx, agentloop.Config{
			Provider: t.cfg.Provider,
			Model:    tm.Model,
			Auth:     t.cfg.Auth,
			Prompt:   agentloop.Prompt{System: t.cfg.Prompt.System, Instructions: tm.Prompt},
			Tools:    allow,
			Policy:   subPolicy,
			Limits:   agentloop.DefaultLimits(),
		}, nil, nil, req.Input)
		if err != nil {
			return agentloop.ToolResult{}, err
		}
		if outcome.Status != agentloop.StatusSucceeded {
			return agentloop.ToolResult{Status: agentloop.ToolFailed, Err: outcome.Err}, nil
		}
		outputs = append(outputs, outcome.Output)
	}

	merged, err := json.Marshal(outputs)
	if err != nil {
		return agentloop.ToolResult{}, err
	}
	return agentloop.ToolResult{Status: agentloop.ToolSucceeded, Output: merged}, nil
}
