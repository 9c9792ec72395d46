// Package agentloop drives the per-node ReAct-style agent loop (spec §4.4):
// an LLM emits a JSON envelope ("final" or "tool_call"), the loop resolves
// tool calls against an allowlist, manages bounded conversation history, and
// suspends on remote tool dispatch for the engine to resume later from a
// persisted checkpoint.
//
// Grounded in the teacher's workflowLoop/runLoopState shape
// (runtime/agent/runtime/workflow_loop.go, tool_calls.go): a linear run()
// loop over explicit mutable state, with an explicit "pause" return value
// standing in for the teacher's await/interrupt machinery (spec §9 "Coroutine
// control flow -> explicit checkpoint + resume").
package agentloop

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/llm"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/telemetry"
	"github.com/flowbase/core/internal/workflow/policy"
)

// OutputMode selects whether the loop expects free text or schema-validated
// JSON from the final envelope (spec §4.4).
type OutputMode string

const (
	OutputText OutputMode = "text"
	OutputJSON OutputMode = "json"
)

// Limits bounds one agent loop run (spec §4.4, domain ranges per §9).
type Limits struct {
	MaxTurns        int // domain [1,64]
	MaxToolCalls    int
	TimeoutMs       int // domain [1000, 600000]
	MaxOutputChars  int
	MaxRuntimeChars int
}

// DefaultLimits match the conservative defaults implied by spec §9's domain
// ranges.
func DefaultLimits() Limits {
	return Limits{
		MaxTurns:        16,
		MaxToolCalls:    32,
		TimeoutMs:       60_000,
		MaxOutputChars:  16_000,
		MaxRuntimeChars: 64_000,
	}
}

// Prompt assembles the initial system/user messages (spec §4.4 step 1).
type Prompt struct {
	System       string
	Instructions string
	Template     string // optional rendered template, appended to the user message
}

// CreditLedger gates and charges managed LLM credits (spec §4.4 step 3a).
// A nil CreditLedger means credits are not managed for this run.
type CreditLedger interface {
	EnsureAvailable(ctx context.Context, n int) error
	Charge(ctx context.Context, tokens int)
}

// Tool is resolved and invoked by tool_call envelopes. Implementations may
// run locally (always returns succeeded/failed) or dispatch remotely
// (returns Blocked, per spec §4.3/§4.4).
type Tool interface {
	ID() string
	Execute(ctx context.Context, input json.RawMessage) (ToolResult, error)
}

// EventSink records the run events a tool call produces (spec §8 "exactly
// one agent_tool_call and one agent_tool_result event for callIndex(c)").
// ToolCall is emitted once per call, as soon as the envelope resolves to a
// tool; ToolResult is emitted once the call's outcome is known — which, for
// a blocked call, is not until the node is resumed with the dispatched
// result (consumePendingResult), not when the call was first issued. A nil
// EventSink records nothing (used by the unsupervised team.delegate/
// team.map nested loops, which are not individually addressable by
// callIndex at the parent's event stream).
type EventSink interface {
	ToolCall(ctx context.Context, callIndex int, toolID string, input json.RawMessage)
	ToolResult(ctx context.Context, callIndex int, status ToolResultStatus, output json.RawMessage, errMsg string)
}

// ToolResultStatus mirrors nodes.Status without importing the nodes package,
// since nodes.Registry is wired with agent.run/agent.execute executors that
// depend on this package — the reverse dependency would cycle.
type ToolResultStatus string

const (
	ToolSucceeded ToolResultStatus = "succeeded"
	ToolFailed    ToolResultStatus = "failed"
	ToolBlocked   ToolResultStatus = "blocked"
)

// BlockPayload carries a dispatch request a blocked tool call produced.
type BlockPayload struct {
	DispatchKind string
	Payload      json.RawMessage
	Selector     json.RawMessage
	TimeoutMs    int
}

// ToolResult is the outcome of one Tool.Execute call.
type ToolResult struct {
	Status ToolResultStatus
	Output json.RawMessage
	Err    error
	Block  *BlockPayload
}

// Config parameterizes one Loop.Run call (spec §4.4 "Inputs").
type Config struct {
	Provider       llm.Provider
	Model          string
	Auth           llm.Auth
	Prompt         Prompt
	Tools          map[string]Tool
	Policy         *policy.Policy
	Limits         Limits
	OutputMode     OutputMode
	OutputSchema   json.RawMessage // only consulted when OutputMode == OutputJSON
	Credits        CreditLedger
	Events         EventSink // optional; nil records no tool-call run events
}

// Status is the terminal disposition of a Loop.Run call.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Outcome is what Loop.Run returns: a terminal result, or a blocked
// suspension the caller (the agent.run node executor) propagates to the
// engine for dispatch (spec §4.4 step 3d).
type Outcome struct {
	Status Status
	Output json.RawMessage
	Err    error
	Block  *BlockPayload
}

// Loop drives one node's agent conversation.
type Loop struct {
	llm    llm.Client
	logger telemetry.Logger
	now    func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger attaches a telemetry.Logger; defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// New builds a Loop over an llm.Client (typically an llm.Router).
func New(client llm.Client, opts ...Option) *Loop {
	l := &Loop{llm: client, logger: telemetry.NewNoopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// envelope is the closed sum type an LLM response must parse to (spec §4.4,
// §9 "Dynamic envelopes -> tagged variants").
type envelope struct {
	Type   string          `json:"type"`
	Output json.RawMessage `json:"output,omitempty"`
	ToolID string          `json:"toolId,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

const (
	envelopeFinal    = "final"
	envelopeToolCall = "tool_call"
)

// Run executes (or resumes) the agent loop for one node. state is mutated
// and checkpointed in place by the caller between calls; pending, if
// non-nil, must match state.PendingToolCall (spec §4.4 step 2).
func (l *Loop) Run(ctx context.Context, cfg Config, state *model.AgentRunState, pending *model.RemoteResult, runInput json.RawMessage) (*model.AgentRunState, Outcome, error) {
	if state == nil {
		state = &model.AgentRunState{ToolResultsByCallIdx: map[int]json.RawMessage{}}
	}
	if state.ToolResultsByCallIdx == nil {
		state.ToolResultsByCallIdx = map[int]json.RawMessage{}
	}

	deadline := l.now().Add(time.Duration(cfg.Limits.TimeoutMs) * time.Millisecond)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if len(state.History) == 0 {
		state.History = append(state.History, initialMessages(cfg, runInput)...)
	}

	if pending != nil {
		outcome, err := l.consumePendingResult(ctx, cfg, state, pending)
		if err != nil {
			return state, Outcome{}, err
		}
		if outcome != nil {
			return state, *outcome, nil
		}
	} else if state.PendingToolCall != nil {
		return state, Outcome{}, coreerr.New(coreerr.RemoteResultInvalid, "resume requested without a remote result for a pending tool call")
	}

	for {
		if state.Turns >= cfg.Limits.MaxTurns {
			return state, failOutcome(coreerr.Newf(coreerr.NodeExecutionFailed, "exceeded maxTurns=%d", cfg.Limits.MaxTurns)), nil
		}
		if l.now().After(deadline) {
			return state, failOutcome(coreerr.New(coreerr.NodeExecutionTimeout, "agent loop exceeded timeoutMs")), nil
		}
		if cfg.Credits != nil {
			if err := cfg.Credits.EnsureAvailable(ctx, 1); err != nil {
				return state, failOutcome(coreerr.Wrap(coreerr.CreditsExhausted, err, "managed credits exhausted")), nil
			}
		}

		state.Turns++
		resp, err := l.callLLM(ctx, cfg, state)
		if err != nil {
			return state, failOutcome(err), nil
		}
		if cfg.Credits != nil {
			tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
			cfg.Credits.Charge(ctx, (tokens+999)/1000)
		}

		env, err := parseEnvelope(resp.Content)
		if err != nil {
			return state, failOutcome(coreerr.Wrap(coreerr.InvalidAgentOutput, err, err.Error())), nil
		}

		switch env.Type {
		case envelopeFinal:
			out, err := l.finalize(cfg, env)
			if err != nil {
				return state, failOutcome(err), nil
			}
			state.PendingToolCall = nil
			return state, Outcome{Status: StatusSucceeded, Output: out}, nil

		case envelopeToolCall:
			outcome, blocked, err := l.handleToolCall(ctx, cfg, state, env)
			if err != nil {
				return state, failOutcome(err), nil
			}
			trimHistory(state, cfg.Limits.MaxRuntimeChars)
			if blocked {
				return state, outcome, nil
			}
			// Continue the loop with the synthesized tool_result appended.

		default:
			return state, failOutcome(coreerr.Newf(coreerr.InvalidAgentOutput, "unknown envelope type %q", env.Type)), nil
		}
	}
}

func failOutcome(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

// initialMessages builds the system + user messages (spec §4.4 step 1).
func initialMessages(cfg Config, runInput json.RawMessage) []model.HistoryEntry {
	allowed := make([]string, 0, len(cfg.Tools))
	for id := range cfg.Tools {
		allowed = append(allowed, id)
	}
	sys := cfg.Prompt.System + "\nAllowed tools: " + joinStrings(allowed)

	user := cfg.Prompt.Instructions
	if len(runInput) > 0 {
		user += "\n\nInput:\n" + string(runInput)
	}
	if cfg.Prompt.Template != "" {
		user += "\n\n" + cfg.Prompt.Template
	}
	return []model.HistoryEntry{
		{Role: string(llm.RoleSystem), Content: sys},
		{Role: string(llm.RoleUser), Content: user},
	}
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// consumePendingResult injects a synthesized tool_result message for a
// resumed blocked tool call, matching it against state.PendingToolCall per
// spec §4.4 step 2 and §8's REMOTE_RESULT_INVALID property. This is where a
// blocked call's agent_tool_result is emitted: the call's outcome is not
// known until the dispatched request's result lands here.
func (l *Loop) consumePendingResult(ctx context.Context, cfg Config, state *model.AgentRunState, pending *model.RemoteResult) (*Outcome, error) {
	if state.PendingToolCall == nil || state.PendingToolCall.RequestID != pending.RequestID {
		return nil, coreerr.New(coreerr.RemoteResultInvalid, "pending remote result does not match the node's pendingToolCall")
	}
	idx := state.PendingToolCall.CallIndex
	switch pending.Status {
	case model.RemoteSucceeded:
		state.ToolResultsByCallIdx[idx] = pending.Output
		state.History = append(state.History, model.HistoryEntry{
			Role:    string(llm.RoleUser),
			Content: "tool_result[" + strconv.Itoa(idx) + "]: " + string(summarize(pending.Output, 2000)),
		})
		if cfg.Events != nil {
			cfg.Events.ToolResult(ctx, idx, ToolSucceeded, pending.Output, "")
		}
	default:
		errMsg := pending.Error
		if errMsg == "" {
			errMsg = string(pending.Status)
		}
		state.History = append(state.History, model.HistoryEntry{
			Role:    string(llm.RoleUser),
			Content: "tool_result[" + strconv.Itoa(idx) + "]: error: " + errMsg,
		})
		if cfg.Events != nil {
			cfg.Events.ToolResult(ctx, idx, ToolFailed, nil, errMsg)
		}
	}
	state.PendingToolCall = nil
	return nil, nil
}

// callLLM invokes the configured LLM client with the current history.
func (l *Loop) callLLM(ctx context.Context, cfg Config, state *model.AgentRunState) (*llm.Response, error) {
	messages := make([]llm.Message, len(state.History))
	for i, h := range state.History {
		messages[i] = llm.Message{Role: llm.Role(h.Role), Content: h.Content}
	}
	resp, err := l.llm.Infer(ctx, llm.Request{
		Provider:       cfg.Provider,
		Model:          cfg.Model,
		Messages:       messages,
		TimeoutMs:      cfg.Limits.TimeoutMs,
		MaxOutputChars: cfg.Limits.MaxOutputChars,
		Auth:           cfg.Auth,
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.LLMTimeout, err, err.Error())
	}
	if !resp.OK {
		if resp.Error != nil {
			return nil, resp.Error
		}
		return nil, coreerr.New(coreerr.InvalidAgentOutput, "llm response not ok")
	}
	state.History = append(state.History, model.HistoryEntry{Role: string(llm.RoleAssistant), Content: resp.Content})
	return resp, nil
}

// finalize validates a "final" envelope's output against the configured
// output mode (spec §4.4 "json output mode").
func (l *Loop) finalize(cfg Config, env envelope) (json.RawMessage, error) {
	if cfg.OutputMode != OutputJSON {
		return env.Output, nil
	}
	if len(cfg.OutputSchema) == 0 {
		return env.Output, nil
	}
	if err := validateJSONSchema(env.Output, cfg.OutputSchema); err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidAgentJSONOut, err, err.Error())
	}
	return env.Output, nil
}

// handleToolCall resolves and invokes a tool_call envelope (spec §4.4 step
// 3d), returning (outcome, blocked, err). When blocked is true the caller
// must stop looping and propagate outcome up as-is.
func (l *Loop) handleToolCall(ctx context.Context, cfg Config, state *model.AgentRunState, env envelope) (Outcome, bool, error) {
	toolID := resolveToolAlias(env.ToolID)
	if cfg.Policy != nil {
		if err := cfg.Policy.Check(toolID); err != nil {
			return Outcome{}, false, err
		}
	}
	tool, ok := cfg.Tools[toolID]
	if !ok {
		return Outcome{}, false, coreerr.New(coreerr.WithSuffix(coreerr.ToolNotAllowed, toolID), "tool not registered")
	}
	if state.ToolCalls >= cfg.Limits.MaxToolCalls {
		return Outcome{}, false, coreerr.Newf(coreerr.NodeExecutionFailed, "exceeded maxToolCalls=%d", cfg.Limits.MaxToolCalls)
	}

	callIndex := state.ToolCalls
	state.ToolCalls++
	if cfg.Events != nil {
		cfg.Events.ToolCall(ctx, callIndex, toolID, env.Input)
	}

	res, err := tool.Execute(ctx, env.Input)
	if err != nil {
		return Outcome{}, false, err
	}

	switch res.Status {
	case ToolBlocked:
		// agent_tool_result is deferred to consumePendingResult: the call's
		// outcome isn't known until the dispatched request's result lands.
		state.PendingToolCall = &model.PendingToolCall{
			CallIndex: callIndex,
			ToolID:    toolID,
			Input:     env.Input,
		}
		var block *BlockPayload
		if res.Block != nil {
			block = res.Block
		}
		return Outcome{Status: StatusBlocked, Block: block}, true, nil

	case ToolFailed:
		errMsg := "tool failed"
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		state.ToolResultsByCallIdx[callIndex] = res.Output
		state.History = append(state.History, model.HistoryEntry{
			Role:    string(llm.RoleUser),
			Content: "tool_result[" + strconv.Itoa(callIndex) + "]: error: " + errMsg,
		})
		if cfg.Events != nil {
			cfg.Events.ToolResult(ctx, callIndex, ToolFailed, res.Output, errMsg)
		}
		return Outcome{}, false, nil

	default: // ToolSucceeded
		state.ToolResultsByCallIdx[callIndex] = res.Output
		state.History = append(state.History, model.HistoryEntry{
			Role:    string(llm.RoleUser),
			Content: "tool_result[" + strconv.Itoa(callIndex) + "]: " + string(summarize(res.Output, 2000)),
		})
		if cfg.Events != nil {
			cfg.Events.ToolResult(ctx, callIndex, ToolSucceeded, res.Output, "")
		}
		return Outcome{}, false, nil
	}
}

// resolveToolAlias expands the connector.<conn>.<action> alias form (spec
// §4.4 "Tool resolution") to the canonical connector.action tool id; other
// tool ids pass through unchanged.
func resolveToolAlias(toolID string) string {
	const prefix = "connector."
	if len(toolID) > len(prefix) && toolID[:len(prefix)] == prefix {
		return "connector.action"
	}
	return toolID
}

