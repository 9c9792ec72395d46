// Package coreerr defines the stable, string-coded error vocabulary shared by
// the workflow engine, agent loop, and gateway dispatch core (spec §7). A
// closed vocabulary of codes is a poor fit for a third-party error library:
// every caller across process boundaries (run events, API responses, gateway
// results) needs the same flat {code, message} shape, which stdlib errors
// plus a single struct type expresses directly.
package coreerr

import (
	"errors"
	"fmt"
)

// Error is a structured failure carrying one of the stable codes below, an
// optional human-readable message, and an optional wrapped cause. It
// preserves error chains (errors.Is/As) the same way the teacher's
// toolerrors.ToolError does, so retries and agent-as-tool hops can inspect
// the original cause without losing the stable code.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Cause     error
}

// Code is a stable string error code as specified in spec.md §7. Codes that
// embed a dynamic suffix (e.g. "OPENAI_REQUEST_FAILED:<status>") are built
// with the With* helpers below rather than being enumerated exhaustively.
type Code string

const (
	// Validation
	InvalidNodeConfig     Code = "INVALID_NODE_CONFIG"
	InvalidActionInput    Code = "INVALID_ACTION_INPUT"
	InvalidAgentOutput    Code = "INVALID_AGENT_OUTPUT"
	InvalidAgentJSONOut   Code = "INVALID_AGENT_JSON_OUTPUT"
	InvalidToolInput      Code = "INVALID_TOOL_INPUT"

	// Policy
	ToolNotAllowed    Code = "TOOL_NOT_ALLOWED"
	ToolPolicyDenied  Code = "TOOL_POLICY_DENIED"
	CreditsExhausted  Code = "CREDITS_EXHAUSTED"

	// Transport/provider
	LLMTimeout             Code = "LLM_TIMEOUT"
	OpenAIRequestFailed    Code = "OPENAI_REQUEST_FAILED"
	OpenAIResponseInvalid  Code = "OPENAI_RESPONSE_INVALID"
	AnthropicRequestFailed Code = "ANTHROPIC_REQUEST_FAILED"
	GeminiRequestFailed    Code = "GEMINI_REQUEST_FAILED"
	GeminiResponseInvalid  Code = "GEMINI_RESPONSE_INVALID"
	VertexTokenFailed      Code = "VERTEX_TOKEN_FAILED"
	VertexRequestFailed    Code = "VERTEX_REQUEST_FAILED"
	VertexResponseInvalid  Code = "VERTEX_RESPONSE_INVALID"

	// Dispatch
	NoAgentAvailable       Code = "NO_AGENT_AVAILABLE"
	PinnedAgentOffline     Code = "PINNED_AGENT_OFFLINE"
	AgentDisconnected      Code = "AGENT_DISCONNECTED"
	GatewayUnavailable     Code = "GATEWAY_UNAVAILABLE"
	GatewayNotConfigured   Code = "GATEWAY_NOT_CONFIGURED"
	GatewayDispatchFailed  Code = "GATEWAY_DISPATCH_FAILED"
	GatewayResponseInvalid Code = "GATEWAY_RESPONSE_INVALID"
	NodeExecutionFailed    Code = "NODE_EXECUTION_FAILED"
	NodeExecutionTimeout   Code = "NODE_EXECUTION_TIMEOUT"
	RemoteResultInvalid    Code = "REMOTE_RESULT_INVALID"
	ExecutorOverCapacity   Code = "EXECUTOR_OVER_CAPACITY"
	OrgQuotaExceeded       Code = "ORG_QUOTA_EXCEEDED"

	// Infra
	QueueUnavailable Code = "QUEUE_UNAVAILABLE"

	// Scheduler
	InvalidCronExpression Code = "INVALID_CRON_EXPRESSION"

	// Graph validation
	GraphCycleDetected         Code = "GRAPH_CYCLE_DETECTED"
	ConditionEdgeConstraints   Code = "CONDITION_EDGE_CONSTRAINTS"
	ParallelRemoteNotSupported Code = "PARALLEL_REMOTE_NOT_SUPPORTED"

	// Run lifecycle
	Cancelled Code = "CANCELLED"
)

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error with the given code that wraps an underlying cause.
func Wrap(code Code, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithSuffix builds a dynamic code of the form "<code>:<suffix>", used for
// codes like TOOL_NOT_ALLOWED:<id> or OPENAI_REQUEST_FAILED:<status>.
func WithSuffix(code Code, suffix string) Code {
	return Code(string(code) + ":" + suffix)
}

// WithRetryable marks the error retryable (used by dispatch-layer transport
// failures, never by policy denials or quota exceedances per spec §7).
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// CodeOf extracts the stable code from err, or "" if err does not carry one.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable reports whether err is a coreerr.Error explicitly marked
// retryable. Transport-layer failures (§7) are retryable; policy denials and
// quota exceedances are not.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
