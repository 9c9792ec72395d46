package nodes

import (
	"context"
	"encoding/json"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/model"
)

// ExecutionMode selects whether a connector action (or agent task) runs
// in-process ("cloud") or is dispatched to an external executor ("node" /
// "executor") (spec §4.3).
type ExecutionMode string

const (
	ExecutionModeCloud    ExecutionMode = "cloud"
	ExecutionModeNode     ExecutionMode = "node"
	ExecutionModeExecutor ExecutionMode = "executor"
)

// connectorActionConfig is the config body of a `connector.action` node.
type connectorActionConfig struct {
	ConnectorID string          `json:"connectorId"`
	ActionID    string          `json:"actionId"`
	Input       json.RawMessage `json:"input"`
	Execution   struct {
		Mode ExecutionMode `json:"mode"`
	} `json:"execution"`
	Selector json.RawMessage `json:"selector,omitempty"`
	Env      json.RawMessage `json:"env,omitempty"`
	TimeoutMs int            `json:"timeoutMs,omitempty"`
}

// Connector invokes a cloud-mode connector action directly. The per-connector
// action bodies themselves are out of scope (spec §1); this interface is the
// seam the engine wires real connector implementations through.
type Connector interface {
	// Schema returns the JSON schema for actionID's input, or nil if
	// unconstrained.
	Schema(connectorID, actionID string) (json.RawMessage, error)
	// Invoke executes actionID against input and returns its raw output.
	Invoke(ctx context.Context, connectorID, actionID string, input json.RawMessage) (json.RawMessage, error)
}

// remoteConnectorPayload is the payload a node-mode connector.action node
// dispatches to an executor (spec §4.3: "{connectorId, actionId, input,
// env}").
type remoteConnectorPayload struct {
	ConnectorID string          `json:"connectorId"`
	ActionID    string          `json:"actionId"`
	Input       json.RawMessage `json:"input"`
	Env         json.RawMessage `json:"env,omitempty"`
}

// connectorActionExecutor validates input against the connector's schema,
// then either invokes the connector directly (cloud mode) or returns
// `blocked` with a dispatch payload (node mode) (spec §4.3). On resume it
// reads PendingRemoteResult and translates it to succeeded/failed.
type connectorActionExecutor struct {
	connector Connector
}

func (e connectorActionExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	var cfg connectorActionConfig
	if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
		return Result{}, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "connector.action config: "+err.Error())
	}
	if cfg.ConnectorID == "" || cfg.ActionID == "" {
		return Result{}, coreerr.New(coreerr.InvalidNodeConfig, "connector.action requires connectorId and actionId")
	}

	// Resume path: a pendingRemoteResult is present from a prior blocked
	// dispatch (spec §4.3 "On resume, reads pendingRemoteResult").
	if in.PendingRemoteResult != nil {
		return translateRemoteResult(*in.PendingRemoteResult), nil
	}

	if e.connector != nil {
		schema, err := e.connector.Schema(cfg.ConnectorID, cfg.ActionID)
		if err != nil {
			return Result{}, coreerr.Wrap(coreerr.InvalidActionInput, err, err.Error())
		}
		if err := validateAgainstSchema(cfg.Input, schema); err != nil {
			return Result{}, coreerr.Wrap(coreerr.InvalidActionInput, err, err.Error())
		}
	}

	switch cfg.Execution.Mode {
	case ExecutionModeCloud, "":
		if e.connector == nil {
			return Result{}, coreerr.New(coreerr.NodeExecutionFailed, "no connector configured for cloud-mode execution")
		}
		out, err := e.connector.Invoke(ctx, cfg.ConnectorID, cfg.ActionID, cfg.Input)
		if err != nil {
			return Result{Status: StatusFailed, Err: coreerr.Wrap(coreerr.NodeExecutionFailed, err, err.Error())}, nil
		}
		return Result{Status: StatusSucceeded, Output: out}, nil
	case ExecutionModeNode:
		payload, err := json.Marshal(remoteConnectorPayload{
			ConnectorID: cfg.ConnectorID,
			ActionID:    cfg.ActionID,
			Input:       cfg.Input,
			Env:         cfg.Env,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{
			Status: StatusBlocked,
			Block: &BlockPayload{
				DispatchKind: "connector.action",
				Payload:      payload,
				Selector:     cfg.Selector,
				TimeoutMs:    cfg.TimeoutMs,
			},
		}, nil
	default:
		return Result{}, coreerr.Newf(coreerr.InvalidNodeConfig, "connector.action execution.mode %q not supported", cfg.Execution.Mode)
	}
}

// translateRemoteResult maps a stored RemoteResult to a node Result, per
// spec §4.3's resume contract ("translates to succeeded|failed").
func translateRemoteResult(r model.RemoteResult) Result {
	switch r.Status {
	case model.RemoteSucceeded:
		return Result{Status: StatusSucceeded, Output: r.Output}
	default:
		msg := r.Error
		if msg == "" {
			msg = string(r.Status)
		}
		return Result{Status: StatusFailed, Err: coreerr.New(coreerr.NodeExecutionFailed, msg)}
	}
}
