package nodes

import (
	"context"
	"encoding/json"

	"github.com/flowbase/core/internal/coreerr"
)

// agentExecuteConfig is the config body of an `agent.execute` node: an
// opaque remote task description handed to an executor verbatim (spec
// §4.3 "opaque remote task").
type agentExecuteConfig struct {
	TaskType string          `json:"taskType"`
	Input    json.RawMessage `json:"input"`
	Execution struct {
		Mode ExecutionMode `json:"mode"`
	} `json:"execution"`
	Selector  json.RawMessage `json:"selector,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type remoteAgentExecutePayload struct {
	TaskType string          `json:"taskType"`
	Input    json.RawMessage `json:"input"`
}

// agentExecuteExecutor always produces a `blocked` payload when
// execution.mode=executor (spec §4.3); any other mode is a configuration
// error since agent.execute has no local implementation.
type agentExecuteExecutor struct{}

func (agentExecuteExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	var cfg agentExecuteConfig
	if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
		return Result{}, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "agent.execute config: "+err.Error())
	}

	if in.PendingRemoteResult != nil {
		return translateRemoteResult(*in.PendingRemoteResult), nil
	}

	if cfg.Execution.Mode != ExecutionModeExecutor {
		return Result{}, coreerr.Newf(coreerr.InvalidNodeConfig, "agent.execute execution.mode must be %q, got %q", ExecutionModeExecutor, cfg.Execution.Mode)
	}

	payload, err := json.Marshal(remoteAgentExecutePayload{TaskType: cfg.TaskType, Input: cfg.Input})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status: StatusBlocked,
		Block: &BlockPayload{
			DispatchKind: "agent.execute",
			Payload:      payload,
			Selector:     cfg.Selector,
			TimeoutMs:    cfg.TimeoutMs,
		},
	}, nil
}
