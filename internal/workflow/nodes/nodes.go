// Package nodes implements the per-node executor registry (spec §4.3): the
// executor contract every node kind satisfies, and the built-in executors
// for http.request, condition, parallel.join, connector.action, and
// agent.execute. agent.run is registered by internal/gateway (which wires
// the agent loop together with connector/agent-execute dispatch tools) to
// avoid an import cycle, since that executor depends on both the agent
// loop and the gateway dispatch core.
//
// Grounded in the teacher's agent_tools.go/tool_calls.go executor-dispatch
// shape (runtime/agent/runtime), generalized from "tool call" to "graph
// node" granularity, and registry/service.go's jsonschema validation idiom
// for connector.action input checking.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/workflow/dsl"
)

// Status is the outcome of one node executor invocation (spec §4.3).
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// BlockPayload carries the remote dispatch request a blocked node produced:
// the engine hands this to the gateway dispatch core (spec §4.3, §4.6).
type BlockPayload struct {
	DispatchKind string          `json:"dispatchKind"`
	Payload      json.RawMessage `json:"payload"`
	Selector     json.RawMessage `json:"selector,omitempty"`
	TimeoutMs    int             `json:"timeoutMs,omitempty"`
}

// Input is the executor contract's input (spec §4.3): everything a node
// executor needs to run or resume.
type Input struct {
	OrgID             string
	UserID            string
	Run               model.WorkflowRun
	Node              dsl.Node
	Steps             []model.RunStep
	RunInput          json.RawMessage
	Runtime           model.RunRuntime
	PendingRemoteResult *model.RemoteResult
}

// Result is the executor contract's output (spec §4.3).
type Result struct {
	Status  Status
	Output  json.RawMessage
	Err     error
	Block   *BlockPayload
	Runtime *model.RunRuntime
}

// Executor runs (or resumes) one node.
type Executor interface {
	Execute(ctx context.Context, in Input) (Result, error)
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, in Input) (Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

// Registry looks up the Executor for a node kind.
type Registry struct {
	executors map[dsl.NodeKind]Executor
}

// NewRegistry builds a Registry with the three always-local, synchronous
// node kinds pre-registered (spec §4.3: "http.request, condition,
// parallel.join: always local and synchronous"), plus connector.action and
// agent.execute, whose executors have no cross-package dependency; agent.run
// is registered by callers via Register (internal/gateway wires it).
func NewRegistry(httpClient HTTPDoer, connector Connector) *Registry {
	r := &Registry{executors: make(map[dsl.NodeKind]Executor)}
	r.Register(dsl.KindHTTPRequest, httpRequestExecutor{client: httpClient})
	r.Register(dsl.KindCondition, conditionExecutor{})
	r.Register(dsl.KindParallelJoin, parallelJoinExecutor{})
	r.Register(dsl.KindConnectorAction, connectorActionExecutor{connector: connector})
	r.Register(dsl.KindAgentExecute, agentExecuteExecutor{})
	return r
}

// Register binds kind to an Executor, overwriting any prior registration.
func (r *Registry) Register(kind dsl.NodeKind, e Executor) {
	r.executors[kind] = e
}

// Lookup returns the Executor for kind, or an INVALID_NODE_CONFIG error if
// none is registered.
func (r *Registry) Lookup(kind dsl.NodeKind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, coreerr.Newf(coreerr.InvalidNodeConfig, "no executor registered for node kind %q", kind)
	}
	return e, nil
}

// validateAgainstSchema compiles schemaBytes and validates payloadBytes
// against it, matching registry/service.go's validatePayloadJSONAgainstSchema.
// An empty schema is treated as "no constraint" (registry's own convention).
func validateAgainstSchema(payloadBytes, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	var payloadDoc any
	if err := json.Unmarshal(payloadBytes, &payloadDoc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(payloadDoc)
}
