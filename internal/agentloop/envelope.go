package agentloop

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowbase/core/internal/model"
)

// parseEnvelope decodes an LLM completion's content into the closed
// {final, tool_call} sum type (spec §4.4). Any other shape is a fatal
// INVALID_AGENT_OUTPUT per spec, surfaced to the caller as a plain error and
// wrapped with the stable code there.
func parseEnvelope(content string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return envelope{}, fmt.Errorf("llm response is not a JSON envelope: %w", err)
	}
	switch env.Type {
	case envelopeFinal:
		// Output may legitimately be absent for a text-mode final reply with
		// no structured payload; nothing further to validate here.
	case envelopeToolCall:
		if env.ToolID == "" {
			return envelope{}, fmt.Errorf("tool_call envelope missing toolId")
		}
	default:
		return envelope{}, fmt.Errorf("envelope type must be %q or %q, got %q", envelopeFinal, envelopeToolCall, env.Type)
	}
	return env, nil
}

// validateJSONSchema compiles schema and validates payload against it,
// matching the santhosh-tekuri/jsonschema/v6 usage in
// internal/workflow/nodes's connector input validation.
func validateJSONSchema(payload, schema json.RawMessage) error {
	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal output schema: %w", err)
	}
	var payloadDoc any
	if err := json.Unmarshal(payload, &payloadDoc); err != nil {
		return fmt.Errorf("unmarshal final output: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output.json", schemaDoc); err != nil {
		return fmt.Errorf("add output schema resource: %w", err)
	}
	compiled, err := c.Compile("output.json")
	if err != nil {
		return fmt.Errorf("compile output schema: %w", err)
	}
	return compiled.Validate(payloadDoc)
}

// summarize bounds how much of a tool result is replayed back into the LLM
// conversation, per spec §4.4 step 3d "a size-bounded summary of the output".
func summarize(output json.RawMessage, maxChars int) json.RawMessage {
	if len(output) <= maxChars {
		return output
	}
	truncated := string(output[:maxChars]) + "...(truncated)"
	encoded, err := json.Marshal(truncated)
	if err != nil {
		return output
	}
	return json.RawMessage(encoded)
}

// minProtectedHistory is the number of leading history entries trimHistory
// never removes: the system prompt and the initial user message (spec §4.4
// step 1), which every subsequent turn depends on for context.
const minProtectedHistory = 2

// trimHistory drops the oldest (non-protected) history entries until the
// serialized AgentRunState fits within maxChars (spec §4.4 "Serialized
// AgentRunState stays <= maxRuntimeChars; before each checkpoint, trim from
// the oldest history entries; keep entries referenced by pendingToolCall").
// A maxChars of zero disables trimming (no bound configured).
func trimHistory(state *model.AgentRunState, maxChars int) {
	if maxChars <= 0 {
		return
	}
	for serializedSize(state) > maxChars && len(state.History) > minProtectedHistory+1 {
		state.History = append(state.History[:minProtectedHistory:minProtectedHistory], state.History[minProtectedHistory+1:]...)
	}
}

func serializedSize(state *model.AgentRunState) int {
	b, err := json.Marshal(state)
	if err != nil {
		return 0
	}
	return len(b)
}
