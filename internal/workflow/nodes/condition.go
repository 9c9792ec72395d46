package nodes

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/workflow/dsl"
)

// conditionConfig is the config body of a `condition` node (spec §4.1):
// evaluate Path within the run's context document against Op and Value.
type conditionConfig struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

// conditionOutput is the decision a condition node produces; the engine
// reads EdgeTag to pick which of the node's two outgoing edges to follow
// (spec §4.1: "emits one outgoing edge tagged cond_true or cond_false").
type conditionOutput struct {
	Result  bool        `json:"result"`
	EdgeTag dsl.EdgeTag `json:"edgeTag"`
}

// conditionExecutor evaluates a condition node against a context document
// built from the run's input plus prior step outputs (keyed by node id under
// "steps"). It is always local and synchronous (spec §4.3).
type conditionExecutor struct{}

func (conditionExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	var cfg conditionConfig
	if len(in.Node.Config) > 0 {
		if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
			return Result{}, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "condition config: "+err.Error())
		}
	}
	if cfg.Path == "" {
		return Result{}, coreerr.New(coreerr.InvalidNodeConfig, "condition node requires a path")
	}

	doc := buildContextDoc(in)
	val, found := getByPath(doc, cfg.Path)

	ok, err := evalCondition(cfg.Op, val, found, cfg.Value)
	if err != nil {
		return Result{}, coreerr.Wrap(coreerr.InvalidNodeConfig, err, err.Error())
	}

	tag := dsl.TagFalse
	if ok {
		tag = dsl.TagTrue
	}
	out, err := json.Marshal(conditionOutput{Result: ok, EdgeTag: tag})
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusSucceeded, Output: out}, nil
}

// buildContextDoc assembles the document condition paths are evaluated
// against: the run's input at the root, plus each prior step's output under
// "steps.<nodeId>".
func buildContextDoc(in Input) map[string]any {
	doc := map[string]any{}
	if len(in.RunInput) > 0 {
		var root map[string]any
		if json.Unmarshal(in.RunInput, &root) == nil {
			for k, v := range root {
				doc[k] = v
			}
		}
	}
	steps := map[string]any{}
	for _, s := range in.Steps {
		var v any
		if len(s.Output) > 0 {
			_ = json.Unmarshal(s.Output, &v)
		}
		steps[s.NodeID] = v
	}
	doc["steps"] = steps
	return doc
}

// getByPath resolves a dot-separated path against a nested
// map[string]any/[]any document, mirroring the flat accessor idiom used
// elsewhere in the pack for JSON context lookups.
func getByPath(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// evalCondition applies op to (val, found) against want (spec §4.1: "op∈{eq,
// ne, exists, ...}").
func evalCondition(op string, val any, found bool, want any) (bool, error) {
	switch op {
	case "exists":
		return found, nil
	case "not_exists":
		return !found, nil
	case "eq":
		return found && equalJSON(val, want), nil
	case "ne":
		return !found || !equalJSON(val, want), nil
	case "gt", "gte", "lt", "lte":
		return numericCompare(op, val, want)
	case "contains":
		return found && containsJSON(val, want), nil
	default:
		return false, coreerr.Newf(coreerr.InvalidNodeConfig, "unsupported condition op %q", op)
	}
}

func equalJSON(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	ab, bbok := json.Marshal(a)
	bb, cbok := json.Marshal(b)
	return bbok == nil && cbok == nil && string(ab) == string(bb)
}

func numericCompare(op string, a, b any) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, coreerr.Newf(coreerr.InvalidNodeConfig, "condition op %q requires numeric operands", op)
	}
	switch op {
	case "gt":
		return af > bf, nil
	case "gte":
		return af >= bf, nil
	case "lt":
		return af < bf, nil
	case "lte":
		return af <= bf, nil
	}
	return false, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func containsJSON(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if equalJSON(item, needle) {
				return true
			}
		}
	}
	return false
}
