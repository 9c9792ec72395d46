package pgengine

import (
	"encoding/json"
	"sort"

	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/workflow/dsl"
)

// rootNodes returns the graph's nodes with no incoming edge: the initial
// frontier for a fresh run (spec §4.1 "the interpreter maintains a
// frontier"). Sorted for deterministic ordering across runs of the same
// graph.
func rootNodes(g dsl.Graph) []string {
	hasIncoming := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		hasIncoming[e.To] = true
	}
	var roots []string
	for id := range g.Nodes {
		if !hasIncoming[id] {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// readySuccessors returns the nodes that become ready once node (which just
// produced output, and whose step is already appended to steps) completes.
//
// For a `condition` node, only the outgoing edge matching the decision's
// EdgeTag is followed; the other branch and its transitive descendants are
// never added to the frontier, which is how they end up "skipped" (spec
// §4.1). For any other node kind, every outgoing edge is a candidate, gated
// by appendIfReady's parallel.join fan-in check.
func readySuccessors(g dsl.Graph, node dsl.Node, output json.RawMessage, steps []model.RunStep) []string {
	done := make(map[string]bool, len(steps))
	for _, s := range steps {
		done[s.NodeID] = true
	}

	var outgoing []dsl.Edge
	for _, e := range g.Edges {
		if e.From == node.ID {
			outgoing = append(outgoing, e)
		}
	}

	if node.Kind == dsl.KindCondition {
		var decision struct {
			EdgeTag dsl.EdgeTag `json:"edgeTag"`
		}
		_ = json.Unmarshal(output, &decision)
		var ready []string
		for _, e := range outgoing {
			if e.Tag == decision.EdgeTag {
				ready = appendIfReady(ready, g, e.To, done)
			}
		}
		return ready
	}

	var ready []string
	for _, e := range outgoing {
		ready = appendIfReady(ready, g, e.To, done)
	}
	return ready
}

// appendIfReady adds target to ready unless it has already executed or it is
// a parallel.join whose fan-in condition (spec §4.1: mode=all waits for
// every predecessor, mode=any fires on the first) is not yet satisfied.
func appendIfReady(ready []string, g dsl.Graph, target string, done map[string]bool) []string {
	if done[target] {
		return ready
	}
	tgtNode, ok := g.Nodes[target]
	if !ok {
		return ready
	}
	if tgtNode.Kind == dsl.KindParallelJoin {
		preds := dsl.Predecessors(g)[target]
		completed := 0
		for _, p := range preds {
			if done[p] {
				completed++
			}
		}
		need := len(preds)
		if joinMode(tgtNode) == dsl.JoinAny {
			need = 1
		}
		if completed < need {
			return ready
		}
	}
	return append(ready, target)
}

// appendNewFrontier adds each of additions to frontier, skipping any value
// already present: under parallel.join mode=any, two siblings completing
// within the same drain loop can each independently see the join as ready
// before it has executed and entered `done` (spec §8 "the only concurrent
// mutator" reasoning applies per-run, but within one HandleRunStep call the
// frontier slice itself is the only guard against a duplicate entry).
func appendNewFrontier(frontier, additions []string) []string {
	for _, a := range additions {
		dup := false
		for _, existing := range frontier {
			if existing == a {
				dup = true
				break
			}
		}
		if !dup {
			frontier = append(frontier, a)
		}
	}
	return frontier
}

// joinMode reads a parallel.join node's mode, defaulting to "all" (spec
// §4.1 barrier semantics default to the stricter mode when unset).
func joinMode(n dsl.Node) dsl.JoinMode {
	var cfg struct {
		Mode dsl.JoinMode `json:"mode"`
	}
	if len(n.Config) > 0 {
		_ = json.Unmarshal(n.Config, &cfg)
	}
	if cfg.Mode == "" {
		return dsl.JoinAll
	}
	return cfg.Mode
}
