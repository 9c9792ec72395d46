// Package dsl parses and validates the workflow definition language (spec
// §4.1): a linear v2 form and a DAG v3 form sharing a single node-type
// vocabulary, plus static validation and a v2→v3 upgrader so the engine only
// ever interprets the v3 graph shape internally.
package dsl

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/model"
)

// NodeKind identifies which executor handles a node (spec §4.3).
type NodeKind string

const (
	KindHTTPRequest     NodeKind = "http.request"
	KindCondition       NodeKind = "condition"
	KindParallelJoin    NodeKind = "parallel.join"
	KindConnectorAction NodeKind = "connector.action"
	KindAgentExecute    NodeKind = "agent.execute"
	KindAgentRun        NodeKind = "agent.run"
)

// Node is one executable step. Config is kind-specific raw JSON interpreted
// by the matching node executor in internal/workflow/nodes.
type Node struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

// EdgeTag distinguishes a condition node's two outgoing edges.
type EdgeTag string

const (
	TagTrue    EdgeTag = "cond_true"
	TagFalse   EdgeTag = "cond_false"
	TagDefault EdgeTag = ""
)

// Edge connects two nodes in the v3 graph.
type Edge struct {
	From string  `json:"from"`
	To   string  `json:"to"`
	Tag  EdgeTag `json:"tag,omitempty"`
}

// JoinMode is a parallel.join node's completion policy.
type JoinMode string

const (
	JoinAll JoinMode = "all"
	JoinAny JoinMode = "any"
)

// Graph is the v3 DAG body: `{nodes{}, edges[]}`.
type Graph struct {
	Nodes map[string]Node `json:"nodes"`
	Edges []Edge          `json:"edges"`
}

// Workflow is the version-tagged parsed DSL. Graph is always populated (Parse
// upgrades v2 to the v3 shape); Nodes also holds the ordered node list for
// v2 and is empty for v3.
type Workflow struct {
	Version model.DSLVersion `json:"-"`
	Trigger json.RawMessage  `json:"trigger,omitempty"`
	Nodes   []Node           `json:"nodes,omitempty"` // v2
	Graph   Graph            `json:"graph,omitempty"` // v3
}

// Parse decodes raw DSL bytes per ver, returning a Workflow whose Graph is
// always populated (v2 is upgraded in place) so callers only ever interpret
// the v3 shape.
func Parse(raw []byte, ver model.DSLVersion) (*Workflow, error) {
	wf := &Workflow{Version: ver}
	switch ver {
	case model.DSLVersionV2:
		var v2 struct {
			Trigger json.RawMessage `json:"trigger,omitempty"`
			Nodes   []Node          `json:"nodes"`
		}
		if err := json.Unmarshal(raw, &v2); err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "invalid v2 DSL: "+err.Error())
		}
		wf.Trigger = v2.Trigger
		wf.Nodes = v2.Nodes
		wf.Graph = Upgrade(v2.Nodes)
	case model.DSLVersionV3:
		var v3 struct {
			Trigger json.RawMessage `json:"trigger,omitempty"`
			Graph   Graph           `json:"graph"`
		}
		if err := json.Unmarshal(raw, &v3); err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "invalid v3 DSL: "+err.Error())
		}
		wf.Trigger = v3.Trigger
		wf.Graph = v3.Graph
	default:
		return nil, coreerr.Newf(coreerr.InvalidNodeConfig, "unknown DSL version %q", ver)
	}
	if wf.Graph.Nodes == nil {
		wf.Graph.Nodes = map[string]Node{}
	}
	if err := Validate(wf.Graph); err != nil {
		return nil, err
	}
	return wf, nil
}

// ParseYAML accepts a workflow authored in YAML instead of JSON — the form
// the control plane's workflow editor accepts for hand-written definitions,
// analogous to scenario files (spec authoring convenience, not a storage
// format: workflows are always persisted and interpreted as the v3 JSON
// Parse produces). YAML is decoded into a generic tree and re-encoded as
// JSON so the rest of the package only ever deals with one representation.
func ParseYAML(raw []byte, ver model.DSLVersion) (*Workflow, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "invalid YAML DSL: "+err.Error())
	}
	asJSON, err := json.Marshal(normalizeYAML(tree))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "re-encode YAML DSL as JSON")
	}
	return Parse(asJSON, ver)
}

// normalizeYAML rewrites the map[any]any values yaml.v3 decodes for mappings
// with non-string keys into encoding/json-marshalable map[string]any (keys
// formatted with fmt.Sprint), recursing through map[string]any and slices too.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// Upgrade lifts a v2 ordered node list to a v3 graph: a straight line of
// edges from node i to node i+1, with no condition/parallel structure (spec
// §4.1 "An upgrader lifts v2 to v3 as a linear graph").
func Upgrade(nodes []Node) Graph {
	g := Graph{Nodes: make(map[string]Node, len(nodes))}
	for i, n := range nodes {
		g.Nodes[n.ID] = n
		if i > 0 {
			g.Edges = append(g.Edges, Edge{From: nodes[i-1].ID, To: n.ID})
		}
	}
	return g
}

// Validate enforces spec §4.1's static validation rules, returning a
// *coreerr.Error with the matching code on the first violation found.
func Validate(g Graph) error {
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return coreerr.Newf(coreerr.GraphCycleDetected, "edge references unknown node %q", e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return coreerr.Newf(coreerr.GraphCycleDetected, "edge references unknown node %q", e.To)
		}
	}
	if err := checkAcyclic(g); err != nil {
		return err
	}
	if err := checkConditionEdges(g); err != nil {
		return err
	}
	if err := checkParallelRegions(g); err != nil {
		return err
	}
	return nil
}

func checkAcyclic(g Graph) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	adj := adjacency(g)

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, to := range adj[id] {
			switch color[to] {
			case gray:
				return coreerr.Newf(coreerr.GraphCycleDetected, "cycle detected at node %q", to)
			case white:
				if err := visit(to); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range g.Nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func adjacency(g Graph) map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	return adj
}

// checkConditionEdges enforces exactly one cond_true and one cond_false
// outgoing edge per condition node.
func checkConditionEdges(g Graph) error {
	counts := make(map[string]map[EdgeTag]int)
	for _, e := range g.Edges {
		n, ok := g.Nodes[e.From]
		if !ok || n.Kind != KindCondition {
			continue
		}
		if counts[e.From] == nil {
			counts[e.From] = map[EdgeTag]int{}
		}
		counts[e.From][e.Tag]++
	}
	for id, n := range g.Nodes {
		if n.Kind != KindCondition {
			continue
		}
		c := counts[id]
		if c[TagTrue] != 1 || c[TagFalse] != 1 {
			return coreerr.Newf(coreerr.ConditionEdgeConstraints,
				"condition node %q must have exactly one cond_true and one cond_false edge", id)
		}
	}
	return nil
}

// checkParallelRegions rejects any node with a blocking kind
// (connector.action, agent.execute, agent.run — the only kinds that can
// return `blocked`) found in the region parallelRegion computes for a
// parallel.join, a superset of the nodes between a fan-out and that join,
// per the conservative node-kind scan spec §4.1 requires.
func checkParallelRegions(g Graph) error {
	joins := make(map[string]bool)
	for id, n := range g.Nodes {
		if n.Kind == KindParallelJoin {
			joins[id] = true
		}
	}
	if len(joins) == 0 {
		return nil
	}
	adj := adjacency(g)
	for joinID := range joins {
		region := parallelRegion(g, adj, joinID)
		for id := range region {
			n := g.Nodes[id]
			if isBlockingKind(n.Kind) {
				return coreerr.Newf(coreerr.ParallelRemoteNotSupported,
					"node %q (%s) inside parallel region for join %q may block remotely", id, n.Kind, joinID)
			}
		}
	}
	return nil
}

func isBlockingKind(k NodeKind) bool {
	switch k {
	case KindConnectorAction, KindAgentExecute, KindAgentRun:
		return true
	default:
		return false
	}
}

// parallelRegion returns every ancestor of joinID (every node with a path to
// it) as soon as the graph contains at least one fan-out, a node with
// out-degree > 1, anywhere. Ancestors upstream of the fan-out, and the
// fan-out itself, are included; a graph with no fan-out yields an empty
// region.
func parallelRegion(g Graph, adj map[string][]string, joinID string) map[string]bool {
	// Ancestors of joinID.
	rev := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		rev[e.To] = append(rev[e.To], e.From)
	}
	ancestors := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		for _, from := range rev[id] {
			if !ancestors[from] {
				ancestors[from] = true
				walk(from)
			}
		}
	}
	walk(joinID)

	fanOuts := map[string]bool{}
	for id, outs := range adj {
		if len(outs) > 1 {
			fanOuts[id] = true
		}
	}
	if len(fanOuts) == 0 {
		return map[string]bool{}
	}

	region := map[string]bool{}
	for id := range ancestors {
		region[id] = true
	}
	return region
}

// Predecessors returns the graph's reverse adjacency list (to -> []from),
// consumed by internal/workflow/engine to scope a parallel.join node's
// Input.Steps to its direct branches and to test its fan-in completeness.
func Predecessors(g Graph) map[string][]string {
	rev := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		rev[e.To] = append(rev[e.To], e.From)
	}
	return rev
}
