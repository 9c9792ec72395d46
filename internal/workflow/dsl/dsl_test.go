package dsl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/model"
)

func TestParse_V2UpgradesToLinearGraph(t *testing.T) {
	raw := []byte(`{"nodes":[{"id":"a","kind":"http.request"},{"id":"b","kind":"http.request"}]}`)
	wf, err := Parse(raw, model.DSLVersionV2)
	require.NoError(t, err)
	require.Len(t, wf.Graph.Nodes, 2)
	require.Len(t, wf.Graph.Edges, 1)
	require.Equal(t, Edge{From: "a", To: "b"}, wf.Graph.Edges[0])
}

func TestParseYAML_V2UpgradesToLinearGraph(t *testing.T) {
	raw := []byte("nodes:\n  - id: a\n    kind: http.request\n  - id: b\n    kind: http.request\n")
	wf, err := ParseYAML(raw, model.DSLVersionV2)
	require.NoError(t, err)
	require.Len(t, wf.Graph.Nodes, 2)
	require.Len(t, wf.Graph.Edges, 1)
	require.Equal(t, Edge{From: "a", To: "b"}, wf.Graph.Edges[0])
}

func TestParseYAML_InvalidYAMLRejected(t *testing.T) {
	_, err := ParseYAML([]byte("nodes: [a, b\n"), model.DSLVersionV2)
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidNodeConfig, coreerr.CodeOf(err))
}

func TestValidate_CycleDetected(t *testing.T) {
	g := Graph{
		Nodes: map[string]Node{"a": {ID: "a", Kind: KindHTTPRequest}, "b": {ID: "b", Kind: KindHTTPRequest}},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	err := Validate(g)
	require.Error(t, err)
	var ce *coreerr.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, coreerr.GraphCycleDetected, ce.Code)
}

func TestValidate_ConditionMustHaveOneTrueOneFalseEdge(t *testing.T) {
	g := Graph{
		Nodes: map[string]Node{
			"c": {ID: "c", Kind: KindCondition},
			"t": {ID: "t", Kind: KindHTTPRequest},
		},
		Edges: []Edge{{From: "c", To: "t", Tag: TagTrue}},
	}
	err := Validate(g)
	require.Error(t, err)
	var ce *coreerr.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, coreerr.ConditionEdgeConstraints, ce.Code)
}

func TestValidate_ConditionWithBothBranchesOK(t *testing.T) {
	g := Graph{
		Nodes: map[string]Node{
			"c": {ID: "c", Kind: KindCondition},
			"t": {ID: "t", Kind: KindHTTPRequest},
			"f": {ID: "f", Kind: KindHTTPRequest},
		},
		Edges: []Edge{{From: "c", To: "t", Tag: TagTrue}, {From: "c", To: "f", Tag: TagFalse}},
	}
	require.NoError(t, Validate(g))
}

func TestValidate_BlockingNodeInParallelRegionRejected(t *testing.T) {
	g := Graph{
		Nodes: map[string]Node{
			"fanout": {ID: "fanout", Kind: KindHTTPRequest},
			"a":      {ID: "a", Kind: KindAgentExecute},
			"b":      {ID: "b", Kind: KindHTTPRequest},
			"join":   {ID: "join", Kind: KindParallelJoin},
		},
		Edges: []Edge{
			{From: "fanout", To: "a"},
			{From: "fanout", To: "b"},
			{From: "a", To: "join"},
			{From: "b", To: "join"},
		},
	}
	err := Validate(g)
	require.Error(t, err)
	var ce *coreerr.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, coreerr.ParallelRemoteNotSupported, ce.Code)
}

func TestValidate_UnknownEdgeTargetRejected(t *testing.T) {
	g := Graph{
		Nodes: map[string]Node{"a": {ID: "a", Kind: KindHTTPRequest}},
		Edges: []Edge{{From: "a", To: "missing"}},
	}
	require.Error(t, Validate(g))
}
