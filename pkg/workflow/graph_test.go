package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGraph(t *testing.T) {
	g := NewGraph[Counter]()

	require.NotNil(t, g)
	assert.Empty(t, g.nodes)
	assert.Empty(t, g.edges)
	assert.Empty(t, g.routers)
}

func TestGraph_AddNode(t *testing.T) {
	g := NewGraph[Counter]().AddNode("inc", EffectPure, increment)

	require.Len(t, g.nodes, 1)
	assert.Contains(t, g.nodes, NodeID("inc"))
	assert.Equal(t, EffectPure, g.nodes["inc"].effect)
}

func TestGraph_AddNode_Chaining(t *testing.T) {
	g := NewGraph[Counter]().
		AddNode("a", EffectPure, increment).
		AddNode("b", EffectExternalRead, increment).
		AddNode("c", EffectExternalWrite, increment)

	assert.Len(t, g.nodes, 3)
}

func TestGraph_AddNode_EmptyID_Panics(t *testing.T) {
	assert.Panics(t, func() {
		NewGraph[Counter]().AddNode("", EffectPure, increment)
	})
}

func TestGraph_AddNode_ReservedID_Panics(t *testing.T) {
	for _, id := range []NodeID{END, "end", "END", "End"} {
		id := id
		assert.Panics(t, func() {
			NewGraph[Counter]().AddNode(id, EffectPure, increment)
		}, "id %q should be rejected", id)
	}
}

func TestGraph_AddNode_WhitespaceID_Panics(t *testing.T) {
	for _, id := range []NodeID{"has space", "has\ttab", "has\nnewline"} {
		id := id
		assert.Panics(t, func() {
			NewGraph[Counter]().AddNode(id, EffectPure, increment)
		}, "id %q should be rejected", id)
	}
}

func TestGraph_AddNode_NilFunc_Panics(t *testing.T) {
	assert.Panics(t, func() {
		NewGraph[Counter]().AddNode("inc", EffectPure, nil)
	})
}

func TestGraph_AddNode_DuplicateID_Panics(t *testing.T) {
	assert.Panics(t, func() {
		NewGraph[Counter]().
			AddNode("inc", EffectPure, increment).
			AddNode("inc", EffectPure, increment)
	})
}

func TestGraph_AddEdge(t *testing.T) {
	g := NewGraph[Counter]().
		AddNode("a", EffectPure, increment).
		AddNode("b", EffectPure, increment).
		AddEdge("a", "b")

	assert.Equal(t, NodeID("b"), g.edges["a"])
}

func TestGraph_AddEdge_Duplicate_Panics(t *testing.T) {
	assert.Panics(t, func() {
		NewGraph[Counter]().
			AddNode("a", EffectPure, increment).
			AddNode("b", EffectPure, increment).
			AddEdge("a", "b").
			AddEdge("a", END)
	})
}

func TestGraph_AddConditionalEdge(t *testing.T) {
	router := func(ctx Context, s Counter) NodeID { return END }

	g := NewGraph[Counter]().
		AddNode("a", EffectPure, increment).
		AddConditionalEdge("a", router)

	assert.Contains(t, g.routers, NodeID("a"))
}

func TestGraph_AddConditionalEdge_NilRouter_Panics(t *testing.T) {
	assert.Panics(t, func() {
		NewGraph[Counter]().
			AddNode("a", EffectPure, increment).
			AddConditionalEdge("a", nil)
	})
}

func TestGraph_AddConditionalEdge_ConflictsWithFixedEdge_Panics(t *testing.T) {
	router := func(ctx Context, s Counter) NodeID { return END }

	assert.Panics(t, func() {
		NewGraph[Counter]().
			AddNode("a", EffectPure, increment).
			AddEdge("a", END).
			AddConditionalEdge("a", router)
	})
}

func TestGraph_SetEntry(t *testing.T) {
	g := NewGraph[Counter]().
		AddNode("a", EffectPure, increment).
		SetEntry("a")

	assert.Equal(t, NodeID("a"), g.entry)
}

func TestGraph_SetEntry_CanBeOverwritten(t *testing.T) {
	g := NewGraph[Counter]().
		AddNode("a", EffectPure, increment).
		AddNode("b", EffectPure, increment).
		SetEntry("a").
		SetEntry("b")

	assert.Equal(t, NodeID("b"), g.entry)
}

func TestGraph_FluentAPI(t *testing.T) {
	g := NewGraph[State]().
		AddNode("start", EffectPure, passthrough[State]).
		AddNode("finish", EffectPure, passthrough[State]).
		AddEdge("start", "finish").
		AddEdge("finish", END).
		SetEntry("start")

	compiled, err := g.Compile()

	require.NoError(t, err)
	assert.Equal(t, NodeID("start"), compiled.Entry())
}
