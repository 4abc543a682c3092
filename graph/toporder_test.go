package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopOrderDiamond(t *testing.T) {
	g := diamond()
	top := NewTopOrder(g)

	order := top.Traversal()
	require.Len(t, order, 6)
	assert.Equal(t, "entry", order[0])
	assert.Equal(t, "exit", order[len(order)-1])

	// every edge respects the order
	for _, e := range g.Edges() {
		assert.Less(t, top.Position(e.Src), top.Position(e.Dst), "edge %v", e)
	}
	assert.Empty(t, top.BackEdges())
	assert.Equal(t, 0, top.Dead().Cardinality())
	assert.Equal(t, 0, top.Stuck().Cardinality())
}

func TestTopOrderBackEdge(t *testing.T) {
	g := diamond()
	g.AddEdge("d", "a", "branch")
	top := NewTopOrder(g)

	require.Len(t, top.BackEdges(), 1)
	back := top.BackEdges()[0]
	assert.Equal(t, "d", back.Src)
	assert.Equal(t, "a", back.Dst)

	// back edges are excluded from the order constraint
	for _, e := range g.Edges() {
		if e == back {
			continue
		}
		assert.Less(t, top.Position(e.Src), top.Position(e.Dst), "edge %v", e)
	}
}

func TestTopOrderDeadAndStuck(t *testing.T) {
	g := diamond()
	g.AddVertex("island")
	g.AddVertex("trap")
	g.AddEdge("a", "trap", "next")
	top := NewTopOrder(g)

	assert.True(t, top.Dead().Contains("island"))
	assert.Equal(t, -1, top.Position("island"))
	assert.True(t, top.Stuck().Contains("trap"))

	assert.True(t, FindDeadVertices(g).Contains("island"))
	assert.True(t, FindStuckVertices(g).Contains("trap"))
	// the island cannot reach exit either
	assert.True(t, FindStuckVertices(g).Contains("island"))
}

func TestCheckFlowGraph(t *testing.T) {
	g := diamond()
	require.NoError(t, CheckFlowGraph(g))

	g.AddEdge("a", "entry", "goto")
	err := CheckFlowGraph(g)
	require.Error(t, err)
	var bad *BadGraphError
	require.ErrorAs(t, err, &bad)
	assert.Contains(t, bad.Reason, "entry vertex")
}

func TestCheckFlowGraphExitOutgoing(t *testing.T) {
	g := diamond()
	g.AddEdge("exit", "d", "goto")
	err := CheckFlowGraph(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit vertex")
}

func TestCheckFlowGraphUnreachable(t *testing.T) {
	g := diamond()
	g.AddVertex("island")
	g.AddEdge("island", "exit", "exit")
	err := CheckFlowGraph(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}
