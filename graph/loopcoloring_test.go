package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nestedLoops builds two nested loops:
//
//	entry -> A -> B -> C -> D -> exit
//	              ^----'    |
//	         ^--------------'
//
// B..C is the inner loop, A..D the outer.
func nestedLoops() *FlowGraph[string, string] {
	g := NewFlowGraph[string, string]("entry", "exit")
	for _, n := range []string{"A", "B", "C", "D"} {
		g.AddVertex(n)
	}
	g.AddEdge("entry", "A", "entry")
	g.AddEdge("A", "B", "next")
	g.AddEdge("B", "C", "next")
	g.AddEdge("C", "B", "branch")
	g.AddEdge("C", "D", "next")
	g.AddEdge("D", "A", "branch")
	g.AddEdge("D", "exit", "exit")
	return g
}

func TestLoopColoringNestedLoops(t *testing.T) {
	g := nestedLoops()
	top := NewTopOrder(g)
	lc := NewLoopColoring(g, top)

	heads := lc.HeadsOfLoops()
	require.Len(t, heads, 2)
	// ordered by topological position: A before B
	assert.Equal(t, []string{"A", "B"}, heads)
	assert.True(t, lc.IsHeadOfLoop("A"))
	assert.True(t, lc.IsHeadOfLoop("B"))
	assert.False(t, lc.IsHeadOfLoop("C"))

	outer := lc.MembersOf("A")
	inner := lc.MembersOf("B")
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, outer.ToSlice())
	assert.ElementsMatch(t, []string{"B", "C"}, inner.ToSlice())
	assert.True(t, inner.IsSubset(outer))
}

func TestLoopColoringBackAndExitEdges(t *testing.T) {
	g := nestedLoops()
	lc := NewLoopColoring(g, NewTopOrder(g))

	backA := lc.BackEdgesTo("A")
	require.Len(t, backA, 1)
	assert.Equal(t, "D", backA[0].Src)

	backB := lc.BackEdgesTo("B")
	require.Len(t, backB, 1)
	assert.Equal(t, "C", backB[0].Src)

	exitsB := lc.ExitEdgesOf("B")
	require.Len(t, exitsB, 1)
	assert.Equal(t, Edge[string, string]{Src: "C", Dst: "D", Kind: "next"}, exitsB[0])

	exitsA := lc.ExitEdgesOf("A")
	require.Len(t, exitsA, 1)
	assert.Equal(t, Edge[string, string]{Src: "D", Dst: "exit", Kind: "exit"}, exitsA[0])
}

func TestLoopColoringColors(t *testing.T) {
	g := nestedLoops()
	lc := NewLoopColoring(g, NewTopOrder(g))

	assert.ElementsMatch(t, []string{"A", "B"}, lc.ColorsOf("C").ToSlice())
	assert.ElementsMatch(t, []string{"A"}, lc.ColorsOf("D").ToSlice())
	assert.Equal(t, 0, lc.ColorsOf("entry").Cardinality())
}

func TestLoopColoringNestDAG(t *testing.T) {
	g := nestedLoops()
	lc := NewLoopColoring(g, NewTopOrder(g))

	dag := lc.NestDAG()
	assert.Equal(t, []string{"A"}, dag["B"])
	assert.Empty(t, dag["A"])

	assert.Equal(t, []string{"B", "A"}, lc.HeadsInnerToOuter())
}

func TestLoopColoringSharedHead(t *testing.T) {
	// two back edges to the same head form one loop
	g := NewFlowGraph[string, string]("entry", "exit")
	for _, n := range []string{"A", "B", "C"} {
		g.AddVertex(n)
	}
	g.AddEdge("entry", "A", "entry")
	g.AddEdge("A", "B", "next")
	g.AddEdge("B", "A", "branch")
	g.AddEdge("B", "C", "next")
	g.AddEdge("C", "A", "branch")
	g.AddEdge("C", "exit", "exit")

	lc := NewLoopColoring(g, NewTopOrder(g))
	require.Equal(t, []string{"A"}, lc.HeadsOfLoops())
	assert.Len(t, lc.BackEdgesTo("A"), 2)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, lc.MembersOf("A").ToSlice())
}
