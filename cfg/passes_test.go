package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-sz/jop/app"
)

const virtualCallProgram = `
methods:
  - class: Main
    name: call
    descriptor: ()V
    blocks:
      - terminal: invokevirtual
        invoke: Vec.add(I)V
      - terminal: return
        exit: true
  - class: VecA
    name: add
    descriptor: (I)V
    blocks:
      - terminal: return
        exit: true
  - class: VecB
    name: add
    descriptor: (I)V
    blocks:
      - terminal: return
        exit: true
implementations:
  Vec.add(I)V: [VecA.add(I)V, VecB.add(I)V]
`

func invokeNodes(c *CFG) []*InvokeNode {
	var ns []*InvokeNode
	for _, n := range c.Graph().Vertices() {
		if inv, ok := n.(*InvokeNode); ok {
			ns = append(ns, inv)
		}
	}
	return ns
}

func nodesOfKind(c *CFG, kind NodeKind) []Node {
	var ns []Node
	for _, n := range c.Graph().Vertices() {
		if n.Kind() == kind {
			ns = append(ns, n)
		}
	}
	return ns
}

func TestResolveVirtualInvokesMultipleImpls(t *testing.T) {
	c := buildCFG(t, virtualCallProgram, "Main.call()V")
	virtual := invokeNodes(c)[0]
	require.True(t, virtual.IsVirtual())

	require.NoError(t, c.ResolveVirtualInvokes(app.EmptyCallString))

	assert.Equal(t, 7, c.Graph().VertexCount())
	assert.Len(t, nodesOfKind(c, KindSplit), 1)
	assert.Len(t, nodesOfKind(c, KindJoin), 1)
	assert.Len(t, edgesOfKind(c, DispatchEdge), 2)
	assert.Len(t, edgesOfKind(c, ReturnEdge), 2)

	impls := invokeNodes(c)
	require.Len(t, impls, 2)
	var names []string
	for _, impl := range impls {
		assert.False(t, impl.IsVirtual())
		assert.Same(t, virtual, impl.VirtualNode())
		names = append(names, impl.ImplementedMethod().FQName())
	}
	assert.ElementsMatch(t, []string{"VecA.add(I)V", "VecB.add(I)V"}, names)
	assert.False(t, c.IsLeafMethod())
}

func TestResolveVirtualInvokesSingleImpl(t *testing.T) {
	doc := `
methods:
  - class: Main
    name: call
    descriptor: ()V
    blocks:
      - terminal: invokevirtual
        invoke: Vec.add(I)V
      - terminal: return
        exit: true
  - class: VecA
    name: add
    descriptor: (I)V
    blocks:
      - terminal: return
        exit: true
implementations:
  Vec.add(I)V: [VecA.add(I)V]
`
	c := buildCFG(t, doc, "Main.call()V")
	require.NoError(t, c.ResolveVirtualInvokes(app.EmptyCallString))

	// rebound in place, no dispatch expansion
	assert.Equal(t, 4, c.Graph().VertexCount())
	assert.Empty(t, nodesOfKind(c, KindSplit))

	impls := invokeNodes(c)
	require.Len(t, impls, 1)
	assert.False(t, impls[0].IsVirtual())
	assert.Equal(t, "VecA.add(I)V", impls[0].ImplementedMethod().FQName())
	assert.NotSame(t, impls[0], impls[0].VirtualNode())
}

func TestResolveVirtualInvokesNoImplPanics(t *testing.T) {
	doc := `
methods:
  - class: Main
    name: call
    descriptor: ()V
    blocks:
      - terminal: invokeinterface
        invoke: Vec.add(I)V
      - terminal: return
        exit: true
`
	c := buildCFG(t, doc, "Main.call()V")
	require.Panics(t, func() { _ = c.ResolveVirtualInvokes(app.EmptyCallString) })
}

func TestResolveVirtualInvokesLeavesStaticSites(t *testing.T) {
	doc := `
methods:
  - class: Main
    name: call
    descriptor: ()V
    blocks:
      - terminal: invokestatic
        invoke: A.f()V
      - terminal: return
        exit: true
  - class: A
    name: f
    descriptor: ()V
    blocks:
      - terminal: return
        exit: true
`
	c := buildCFG(t, doc, "Main.call()V")
	before := invokeNodes(c)[0]
	require.False(t, before.IsVirtual())

	require.NoError(t, c.ResolveVirtualInvokes(app.EmptyCallString))
	assert.Equal(t, 4, c.Graph().VertexCount())
	assert.Same(t, before, invokeNodes(c)[0])
}

const libraryCallProgram = `
methods:
  - class: Main
    name: div
    descriptor: (JJ)J
    blocks:
      - plain: 2
        terminal: ldiv
      - terminal: return
        exit: true
  - class: JVM
    name: fLdiv
    descriptor: (JJ)J
    blocks:
      - terminal: return
        exit: true
library:
  ldiv: JVM.fLdiv(JJ)J
`

func TestSpecialInvokeExemptFromResolution(t *testing.T) {
	c := buildCFG(t, libraryCallProgram, "Main.div(JJ)J")

	special := nodesOfKind(c, KindSpecialInvoke)
	require.Len(t, special, 1)
	n := special[0].(*SpecialInvokeNode)
	assert.False(t, n.IsVirtual())
	assert.Equal(t, "JVM.fLdiv(JJ)J", n.ImplementedMethod().FQName())
	assert.False(t, c.IsLeafMethod())

	require.NoError(t, c.ResolveVirtualInvokes(app.EmptyCallString))
	assert.Same(t, n, nodesOfKind(c, KindSpecialInvoke)[0])

	// rebinding a special invoke is the identity
	assert.Same(t, Node(n), n.CreateImplNode(nil, nil))
}

func TestInsertSplitNodes(t *testing.T) {
	c := buildCFG(t, diamondMethod, "Main.run()V")
	require.NoError(t, c.InsertSplitNodes())

	assert.Equal(t, 7, c.Graph().VertexCount())
	splits := nodesOfKind(c, KindSplit)
	require.Len(t, splits, 1)

	b0 := nodeForBlock(c, 0)
	require.Equal(t, 1, c.Graph().OutDegreeOf(b0))
	out := c.Graph().OutEdgesOf(b0)[0]
	assert.Equal(t, FlowEdge, out.Kind)
	assert.Same(t, splits[0], out.Dst)
	assert.Equal(t, 2, c.Graph().OutDegreeOf(splits[0]))

	// every block-backed node now has a single successor
	for _, n := range c.Graph().Vertices() {
		if n.Block() != nil {
			assert.LessOrEqual(t, c.Graph().OutDegreeOf(n), 1, "node %s", n.Name())
		}
	}
}

func TestInsertReturnNodesIdempotent(t *testing.T) {
	c := buildCFG(t, libraryCallProgram, "Main.div(JJ)J")
	require.NoError(t, c.InsertReturnNodes())

	count := c.Graph().VertexCount()
	returns := edgesOfKind(c, ReturnEdge)
	require.Len(t, returns, 1)
	special := nodesOfKind(c, KindSpecialInvoke)[0]
	assert.Same(t, special, returns[0].Src)
	assert.Equal(t, 1, c.Graph().OutDegreeOf(special))

	require.NoError(t, c.InsertReturnNodes())
	assert.Equal(t, count, c.Graph().VertexCount())
	assert.Len(t, edgesOfKind(c, ReturnEdge), 1)
}

func TestInsertContinueLoopNodes(t *testing.T) {
	doc := `
methods:
  - class: Main
    name: spin
    descriptor: ()V
    blocks:
      - plain: 1
      - terminal: branch
        targets: [{block: 3, kind: branch}]
      - terminal: branch
        targets: [{block: 1, kind: branch}]
      - terminal: branch
        targets: [{block: 1, kind: branch}]
      - terminal: return
        exit: true
`
	c := buildCFG(t, doc, "Main.spin()V")
	head := nodeForBlock(c, 1)
	require.Len(t, c.LoopColoring().BackEdgesTo(head), 2)

	require.NoError(t, c.InsertContinueLoopNodes())

	back := c.LoopColoring().BackEdgesTo(head)
	require.Len(t, back, 1)
	cont := back[0].Src
	assert.Equal(t, KindSplit, cont.Kind())
	assert.Equal(t, 2, c.Graph().InDegreeOf(cont))
	assert.Equal(t, FlowEdge, back[0].Kind)

	// already normalized graphs are left alone
	count := c.Graph().VertexCount()
	require.NoError(t, c.InsertContinueLoopNodes())
	assert.Equal(t, count, c.Graph().VertexCount())
}

const simpleLoopProgram = `
methods:
  - class: Main
    name: loop
    descriptor: ()V
    blocks:
      - plain: 1
      - terminal: branch
        targets: [{block: 3, kind: branch}]
      - terminal: goto
        alwaysTaken: true
        targets: [{block: 1, kind: goto}]
      - terminal: return
        exit: true
`

func TestInsertSummaryNodes(t *testing.T) {
	c := buildCFG(t, simpleLoopProgram, "Main.loop()V")
	head := nodeForBlock(c, 1)
	body := nodeForBlock(c, 2)
	require.True(t, c.LoopColoring().IsHeadOfLoop(head))
	exits := c.LoopColoring().ExitEdgesOf(head)
	require.Len(t, exits, 1)
	assert.Same(t, nodeForBlock(c, 3), exits[0].Dst)

	require.NoError(t, c.InsertSummaryNodes())

	// loop members replaced by one summary node
	assert.Equal(t, 5, c.Graph().VertexCount())
	assert.Nil(t, nodeForBlock(c, 1))
	assert.Nil(t, nodeForBlock(c, 2))
	assert.Empty(t, c.LoopColoring().HeadsOfLoops())

	summaries := nodesOfKind(c, KindSummary)
	require.Len(t, summaries, 1)
	summary := summaries[0].(*SummaryNode)
	assert.True(t, c.Graph().HasEdge(Edge{Src: summary, Dst: nodeForBlock(c, 3), Kind: FlowEdge}))

	// the nested graph keeps the loop structure
	sub := summary.SubCFG()
	require.NotNil(t, sub)
	assert.Equal(t, 4, sub.Graph().VertexCount())
	assert.True(t, sub.Graph().ContainsVertex(head))
	assert.True(t, sub.Graph().ContainsVertex(body))
	assert.True(t, sub.Graph().HasEdge(Edge{Src: sub.Entry(), Dst: head, Kind: EntryEdge}))
	assert.True(t, sub.Graph().HasEdge(Edge{Src: head, Dst: sub.Exit(), Kind: ExitEdge}))
	assert.True(t, sub.LoopColoring().IsHeadOfLoop(head))
}

func TestInsertSummaryNodesSkipsLoopsWithInvokes(t *testing.T) {
	doc := `
methods:
  - class: Main
    name: loop
    descriptor: ()V
    blocks:
      - plain: 1
      - terminal: branch
        targets: [{block: 3, kind: branch}]
      - terminal: invokestatic
        invoke: A.f()V
        alwaysTaken: true
        targets: [{block: 1, kind: goto}]
      - terminal: return
        exit: true
  - class: A
    name: f
    descriptor: ()V
    blocks:
      - terminal: return
        exit: true
`
	c := buildCFG(t, doc, "Main.loop()V")
	count := c.Graph().VertexCount()

	require.NoError(t, c.InsertSummaryNodes())
	assert.Equal(t, count, c.Graph().VertexCount())
	assert.Empty(t, nodesOfKind(c, KindSummary))
	assert.Len(t, c.LoopColoring().HeadsOfLoops(), 1)
}

func TestInsertSummaryNodesInnerFirst(t *testing.T) {
	doc := `
methods:
  - class: Main
    name: nested
    descriptor: ()V
    blocks:
      - plain: 1
      - terminal: branch
        targets: [{block: 4, kind: branch}]
      - terminal: branch
        targets: [{block: 2, kind: branch}]
      - terminal: goto
        alwaysTaken: true
        targets: [{block: 1, kind: goto}]
      - terminal: return
        exit: true
`
	c := buildCFG(t, doc, "Main.nested()V")
	outerHead := nodeForBlock(c, 1)
	require.Len(t, c.LoopColoring().HeadsOfLoops(), 2)

	require.NoError(t, c.InsertSummaryNodes())

	// the inner loop collapses; the overlapping outer loop is kept
	summaries := nodesOfKind(c, KindSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, []Node{outerHead}, c.LoopColoring().HeadsOfLoops())
	assert.Nil(t, nodeForBlock(c, 2))
	require.NotNil(t, nodeForBlock(c, 1))
}
