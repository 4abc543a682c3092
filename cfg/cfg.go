package cfg

import (
	"fmt"
	"io"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/i-sz/jop/app"
	"github.com/i-sz/jop/graph"
)

// DefaultLoopBound is assumed for loop heads without a bound annotation.
// Using it emits a critical warning, but it is useful to locate all
// unbounded loops in one run.
const DefaultLoopBound = 1024

// GraphError is the structural error of this package: after pruning dead
// and stuck vertices the graph still violates the flow graph invariant.
// It carries the offending CFG so callers can export it for diagnosis and
// decide to skip the method.
type GraphError struct {
	CFG *CFG
	Err error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("control flow graph of %s: %v", e.CFG.method.FQName(), e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

// Dump writes the offending graph as DOT for inspection.
func (e *GraphError) Dump(w io.Writer) error {
	return e.CFG.ExportDOT(w, nil, nil)
}

// CFG is the control flow graph of a single method. It owns the graph, the
// method's ordered basic blocks and the cached analyses derived from the
// graph. A CFG belongs exclusively to the method it was built from and is
// never mutated concurrently; transform passes run to completion,
// including re-validation, before the next pass starts.
type CFG struct {
	app    *app.AppInfo
	method *app.MethodInfo
	blocks []*app.BasicBlock

	g     *graph.FlowGraph[Node, EdgeKind]
	dead  mapset.Set[Node]
	idGen int

	// derived analyses: absent until first requested, cleared by every
	// structural mutation
	topOrder *graph.TopOrder[Node, EdgeKind]
	loops    *graph.LoopColoring[Node, EdgeKind]
	leaf     *bool
}

// New builds the flow graph for the given method, which needs attached
// code. The built graph is checked immediately; a method whose bytecode
// yields an invalid flow graph is reported via *GraphError.
func New(appInfo *app.AppInfo, method *app.MethodInfo) (*CFG, error) {
	if method.Code == nil || len(method.Code.Blocks) == 0 {
		return nil, fmt.Errorf("cfg: method %s has no attached code", method.FQName())
	}
	log.Debug("Creating flow graph", "method", method.FQName())
	c := &CFG{
		app:    appInfo,
		method: method,
		dead:   mapset.NewThreadUnsafeSet[Node](),
	}
	c.build()
	if err := c.check(); err != nil {
		return nil, err
	}
	return c, nil
}

// newSubCFG creates an empty graph sharing the parent's method context,
// used for the nested graphs of summary nodes.
func newSubCFG(parent *CFG) *CFG {
	c := &CFG{
		app:    parent.app,
		method: parent.method,
		blocks: parent.blocks,
		dead:   mapset.NewThreadUnsafeSet[Node](),
	}
	entry := c.newDedicated(KindEntry)
	exit := c.newDedicated(KindExit)
	c.g = graph.NewFlowGraph[Node, EdgeKind](entry, exit)
	return c
}

func (c *CFG) nextID() int {
	id := c.idGen
	c.idGen++
	return id
}

func (c *CFG) newDedicated(kind NodeKind) *DedicatedNode {
	return &DedicatedNode{nodeBase: nodeBase{id: c.nextID(), name: kind.String()}, kind: kind}
}

// build creates the node per basic block, classifies invoke blocks and
// wires entry, fallthrough, branch and exit edges from the flow facts.
func (c *CFG) build() {
	c.blocks = c.method.Code.Blocks
	c.g = graph.NewFlowGraph[Node, EdgeKind](c.newDedicated(KindEntry), c.newDedicated(KindExit))

	// one node per block
	nodeByPos := make(map[int]Node, len(c.blocks))
	for i, bb := range c.blocks {
		var n Node
		switch {
		case bb.TheInvoke() != nil:
			n = c.newInvokeNode(i, bb.TheInvoke())
		case c.app.IsLibraryImplemented(bb.Last()):
			n = c.newSpecialInvokeNode(i, bb.Last())
		default:
			n = &BasicBlockNode{
				nodeBase:   nodeBase{id: c.nextID(), name: fmt.Sprintf("basic(%d)", i)},
				owner:      c,
				blockIndex: i,
			}
		}
		nodeByPos[bb.First().Pos] = n
		c.g.AddVertex(n)
	}

	// entry edge
	c.g.AddEdge(c.g.Entry(), nodeByPos[c.blocks[0].First().Pos], EntryEdge)

	// flow edges
	for i, bb := range c.blocks {
		n := nodeByPos[bb.First().Pos]
		flow := bb.Flow
		if flow.Exit {
			// exception edges are not modeled as control flow exits:
			// known gap, kept for compatibility with the bound computation
			if bb.Last().Op == app.OpThrow {
				log.Warn("Found ATHROW edge - ignoring", "method", c.method.FQName(), "block", i)
			} else {
				c.g.AddEdge(n, c.g.Exit(), ExitEdge)
			}
		} else if !flow.AlwaysTaken {
			if i+1 >= len(c.blocks) {
				c.internalError(fmt.Sprintf("next edge to non-existing block after %v", bb.Last()))
			}
			c.g.AddEdge(n, nodeByPos[c.blocks[i+1].First().Pos], NextEdge)
		}
		for _, target := range flow.Targets {
			targetNode := nodeByPos[target.Pos]
			if targetNode == nil {
				c.internalError(fmt.Sprintf("no node for flow target: %s -> %d", n.Name(), target.Pos))
			}
			c.g.AddEdge(n, targetNode, edgeKindFor(target.Kind))
		}
	}

	// guard edge: every built graph has a path from entry to exit
	c.g.AddEdge(c.g.Entry(), c.g.Exit(), ExitEdge)
}

func (c *CFG) newInvokeNode(blockIndex int, ins *app.Instruction) *InvokeNode {
	n := &InvokeNode{
		BasicBlockNode: BasicBlockNode{
			nodeBase:   nodeBase{id: c.nextID()},
			owner:      c,
			blockIndex: blockIndex,
		},
		instr:      ins,
		referenced: c.app.Referenced(c.method, ins),
	}
	n.name = "invoke(" + n.referenced.String() + ")"
	// virtual and interface call sites are resolved later against the
	// whole-program model
	if !ins.Op.IsVirtualInvoke() {
		n.receiverImpl = c.app.StaticImplementation(n.referenced)
		if n.receiverImpl == nil {
			c.internalError(fmt.Sprintf("no static implementation for %s", n.referenced))
		}
	}
	return n
}

func (c *CFG) newSpecialInvokeNode(blockIndex int, ins *app.Instruction) *SpecialInvokeNode {
	impl := c.app.LibraryImplementation(c.method, ins)
	n := &SpecialInvokeNode{
		InvokeNode: InvokeNode{
			BasicBlockNode: BasicBlockNode{
				nodeBase:   nodeBase{id: c.nextID(), name: "jimplBC(" + impl.FQName() + ")"},
				owner:      c,
				blockIndex: blockIndex,
			},
			instr:        ins,
			referenced:   impl.Ref,
			receiverImpl: impl,
		},
	}
	return n
}

func edgeKindFor(k app.JumpKind) EdgeKind {
	switch k {
	case app.JumpGoto:
		return GotoEdge
	case app.JumpSelect:
		return SelectEdge
	case app.JumpBranch:
		return BranchEdge
	case app.JumpJsr:
		return JsrEdge
	case app.JumpLowLevel:
		return LowLevelEdge
	}
	return FlowEdge
}

// check prunes dead and stuck vertices, then validates that the graph is
// a single connected flow graph with entry dominating and exit
// postdominating all vertices.
func (c *CFG) check() error {
	dead := graph.FindDeadVertices(c.g)
	if dead.Cardinality() > 0 {
		log.Warn("Found dead code (exceptions?)", "method", c.method.FQName(), "nodes", dead)
	}
	stuck := graph.FindStuckVertices(c.g)
	if stuck.Cardinality() > 0 {
		log.Warn("Found stuck code (exceptions?)", "method", c.method.FQName(), "nodes", stuck)
	}
	doomed := dead.Union(stuck)
	if doomed.Cardinality() > 0 {
		c.dead = c.dead.Union(doomed)
		c.g.RemoveVertices(doomed)
		c.invalidate()
	}
	if err := graph.CheckFlowGraph(c.g); err != nil {
		return &GraphError{CFG: c, Err: err}
	}
	return nil
}

// invalidate clears the cached analyses. Every structural mutation must
// call it before returning.
func (c *CFG) invalidate() {
	c.topOrder = nil
	c.loops = nil
	c.leaf = nil
}

// analyse recomputes the cached analyses: topological order, loop
// coloring, the leaf flag, and the node ids (topological order, dead
// nodes last). The graph must have been checked before.
func (c *CFG) analyse() {
	c.topOrder = graph.NewTopOrder(c.g)
	c.idGen = 0
	leaf := true
	for _, n := range c.topOrder.Traversal() {
		if n.Kind() == KindInvoke || n.Kind() == KindSpecialInvoke {
			leaf = false
		}
		n.setID(c.nextID())
	}
	c.topOrder.Dead().Each(func(n Node) bool {
		n.setID(c.nextID())
		return false
	})
	c.leaf = &leaf
	c.loops = graph.NewLoopColoring(c.g, c.topOrder)
}

// epilogue is the shared tail of every transform pass: invalidate the
// cached analyses, re-check the graph and re-analyse.
func (c *CFG) epilogue() error {
	c.invalidate()
	if err := c.check(); err != nil {
		return err
	}
	c.analyse()
	return nil
}

// internalError reports a violation of an assumption guaranteed by the
// external basic block decomposition. It is not recoverable: processing
// of the method terminates immediately.
func (c *CFG) internalError(reason string) {
	log.Error("Internal error in control flow graph", "method", c.method.FQName(), "reason", reason)
	panic("cfg: internal error: " + reason)
}

// Method returns the method this flow graph models.
func (c *CFG) Method() *app.MethodInfo { return c.method }

// Entry returns the dedicated entry node.
func (c *CFG) Entry() Node { return c.g.Entry() }

// Exit returns the dedicated exit node.
func (c *CFG) Exit() Node { return c.g.Exit() }

// Graph returns the underlying flow graph view.
func (c *CFG) Graph() *graph.FlowGraph[Node, EdgeKind] { return c.g }

// Blocks returns the method's ordered basic block list.
func (c *CFG) Blocks() []*app.BasicBlock { return c.blocks }

// DeadNodes returns the nodes pruned so far by structural checks.
func (c *CFG) DeadNodes() mapset.Set[Node] { return c.dead }

// IsLeafMethod reports whether no invoke node survives in the graph:
// the method calls nothing the WCET analysis would have to recurse into.
func (c *CFG) IsLeafMethod() bool {
	if c.leaf == nil {
		c.analyse()
	}
	return *c.leaf
}

// TopOrder returns the cached topological order, recomputing it if a
// mutation invalidated it.
func (c *CFG) TopOrder() *graph.TopOrder[Node, EdgeKind] {
	if c.topOrder == nil {
		c.analyse()
	}
	return c.topOrder
}

// LoopColoring returns the cached loop coloring, recomputing it if a
// mutation invalidated it.
func (c *CFG) LoopColoring() *graph.LoopColoring[Node, EdgeKind] {
	if c.loops == nil {
		c.analyse()
	}
	return c.loops
}

// ByteSize returns the length of the method body in bytes.
func (c *CFG) ByteSize() int {
	sum := 0
	for _, bb := range c.blocks {
		sum += bb.ByteSize()
	}
	return sum
}

// WordSize returns the length of the method body in words.
func (c *CFG) WordSize() int {
	return (c.ByteSize() + 3) / 4
}
