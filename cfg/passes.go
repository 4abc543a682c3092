package cfg

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/i-sz/jop/app"
)

func (c *CFG) newSplitNode() *DedicatedNode {
	return &DedicatedNode{nodeBase: nodeBase{id: c.nextID(), name: "split"}, kind: KindSplit}
}

func (c *CFG) newJoinNode() *DedicatedNode {
	return &DedicatedNode{nodeBase: nodeBase{id: c.nextID(), name: "join"}, kind: KindJoin}
}

func (c *CFG) newReturnNode() *DedicatedNode {
	return &DedicatedNode{nodeBase: nodeBase{id: c.nextID(), name: "return"}, kind: KindSplit}
}

func (c *CFG) newContinueNode(head Node) *DedicatedNode {
	name := fmt.Sprintf("continue(%s)", head.Name())
	return &DedicatedNode{nodeBase: nodeBase{id: c.nextID(), name: name}, kind: KindSplit}
}

// ResolveVirtualInvokes replaces every virtual call site by the concrete
// implementations reachable in the given calling context. A site with one
// implementation is rebound in place. A site with several is expanded
// into a split node dispatching to one invoke node per implementation,
// reconverging on a join node. A virtual site without any implementation
// makes WCET analysis impossible and terminates processing of the method.
//
// Special invoke nodes carry their implementation from construction and
// are left untouched.
func (c *CFG) ResolveVirtualInvokes(ctx app.CallString) error {
	for _, n := range c.g.Vertices() {
		inv, ok := n.(*InvokeNode)
		if !ok || !inv.IsVirtual() {
			continue
		}
		impls := inv.ImplementedMethods(ctx)
		switch len(impls) {
		case 0:
			c.internalError("no implementations for virtual call site " + inv.Referenced().String())
		case 1:
			impl := inv.CreateImplNode(impls[0], inv)
			c.g.AddVertex(impl)
			for _, e := range c.g.InEdgesOf(inv) {
				c.g.AddEdge(e.Src, impl, e.Kind)
			}
			for _, e := range c.g.OutEdgesOf(inv) {
				c.g.AddEdge(impl, e.Dst, e.Kind)
			}
			c.g.RemoveVertex(inv)
		default:
			split := c.newSplitNode()
			join := c.newJoinNode()
			c.g.AddVertex(split)
			c.g.AddVertex(join)
			for _, e := range c.g.InEdgesOf(inv) {
				c.g.AddEdge(e.Src, split, e.Kind)
			}
			for _, e := range c.g.OutEdgesOf(inv) {
				c.g.AddEdge(join, e.Dst, e.Kind)
			}
			for _, impl := range impls {
				implNode := inv.CreateImplNode(impl, inv)
				c.g.AddVertex(implNode)
				c.g.AddEdge(split, implNode, DispatchEdge)
				c.g.AddEdge(implNode, join, ReturnEdge)
			}
			c.g.RemoveVertex(inv)
		}
	}
	return c.epilogue()
}

// InsertSplitNodes gives every block-backed node a single successor by
// routing multi-way exits through a dedicated split node. Pipeline stages
// attaching costs to block nodes then never have to disambiguate which
// out-edge the cost belongs to.
func (c *CFG) InsertSplitNodes() error {
	for _, n := range c.g.Vertices() {
		if n.Block() == nil || c.g.OutDegreeOf(n) <= 1 {
			continue
		}
		split := c.newSplitNode()
		c.g.AddVertex(split)
		for _, e := range c.g.OutEdgesOf(n) {
			c.g.RemoveEdge(e)
			c.g.AddEdge(split, e.Dst, e.Kind)
		}
		c.g.AddEdge(n, split, FlowEdge)
	}
	return c.epilogue()
}

// InsertReturnNodes materializes the return point of every invoke node as
// a dedicated successor, reached by a return edge. Running the pass again
// leaves an already normalized graph unchanged.
func (c *CFG) InsertReturnNodes() error {
	for _, n := range c.g.Vertices() {
		if n.Kind() != KindInvoke && n.Kind() != KindSpecialInvoke {
			continue
		}
		outs := c.g.OutEdgesOf(n)
		if len(outs) == 1 && outs[0].Kind == ReturnEdge {
			continue
		}
		ret := c.newReturnNode()
		c.g.AddVertex(ret)
		for _, e := range outs {
			c.g.RemoveEdge(e)
			c.g.AddEdge(ret, e.Dst, e.Kind)
		}
		c.g.AddEdge(n, ret, ReturnEdge)
	}
	return c.epilogue()
}

// InsertContinueLoopNodes collects the back edges of every loop head with
// more than one into a single dedicated node, so each loop has exactly
// one continue edge for the flow constraints to bound.
func (c *CFG) InsertContinueLoopNodes() error {
	lc := c.LoopColoring()
	changed := false
	for _, head := range lc.HeadsOfLoops() {
		back := lc.BackEdgesTo(head)
		if len(back) <= 1 {
			continue
		}
		cont := c.newContinueNode(head)
		c.g.AddVertex(cont)
		for _, e := range back {
			c.g.RemoveEdge(e)
			c.g.AddEdge(e.Src, cont, e.Kind)
		}
		c.g.AddEdge(cont, head, FlowEdge)
		changed = true
	}
	if !changed {
		return nil
	}
	return c.epilogue()
}

// InsertSummaryNodes collapses self-contained loops into summary nodes
// owning a nested flow graph of the loop body. A loop qualifies if all
// its exit edges share one target, it is entered only through its head,
// and no member is an invoke or summary node. Inner loops are considered
// first; a loop overlapping an already collapsed one is left alone, its
// collapsed region now standing in for the shared members.
func (c *CFG) InsertSummaryNodes() error {
	lc := c.LoopColoring()

	type collapse struct {
		head    Node
		members mapset.Set[Node]
		target  Node
	}
	var work []collapse
	marked := mapset.NewThreadUnsafeSet[Node]()

	for _, head := range lc.HeadsInnerToOuter() {
		members := lc.MembersOf(head)
		if marked.Contains(head) || members.Intersect(marked).Cardinality() > 0 {
			continue
		}
		target, ok := c.summaryCandidate(head, members, lc.ExitEdgesOf(head))
		if !ok {
			continue
		}
		marked = marked.Union(members)
		work = append(work, collapse{head: head, members: members, target: target})
	}

	if len(work) == 0 {
		return nil
	}
	for _, w := range work {
		if err := c.insertSummaryNode(w.head, w.members, w.target); err != nil {
			return err
		}
	}
	return c.epilogue()
}

// summaryCandidate decides whether the loop at head can be collapsed and
// returns the common exit target if so.
func (c *CFG) summaryCandidate(head Node, members mapset.Set[Node], exits []Edge) (Node, bool) {
	targets := mapset.NewThreadUnsafeSet[Node]()
	for _, e := range exits {
		targets.Add(e.Dst)
	}
	if targets.Cardinality() != 1 {
		return nil, false
	}
	blocked := false
	members.Each(func(n Node) bool {
		switch n.Kind() {
		case KindInvoke, KindSpecialInvoke, KindSummary:
			blocked = true
			return true
		}
		// side entries bypassing the head break the nested graph shape
		if n != head {
			for _, e := range c.g.InEdgesOf(n) {
				if !members.Contains(e.Src) {
					blocked = true
					return true
				}
			}
		}
		return false
	})
	if blocked {
		return nil, false
	}
	target, _ := targets.Pop()
	return target, true
}

// insertSummaryNode extracts the loop body into a nested flow graph and
// replaces the members by a single summary node in the outer graph.
func (c *CFG) insertSummaryNode(head Node, members mapset.Set[Node], target Node) error {
	sub := newSubCFG(c)
	c.g.CopySubgraph(sub.g, members)
	sub.g.AddEdge(sub.g.Entry(), head, EntryEdge)
	for _, n := range sub.g.Vertices() {
		if !members.Contains(n) {
			continue
		}
		for _, e := range c.g.OutEdgesOf(n) {
			if !members.Contains(e.Dst) {
				sub.g.AddEdge(n, sub.g.Exit(), ExitEdge)
			}
		}
	}
	if err := sub.check(); err != nil {
		return err
	}

	summary := &SummaryNode{
		nodeBase: nodeBase{id: c.nextID(), name: fmt.Sprintf("summary(%s)", head.Name())},
		sub:      sub,
	}
	c.g.AddVertex(summary)
	for _, e := range c.g.InEdgesOf(head) {
		if !members.Contains(e.Src) {
			c.g.AddEdge(e.Src, summary, e.Kind)
		}
	}
	c.g.AddEdge(summary, target, FlowEdge)
	c.g.RemoveVertices(members)

	log.Debug("Collapsed loop into summary node", "method", c.method.FQName(),
		"head", head.Name(), "members", members.Cardinality())
	return nil
}
