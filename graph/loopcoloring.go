package graph

import (
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"
)

// LoopColoring classifies the loop structure of a flow graph: back edges
// grouped by their head-of-loop target, the member vertices of each loop,
// the edges leaving each loop, and for every vertex the set of loop heads
// whose loop it participates in. Nested loops are supported; the nesting
// relation is exposed as a DAG with edges from inner loop heads to the
// heads of the loops directly containing them.
//
// Like TopOrder, a LoopColoring is a snapshot tied to the graph state it
// was computed from.
type LoopColoring[N comparable, K comparable] struct {
	g   *FlowGraph[N, K]
	top *TopOrder[N, K]

	heads     []N // ordered by topological position of the head
	backEdges map[N][]Edge[N, K]
	members   map[N]mapset.Set[N]
	exitEdges map[N][]Edge[N, K]
	colors    map[N]mapset.Set[N]
	nestDAG   map[N][]N // inner head -> directly containing heads
}

// NewLoopColoring computes the loop structure of g, using the back edges
// identified by the given topological order.
func NewLoopColoring[N comparable, K comparable](g *FlowGraph[N, K], top *TopOrder[N, K]) *LoopColoring[N, K] {
	lc := &LoopColoring[N, K]{
		g:         g,
		top:       top,
		backEdges: make(map[N][]Edge[N, K]),
		members:   make(map[N]mapset.Set[N]),
		exitEdges: make(map[N][]Edge[N, K]),
		colors:    make(map[N]mapset.Set[N]),
		nestDAG:   make(map[N][]N),
	}
	for _, e := range top.BackEdges() {
		if _, seen := lc.backEdges[e.Dst]; !seen {
			lc.heads = append(lc.heads, e.Dst)
		}
		lc.backEdges[e.Dst] = append(lc.backEdges[e.Dst], e)
	}
	slices.SortFunc(lc.heads, func(a, b N) int { return top.Position(a) - top.Position(b) })

	for _, head := range lc.heads {
		lc.members[head] = lc.naturalLoop(head)
	}
	lc.colorVertices()
	lc.collectExitEdges()
	lc.buildNestDAG()
	return lc
}

// naturalLoop computes the member set of the loop headed at head: the
// head itself plus every vertex that reaches a back edge source without
// passing through the head.
func (lc *LoopColoring[N, K]) naturalLoop(head N) mapset.Set[N] {
	members := mapset.NewThreadUnsafeSet[N](head)
	var work []N
	for _, e := range lc.backEdges[head] {
		if !members.Contains(e.Src) {
			members.Add(e.Src)
			work = append(work, e.Src)
		}
	}
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		for _, e := range lc.g.InEdgesOf(n) {
			if !members.Contains(e.Src) {
				members.Add(e.Src)
				work = append(work, e.Src)
			}
		}
	}
	return members
}

func (lc *LoopColoring[N, K]) colorVertices() {
	for _, head := range lc.heads {
		lc.members[head].Each(func(n N) bool {
			set, ok := lc.colors[n]
			if !ok {
				set = mapset.NewThreadUnsafeSet[N]()
				lc.colors[n] = set
			}
			set.Add(head)
			return false
		})
	}
}

func (lc *LoopColoring[N, K]) collectExitEdges() {
	for _, head := range lc.heads {
		members := lc.members[head]
		var exits []Edge[N, K]
		for _, n := range lc.sortedMembers(head) {
			for _, e := range lc.g.OutEdgesOf(n) {
				if !members.Contains(e.Dst) {
					exits = append(exits, e)
				}
			}
		}
		lc.exitEdges[head] = exits
	}
}

// buildNestDAG links every loop head to the heads of the loops directly
// containing it. Loop A contains loop B iff B's head is a member of A;
// the direct containers are the minimal such loops by member count.
func (lc *LoopColoring[N, K]) buildNestDAG() {
	for _, inner := range lc.heads {
		var containing []N
		for _, outer := range lc.heads {
			if outer != inner && lc.members[outer].Contains(inner) {
				containing = append(containing, outer)
			}
		}
		for _, outer := range containing {
			direct := true
			for _, mid := range containing {
				if mid == outer {
					continue
				}
				// a strictly smaller container between inner and outer
				if lc.members[outer].Contains(mid) &&
					lc.members[mid].Cardinality() < lc.members[outer].Cardinality() {
					direct = false
					break
				}
			}
			if direct {
				lc.nestDAG[inner] = append(lc.nestDAG[inner], outer)
			}
		}
	}
}

// HeadsOfLoops returns all loop head vertices, ordered by their position
// in the topological traversal.
func (lc *LoopColoring[N, K]) HeadsOfLoops() []N { return slices.Clone(lc.heads) }

// IsHeadOfLoop reports whether n is targeted by at least one back edge.
func (lc *LoopColoring[N, K]) IsHeadOfLoop(n N) bool {
	_, ok := lc.backEdges[n]
	return ok
}

// BackEdgesTo returns the back edges targeting the given loop head.
func (lc *LoopColoring[N, K]) BackEdgesTo(head N) []Edge[N, K] {
	return slices.Clone(lc.backEdges[head])
}

// MembersOf returns the member vertices of the loop headed at head.
func (lc *LoopColoring[N, K]) MembersOf(head N) mapset.Set[N] {
	return lc.members[head]
}

// ExitEdgesOf returns the edges leaving the loop headed at head.
func (lc *LoopColoring[N, K]) ExitEdgesOf(head N) []Edge[N, K] {
	return slices.Clone(lc.exitEdges[head])
}

// ColorsOf returns the heads of all loops the vertex participates in.
// Vertices outside any loop yield an empty set.
func (lc *LoopColoring[N, K]) ColorsOf(n N) mapset.Set[N] {
	if set, ok := lc.colors[n]; ok {
		return set
	}
	return mapset.NewThreadUnsafeSet[N]()
}

// NestDAG returns the loop nesting DAG as an adjacency map from inner
// loop heads to the heads of the loops directly containing them.
func (lc *LoopColoring[N, K]) NestDAG() map[N][]N { return lc.nestDAG }

// HeadsInnerToOuter returns the loop heads in a topological order of the
// nesting DAG: inner loops before the loops containing them. Since a
// contained loop's member set is a strict subset of its container's, the
// member count is a valid topological key; ties fall back to traversal
// position for determinism.
func (lc *LoopColoring[N, K]) HeadsInnerToOuter() []N {
	heads := slices.Clone(lc.heads)
	slices.SortStableFunc(heads, func(a, b N) int {
		if d := lc.members[a].Cardinality() - lc.members[b].Cardinality(); d != 0 {
			return d
		}
		return lc.top.Position(a) - lc.top.Position(b)
	})
	return heads
}

// sortedMembers returns the members of a loop ordered by topological
// position, so exit edge slices are deterministic.
func (lc *LoopColoring[N, K]) sortedMembers(head N) []N {
	ms := lc.members[head].ToSlice()
	slices.SortFunc(ms, func(a, b N) int { return lc.top.Position(a) - lc.top.Position(b) })
	return ms
}
