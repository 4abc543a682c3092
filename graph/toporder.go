package graph

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// BadGraphError is the structural error of this package: the graph failed
// the single-entry/single-exit flow graph invariant. Callers typically wrap
// it together with the offending graph for diagnosis.
type BadGraphError struct {
	Reason string
}

func (e *BadGraphError) Error() string {
	return "bad flow graph: " + e.Reason
}

// TopOrder is a depth-first traversal of a flow graph seeded at its entry.
// The traversal is a reverse postorder; edges whose target is an ancestor
// on the DFS stack are classified as back edges and excluded from the
// ordering constraint. As byproducts, the analysis yields the dead vertex
// set (unreachable from entry) and the stuck vertex set (cannot reach
// exit, computed by the mirrored traversal over reversed edges).
//
// A TopOrder is a snapshot: it must be recomputed after any mutation of
// the vertex or edge set. Owners invalidate cached instances explicitly on
// every mutating operation rather than recomputing per read.
type TopOrder[N comparable, K comparable] struct {
	order     []N
	pos       map[N]int
	backEdges []Edge[N, K]
	dead      mapset.Set[N]
	stuck     mapset.Set[N]
}

// NewTopOrder computes the topological traversal of g from its entry.
func NewTopOrder[N comparable, K comparable](g *FlowGraph[N, K]) *TopOrder[N, K] {
	t := &TopOrder[N, K]{pos: make(map[N]int)}

	post, back := dfs(g, g.Entry(), g.OutEdgesOf)
	// reverse postorder
	t.order = make([]N, 0, len(post))
	for i := len(post) - 1; i >= 0; i-- {
		t.order = append(t.order, post[i])
	}
	for i, n := range t.order {
		t.pos[n] = i
	}
	t.backEdges = back

	t.dead = unvisited(g, t.order)
	rev, _ := dfs(g, g.Exit(), g.InEdgesOf)
	t.stuck = unvisited(g, rev)
	return t
}

// Traversal returns the vertices in topological order (back edges
// excluded from the order constraint). Dead vertices do not appear.
func (t *TopOrder[N, K]) Traversal() []N { return t.order }

// Position returns the index of n in the traversal, or -1 if n is dead.
func (t *TopOrder[N, K]) Position(n N) int {
	if p, ok := t.pos[n]; ok {
		return p
	}
	return -1
}

// BackEdges returns the DFS back edges found during the traversal.
func (t *TopOrder[N, K]) BackEdges() []Edge[N, K] { return t.backEdges }

// Dead returns the vertices unreachable from entry.
func (t *TopOrder[N, K]) Dead() mapset.Set[N] { return t.dead }

// Stuck returns the vertices from which exit is unreachable.
func (t *TopOrder[N, K]) Stuck() mapset.Set[N] { return t.stuck }

// FindDeadVertices returns the vertices of g unreachable from entry.
func FindDeadVertices[N comparable, K comparable](g *FlowGraph[N, K]) mapset.Set[N] {
	post, _ := dfs(g, g.Entry(), g.OutEdgesOf)
	return unvisited(g, post)
}

// FindStuckVertices returns the vertices of g that cannot reach exit.
func FindStuckVertices[N comparable, K comparable](g *FlowGraph[N, K]) mapset.Set[N] {
	post, _ := dfs(g, g.Exit(), g.InEdgesOf)
	return unvisited(g, post)
}

// CheckFlowGraph validates the flow graph invariant: the entry has no
// incoming and the exit no outgoing edges, and every vertex is reachable
// from entry and co-reachable with exit. With a single entry this makes
// entry dominate, and exit postdominate, all vertices.
func CheckFlowGraph[N comparable, K comparable](g *FlowGraph[N, K]) error {
	if d := g.InDegreeOf(g.Entry()); d > 0 {
		return &BadGraphError{Reason: fmt.Sprintf("entry vertex has %d incoming edges", d)}
	}
	if d := g.OutDegreeOf(g.Exit()); d > 0 {
		return &BadGraphError{Reason: fmt.Sprintf("exit vertex has %d outgoing edges", d)}
	}
	if dead := FindDeadVertices(g); dead.Cardinality() > 0 {
		return &BadGraphError{Reason: fmt.Sprintf("unreachable vertices: %v", dead)}
	}
	if stuck := FindStuckVertices(g); stuck.Cardinality() > 0 {
		return &BadGraphError{Reason: fmt.Sprintf("stuck vertices: %v", stuck)}
	}
	return nil
}

const (
	colorWhite = iota // not visited
	colorGrey         // on the DFS stack
	colorBlack        // finished
)

// dfs runs an iterative depth-first search from root, following the edges
// produced by next. It returns the vertices in postorder and the edges
// whose target was grey when followed (tree back edges).
func dfs[N comparable, K comparable](g *FlowGraph[N, K], root N, next func(N) []Edge[N, K]) ([]N, []Edge[N, K]) {
	color := make(map[N]int, g.VertexCount())
	var post []N
	var back []Edge[N, K]

	type frame struct {
		node  N
		edges []Edge[N, K]
		idx   int
	}
	stack := []frame{{node: root, edges: next(root)}}
	color[root] = colorGrey

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.idx < len(top.edges) {
			e := top.edges[top.idx]
			top.idx++
			succ := other(e, top.node)
			switch color[succ] {
			case colorWhite:
				color[succ] = colorGrey
				stack = append(stack, frame{node: succ, edges: next(succ)})
			case colorGrey:
				back = append(back, e)
			}
			continue
		}
		color[top.node] = colorBlack
		post = append(post, top.node)
		stack = stack[:len(stack)-1]
	}
	return post, back
}

// other returns the endpoint of e opposite to n. For the forward traversal
// n is the source, for the mirrored traversal n is the target.
func other[N comparable, K comparable](e Edge[N, K], n N) N {
	if e.Src == n {
		return e.Dst
	}
	return e.Src
}

// unvisited returns the vertices of g missing from the visited slice.
func unvisited[N comparable, K comparable](g *FlowGraph[N, K], visited []N) mapset.Set[N] {
	seen := mapset.NewThreadUnsafeSet[N]()
	for _, n := range visited {
		seen.Add(n)
	}
	missing := mapset.NewThreadUnsafeSet[N]()
	for _, n := range g.Vertices() {
		if !seen.Contains(n) {
			missing.Add(n)
		}
	}
	return missing
}
