// Package graph provides the directed flow-graph substrate used by the
// per-method control flow graphs of the WCET analysis, together with the
// topological-order and loop-coloring analyses computed on top of it.
//
// A flow graph has one designated entry and one designated exit vertex.
// Vertices receive a stable integer handle when they are inserted; every
// iteration order exposed by this package derives from those handles, so
// replaying the same construction sequence yields identical traversals.
package graph

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"
)

// Edge connects two vertices and carries a caller-defined kind.
// Edge identity is structural: two edges are equal iff source, target
// and kind coincide.
type Edge[N comparable, K comparable] struct {
	Src  N
	Dst  N
	Kind K
}

func (e Edge[N, K]) String() string {
	return fmt.Sprintf("%v -[%v]-> %v", e.Src, e.Kind, e.Dst)
}

// FlowGraph is a directed graph with dedicated entry and exit vertices.
// Parallel edges with distinct kinds may coexist between the same pair of
// vertices; a duplicate (src, dst, kind) triple is ignored.
type FlowGraph[N comparable, K comparable] struct {
	entry N
	exit  N

	handle map[N]int // insertion handle, drives iteration order
	seq    int

	out   map[N][]Edge[N, K]
	in    map[N][]Edge[N, K]
	edges map[Edge[N, K]]struct{}
}

// NewFlowGraph creates a flow graph containing only the given entry and
// exit vertices and no edges.
func NewFlowGraph[N comparable, K comparable](entry, exit N) *FlowGraph[N, K] {
	g := &FlowGraph[N, K]{
		entry:  entry,
		exit:   exit,
		handle: make(map[N]int),
		out:    make(map[N][]Edge[N, K]),
		in:     make(map[N][]Edge[N, K]),
		edges:  make(map[Edge[N, K]]struct{}),
	}
	g.AddVertex(entry)
	g.AddVertex(exit)
	return g
}

// Entry returns the dedicated entry vertex.
func (g *FlowGraph[N, K]) Entry() N { return g.entry }

// Exit returns the dedicated exit vertex.
func (g *FlowGraph[N, K]) Exit() N { return g.exit }

// AddVertex inserts a vertex. Re-adding a present vertex is a no-op.
func (g *FlowGraph[N, K]) AddVertex(n N) {
	if _, ok := g.handle[n]; ok {
		return
	}
	g.handle[n] = g.seq
	g.seq++
	g.out[n] = nil
	g.in[n] = nil
}

// ContainsVertex reports whether the vertex is part of the graph.
func (g *FlowGraph[N, K]) ContainsVertex(n N) bool {
	_, ok := g.handle[n]
	return ok
}

// RemoveVertex deletes a vertex together with all its incident edges.
func (g *FlowGraph[N, K]) RemoveVertex(n N) {
	if _, ok := g.handle[n]; !ok {
		return
	}
	for _, e := range g.out[n] {
		g.detach(e)
	}
	for _, e := range g.in[n] {
		g.detach(e)
	}
	delete(g.handle, n)
	delete(g.out, n)
	delete(g.in, n)
}

// RemoveVertices deletes every vertex in the given set.
func (g *FlowGraph[N, K]) RemoveVertices(set mapset.Set[N]) {
	for _, n := range g.Vertices() {
		if set.Contains(n) {
			g.RemoveVertex(n)
		}
	}
}

// AddEdge inserts an edge of the given kind. Both endpoints must already
// be vertices of the graph; a duplicate edge is ignored.
func (g *FlowGraph[N, K]) AddEdge(src, dst N, kind K) Edge[N, K] {
	e := Edge[N, K]{Src: src, Dst: dst, Kind: kind}
	if !g.ContainsVertex(src) || !g.ContainsVertex(dst) {
		panic(fmt.Sprintf("flow graph: edge endpoint not in graph: %v", e))
	}
	if _, dup := g.edges[e]; dup {
		return e
	}
	g.edges[e] = struct{}{}
	g.out[src] = append(g.out[src], e)
	g.in[dst] = append(g.in[dst], e)
	return e
}

// HasEdge reports whether the structurally equal edge is present.
func (g *FlowGraph[N, K]) HasEdge(e Edge[N, K]) bool {
	_, ok := g.edges[e]
	return ok
}

// RemoveEdge deletes the structurally equal edge, if present.
func (g *FlowGraph[N, K]) RemoveEdge(e Edge[N, K]) {
	if _, ok := g.edges[e]; !ok {
		return
	}
	g.detach(e)
}

// detach removes the edge from the edge set and from the adjacency lists
// of endpoints that are still part of the graph.
func (g *FlowGraph[N, K]) detach(e Edge[N, K]) {
	delete(g.edges, e)
	if _, ok := g.handle[e.Src]; ok {
		g.out[e.Src] = withoutEdge(g.out[e.Src], e)
	}
	if _, ok := g.handle[e.Dst]; ok {
		g.in[e.Dst] = withoutEdge(g.in[e.Dst], e)
	}
}

func withoutEdge[N comparable, K comparable](edges []Edge[N, K], e Edge[N, K]) []Edge[N, K] {
	for i := range edges {
		if edges[i] == e {
			return append(edges[:i:i], edges[i+1:]...)
		}
	}
	return edges
}

// OutEdgesOf returns a copy of the outgoing edges of n.
func (g *FlowGraph[N, K]) OutEdgesOf(n N) []Edge[N, K] {
	return slices.Clone(g.out[n])
}

// InEdgesOf returns a copy of the incoming edges of n.
func (g *FlowGraph[N, K]) InEdgesOf(n N) []Edge[N, K] {
	return slices.Clone(g.in[n])
}

// OutDegreeOf returns the number of outgoing edges of n.
func (g *FlowGraph[N, K]) OutDegreeOf(n N) int { return len(g.out[n]) }

// InDegreeOf returns the number of incoming edges of n.
func (g *FlowGraph[N, K]) InDegreeOf(n N) int { return len(g.in[n]) }

// Vertices returns all vertices in insertion-handle order.
func (g *FlowGraph[N, K]) Vertices() []N {
	vs := make([]N, 0, len(g.handle))
	for n := range g.handle {
		vs = append(vs, n)
	}
	slices.SortFunc(vs, func(a, b N) int { return g.handle[a] - g.handle[b] })
	return vs
}

// Edges returns all edges, ordered by source handle, then insertion order.
func (g *FlowGraph[N, K]) Edges() []Edge[N, K] {
	es := make([]Edge[N, K], 0, len(g.edges))
	for _, n := range g.Vertices() {
		es = append(es, g.out[n]...)
	}
	return es
}

// VertexCount returns the number of vertices.
func (g *FlowGraph[N, K]) VertexCount() int { return len(g.handle) }

// EdgeCount returns the number of edges.
func (g *FlowGraph[N, K]) EdgeCount() int { return len(g.edges) }

// CopySubgraph copies the vertices of the member set, and every edge
// connecting two members, into dst. Used to extract a loop body into an
// independent sub flow graph.
func (g *FlowGraph[N, K]) CopySubgraph(dst *FlowGraph[N, K], members mapset.Set[N]) {
	for _, n := range g.Vertices() {
		if members.Contains(n) {
			dst.AddVertex(n)
		}
	}
	for _, e := range g.Edges() {
		if members.Contains(e.Src) && members.Contains(e.Dst) {
			dst.AddEdge(e.Src, e.Dst, e.Kind)
		}
	}
}
