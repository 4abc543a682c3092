package cfg

import (
	"fmt"
	"io"
	"strings"
)

// NodeLabeler customizes the DOT label of a node, for instance to attach
// analysis results. Returning ok == false falls back to the default label.
type NodeLabeler func(n Node) (label string, ok bool)

// EdgeLabeler customizes the DOT label of an edge.
type EdgeLabeler func(e Edge) (label string, ok bool)

// ExportDOT writes the graph in Graphviz DOT syntax. Summary nodes are
// rendered as a single box; their nested graphs can be exported
// separately via SubCFG.
func (c *CFG) ExportDOT(w io.Writer, nodeLabel NodeLabeler, edgeLabel EdgeLabeler) error {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", c.method.FQName())
	b.WriteString("  node [fontname=\"Courier\"];\n")

	for _, n := range c.g.Vertices() {
		label := defaultNodeLabel(n)
		if nodeLabel != nil {
			if s, ok := nodeLabel(n); ok {
				label = s
			}
		}
		fmt.Fprintf(&b, "  n%d [label=%q, shape=%s];\n", n.ID(), label, nodeShape(n))
	}
	for _, e := range c.g.Edges() {
		label := e.Kind.String()
		if edgeLabel != nil {
			if s, ok := edgeLabel(e); ok {
				label = s
			}
		}
		fmt.Fprintf(&b, "  n%d -> n%d [label=%q];\n", e.Src.ID(), e.Dst.ID(), label)
	}
	b.WriteString("}\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func defaultNodeLabel(n Node) string {
	if bb := n.Block(); bb != nil {
		var lines []string
		lines = append(lines, fmt.Sprintf("#%d %s", n.ID(), n.Name()))
		for _, ins := range bb.Instructions {
			lines = append(lines, ins.String())
		}
		return strings.Join(lines, "\\l") + "\\l"
	}
	return fmt.Sprintf("#%d %s", n.ID(), n.Name())
}

func nodeShape(n Node) string {
	switch n.Kind() {
	case KindEntry, KindExit:
		return "doublecircle"
	case KindSplit, KindJoin:
		return "diamond"
	case KindSummary:
		return "box3d"
	default:
		return "box"
	}
}
