// Package cfg builds and transforms the per-method control flow graph
// used for WCET analysis. A CFG is a flow graph over typed nodes (entry,
// exit, split, join, basic block, invoke, special invoke and summary)
// with edges classified by the branch instruction that induced them. The
// graph is built once from a method's decoded basic blocks, validated,
// and then rewritten in place by the transform passes; every pass leaves
// the graph a valid flow graph and invalidates the cached analyses.
package cfg

import (
	"fmt"

	"github.com/i-sz/jop/app"
	"github.com/i-sz/jop/graph"
)

// NodeKind is the closed set of CFG node kinds. Consumers switch
// exhaustively over it instead of double-dispatching.
type NodeKind uint8

const (
	KindEntry NodeKind = iota
	KindExit
	KindSplit
	KindJoin
	KindBasicBlock
	KindInvoke
	KindSpecialInvoke
	KindSummary
)

func (k NodeKind) String() string {
	switch k {
	case KindEntry:
		return "ENTRY"
	case KindExit:
		return "EXIT"
	case KindSplit:
		return "SPLIT"
	case KindJoin:
		return "JOIN"
	case KindBasicBlock:
		return "BASIC"
	case KindInvoke:
		return "INVOKE"
	case KindSpecialInvoke:
		return "SPECIAL_INVOKE"
	case KindSummary:
		return "SUMMARY"
	}
	return fmt.Sprintf("NodeKind(%d)", uint8(k))
}

// EdgeKind classifies CFG edges by the control transfer they model.
type EdgeKind uint8

const (
	EntryEdge EdgeKind = iota
	ExitEdge
	NextEdge // fallthrough to the lexically next block
	GotoEdge
	SelectEdge
	BranchEdge
	JsrEdge
	DispatchEdge // split -> implementation, virtual dispatch
	InvokeEdge
	ReturnEdge
	FlowEdge // generic flow, used by the rewrite passes
	LowLevelEdge
)

func (k EdgeKind) String() string {
	switch k {
	case EntryEdge:
		return "entry"
	case ExitEdge:
		return "exit"
	case NextEdge:
		return "next"
	case GotoEdge:
		return "goto"
	case SelectEdge:
		return "select"
	case BranchEdge:
		return "branch"
	case JsrEdge:
		return "jsr"
	case DispatchEdge:
		return "dispatch"
	case InvokeEdge:
		return "invoke"
	case ReturnEdge:
		return "return"
	case FlowEdge:
		return "flow"
	case LowLevelEdge:
		return "low-level"
	}
	return fmt.Sprintf("EdgeKind(%d)", uint8(k))
}

// Edge is a CFG edge. Identity is structural: kind plus endpoints.
type Edge = graph.Edge[Node, EdgeKind]

// Node is a vertex of a control flow graph. IDs are reassigned in
// topological order after every successful analysis pass, dead nodes
// numbered last; use them for stable, replayable orderings.
type Node interface {
	ID() int
	Name() string
	Kind() NodeKind
	// Block returns the basic block backing this node, or nil for
	// dedicated and summary nodes.
	Block() *app.BasicBlock

	setID(id int)
}

type nodeBase struct {
	id   int
	name string
}

func (n *nodeBase) ID() int       { return n.id }
func (n *nodeBase) setID(id int)  { n.id = id }
func (n *nodeBase) Name() string  { return n.name }
func (n *nodeBase) String() string {
	return fmt.Sprintf("#%d %s", n.id, n.name)
}

// DedicatedNode is an entry, exit, split or join node. It is not backed
// by a basic block.
type DedicatedNode struct {
	nodeBase
	kind NodeKind
}

func (n *DedicatedNode) Kind() NodeKind         { return n.kind }
func (n *DedicatedNode) Block() *app.BasicBlock { return nil }

// BasicBlockNode is a node backed by one of the method's basic blocks.
// The node refers to the block by index; the block data stays with the
// owning CFG.
type BasicBlockNode struct {
	nodeBase
	owner      *CFG
	blockIndex int
}

func (n *BasicBlockNode) Kind() NodeKind         { return KindBasicBlock }
func (n *BasicBlockNode) Block() *app.BasicBlock { return n.owner.blocks[n.blockIndex] }

// BlockIndex returns the index of the backing block in the method's
// ordered block list.
func (n *BasicBlockNode) BlockIndex() int { return n.blockIndex }

// InvokeNode is a basic block node whose block ends in exactly one call
// instruction. While receiverImpl is nil the call site is virtual: the
// set of concrete implementations has to be resolved against the
// whole-program model before WCET analysis can recurse into callees.
type InvokeNode struct {
	BasicBlockNode
	instr            *app.Instruction
	referenced       app.MethodRef
	receiverImpl     *app.MethodInfo
	instantiatedFrom *InvokeNode
}

func (n *InvokeNode) Kind() NodeKind { return KindInvoke }

// Instruction returns the call instruction of the invoke block.
func (n *InvokeNode) Instruction() *app.Instruction { return n.instr }

// Referenced returns the statically referenced method signature.
func (n *InvokeNode) Referenced() app.MethodRef { return n.referenced }

// IsVirtual reports whether the call site still denotes an interface or
// virtual method rather than a concrete implementation.
func (n *InvokeNode) IsVirtual() bool { return n.receiverImpl == nil }

// ImplementedMethod returns the resolved implementation for non-virtual
// call sites, or nil while the site is virtual.
func (n *InvokeNode) ImplementedMethod() *app.MethodInfo { return n.receiverImpl }

// VirtualNode returns the virtual invoke node this node was instantiated
// from during resolution, or the node itself if it never was virtual.
func (n *InvokeNode) VirtualNode() *InvokeNode {
	if n.instantiatedFrom != nil {
		return n.instantiatedFrom
	}
	return n
}

// ImplementedMethods returns all implementations the call site may
// dispatch to in the given calling context.
func (n *InvokeNode) ImplementedMethods(ctx app.CallString) []*app.MethodInfo {
	if !n.IsVirtual() {
		return []*app.MethodInfo{n.receiverImpl}
	}
	c := n.owner
	return c.app.Implementations(c.method, n.instr, ctx)
}

// CreateImplNode instantiates a non-virtual invoke node bound to the
// given implementation, remembering the virtual node it replaces.
func (n *InvokeNode) CreateImplNode(impl *app.MethodInfo, virtual *InvokeNode) Node {
	return &InvokeNode{
		BasicBlockNode: BasicBlockNode{
			nodeBase:   nodeBase{id: n.owner.nextID(), name: "invoke(" + impl.FQName() + ")"},
			owner:      n.owner,
			blockIndex: n.blockIndex,
		},
		instr:            n.instr,
		referenced:       n.referenced,
		receiverImpl:     impl,
		instantiatedFrom: virtual,
	}
}

// SpecialInvokeNode stands in for an instruction implemented as a library
// method body. Its implementation is fixed at construction; virtual
// resolution never touches it.
type SpecialInvokeNode struct {
	InvokeNode
}

func (n *SpecialInvokeNode) Kind() NodeKind { return KindSpecialInvoke }

// CreateImplNode is the identity for special invokes: there is no dynamic
// dispatch to resolve.
func (n *SpecialInvokeNode) CreateImplNode(impl *app.MethodInfo, virtual *InvokeNode) Node {
	return n
}

// SummaryNode replaces a collapsed loop body. It owns an independent
// nested CFG with its own entry and exit, satisfying the flow graph
// invariant on its own.
type SummaryNode struct {
	nodeBase
	sub *CFG
}

func (n *SummaryNode) Kind() NodeKind         { return KindSummary }
func (n *SummaryNode) Block() *app.BasicBlock { return nil }

// SubCFG returns the nested graph standing in for the loop body.
func (n *SummaryNode) SubCFG() *CFG { return n.sub }
