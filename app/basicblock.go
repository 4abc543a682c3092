package app

// JumpKind classifies a jump target at the bytecode level. The CFG
// builder maps it onto the corresponding graph edge kind.
type JumpKind uint8

const (
	JumpGoto JumpKind = iota
	JumpSelect
	JumpBranch
	JumpJsr
	JumpLowLevel
)

func (k JumpKind) String() string {
	switch k {
	case JumpGoto:
		return "goto"
	case JumpSelect:
		return "select"
	case JumpBranch:
		return "branch"
	case JumpJsr:
		return "jsr"
	case JumpLowLevel:
		return "low-level"
	}
	return "unknown"
}

// FlowTarget is one jump target of a block's terminal instruction.
type FlowTarget struct {
	Pos  int // position of the target instruction, always a block start
	Kind JumpKind
}

// FlowInfo describes the control flow behavior of a block's terminal
// instruction, as classified by the external decoder.
type FlowInfo struct {
	Exit        bool // terminates the method
	AlwaysTaken bool // no fallthrough to the lexically next block
	Targets     []FlowTarget
}

// BasicBlock is a maximal straight-line instruction sequence produced by
// the external decomposition. Control enters at the first instruction and
// leaves via the last.
type BasicBlock struct {
	Index        int
	Instructions []*Instruction
	Flow         FlowInfo
}

// First returns the first instruction of the block.
func (b *BasicBlock) First() *Instruction { return b.Instructions[0] }

// Last returns the terminal instruction of the block.
func (b *BasicBlock) Last() *Instruction { return b.Instructions[len(b.Instructions)-1] }

// TheInvoke returns the one invoke instruction of this block, if any.
// A block containing an invoke always ends with it.
func (b *BasicBlock) TheInvoke() *Instruction {
	if last := b.Last(); last.Op.IsInvoke() {
		return last
	}
	return nil
}

// ByteSize returns the length of the block in bytes.
func (b *BasicBlock) ByteSize() int {
	n := 0
	for _, ins := range b.Instructions {
		n += ins.Size
	}
	return n
}
