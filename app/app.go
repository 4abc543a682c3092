// Package app models the slice of a whole program the CFG core consumes:
// methods with externally decoded basic blocks and flow facts, the
// receiver hierarchy used to resolve virtual call sites, and instructions
// whose implementation is a library method body rather than native
// control flow.
//
// Decoding bytecode into instructions and grouping them into basic blocks
// happens outside this module; the loader in this package builds the same
// shapes from a declarative method file instead.
package app

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Opcode is the coarse instruction classification the CFG core needs.
// Operand decoding and value semantics stay with the external decoder.
type Opcode uint8

const (
	OpPlain Opcode = iota // any instruction without control flow relevance
	OpGoto
	OpBranch // conditional branch
	OpSelect // multi-way select (tableswitch/lookupswitch)
	OpJsr
	OpReturn
	OpThrow
	OpInvokeVirtual
	OpInvokeInterface
	OpInvokeStatic
	OpInvokeSpecial
)

var opcodeNames = map[Opcode]string{
	OpPlain:           "plain",
	OpGoto:            "goto",
	OpBranch:          "branch",
	OpSelect:          "select",
	OpJsr:             "jsr",
	OpReturn:          "return",
	OpThrow:           "athrow",
	OpInvokeVirtual:   "invokevirtual",
	OpInvokeInterface: "invokeinterface",
	OpInvokeStatic:    "invokestatic",
	OpInvokeSpecial:   "invokespecial",
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("opcode(%d)", uint8(op))
}

// IsInvoke reports whether the opcode is a call instruction.
func (op Opcode) IsInvoke() bool {
	switch op {
	case OpInvokeVirtual, OpInvokeInterface, OpInvokeStatic, OpInvokeSpecial:
		return true
	}
	return false
}

// IsVirtualInvoke reports whether the call target depends on the receiver
// type and must be resolved against the whole-program model.
func (op Opcode) IsVirtualInvoke() bool {
	return op == OpInvokeVirtual || op == OpInvokeInterface
}

// Instruction is a single decoded bytecode instruction. Name is the
// decoder's mnemonic; it distinguishes instructions the coarse Opcode
// classification folds together, e.g. the arithmetic instructions a
// processor model implements as library method bodies.
type Instruction struct {
	Op   Opcode
	Name string
	Pos  int // bytecode position
	Size int // length in bytes
	Ref  MethodRef // referenced method signature, invokes only
}

func (i *Instruction) String() string {
	if i.Name != "" {
		return fmt.Sprintf("%s@%d", i.Name, i.Pos)
	}
	return fmt.Sprintf("%s@%d", i.Op, i.Pos)
}

// MethodRef is a statically referenced method signature.
type MethodRef struct {
	ClassName  string
	MethodName string
	Descriptor string
}

func (r MethodRef) String() string {
	return r.ClassName + "." + r.MethodName + r.Descriptor
}

// IsZero reports whether the reference is unset.
func (r MethodRef) IsZero() bool { return r == MethodRef{} }

// CallString is the calling context of a call site, outermost first.
type CallString []MethodRef

// EmptyCallString is the context-insensitive calling context.
var EmptyCallString CallString

// MethodInfo is a method of the analyzed program with attached code.
type MethodInfo struct {
	Ref  MethodRef
	Code *Code
}

// FQName returns the fully qualified method name.
func (m *MethodInfo) FQName() string { return m.Ref.String() }

func (m *MethodInfo) String() string { return m.FQName() }

// Code is the decoded body of a method: its ordered basic block list.
type Code struct {
	Blocks []*BasicBlock
}

// AppInfo is the whole-program model: all loaded methods, the concrete
// implementations reachable from each referenced signature, and the
// instructions implemented as library method bodies.
type AppInfo struct {
	methods      map[string]*MethodInfo
	impls        map[string][]*MethodInfo
	libraryImpls map[string]*MethodInfo // keyed by instruction mnemonic
}

// NewAppInfo creates an empty program model.
func NewAppInfo() *AppInfo {
	return &AppInfo{
		methods:      make(map[string]*MethodInfo),
		impls:        make(map[string][]*MethodInfo),
		libraryImpls: make(map[string]*MethodInfo),
	}
}

// AddMethod registers a loaded method.
func (a *AppInfo) AddMethod(m *MethodInfo) {
	a.methods[m.FQName()] = m
}

// Method looks up a loaded method by fully qualified name.
func (a *AppInfo) Method(fqName string) *MethodInfo {
	return a.methods[fqName]
}

// Methods returns all loaded methods, sorted by name.
func (a *AppInfo) Methods() []*MethodInfo {
	ms := make([]*MethodInfo, 0, len(a.methods))
	for _, m := range a.methods {
		ms = append(ms, m)
	}
	slices.SortFunc(ms, func(x, y *MethodInfo) int {
		if x.FQName() < y.FQName() {
			return -1
		}
		if x.FQName() > y.FQName() {
			return 1
		}
		return 0
	})
	return ms
}

// AddImplementation registers a concrete implementation reachable from
// call sites referencing ref.
func (a *AppInfo) AddImplementation(ref MethodRef, impl *MethodInfo) {
	a.impls[ref.String()] = append(a.impls[ref.String()], impl)
}

// RegisterLibraryImpl declares that instructions with the given mnemonic
// are implemented as a library method body.
func (a *AppInfo) RegisterLibraryImpl(mnemonic string, impl *MethodInfo) {
	a.libraryImpls[mnemonic] = impl
}

// Referenced returns the method signature statically referenced by a call
// instruction of the given method.
func (a *AppInfo) Referenced(caller *MethodInfo, ins *Instruction) MethodRef {
	return ins.Ref
}

// StaticImplementation resolves a non-virtual reference to its single
// implementation, or nil if the method is not loaded.
func (a *AppInfo) StaticImplementation(ref MethodRef) *MethodInfo {
	return a.methods[ref.String()]
}

// Implementations returns the concrete implementations reachable from the
// given call site in the caller's context. An empty result for a virtual
// site is a modeling error the caller must treat as fatal.
func (a *AppInfo) Implementations(caller *MethodInfo, site *Instruction, ctx CallString) []*MethodInfo {
	return slices.Clone(a.impls[site.Ref.String()])
}

// IsLibraryImplemented reports whether the instruction is implemented as
// a library method body.
func (a *AppInfo) IsLibraryImplemented(ins *Instruction) bool {
	_, ok := a.libraryImpls[ins.Name]
	return ok
}

// LibraryImplementation returns the library method implementing the
// instruction.
func (a *AppInfo) LibraryImplementation(m *MethodInfo, ins *Instruction) *MethodInfo {
	return a.libraryImpls[ins.Name]
}
