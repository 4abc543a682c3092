package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// The method file is a declarative YAML description of a program's
// methods, their basic blocks and flow facts. It substitutes for a real
// bytecode decoder in the CLI and in integration tests:
//
//	methods:
//	  - class: Main
//	    name: run
//	    descriptor: ()V
//	    blocks:
//	      - plain: 2
//	        terminal: branch
//	        targets: [{block: 2, kind: branch}]
//	      - terminal: invokevirtual
//	        invoke: Vec.add(I)V
//	      - terminal: return
//	        exit: true
//	implementations:
//	  Vec.add(I)V: [VecA.add(I)V, VecB.add(I)V]
//	library:
//	  ldiv: JVM.fLdiv(JJ)J

type programDoc struct {
	Methods         []methodDoc         `yaml:"methods"`
	Implementations map[string][]string `yaml:"implementations"`
	Library         map[string]string   `yaml:"library"`
}

type methodDoc struct {
	Class      string     `yaml:"class"`
	Name       string     `yaml:"name"`
	Descriptor string     `yaml:"descriptor"`
	Blocks     []blockDoc `yaml:"blocks"`
}

type blockDoc struct {
	Plain       int         `yaml:"plain"`    // plain instructions preceding the terminal
	Terminal    string      `yaml:"terminal"` // mnemonic of the terminal instruction
	Invoke      string      `yaml:"invoke"`   // referenced signature, invoke terminals only
	Exit        bool        `yaml:"exit"`
	AlwaysTaken bool        `yaml:"alwaysTaken"`
	Targets     []targetDoc `yaml:"targets"`
}

type targetDoc struct {
	Block int    `yaml:"block"`
	Kind  string `yaml:"kind"`
}

var mnemonicOps = map[string]Opcode{
	"goto":            OpGoto,
	"branch":          OpBranch,
	"select":          OpSelect,
	"jsr":             OpJsr,
	"return":          OpReturn,
	"athrow":          OpThrow,
	"invokevirtual":   OpInvokeVirtual,
	"invokeinterface": OpInvokeInterface,
	"invokestatic":    OpInvokeStatic,
	"invokespecial":   OpInvokeSpecial,
}

var jumpKinds = map[string]JumpKind{
	"goto":      JumpGoto,
	"select":    JumpSelect,
	"branch":    JumpBranch,
	"jsr":       JumpJsr,
	"low-level": JumpLowLevel,
}

// LoadFile reads a method file from disk.
func LoadFile(path string) (*AppInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load parses a method file and builds the program model it describes.
func Load(r io.Reader) (*AppInfo, error) {
	var doc programDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("method file: %w", err)
	}

	a := NewAppInfo()
	for i := range doc.Methods {
		m, err := buildMethod(&doc.Methods[i])
		if err != nil {
			return nil, err
		}
		a.AddMethod(m)
	}
	for refStr, implNames := range doc.Implementations {
		ref, err := ParseMethodRef(refStr)
		if err != nil {
			return nil, err
		}
		for _, name := range implNames {
			impl := a.Method(name)
			if impl == nil {
				return nil, fmt.Errorf("method file: implementation %q of %q not declared", name, refStr)
			}
			a.AddImplementation(ref, impl)
		}
	}
	for mnemonic, name := range doc.Library {
		impl := a.Method(name)
		if impl == nil {
			return nil, fmt.Errorf("method file: library implementation %q of %q not declared", name, mnemonic)
		}
		a.RegisterLibraryImpl(mnemonic, impl)
	}
	return a, nil
}

func buildMethod(doc *methodDoc) (*MethodInfo, error) {
	ref := MethodRef{ClassName: doc.Class, MethodName: doc.Name, Descriptor: doc.Descriptor}
	if doc.Class == "" || doc.Name == "" {
		return nil, fmt.Errorf("method file: method %q needs class and name", ref)
	}
	m := &MethodInfo{Ref: ref, Code: &Code{}}
	if len(doc.Blocks) == 0 {
		return nil, fmt.Errorf("method file: method %q has no blocks", ref)
	}

	// first pass: lay out instructions, record block start positions
	pos := 0
	starts := make([]int, len(doc.Blocks))
	for i := range doc.Blocks {
		bd := &doc.Blocks[i]
		starts[i] = pos
		bb := &BasicBlock{Index: i}
		for j := 0; j < bd.Plain; j++ {
			bb.Instructions = append(bb.Instructions, &Instruction{Op: OpPlain, Name: "plain", Pos: pos, Size: 1})
			pos++
		}
		term, err := terminalInstruction(ref, bd, pos)
		if err != nil {
			return nil, err
		}
		pos += term.Size
		bb.Instructions = append(bb.Instructions, term)
		bb.Flow = FlowInfo{Exit: bd.Exit, AlwaysTaken: bd.AlwaysTaken}
		m.Code.Blocks = append(m.Code.Blocks, bb)
	}

	// second pass: resolve jump targets to block start positions
	for i := range doc.Blocks {
		for _, td := range doc.Blocks[i].Targets {
			if td.Block < 0 || td.Block >= len(doc.Blocks) {
				return nil, fmt.Errorf("method file: %q block %d targets out-of-range block %d", ref, i, td.Block)
			}
			kind, ok := jumpKinds[td.Kind]
			if !ok {
				return nil, fmt.Errorf("method file: %q block %d has unknown jump kind %q", ref, i, td.Kind)
			}
			bb := m.Code.Blocks[i]
			bb.Flow.Targets = append(bb.Flow.Targets, FlowTarget{Pos: starts[td.Block], Kind: kind})
		}
	}
	return m, nil
}

func terminalInstruction(ref MethodRef, bd *blockDoc, pos int) (*Instruction, error) {
	mnemonic := bd.Terminal
	if mnemonic == "" {
		mnemonic = "plain"
	}
	op, known := mnemonicOps[mnemonic]
	if !known {
		op = OpPlain // library-implemented or plain instruction
	}
	ins := &Instruction{Op: op, Name: mnemonic, Pos: pos, Size: 1}
	if op.IsInvoke() {
		if bd.Invoke == "" {
			return nil, fmt.Errorf("method file: %q has %s terminal without invoke signature", ref, mnemonic)
		}
		invokeRef, err := ParseMethodRef(bd.Invoke)
		if err != nil {
			return nil, err
		}
		ins.Ref = invokeRef
		ins.Size = 3
	}
	return ins, nil
}

// ParseMethodRef parses a "Class.method(descriptor)" signature.
func ParseMethodRef(s string) (MethodRef, error) {
	paren := strings.Index(s, "(")
	if paren < 0 {
		return MethodRef{}, fmt.Errorf("method file: signature %q lacks a descriptor", s)
	}
	qualified, desc := s[:paren], s[paren:]
	dot := strings.LastIndex(qualified, ".")
	if dot <= 0 || dot == len(qualified)-1 {
		return MethodRef{}, fmt.Errorf("method file: signature %q lacks a class qualifier", s)
	}
	return MethodRef{
		ClassName:  qualified[:dot],
		MethodName: qualified[dot+1:],
		Descriptor: desc,
	}, nil
}
