package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Code: the unit of bytecode a Frame executes
// ---------------------------------------------------------------------------

// Code is an immutable code object produced by a compiler or an Assembler.
type Code struct {
	Name     string
	Bytecode []byte
	Consts   []Value  // constant pool
	Names    []string // global names referenced by LOAD_GLOBAL/STORE_GLOBAL

	NumArgs   int // leading local slots filled from call arguments
	NumLocals int // total local slots, arguments included

	// IsGenerator makes a call create a Generator instead of running.
	IsGenerator bool
}

func (c *Code) mark(m *Marker) {
	m.MarkAll(c.Consts)
}

// Disassemble renders the code object's bytecode.
func (c *Code) Disassemble() string {
	return fmt.Sprintf("code %s (args=%d locals=%d generator=%t)\n%s",
		c.Name, c.NumArgs, c.NumLocals, c.IsGenerator, Disassemble(c.Bytecode))
}

// ---------------------------------------------------------------------------
// Assembler: builds Code objects without a compiler front end
// ---------------------------------------------------------------------------

// Assembler accumulates instructions, constants, and names. Errors are
// sticky and reported by Build.
type Assembler struct {
	b      *BytecodeBuilder
	code   *Code
	names  map[string]int
	labels map[string]*Label
	err    error
}

// NewAssembler starts a code object with the given signature.
func NewAssembler(name string, numArgs, numLocals int) *Assembler {
	return &Assembler{
		b:      NewBytecodeBuilder(),
		code:   &Code{Name: name, NumArgs: numArgs, NumLocals: numLocals},
		names:  make(map[string]int),
		labels: make(map[string]*Label),
	}
}

// Generator marks the code object as a generator function body.
func (a *Assembler) Generator() *Assembler {
	a.code.IsGenerator = true
	return a
}

// Op emits an instruction without operands.
func (a *Assembler) Op(op Opcode) *Assembler {
	if op.Info().OperandBytes != 0 {
		a.fail("%s needs an operand", op)
		return a
	}
	a.b.Emit(op)
	return a
}

// Const adds v to the constant pool and emits LOAD_CONST.
func (a *Assembler) Const(v Value) *Assembler {
	if len(a.code.Consts) >= 1<<16 {
		a.fail("constant pool overflow")
		return a
	}
	a.code.Consts = append(a.code.Consts, v)
	a.b.EmitUint16(OpLoadConst, uint16(len(a.code.Consts)-1))
	return a
}

// Int emits LOAD_CONST for an int constant.
func (a *Assembler) Int(n int64) *Assembler {
	return a.Const(FromInt(n))
}

// Local emits LOAD_LOCAL or STORE_LOCAL.
func (a *Assembler) Local(op Opcode, slot int) *Assembler {
	if op != OpLoadLocal && op != OpStoreLocal {
		a.fail("Local: %s is not a local access", op)
		return a
	}
	if slot < 0 || slot >= a.code.NumLocals || slot > 0xFF {
		a.fail("Local: slot %d out of range (locals=%d)", slot, a.code.NumLocals)
		return a
	}
	a.b.EmitByte(op, byte(slot))
	return a
}

// Global emits LOAD_GLOBAL or STORE_GLOBAL for name.
func (a *Assembler) Global(op Opcode, name string) *Assembler {
	if op != OpLoadGlobal && op != OpStoreGlobal {
		a.fail("Global: %s is not a global access", op)
		return a
	}
	idx, ok := a.names[name]
	if !ok {
		idx = len(a.code.Names)
		a.code.Names = append(a.code.Names, name)
		a.names[name] = idx
	}
	a.b.EmitUint16(op, uint16(idx))
	return a
}

// Call emits CALL with argc arguments.
func (a *Assembler) Call(argc int) *Assembler {
	if argc < 0 || argc > 0xFF {
		a.fail("Call: bad argc %d", argc)
		return a
	}
	a.b.EmitByte(OpCall, byte(argc))
	return a
}

// BuildList emits BUILD_LIST of n items.
func (a *Assembler) BuildList(n int) *Assembler {
	if n < 0 || n > 0xFF {
		a.fail("BuildList: bad count %d", n)
		return a
	}
	a.b.EmitByte(OpBuildList, byte(n))
	return a
}

// Jump emits a jump-family instruction (JUMP, JUMP_IF_FALSE, FOR_ITER) to label.
func (a *Assembler) Jump(op Opcode, label string) *Assembler {
	if op != OpJump && op != OpJumpIfFalse && op != OpForIter {
		a.fail("Jump: %s does not take a label", op)
		return a
	}
	a.b.EmitJump(op, a.label(label))
	return a
}

// Label binds label to the current position.
func (a *Assembler) Label(label string) *Assembler {
	l := a.label(label)
	if l.resolved {
		a.fail("label %q bound twice", label)
		return a
	}
	a.b.Mark(l)
	return a
}

func (a *Assembler) label(name string) *Label {
	l, ok := a.labels[name]
	if !ok {
		l = a.b.NewLabel()
		a.labels[name] = l
	}
	return l
}

func (a *Assembler) fail(format string, args ...any) {
	if a.err == nil {
		a.err = fmt.Errorf("assemble %s: %s", a.code.Name, fmt.Sprintf(format, args...))
	}
}

// Build finishes the code object.
func (a *Assembler) Build() (*Code, error) {
	if a.err != nil {
		return nil, a.err
	}
	for name, l := range a.labels {
		if !l.resolved {
			return nil, fmt.Errorf("assemble %s: label %q never bound", a.code.Name, name)
		}
	}
	if a.code.NumArgs > a.code.NumLocals {
		return nil, fmt.Errorf("assemble %s: %d args exceed %d locals", a.code.Name, a.code.NumArgs, a.code.NumLocals)
	}
	a.code.Bytecode = a.b.Bytes()
	return a.code, nil
}

// MustBuild is Build for code known to be well formed.
func (a *Assembler) MustBuild() *Code {
	c, err := a.Build()
	if err != nil {
		panic(err)
	}
	return c
}
