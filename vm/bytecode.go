package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Constants
const (
	OpLoadConst Opcode = 0x10 // push constant (16-bit index)
	OpLoadNone  Opcode = 0x11 // push None
	OpLoadTrue  Opcode = 0x12 // push True
	OpLoadFalse Opcode = 0x13 // push False
)

// Variables
const (
	OpLoadLocal   Opcode = 0x20 // push local slot (8-bit index)
	OpStoreLocal  Opcode = 0x21 // pop into local slot (8-bit index)
	OpLoadGlobal  Opcode = 0x22 // push global (16-bit name index)
	OpStoreGlobal Opcode = 0x23 // pop into global (16-bit name index)
)

// Operators
const (
	OpAdd Opcode = 0x30 // pops 2, pushes a+b
	OpSub Opcode = 0x31 // pops 2, pushes a-b
	OpMul Opcode = 0x32 // pops 2, pushes a*b
	OpLT  Opcode = 0x33 // pops 2, pushes a<b
	OpEQ  Opcode = 0x34 // pops 2, pushes a==b
	OpNE  Opcode = 0x35 // pops 2, pushes a!=b
)

// Control Flow
const (
	OpJump        Opcode = 0x40 // unconditional jump (16-bit relative offset)
	OpJumpIfFalse Opcode = 0x41 // pop, jump if falsy (16-bit relative offset)
)

// Calls and Returns
const (
	OpCall   Opcode = 0x50 // call callee below argc args (8-bit argc)
	OpReturn Opcode = 0x51 // return top of stack
	OpYield  Opcode = 0x52 // suspend, handing top of stack to next(); pushes nothing on resume
	OpRaise  Opcode = 0x53 // pop and raise as an uncaught script error
)

// Iteration and Construction
const (
	OpGetIter   Opcode = 0x60 // replace top of stack with its iterator
	OpForIter   Opcode = 0x61 // push next item, or pop iterator and jump (16-bit relative offset)
	OpBuildList Opcode = 0x62 // pop N items into a new list (8-bit count)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on stack (-1 = variable)
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0, 0},
	OpPOP: {"POP", 0, -1},
	OpDUP: {"DUP", 0, 1},

	OpLoadConst: {"LOAD_CONST", 2, 1},
	OpLoadNone:  {"LOAD_NONE", 0, 1},
	OpLoadTrue:  {"LOAD_TRUE", 0, 1},
	OpLoadFalse: {"LOAD_FALSE", 0, 1},

	OpLoadLocal:   {"LOAD_LOCAL", 1, 1},
	OpStoreLocal:  {"STORE_LOCAL", 1, -1},
	OpLoadGlobal:  {"LOAD_GLOBAL", 2, 1},
	OpStoreGlobal: {"STORE_GLOBAL", 2, -1},

	OpAdd: {"ADD", 0, -1},
	OpSub: {"SUB", 0, -1},
	OpMul: {"MUL", 0, -1},
	OpLT:  {"LT", 0, -1},
	OpEQ:  {"EQ", 0, -1},
	OpNE:  {"NE", 0, -1},

	OpJump:        {"JUMP", 2, 0},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 2, -1},

	OpCall:   {"CALL", 1, -1}, // variable: pops callee + args, pushes result
	OpReturn: {"RETURN", 0, -1},
	OpYield:  {"YIELD", 0, -1},
	OpRaise:  {"RAISE", 0, -1},

	OpGetIter:   {"GET_ITER", 0, 0},
	OpForIter:   {"FOR_ITER", 2, -1}, // variable: +1 per item, -1 at end
	OpBuildList: {"BUILD_LIST", 1, -1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), OperandBytes: 0, StackEffect: 0}
}

// Name returns the opcode name.
func (op Opcode) Name() string {
	return op.Info().Name
}

func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target that may not be known yet.
type Label struct {
	resolved bool
	position int   // target (if resolved)
	refs     []int // operand positions that reference this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump-family instruction targeting label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader over bc.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current offset.
func (r *BytecodeReader) Position() int { return r.pos }

// HasMore reports whether unread bytes remain.
func (r *BytecodeReader) HasMore() bool { return r.pos < len(r.bytes) }

// ReadOpcode reads one opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadByte reads a single operand byte.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		return 0
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadUint16 reads a little-endian 16-bit operand.
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		r.pos = len(r.bytes)
		return 0
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a little-endian signed 16-bit operand.
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// Skip advances past n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at the reader's position.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpLoadLocal, OpStoreLocal, OpCall, OpBuildList:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())

	case OpLoadConst, OpLoadGlobal, OpStoreGlobal:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadUint16())

	case OpJump, OpJumpIfFalse, OpForIter:
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, target)

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var lines []string
	for r.HasMore() {
		lines = append(lines, DisassembleInstruction(r))
	}
	return strings.Join(lines, "\n")
}
