package vm

import (
	"strings"
	"testing"
)

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op       Opcode
		name     string
		operands int
	}{
		{OpNOP, "NOP", 0},
		{OpLoadConst, "LOAD_CONST", 2},
		{OpLoadLocal, "LOAD_LOCAL", 1},
		{OpCall, "CALL", 1},
		{OpForIter, "FOR_ITER", 2},
		{OpYield, "YIELD", 0},
	}
	for _, tt := range tests {
		info := tt.op.Info()
		if info.Name != tt.name || info.OperandBytes != tt.operands {
			t.Errorf("%02X: got (%s, %d), want (%s, %d)", byte(tt.op), info.Name, info.OperandBytes, tt.name, tt.operands)
		}
	}
	if name := Opcode(0xEE).Name(); name != "UNKNOWN_EE" {
		t.Errorf("unknown opcode name = %s", name)
	}
}

func TestLabelsPatchForwardAndBackward(t *testing.T) {
	b := NewBytecodeBuilder()
	top := b.NewLabel()
	end := b.NewLabel()

	b.Mark(top)                    // 0
	b.EmitJump(OpJumpIfFalse, end) // 0..2
	b.EmitJump(OpJump, top)        // 3..5
	b.Mark(end)                    // 6
	b.Emit(OpReturn)

	r := NewBytecodeReader(b.Bytes())
	r.ReadOpcode()
	if off := r.ReadInt16(); r.Position()+int(off) != 6 {
		t.Errorf("forward jump lands at %d, want 6", r.Position()+int(off))
	}
	r.ReadOpcode()
	if off := r.ReadInt16(); r.Position()+int(off) != 0 {
		t.Errorf("backward jump lands at %d, want 0", r.Position()+int(off))
	}
}

func TestDisassemble(t *testing.T) {
	code := NewAssembler("demo", 1, 1).
		Local(OpLoadLocal, 0).Int(1).Op(OpAdd).Op(OpReturn).
		MustBuild()
	got := code.Disassemble()
	for _, want := range []string{"code demo", "0000  LOAD_LOCAL 0", "0002  LOAD_CONST 0", "0005  ADD", "0006  RETURN"} {
		if !strings.Contains(got, want) {
			t.Errorf("disassembly missing %q:\n%s", want, got)
		}
	}
}
