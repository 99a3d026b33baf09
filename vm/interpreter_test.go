package vm

import (
	"errors"
	"testing"
)

func run(t *testing.T, vm *VM, a *Assembler) Value {
	t.Helper()
	code, err := a.Build()
	if err != nil {
		t.Fatal(err)
	}
	v, err := vm.Exec(code, nil)
	if err != nil {
		t.Fatalf("exec %s: %v", code.Name, err)
	}
	return v
}

func TestArithmetic(t *testing.T) {
	vm := NewVM()
	tests := []struct {
		name string
		asm  *Assembler
		want Value
	}{
		{"add ints", NewAssembler("t", 0, 0).Int(2).Int(3).Op(OpAdd).Op(OpReturn), FromInt(5)},
		{"sub ints", NewAssembler("t", 0, 0).Int(2).Int(3).Op(OpSub).Op(OpReturn), FromInt(-1)},
		{"mul ints", NewAssembler("t", 0, 0).Int(6).Int(7).Op(OpMul).Op(OpReturn), FromInt(42)},
		{"mixed add", NewAssembler("t", 0, 0).Int(1).Const(FromFloat(0.5)).Op(OpAdd).Op(OpReturn), FromFloat(1.5)},
		{"lt", NewAssembler("t", 0, 0).Int(1).Int(2).Op(OpLT).Op(OpReturn), True},
		{"eq across kinds", NewAssembler("t", 0, 0).Int(1).Const(FromFloat(1)).Op(OpEQ).Op(OpReturn), True},
		{"ne", NewAssembler("t", 0, 0).Int(1).Int(1).Op(OpNE).Op(OpReturn), False},
		{"implicit return", NewAssembler("t", 0, 0).Op(OpNOP), None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(t, vm, tt.asm); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExecCollectsWhileRunning(t *testing.T) {
	vm := NewVM(WithMaxCells(1000), WithGCThreshold(100))
	keep := vm.NewList(vm.NewStr("kept"))
	vm.Main.Set("keep", keep)

	// n = 0; for i in range(10000): [i]; n = n + 1
	v := run(t, vm, NewAssembler("churn", 0, 2).
		Int(0).Local(OpStoreLocal, 0).
		Global(OpLoadGlobal, "range").Int(10000).Call(1).Op(OpGetIter).
		Label("loop").
		Jump(OpForIter, "end").
		Local(OpStoreLocal, 1).
		Local(OpLoadLocal, 1).BuildList(1).Op(OpPOP).
		Local(OpLoadLocal, 0).Int(1).Op(OpAdd).Local(OpStoreLocal, 0).
		Jump(OpJump, "loop").
		Label("end").
		Local(OpLoadLocal, 0).Op(OpReturn))

	if !v.IsInt() || v.Int() != 10000 {
		t.Fatalf("n = %s, want 10000", v)
	}
	if vm.Heap.Collections() == 0 {
		t.Error("no collection ran during execution")
	}
	items, err := vm.ListItems(keep)
	if err != nil || len(items) != 1 {
		t.Fatalf("rooted list damaged: %v, %v", items, err)
	}
	if s, _ := vm.StrValue(items[0]); s != "kept" {
		t.Errorf("rooted item = %q, want kept", s)
	}
}

func TestYieldedValuesSurviveCollection(t *testing.T) {
	vm := NewVM(WithMaxCells(1000), WithGCThreshold(100))

	// def boxes(n): i = 0; while i < n: yield [i]; i = i + 1
	boxes := NewAssembler("boxes", 1, 2).Generator().
		Int(0).Local(OpStoreLocal, 1).
		Label("loop").
		Local(OpLoadLocal, 1).Local(OpLoadLocal, 0).Op(OpLT).Jump(OpJumpIfFalse, "end").
		Local(OpLoadLocal, 1).BuildList(1).Op(OpYield).
		Local(OpLoadLocal, 1).Int(1).Op(OpAdd).Local(OpStoreLocal, 1).
		Jump(OpJump, "loop").
		Label("end").
		Op(OpLoadNone).Op(OpReturn).
		MustBuild()
	vm.Main.Set("boxes", vm.NewFunction(boxes, nil))

	// total = 0; for b in boxes(5000): total = total + len(b)
	v := run(t, vm, NewAssembler("main", 0, 2).
		Int(0).Local(OpStoreLocal, 0).
		Global(OpLoadGlobal, "boxes").Int(5000).Call(1).Op(OpGetIter).
		Label("loop").
		Jump(OpForIter, "end").
		Local(OpStoreLocal, 1).
		Global(OpLoadGlobal, "len").Local(OpLoadLocal, 1).Call(1).
		Local(OpLoadLocal, 0).Op(OpAdd).Local(OpStoreLocal, 0).
		Jump(OpJump, "loop").
		Label("end").
		Local(OpLoadLocal, 0).Op(OpReturn))

	if !v.IsInt() || v.Int() != 5000 {
		t.Fatalf("total = %s, want 5000", v)
	}
	if vm.Heap.Collections() == 0 {
		t.Error("no collection ran during execution")
	}
}

func TestStringConcat(t *testing.T) {
	vm := NewVM()
	v := run(t, vm, NewAssembler("concat", 0, 0).
		Const(vm.NewStr("sk")).Const(vm.NewStr("iff")).Op(OpAdd).Op(OpReturn))
	s, err := vm.StrValue(v)
	if err != nil {
		t.Fatal(err)
	}
	if s != "skiff" {
		t.Errorf("got %q, want skiff", s)
	}
}

func TestBinaryOpTypeError(t *testing.T) {
	vm := NewVM()
	code := NewAssembler("bad", 0, 0).Int(1).Const(vm.NewStr("x")).Op(OpAdd).MustBuild()
	_, err := vm.Exec(code, nil)
	var te *TypeError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TypeError", err)
	}
	if te.Op != "+" {
		t.Errorf("op = %q, want +", te.Op)
	}
}

func TestGlobalsAndCalls(t *testing.T) {
	vm := NewVM()
	double := NewAssembler("double", 1, 1).
		Local(OpLoadLocal, 0).Local(OpLoadLocal, 0).Op(OpAdd).Op(OpReturn).
		MustBuild()
	vm.Main.Set("double", vm.NewFunction(double, nil))

	v := run(t, vm, NewAssembler("main", 0, 0).
		Global(OpLoadGlobal, "double").Int(21).Call(1).
		Global(OpStoreGlobal, "answer").
		Global(OpLoadGlobal, "answer").Op(OpReturn))
	if v != FromInt(42) {
		t.Errorf("got %s, want 42", v)
	}
	if got, _ := vm.Main.Get("answer"); got != FromInt(42) {
		t.Errorf("global answer = %s, want 42", got)
	}
}

func TestUndefinedGlobal(t *testing.T) {
	vm := NewVM()
	code := NewAssembler("main", 0, 0).Global(OpLoadGlobal, "nope").MustBuild()
	_, err := vm.Exec(code, nil)
	var le *LookupError
	if !errors.As(err, &le) || le.Name != "nope" {
		t.Fatalf("err = %v, want LookupError for nope", err)
	}
}

func TestCallArityAndTypeErrors(t *testing.T) {
	vm := NewVM()
	one := NewAssembler("one", 1, 1).Local(OpLoadLocal, 0).Op(OpReturn).MustBuild()
	fn := vm.NewFunction(one, nil)

	var ae *ArityError
	if _, err := vm.Call(fn); !errors.As(err, &ae) || ae.Expected != 1 || ae.Got != 0 {
		t.Errorf("err = %v, want arity error 1/0", err)
	}
	var te *TypeError
	if _, err := vm.Call(FromInt(3)); !errors.As(err, &te) {
		t.Errorf("calling an int: err = %v, want *TypeError", err)
	}
}

func TestRecursionLimit(t *testing.T) {
	vm := NewVM(WithMaxDepth(16))
	rec := NewAssembler("rec", 0, 0).Global(OpLoadGlobal, "rec").Call(0).Op(OpReturn).MustBuild()
	vm.Main.Set("rec", vm.NewFunction(rec, nil))

	_, err := vm.Call(mustGlobal(t, vm, "rec"))
	var re *RecursionError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RecursionError", err)
	}
	if re.Depth != 16 {
		t.Errorf("depth = %d, want 16", re.Depth)
	}
	if vm.Interpreter().Depth() != 0 {
		t.Errorf("call stack not unwound: depth %d", vm.Interpreter().Depth())
	}
}

func TestRaiseTraceback(t *testing.T) {
	vm := NewVM()
	inner := NewAssembler("inner", 0, 0).Const(vm.NewStr("bad thing")).Op(OpRaise).MustBuild()
	outer := NewAssembler("outer", 0, 0).Global(OpLoadGlobal, "inner").Call(0).Op(OpReturn).MustBuild()
	vm.Main.Set("inner", vm.NewFunction(inner, nil))
	vm.Main.Set("outer", vm.NewFunction(outer, nil))

	_, err := vm.Call(mustGlobal(t, vm, "outer"))
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ScriptError", err)
	}
	if len(se.Traceback) != 2 || se.Traceback[0] != "inner" || se.Traceback[1] != "outer" {
		t.Errorf("traceback = %v, want [inner outer]", se.Traceback)
	}
	if se.Error() != "bad thing (in inner <- outer)" {
		t.Errorf("Error() = %q", se.Error())
	}
}

func TestForOverRangeAndList(t *testing.T) {
	vm := NewVM()
	// total = 0; for x in range(10, 0, -3): total = total + x
	v := run(t, vm, NewAssembler("main", 0, 1).
		Int(0).Local(OpStoreLocal, 0).
		Global(OpLoadGlobal, "range").Int(10).Int(0).Int(-3).Call(3).Op(OpGetIter).
		Label("loop").Jump(OpForIter, "end").
		Local(OpLoadLocal, 0).Op(OpAdd).Local(OpStoreLocal, 0).
		Jump(OpJump, "loop").
		Label("end").Local(OpLoadLocal, 0).Op(OpReturn))
	if v != FromInt(10+7+4+1) {
		t.Errorf("range sum = %s, want 22", v)
	}

	v = run(t, vm, NewAssembler("main", 0, 1).
		Int(0).Local(OpStoreLocal, 0).
		Int(5).Int(6).Int(7).BuildList(3).Op(OpGetIter).
		Label("loop").Jump(OpForIter, "end").
		Local(OpLoadLocal, 0).Op(OpAdd).Local(OpStoreLocal, 0).
		Jump(OpJump, "loop").
		Label("end").Local(OpLoadLocal, 0).Op(OpReturn))
	if v != FromInt(18) {
		t.Errorf("list sum = %s, want 18", v)
	}
}

func TestJumpIfFalseUsesLen(t *testing.T) {
	vm := NewVM()
	v := run(t, vm, NewAssembler("main", 0, 0).
		BuildList(0).Jump(OpJumpIfFalse, "empty").
		Int(1).Op(OpReturn).
		Label("empty").Int(0).Op(OpReturn))
	if v != FromInt(0) {
		t.Errorf("empty list should be falsy, got %s", v)
	}
}

func TestBuiltinLen(t *testing.T) {
	vm := NewVM()
	v := run(t, vm, NewAssembler("main", 0, 0).
		Global(OpLoadGlobal, "len").Const(vm.NewStr("héllo")).Call(1).Op(OpReturn))
	if v != FromInt(5) {
		t.Errorf("len(str) = %s, want 5 code points", v)
	}
}

func TestAssemblerErrors(t *testing.T) {
	if _, err := NewAssembler("t", 0, 0).Jump(OpJump, "nowhere").Build(); err == nil {
		t.Error("unbound label should fail")
	}
	if _, err := NewAssembler("t", 0, 1).Local(OpLoadLocal, 3).Build(); err == nil {
		t.Error("out-of-range local should fail")
	}
	if _, err := NewAssembler("t", 0, 0).Op(OpLoadConst).Build(); err == nil {
		t.Error("operand-taking opcode through Op should fail")
	}
	if _, err := NewAssembler("t", 2, 1).Build(); err == nil {
		t.Error("more args than locals should fail")
	}
}

func mustGlobal(t *testing.T, vm *VM, name string) Value {
	t.Helper()
	v, ok := vm.Main.Get(name)
	if !ok {
		t.Fatalf("global %s not set", name)
	}
	return v
}
