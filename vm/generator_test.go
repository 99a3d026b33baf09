package vm

import (
	"errors"
	"testing"
)

func gen123(t *testing.T) *Code {
	t.Helper()
	code, err := NewAssembler("gen123", 0, 0).Generator().
		Int(1).Op(OpYield).
		Int(2).Op(OpYield).
		Int(3).Op(OpYield).
		Op(OpLoadNone).Op(OpReturn).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return code
}

// countCode yields 0..n-1 from a loop over its argument.
func countCode(t *testing.T) *Code {
	t.Helper()
	code, err := NewAssembler("count", 1, 2).Generator().
		Int(0).Local(OpStoreLocal, 1).
		Label("loop").
		Local(OpLoadLocal, 1).Local(OpLoadLocal, 0).Op(OpLT).Jump(OpJumpIfFalse, "end").
		Local(OpLoadLocal, 1).Op(OpYield).
		Local(OpLoadLocal, 1).Int(1).Op(OpAdd).Local(OpStoreLocal, 1).
		Jump(OpJump, "loop").
		Label("end").
		Op(OpLoadNone).Op(OpReturn).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func generatorOf(t *testing.T, vm *VM, v Value) *Generator {
	t.Helper()
	g, err := Get[*Generator](vm.Heap, v)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestGeneratorYieldsInOrder(t *testing.T) {
	vm := NewVM()
	fn := vm.NewFunction(gen123(t), nil)

	gv, err := vm.Call(fn)
	if err != nil {
		t.Fatal(err)
	}
	g := generatorOf(t, vm, gv)
	if g.State() != GenFresh {
		t.Errorf("state = %s, want fresh", g.State())
	}

	for want := int64(1); want <= 3; want++ {
		v, ok, err := vm.Next(gv)
		if err != nil || !ok {
			t.Fatalf("next #%d: ok=%v err=%v", want, ok, err)
		}
		if !v.IsInt() || v.Int() != want {
			t.Errorf("next #%d = %s, want %d", want, v, want)
		}
		if g.State() != GenSuspended {
			t.Errorf("state after yield = %s, want suspended", g.State())
		}
	}

	for i := 0; i < 3; i++ {
		i := i
		v, ok, err := vm.Next(gv)
		if err != nil || ok || !v.IsNull() {
			t.Fatalf("next after end #%d = (%s, %v, %v), want end", i, v, ok, err)
		}
	}
	if g.State() != GenExhausted {
		t.Errorf("state = %s, want exhausted", g.State())
	}
	if vm.Interpreter().Depth() != 0 {
		t.Errorf("call stack depth %d after exhaustion, want 0", vm.Interpreter().Depth())
	}
}

func TestGeneratorCallDoesNotRunBody(t *testing.T) {
	vm := NewVM()
	calls := 0
	tick, _ := vm.NewNativeFunc("tick", 0, func(vm *VM, args []Value) (Value, error) {
		calls++
		return None, nil
	})
	vm.Main.Set("tick", tick)

	code := NewAssembler("lazy", 0, 0).Generator().
		Global(OpLoadGlobal, "tick").Call(0).Op(OpPOP).
		Int(7).Op(OpYield).
		MustBuild()
	gv, err := vm.Call(vm.NewFunction(code, nil))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("body ran %d times before first next", calls)
	}
	if v, ok, _ := vm.Next(gv); !ok || v.Int() != 7 {
		t.Fatalf("first next = %s, want 7", v)
	}
	if calls != 1 {
		t.Errorf("body ran %d times, want 1", calls)
	}
}

func TestGeneratorErrorExhausts(t *testing.T) {
	vm := NewVM()
	code := NewAssembler("failing", 0, 0).Generator().
		Int(1).Op(OpYield).
		Const(vm.NewStr("boom")).Op(OpRaise).
		MustBuild()
	gv, _ := vm.Call(vm.NewFunction(code, nil))

	if v, ok, err := vm.Next(gv); err != nil || !ok || v.Int() != 1 {
		t.Fatalf("first next = (%s, %v, %v)", v, ok, err)
	}

	_, ok, err := vm.Next(gv)
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("second next error = %v, want *ScriptError", err)
	}
	if ok {
		t.Error("an error must not report a value")
	}
	if se.Message != "boom" {
		t.Errorf("message = %q, want boom", se.Message)
	}
	if len(se.Traceback) != 1 || se.Traceback[0] != "failing" {
		t.Errorf("traceback = %v, want [failing]", se.Traceback)
	}

	if g := generatorOf(t, vm, gv); g.State() != GenExhausted {
		t.Errorf("state = %s, want exhausted", g.State())
	}
	if _, ok, err := vm.Next(gv); ok || err != nil {
		t.Errorf("next after error = (%v, %v), want end", ok, err)
	}
	if vm.Interpreter().Depth() != 0 {
		t.Errorf("frames left on the call stack: %d", vm.Interpreter().Depth())
	}
}

func TestGeneratorReentryFails(t *testing.T) {
	vm := NewVM()
	reenter, _ := vm.NewNativeFunc("reenter", 0, func(vm *VM, args []Value) (Value, error) {
		g, _ := vm.Main.Get("g")
		_, _, err := vm.Next(g)
		return FromBool(errors.Is(err, ErrGeneratorRunning)), nil
	})
	vm.Main.Set("reenter", reenter)

	code := NewAssembler("selfish", 0, 0).Generator().
		Global(OpLoadGlobal, "reenter").Call(0).Op(OpYield).
		MustBuild()
	gv, _ := vm.Call(vm.NewFunction(code, nil))
	vm.Main.Set("g", gv)

	v, ok, err := vm.Next(gv)
	if err != nil || !ok {
		t.Fatalf("next = (%v, %v)", ok, err)
	}
	if v != True {
		t.Error("nested next on a running generator should fail with ErrGeneratorRunning")
	}
}

func TestGeneratorPanicExhausts(t *testing.T) {
	vm := NewVM()
	crash, _ := vm.NewNativeFunc("crash", 0, func(vm *VM, args []Value) (Value, error) {
		panic("host bug")
	})
	vm.Main.Set("crash", crash)

	code := NewAssembler("fragile", 0, 0).Generator().
		Global(OpLoadGlobal, "crash").Call(0).Op(OpYield).
		MustBuild()
	gv, _ := vm.Call(vm.NewFunction(code, nil))
	vm.Main.Set("g", gv)

	err := vm.Do(func(vm *VM) error {
		_, _, err := vm.Next(gv)
		return err
	})
	if err == nil {
		t.Fatal("panic inside the generator body should surface from Do")
	}
	if g := generatorOf(t, vm, gv); g.State() != GenExhausted {
		t.Errorf("state = %s, want exhausted", g.State())
	}
	err = vm.Do(func(vm *VM) error {
		v, ok, err := vm.Next(gv)
		if ok || err != nil {
			t.Errorf("next after panic = (%s, %v, %v), want end", v, ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if vm.Interpreter().Depth() != 0 {
		t.Errorf("frames left on the call stack: %d", vm.Interpreter().Depth())
	}
}

func TestForLoopOverGenerator(t *testing.T) {
	vm := NewVM()
	vm.Main.Set("count", vm.NewFunction(countCode(t), nil))

	main := NewAssembler("main", 0, 1).
		Int(0).Local(OpStoreLocal, 0).
		Global(OpLoadGlobal, "count").Int(5).Call(1).Op(OpGetIter).
		Label("loop").
		Jump(OpForIter, "end").
		Local(OpLoadLocal, 0).Op(OpAdd).Local(OpStoreLocal, 0).
		Jump(OpJump, "loop").
		Label("end").
		Local(OpLoadLocal, 0).Op(OpReturn).
		MustBuild()

	v, err := vm.Exec(main, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsInt() || v.Int() != 10 {
		t.Errorf("sum = %s, want 10", v)
	}
}

func TestSuspendedGeneratorKeepsLocalsAlive(t *testing.T) {
	vm := NewVM()
	code := NewAssembler("holder", 1, 1).Generator().
		Local(OpLoadLocal, 0).Op(OpYield).
		Local(OpLoadLocal, 0).Op(OpYield).
		MustBuild()

	payload := vm.NewList(FromInt(1), FromInt(2))
	gv, err := vm.Call(vm.NewFunction(code, nil), payload)
	if err != nil {
		t.Fatal(err)
	}
	vm.Main.Set("g", gv)
	if _, ok, _ := vm.Next(gv); !ok {
		t.Fatal("first next ended")
	}

	vm.Collect()
	if !vm.Heap.Alive(payload) {
		t.Fatal("list held by a suspended generator frame was collected")
	}

	vm.Main.Delete("g")
	vm.Collect()
	if vm.Heap.Alive(gv) || vm.Heap.Alive(payload) {
		t.Error("unreferenced generator and its locals should be collected")
	}
}

func TestYieldOutsideGenerator(t *testing.T) {
	vm := NewVM()
	code := NewAssembler("notgen", 0, 0).Int(1).Op(OpYield).MustBuild()
	if _, err := vm.Exec(code, nil); err == nil {
		t.Fatal("yield in a plain frame should fail")
	}
	if vm.Interpreter().Depth() != 0 {
		t.Errorf("depth = %d, want 0", vm.Interpreter().Depth())
	}
}
