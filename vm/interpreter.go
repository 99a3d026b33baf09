package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/tliron/commonlog"
)

var interpLog = commonlog.GetLogger("skiff.interp")

// DefaultMaxDepth bounds the call stack when no configuration is given.
const DefaultMaxDepth = 256

// ---------------------------------------------------------------------------
// Interpreter: bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter owns the call stack. Only the top frame executes.
type Interpreter struct {
	vm       *VM
	frames   []*Frame
	maxDepth int
}

func newInterpreter(vm *VM, maxDepth int) *Interpreter {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Interpreter{
		vm:       vm,
		frames:   make([]*Frame, 0, 16),
		maxDepth: maxDepth,
	}
}

// VM returns the owning VM.
func (in *Interpreter) VM() *VM { return in.vm }

// Depth returns the number of frames on the call stack.
func (in *Interpreter) Depth() int { return len(in.frames) }

// MarkRoots marks every frame on the call stack.
func (in *Interpreter) MarkRoots(m *Marker) {
	for _, f := range in.frames {
		f.MarkRoots(m)
	}
}

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

func (in *Interpreter) pushFrame(f *Frame) error {
	if len(in.frames) >= in.maxDepth {
		return &RecursionError{Depth: in.maxDepth}
	}
	in.frames = append(in.frames, f)
	return nil
}

func (in *Interpreter) popFrame() *Frame {
	n := len(in.frames)
	if n == 0 {
		fatalf("popFrame: empty call stack")
	}
	f := in.frames[n-1]
	in.frames[n-1] = nil
	in.frames = in.frames[:n-1]
	return f
}

// unwind drops every frame at or above base.
func (in *Interpreter) unwind(base int) {
	for len(in.frames) > base {
		in.popFrame()
	}
}

// traceback lists code names from the innermost frame down to base.
func (in *Interpreter) traceback(base int) []string {
	names := make([]string, 0, len(in.frames)-base)
	for i := len(in.frames) - 1; i >= base; i-- {
		names = append(names, in.frames[i].Code.Name)
	}
	return names
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

// RunFrame pushes f and executes until f returns, yields, or raises.
//
// On return the result is the returned Value and f is no longer on the
// stack. On yield the result is the yield signal (IsYield reports true) and
// f is still the top frame with the yielded value on top of its operand
// stack; the caller is responsible for popping it. On error every frame
// from f upward has been popped.
func (in *Interpreter) RunFrame(f *Frame) (Value, error) {
	base := len(in.frames)
	if err := in.pushFrame(f); err != nil {
		return Null, err
	}
	ret, err := in.run(base)
	if err != nil {
		interpLog.Debugf("unwinding %d frames from %s: %s", len(in.frames)-base, f.Code.Name, err)
		in.unwind(base)
		return Null, err
	}
	return ret, nil
}

// returnFrom pops the top frame and hands v to its caller. It reports true
// when the popped frame was the base frame of the current run.
func (in *Interpreter) returnFrom(base int, v Value) bool {
	in.popFrame()
	if len(in.frames) == base {
		return true
	}
	in.frames[len(in.frames)-1].push(v)
	return false
}

// run executes until the frame at base returns or yields. The top of the
// loop is a collection safe point: between instructions every live script
// value sits in a frame's locals or operand stack.
func (in *Interpreter) run(base int) (Value, error) {
	vm := in.vm
	for {
		vm.MaybeCollect()
		frame := in.frames[len(in.frames)-1]
		code := frame.Code
		bc := code.Bytecode

		if frame.IP >= len(bc) {
			// Implicit return at end of code
			if in.returnFrom(base, None) {
				return None, nil
			}
			continue
		}

		op := Opcode(bc[frame.IP])
		frame.IP++

		switch op {
		// --- Stack operations ---
		case OpNOP:

		case OpPOP:
			frame.pop()

		case OpDUP:
			frame.push(frame.top())

		// --- Constants ---
		case OpLoadConst:
			idx := int(binary.LittleEndian.Uint16(bc[frame.IP:]))
			frame.IP += 2
			if idx >= len(code.Consts) {
				fatalf("%s: constant index %d out of bounds (len=%d)", code.Name, idx, len(code.Consts))
			}
			frame.push(code.Consts[idx])

		case OpLoadNone:
			frame.push(None)

		case OpLoadTrue:
			frame.push(True)

		case OpLoadFalse:
			frame.push(False)

		// --- Variables ---
		case OpLoadLocal:
			idx := int(bc[frame.IP])
			frame.IP++
			frame.push(frame.Locals[idx])

		case OpStoreLocal:
			idx := int(bc[frame.IP])
			frame.IP++
			frame.Locals[idx] = frame.pop()

		case OpLoadGlobal:
			name := code.Names[binary.LittleEndian.Uint16(bc[frame.IP:])]
			frame.IP += 2
			v, err := vm.lookupGlobal(frame.Module, name)
			if err != nil {
				return Null, err
			}
			frame.push(v)

		case OpStoreGlobal:
			name := code.Names[binary.LittleEndian.Uint16(bc[frame.IP:])]
			frame.IP += 2
			mod := frame.Module
			if mod == nil {
				mod = vm.Main
			}
			mod.Set(name, frame.pop())

		// --- Operators ---
		case OpAdd, OpSub, OpMul, OpLT:
			r, err := vm.binaryOp(op, frame.peek(1), frame.peek(0))
			if err != nil {
				return Null, err
			}
			frame.drop(2)
			frame.push(r)

		case OpEQ:
			eq, err := vm.Equal(frame.peek(1), frame.peek(0))
			if err != nil {
				return Null, err
			}
			frame.drop(2)
			frame.push(FromBool(eq))

		case OpNE:
			eq, err := vm.Equal(frame.peek(1), frame.peek(0))
			if err != nil {
				return Null, err
			}
			frame.drop(2)
			frame.push(FromBool(!eq))

		// --- Control flow ---
		case OpJump:
			offset := int16(binary.LittleEndian.Uint16(bc[frame.IP:]))
			frame.IP += 2 + int(offset)

		case OpJumpIfFalse:
			offset := int16(binary.LittleEndian.Uint16(bc[frame.IP:]))
			frame.IP += 2
			ok, err := vm.Truthy(frame.top())
			if err != nil {
				return Null, err
			}
			frame.pop()
			if !ok {
				frame.IP += int(offset)
			}

		// --- Calls ---
		case OpCall:
			argc := int(bc[frame.IP])
			frame.IP++
			if err := in.call(frame, argc); err != nil {
				return Null, err
			}

		case OpReturn:
			v := frame.pop()
			if in.returnFrom(base, v) {
				return v, nil
			}

		case OpYield:
			if !code.IsGenerator || len(in.frames)-1 != base {
				return Null, fmt.Errorf("%s: yield outside a generator frame", code.Name)
			}
			// The yielded value stays on the operand stack for the generator.
			if frame.StackDepth() == 0 {
				fatalf("%s: yield with empty operand stack", code.Name)
			}
			return yieldSignal, nil

		case OpRaise:
			v := frame.pop()
			return Null, &ScriptError{
				Value:     v,
				Message:   vm.raiseMessage(v),
				Traceback: in.traceback(base),
			}

		// --- Iteration and construction ---
		case OpGetIter:
			it, err := vm.Iter(frame.top())
			if err != nil {
				return Null, err
			}
			frame.pop()
			frame.push(it)

		case OpForIter:
			offset := int16(binary.LittleEndian.Uint16(bc[frame.IP:]))
			frame.IP += 2
			v, ok, err := vm.Next(frame.top())
			if err != nil {
				return Null, err
			}
			if ok {
				frame.push(v)
			} else {
				frame.pop()
				frame.IP += int(offset)
			}

		case OpBuildList:
			n := int(bc[frame.IP])
			frame.IP++
			l := vm.NewList(frame.peekN(n)...)
			frame.drop(n)
			frame.push(l)

		default:
			return Null, fmt.Errorf("%s: unknown opcode 0x%02X at %d", code.Name, byte(op), frame.IP-1)
		}
	}
}

// call dispatches a CALL of the callee and argc arguments on top of
// caller's stack. They stay there until the call is set up, so a native
// that re-enters the VM cannot lose them to a collection. Script functions
// push a frame that the run loop picks up on its next iteration;
// everything else completes immediately and pushes its result onto caller.
func (in *Interpreter) call(caller *Frame, argc int) error {
	vm := in.vm
	args := caller.peekN(argc)
	callee := caller.peek(argc)
	switch callee.Type() {
	case TypeNativeFunc:
		nf, _ := Get[*NativeFunc](vm.Heap, callee)
		ret, err := nf.Call(vm, args)
		if err != nil {
			return err
		}
		caller.drop(argc + 1)
		caller.push(ret)
		return nil

	case TypeFunction:
		fn, _ := Get[*Function](vm.Heap, callee)
		code := fn.Code
		if len(args) != code.NumArgs {
			return &ArityError{Name: code.Name, Expected: code.NumArgs, Got: len(args)}
		}
		f := NewFrame(code, fn.Module, args)
		f.fn = callee
		if code.IsGenerator {
			g := vm.NewGenerator(callee, f)
			caller.drop(argc + 1)
			caller.push(g)
			return nil
		}
		caller.drop(argc + 1)
		return in.pushFrame(f)
	}
	return &TypeError{Op: "call", Expected: "callable", Got: vm.TypeName(callee)}
}

func (vm *VM) lookupGlobal(mod *Module, name string) (Value, error) {
	if mod != nil {
		if v, ok := mod.Get(name); ok {
			return v, nil
		}
	}
	if v, ok := vm.Builtins.Get(name); ok {
		return v, nil
	}
	return Null, &LookupError{Kind: "name", Name: name}
}

func (vm *VM) raiseMessage(v Value) string {
	if v.Type() == TypeStr {
		s, _ := vm.StrValue(v)
		return s
	}
	return vm.Repr(v)
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func (vm *VM) binaryOp(op Opcode, a, b Value) (Value, error) {
	if a.IsInt() && b.IsInt() {
		x, y := a.Int(), b.Int()
		switch op {
		case OpAdd:
			return FromInt(x + y), nil
		case OpSub:
			return FromInt(x - y), nil
		case OpMul:
			return FromInt(x * y), nil
		case OpLT:
			return FromBool(x < y), nil
		}
	}
	if a.IsNumber() && b.IsNumber() {
		x, _ := a.Number()
		y, _ := b.Number()
		switch op {
		case OpAdd:
			return FromFloat(x + y), nil
		case OpSub:
			return FromFloat(x - y), nil
		case OpMul:
			return FromFloat(x * y), nil
		case OpLT:
			return FromBool(x < y), nil
		}
	}
	if op == OpAdd && a.Type() == TypeStr && b.Type() == TypeStr {
		x, _ := vm.StrValue(a)
		y, _ := vm.StrValue(b)
		return vm.NewStr(x + y), nil
	}
	if op == OpAdd && a.Type() == TypeList && b.Type() == TypeList {
		x, _ := vm.ListItems(a)
		y, _ := vm.ListItems(b)
		items := make([]Value, 0, len(x)+len(y))
		items = append(append(items, x...), y...)
		return vm.NewList(items...), nil
	}
	return Null, &TypeError{
		Op:  binaryOpSymbol[op],
		Got: vm.TypeName(a) + "' and '" + vm.TypeName(b),
	}
}

var binaryOpSymbol = map[Opcode]string{
	OpAdd: "+",
	OpSub: "-",
	OpMul: "*",
	OpLT:  "<",
}
