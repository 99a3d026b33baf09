package vm

// ---------------------------------------------------------------------------
// Frame: execution state for one code object invocation
// ---------------------------------------------------------------------------

// Frame holds everything a suspended or running invocation needs. It owns
// its operand stack, so it can leave the interpreter's call stack (when a
// generator yields) and be pushed back later without fixing up any
// pointers.
type Frame struct {
	Code   *Code
	Module *Module // globals for LOAD_GLOBAL/STORE_GLOBAL
	IP     int     // offset into Code.Bytecode
	Locals []Value

	stack []Value
	fn    Value // callable the frame was created from, or Null
}

// NewFrame creates a frame for code with args in the leading local slots.
// Remaining locals start as None.
func NewFrame(code *Code, mod *Module, args []Value) *Frame {
	n := code.NumLocals
	if n < len(args) {
		n = len(args)
	}
	locals := make([]Value, n)
	copy(locals, args)
	for i := len(args); i < n; i++ {
		locals[i] = None
	}
	return &Frame{
		Code:   code,
		Module: mod,
		Locals: locals,
		stack:  make([]Value, 0, 8),
	}
}

func (f *Frame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *Frame) pop() Value {
	n := len(f.stack)
	if n == 0 {
		fatalf("%s: operand stack underflow at %d", f.Code.Name, f.IP)
	}
	v := f.stack[n-1]
	f.stack[n-1] = Null
	f.stack = f.stack[:n-1]
	return v
}

func (f *Frame) top() Value {
	if len(f.stack) == 0 {
		fatalf("%s: operand stack underflow at %d", f.Code.Name, f.IP)
	}
	return f.stack[len(f.stack)-1]
}

// peek returns the value i slots below the top without popping it.
func (f *Frame) peek(i int) Value {
	if len(f.stack) <= i {
		fatalf("%s: operand stack underflow at %d", f.Code.Name, f.IP)
	}
	return f.stack[len(f.stack)-1-i]
}

// peekN copies the top n values, leaving them on the stack so they stay
// rooted while the caller allocates.
func (f *Frame) peekN(n int) []Value {
	if len(f.stack) < n {
		fatalf("%s: operand stack underflow at %d", f.Code.Name, f.IP)
	}
	out := make([]Value, n)
	copy(out, f.stack[len(f.stack)-n:])
	return out
}

func (f *Frame) drop(n int) {
	if len(f.stack) < n {
		fatalf("%s: operand stack underflow at %d", f.Code.Name, f.IP)
	}
	clear(f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
}

// StackDepth returns the number of values on the operand stack.
func (f *Frame) StackDepth() int { return len(f.stack) }

// Top returns the top of the operand stack, or Null if it is empty.
func (f *Frame) Top() Value {
	if len(f.stack) == 0 {
		return Null
	}
	return f.stack[len(f.stack)-1]
}

// MarkRoots marks locals, operands, constants, and the originating callable.
func (f *Frame) MarkRoots(m *Marker) {
	m.MarkAll(f.Locals)
	m.MarkAll(f.stack)
	m.Mark(f.fn)
	f.Code.mark(m)
}
