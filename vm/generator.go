package vm

import "fmt"

// ---------------------------------------------------------------------------
// Generator: a suspended frame living on the heap
// ---------------------------------------------------------------------------

// GenState is the lifecycle of a generator.
type GenState uint8

const (
	GenFresh     GenState = 0 // created, never resumed
	GenSuspended GenState = 1 // parked at a yield
	GenExhausted GenState = 2 // returned or raised; terminal
)

func (s GenState) String() string {
	switch s {
	case GenFresh:
		return "fresh"
	case GenSuspended:
		return "suspended"
	case GenExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("GenState(%d)", uint8(s))
}

// Generator owns a frame between resumptions. While the generator runs the
// same frame is on the interpreter's call stack; on yield it is popped back
// here.
type Generator struct {
	frame   *Frame // nil once exhausted
	state   GenState
	fn      Value // the generator function
	last    Value // most recently yielded value
	running bool
}

func markGenerator(obj any, m *Marker) {
	g := obj.(*Generator)
	if g.frame != nil {
		g.frame.MarkRoots(m)
	}
	m.Mark(g.fn)
	m.Mark(g.last)
}

// NewGenerator wraps f, which must not be on any call stack.
func (vm *VM) NewGenerator(fn Value, f *Frame) Value {
	v, _ := Alloc(vm.Heap, TypeGenerator, func(g *Generator) {
		g.frame = f
		g.fn = fn
		g.state = GenFresh
	})
	return v
}

// State returns the generator's lifecycle state.
func (g *Generator) State() GenState { return g.state }

// Next resumes the generator. It returns (v, true, nil) for a yielded value
// and (Null, false, nil) once the body returns. Exhaustion is sticky. An
// error from the body exhausts the generator and is returned as is, and so
// does a panic unwinding through it.
func (g *Generator) Next(in *Interpreter) (Value, bool, error) {
	if g.state == GenExhausted {
		return Null, false, nil
	}
	if g.running {
		return Null, false, ErrGeneratorRunning
	}

	g.running = true
	unwound := true
	defer func() {
		g.running = false
		if unwound {
			g.finish()
		}
	}()
	ret, err := in.RunFrame(g.frame)
	unwound = false

	if err != nil {
		g.finish()
		return Null, false, err
	}
	if ret.IsYield() {
		f := in.popFrame()
		if f != g.frame {
			fatalf("generator: yielded frame %s is not the generator's frame", f.Code.Name)
		}
		v := f.pop()
		g.state = GenSuspended
		g.last = v
		return v, true, nil
	}
	g.finish()
	return Null, false, nil
}

func (g *Generator) finish() {
	g.frame = nil
	g.last = Null
	g.state = GenExhausted
}
