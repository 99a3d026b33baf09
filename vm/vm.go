package vm

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/chazu/skiff/config"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("skiff.vm")

// DefaultGCThreshold is the live-cell count that triggers the first
// automatic collection.
const DefaultGCThreshold = 4096

// ---------------------------------------------------------------------------
// VM: the runtime kernel
// ---------------------------------------------------------------------------

// VM ties together the type registry, heap, call stack, and module table.
// It is single-threaded; concurrent hosts serialize through Do.
type VM struct {
	ID    uuid.UUID
	Types *TypeRegistry
	Heap  *Heap

	Builtins *Module
	Main     *Module

	interp  *Interpreter
	modules map[string]*Module
	gil     GIL

	gcThreshold     int
	baseGCThreshold int
	maxCells        int
	maxDepth        int
	deadlockTimeout time.Duration
}

// Option configures a VM.
type Option func(*VM)

// WithConfig applies the heap and interpreter sections of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(vm *VM) {
		if cfg == nil {
			return
		}
		vm.maxCells = cfg.Heap.MaxCells
		vm.baseGCThreshold = cfg.Heap.GCThreshold
		vm.maxDepth = cfg.Interp.MaxDepth
		if cfg.GIL.DetectDeadlocks {
			WithDeadlockDetection(cfg.GIL.DeadlockTimeout.Duration)(vm)
		}
	}
}

// WithMaxCells bounds the heap.
func WithMaxCells(n int) Option {
	return func(vm *VM) { vm.maxCells = n }
}

// WithGCThreshold sets the initial automatic collection threshold.
func WithGCThreshold(n int) Option {
	return func(vm *VM) { vm.baseGCThreshold = n }
}

// WithMaxDepth bounds the call stack.
func WithMaxDepth(n int) Option {
	return func(vm *VM) { vm.maxDepth = n }
}

// WithDeadlockDetection turns on the lock-order checker behind the GIL,
// reporting any wait longer than timeout. The checker is process-wide and
// stays off unless a VM or config.Apply enables it; its report handler
// exits the process.
func WithDeadlockDetection(timeout time.Duration) Option {
	return func(vm *VM) {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		vm.deadlockTimeout = timeout
	}
}

// NewVM creates and bootstraps a new VM.
func NewVM(opts ...Option) *VM {
	vm := &VM{
		ID:              uuid.New(),
		Types:           NewTypeRegistry(),
		modules:         make(map[string]*Module),
		baseGCThreshold: DefaultGCThreshold,
		maxCells:        DefaultMaxCells,
		maxDepth:        DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.baseGCThreshold <= 0 {
		vm.baseGCThreshold = DefaultGCThreshold
	}
	vm.gcThreshold = vm.baseGCThreshold
	if vm.deadlockTimeout > 0 {
		deadlock.Opts.Disable = false
		deadlock.Opts.DeadlockTimeout = vm.deadlockTimeout
	}

	vm.Heap = NewHeap(vm.Types, vm.maxCells)
	vm.Heap.SetReclaim(func() { vm.collect() })
	vm.interp = newInterpreter(vm, vm.maxDepth)

	vm.Builtins = vm.mustModule("builtins")
	vm.Main = vm.mustModule("__main__")

	vm.registerListPrimitives()
	vm.registerStringPrimitives()
	vm.registerRangePrimitives()
	vm.registerBuiltins()

	vmLog.Infof("vm %s started (max cells %d, max depth %d)", vm.ID, vm.maxCells, vm.maxDepth)
	return vm
}

// Interpreter returns the VM's executor.
func (vm *VM) Interpreter() *Interpreter { return vm.interp }

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

// NewModule creates and registers a module. Names are unique.
func (vm *VM) NewModule(name string) (*Module, error) {
	if _, ok := vm.modules[name]; ok {
		return nil, fmt.Errorf("module %q already exists", name)
	}
	m := newModule(name)
	vm.modules[name] = m
	return m, nil
}

func (vm *VM) mustModule(name string) *Module {
	m, err := vm.NewModule(name)
	if err != nil {
		fatalf("%s", err)
	}
	return m
}

// Module returns a registered module.
func (vm *VM) Module(name string) (*Module, error) {
	m, ok := vm.modules[name]
	if !ok {
		return nil, &LookupError{Kind: "module", Name: name}
	}
	return m, nil
}

// ModuleNames returns registered module names in sorted order.
func (vm *VM) ModuleNames() []string {
	names := make([]string, 0, len(vm.modules))
	for name := range vm.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Calling into script code
// ---------------------------------------------------------------------------

// Call invokes a callable Value. Calling a generator function returns a
// fresh generator without running any of its body. The callee and args are
// pinned for the length of the call.
func (vm *VM) Call(callee Value, args ...Value) (Value, error) {
	defer vm.pinAll(callee, args)()
	switch callee.Type() {
	case TypeNativeFunc:
		nf, _ := Get[*NativeFunc](vm.Heap, callee)
		return nf.Call(vm, args)

	case TypeFunction:
		fn, _ := Get[*Function](vm.Heap, callee)
		code := fn.Code
		if len(args) != code.NumArgs {
			return Null, &ArityError{Name: code.Name, Expected: code.NumArgs, Got: len(args)}
		}
		f := NewFrame(code, fn.Module, args)
		f.fn = callee
		if code.IsGenerator {
			return vm.NewGenerator(callee, f), nil
		}
		return vm.interp.RunFrame(f)
	}
	return Null, &TypeError{Op: "call", Expected: "callable", Got: vm.TypeName(callee)}
}

// pinAll pins callee and args and returns the matching unpin.
func (vm *VM) pinAll(callee Value, args []Value) func() {
	vm.Heap.Pin(callee)
	for _, a := range args {
		vm.Heap.Pin(a)
	}
	return func() {
		vm.Heap.Unpin(callee)
		for _, a := range args {
			vm.Heap.Unpin(a)
		}
	}
}

// Exec runs a top-level code object against mod's globals (Main if nil).
func (vm *VM) Exec(code *Code, mod *Module) (Value, error) {
	if code.IsGenerator {
		return Null, fmt.Errorf("exec %s: generator code cannot run at top level", code.Name)
	}
	if mod == nil {
		mod = vm.Main
	}
	return vm.interp.RunFrame(NewFrame(code, mod, nil))
}

// ---------------------------------------------------------------------------
// Type dispatch helpers
// ---------------------------------------------------------------------------

// TypeName returns the qualified type name of v.
func (vm *VM) TypeName(v Value) string {
	return vm.Types.Name(v.Type())
}

// magic finds operation m on v's type or its nearest base.
func (vm *VM) magic(v Value, m Magic) *NativeFunc {
	for t := v.Type(); t != TypeNull; {
		ti := vm.Types.Info(t)
		if ti == nil {
			return nil
		}
		if fn := ti.Magic(m); fn != nil {
			return fn
		}
		t = ti.Base
	}
	return nil
}

// Equal implements script-level equality. Bitwise-identical Values are
// equal; numbers compare across int and float; otherwise __eq__ on a is
// tried, then the reflected __eq__ on b. If both answer NotImplemented the
// operands are unequal.
func (vm *VM) Equal(a, b Value) (bool, error) {
	if a == b {
		return true, nil
	}
	if a.IsNumber() && b.IsNumber() {
		x, _ := a.Number()
		y, _ := b.Number()
		return x == y, nil
	}
	if a.IsInline() && b.IsInline() {
		return false, nil
	}
	if fn := vm.magic(a, MagicEq); fn != nil {
		r, err := fn.Call(vm, []Value{a, b})
		if err != nil {
			return false, err
		}
		if !r.IsNotImplemented() {
			return r.IsTruthy(), nil
		}
	}
	if fn := vm.magic(b, MagicEq); fn != nil {
		r, err := fn.Call(vm, []Value{b, a})
		if err != nil {
			return false, err
		}
		if !r.IsNotImplemented() {
			return r.IsTruthy(), nil
		}
	}
	return false, nil
}

// Len calls __len__.
func (vm *VM) Len(v Value) (int64, error) {
	fn := vm.magic(v, MagicLen)
	if fn == nil {
		return 0, &TypeError{Op: "len", Expected: "sized", Got: vm.TypeName(v)}
	}
	r, err := fn.Call(vm, []Value{v})
	if err != nil {
		return 0, err
	}
	if !r.IsInt() {
		return 0, &TypeError{Op: "__len__", Expected: "int", Got: vm.TypeName(r)}
	}
	return r.Int(), nil
}

// Hash returns a hash consistent with Equal. Inline values hash their
// payload, with integral floats hashing like the equal int; heap kinds
// dispatch __hash__ and are unhashable without it.
func (vm *VM) Hash(v Value) (int64, error) {
	if !v.IsObject() {
		if v.Type() == TypeFloat {
			if f := v.Float(); f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
				return FromInt(int64(f)).Hash(), nil
			}
		}
		return v.Hash(), nil
	}
	fn := vm.magic(v, MagicHash)
	if fn == nil {
		return 0, &TypeError{Op: "hash", Expected: "hashable", Got: vm.TypeName(v)}
	}
	r, err := fn.Call(vm, []Value{v})
	if err != nil {
		return 0, err
	}
	if !r.IsInt() {
		return 0, &TypeError{Op: "__hash__", Expected: "int", Got: vm.TypeName(r)}
	}
	return r.Int(), nil
}

// Truthy reports script truthiness. Heap objects with __len__ are falsy
// when empty.
func (vm *VM) Truthy(v Value) (bool, error) {
	if !v.IsObject() {
		return v.IsTruthy(), nil
	}
	if vm.magic(v, MagicLen) == nil {
		return true, nil
	}
	n, err := vm.Len(v)
	return n != 0, err
}

// Repr renders v for diagnostics, using __repr__ where bound.
func (vm *VM) Repr(v Value) string {
	if !v.IsObject() {
		return v.String()
	}
	if fn := vm.magic(v, MagicRepr); fn != nil {
		r, err := fn.Call(vm, []Value{v})
		if err == nil && r.Type() == TypeStr {
			s, _ := vm.StrValue(r)
			return s
		}
	}
	idx, _ := v.handle()
	return fmt.Sprintf("<%s object #%d>", vm.TypeName(v), idx)
}

// ---------------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------------

// MarkRoots marks the module table.
func (vm *VM) MarkRoots(m *Marker) {
	for _, mod := range vm.modules {
		mod.MarkRoots(m)
	}
}

// Collect runs a full cycle rooted at the call stack, the module table, the
// pinned set, and any extra roots the host passes.
func (vm *VM) Collect(extra ...Root) GCStats {
	roots := append([]Root{vm.interp, vm}, extra...)
	return vm.Heap.Collect(roots...)
}

// MaybeCollect runs a cycle once the live count reaches the threshold. The
// threshold then tracks twice the surviving population. The interpreter
// calls it before every instruction and Do after every host call.
func (vm *VM) MaybeCollect() (GCStats, bool) {
	if vm.Heap.Live() < vm.gcThreshold {
		return GCStats{}, false
	}
	return vm.collect(), true
}

func (vm *VM) collect() GCStats {
	stats := vm.Collect()
	vm.gcThreshold = max(vm.baseGCThreshold, 2*stats.LiveAfter)
	return stats
}

// GCThreshold returns the current automatic collection threshold.
func (vm *VM) GCThreshold() int { return vm.gcThreshold }
