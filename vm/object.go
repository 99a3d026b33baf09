package vm

import (
	"sort"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Built-in heap payloads
// ---------------------------------------------------------------------------

// Str is an immutable string.
type Str struct {
	S string
}

// Hash returns a content hash of the string.
func (s *Str) Hash() uint64 {
	return xxh3.HashString(s.S)
}

// List is a growable sequence of Values.
type List struct {
	Items []Value
}

func markList(obj any, m *Marker) {
	m.MarkAll(obj.(*List).Items)
}

// Range is an arithmetic progression; it holds no references.
type Range struct {
	Start, Stop, Step int64
}

// Len returns the number of values the range produces. The count can
// exceed MaxInt64, as in range(MinInt64, MaxInt64).
func (r *Range) Len() uint64 {
	d, ok := r.span(r.Start)
	if !ok {
		return 0
	}
	return (d-1)/r.stride() + 1
}

// span returns the distance from cur to Stop in the direction of Step, and
// false once cur has reached or passed Stop.
func (r *Range) span(cur int64) (uint64, bool) {
	switch {
	case r.Step > 0 && cur < r.Stop:
		return uint64(r.Stop) - uint64(cur), true
	case r.Step < 0 && cur > r.Stop:
		return uint64(cur) - uint64(r.Stop), true
	}
	return 0, false
}

// stride is |Step| without overflowing on MinInt64.
func (r *Range) stride() uint64 {
	if r.Step < 0 {
		return -uint64(r.Step)
	}
	return uint64(r.Step)
}

// Function is a script function: a code object bound to the module whose
// globals it reads.
type Function struct {
	Code   *Code
	Module *Module
}

func markFunction(obj any, m *Marker) {
	fn := obj.(*Function)
	fn.Code.mark(m)
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewStr allocates a str Value.
func (vm *VM) NewStr(s string) Value {
	v, _ := Alloc(vm.Heap, TypeStr, func(o *Str) { o.S = s })
	return v
}

// NewList allocates a list holding a copy of items.
func (vm *VM) NewList(items ...Value) Value {
	v, _ := Alloc(vm.Heap, TypeList, func(l *List) {
		l.Items = append(make([]Value, 0, len(items)), items...)
	})
	return v
}

// NewRange allocates a range. A zero step is a type error.
func (vm *VM) NewRange(start, stop, step int64) (Value, error) {
	if step == 0 {
		return Null, &TypeError{Op: "range", Expected: "non-zero step", Got: "0"}
	}
	v, _ := Alloc(vm.Heap, TypeRange, func(r *Range) {
		r.Start, r.Stop, r.Step = start, stop, step
	})
	return v, nil
}

// NewFunction allocates a script function over code in module mod.
func (vm *VM) NewFunction(code *Code, mod *Module) Value {
	if mod == nil {
		mod = vm.Main
	}
	v, _ := Alloc(vm.Heap, TypeFunction, func(f *Function) {
		f.Code = code
		f.Module = mod
	})
	return v
}

// StrValue returns the Go string held by a str Value.
func (vm *VM) StrValue(v Value) (string, error) {
	s, err := Get[*Str](vm.Heap, v)
	if err != nil {
		return "", &TypeError{Op: "str", Expected: "str", Got: vm.TypeName(v)}
	}
	return s.S, nil
}

// ListItems returns the backing slice of a list Value.
func (vm *VM) ListItems(v Value) ([]Value, error) {
	l, err := Get[*List](vm.Heap, v)
	if err != nil {
		return nil, &TypeError{Op: "list", Expected: "list", Got: vm.TypeName(v)}
	}
	return l.Items, nil
}

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

// Module is a named attribute table. Modules live in the VM's module table,
// which is a GC root; they are not heap cells themselves.
type Module struct {
	Name  string
	attrs map[string]Value
}

func newModule(name string) *Module {
	return &Module{Name: name, attrs: make(map[string]Value)}
}

// Get returns the attribute name.
func (m *Module) Get(name string) (Value, bool) {
	v, ok := m.attrs[name]
	return v, ok
}

// Set binds name to v.
func (m *Module) Set(name string, v Value) {
	m.attrs[name] = v
}

// Delete removes name.
func (m *Module) Delete(name string) {
	delete(m.attrs, name)
}

// Names returns the attribute names in sorted order.
func (m *Module) Names() []string {
	names := make([]string, 0, len(m.attrs))
	for k := range m.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarkRoots marks every attribute value.
func (m *Module) MarkRoots(mk *Marker) {
	for _, v := range m.attrs {
		mk.Mark(v)
	}
}
