package vm

import "unicode/utf8"

// ---------------------------------------------------------------------------
// Iterator protocol
// ---------------------------------------------------------------------------

// Iterator is the capability every iterator payload provides. The end of
// the sequence is (Null, false, nil), never an error.
type Iterator interface {
	Next(in *Interpreter) (Value, bool, error)
}

// RangeIter walks a range by its step. It holds a copy of the range
// bounds and a reference to the range object. The cursor never steps past
// the bound, so ranges ending near the int64 limits do not wrap.
type RangeIter struct {
	current int64
	done    bool
	r       Range
	src     Value
}

func markRangeIter(obj any, m *Marker) {
	m.Mark(obj.(*RangeIter).src)
}

func (it *RangeIter) Next(in *Interpreter) (Value, bool, error) {
	if it.done {
		return Null, false, nil
	}
	remaining, ok := it.r.span(it.current)
	if !ok {
		it.done = true
		return Null, false, nil
	}
	v := FromInt(it.current)
	if remaining <= it.r.stride() {
		it.done = true
	} else {
		it.current += it.r.Step
	}
	return v, true, nil
}

// ArrayIter walks a list by index. Items appended during iteration are
// visited; the source is never modified.
type ArrayIter struct {
	index int
	src   Value
}

func markArrayIter(obj any, m *Marker) {
	m.Mark(obj.(*ArrayIter).src)
}

func (it *ArrayIter) Next(in *Interpreter) (Value, bool, error) {
	items, err := in.vm.ListItems(it.src)
	if err != nil {
		return Null, false, err
	}
	if it.index >= len(items) {
		return Null, false, nil
	}
	v := items[it.index]
	it.index++
	return v, true, nil
}

// StringIter yields one single-character str per code point.
type StringIter struct {
	pos int // byte offset of the next code point
	src Value
}

func markStringIter(obj any, m *Marker) {
	m.Mark(obj.(*StringIter).src)
}

func (it *StringIter) Next(in *Interpreter) (Value, bool, error) {
	s, err := in.vm.StrValue(it.src)
	if err != nil {
		return Null, false, err
	}
	if it.pos >= len(s) {
		return Null, false, nil
	}
	_, size := utf8.DecodeRuneInString(s[it.pos:])
	ch := s[it.pos : it.pos+size]
	it.pos += size
	return in.vm.NewStr(ch), true, nil
}

// ---------------------------------------------------------------------------
// VM entry points
// ---------------------------------------------------------------------------

// Iter returns an iterator over v. Iterators and generators are their own
// iterators; host types may provide one through __iter__.
func (vm *VM) Iter(v Value) (Value, error) {
	switch v.Type() {
	case TypeList:
		it, _ := Alloc(vm.Heap, TypeArrayIter, func(it *ArrayIter) { it.src = v })
		return it, nil
	case TypeStr:
		it, _ := Alloc(vm.Heap, TypeStringIter, func(it *StringIter) { it.src = v })
		return it, nil
	case TypeRange:
		r, _ := Get[*Range](vm.Heap, v)
		it, _ := Alloc(vm.Heap, TypeRangeIter, func(it *RangeIter) {
			it.current = r.Start
			it.r = *r
			it.src = v
		})
		return it, nil
	case TypeGenerator, TypeRangeIter, TypeArrayIter, TypeStringIter:
		return v, nil
	}
	if fn := vm.magic(v, MagicIter); fn != nil {
		return fn.Call(vm, []Value{v})
	}
	if _, ok := vm.Heap.Object(v).(Iterator); ok {
		return v, nil
	}
	return Null, &TypeError{Op: "iter", Expected: "iterable", Got: vm.TypeName(v)}
}

// Next advances the iterator it.
func (vm *VM) Next(it Value) (Value, bool, error) {
	if !it.IsObject() {
		return Null, false, &TypeError{Op: "next", Expected: "iterator", Got: vm.TypeName(it)}
	}
	iter, ok := vm.Heap.Object(it).(Iterator)
	if !ok {
		return Null, false, &TypeError{Op: "next", Expected: "iterator", Got: vm.TypeName(it)}
	}
	// A generator body runs to its next yield and may collect on the way.
	vm.Heap.Pin(it)
	defer vm.Heap.Unpin(it)
	return iter.Next(vm.interp)
}
