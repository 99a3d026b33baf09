package vm

// ---------------------------------------------------------------------------
// NativeFunc: host functions callable from script code
// ---------------------------------------------------------------------------

// NativeFn is the uniform signature every host function is reduced to.
type NativeFn func(vm *VM, args []Value) (Value, error)

// NativeFunc is the payload of a TypeNativeFunc cell, and also the entry
// type of magic capability tables.
type NativeFunc struct {
	Name string
	// Argc is the exact argument count, or -1 for any.
	Argc int
	Fn   NativeFn

	// Userdata is state owned by this callable that lives outside the heap.
	// The collector cannot see inside it; free releases it when the cell is
	// swept.
	Userdata any
	free     func()
	released bool
}

// SetUserdata attaches data whose lifetime is tied to this callable.
func (f *NativeFunc) SetUserdata(data any, free func()) {
	f.Userdata = data
	f.free = free
}

// Call checks the argument count and invokes the function.
func (f *NativeFunc) Call(vm *VM, args []Value) (Value, error) {
	if f.Argc >= 0 && len(args) != f.Argc {
		return Null, &ArityError{Name: f.Name, Expected: f.Argc, Got: len(args)}
	}
	ret, err := f.Fn(vm, args)
	if err != nil {
		return Null, err
	}
	if ret.IsNull() {
		return None, nil
	}
	return ret, nil
}

func (f *NativeFunc) release() {
	if f.released {
		return
	}
	f.released = true
	if f.free != nil {
		f.free()
	}
	f.Userdata = nil
}

// NewNativeFunc allocates a callable Value wrapping fn.
func (vm *VM) NewNativeFunc(name string, argc int, fn NativeFn) (Value, *NativeFunc) {
	return Alloc(vm.Heap, TypeNativeFunc, func(f *NativeFunc) {
		f.Name = name
		f.Argc = argc
		f.Fn = fn
	})
}

// Magic1 and Magic2 build capability-table entries of fixed arity.
func Magic1(fn func(vm *VM, self Value) (Value, error)) *NativeFunc {
	return &NativeFunc{Argc: 1, Fn: func(vm *VM, args []Value) (Value, error) {
		return fn(vm, args[0])
	}}
}

func Magic2(fn func(vm *VM, self, other Value) (Value, error)) *NativeFunc {
	return &NativeFunc{Argc: 2, Fn: func(vm *VM, args []Value) (Value, error) {
		return fn(vm, args[0], args[1])
	}}
}
