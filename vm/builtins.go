package vm

import "strconv"

// ---------------------------------------------------------------------------
// The builtins module
// ---------------------------------------------------------------------------

func (vm *VM) registerBuiltins() {
	vm.defBuiltin("range", -1, builtinRange)

	vm.defBuiltin("len", 1, func(vm *VM, args []Value) (Value, error) {
		n, err := vm.Len(args[0])
		if err != nil {
			return Null, err
		}
		return FromInt(n), nil
	})

	vm.defBuiltin("hash", 1, func(vm *VM, args []Value) (Value, error) {
		h, err := vm.Hash(args[0])
		if err != nil {
			return Null, err
		}
		return FromInt(h), nil
	})

	vm.defBuiltin("iter", 1, func(vm *VM, args []Value) (Value, error) {
		return vm.Iter(args[0])
	})

	vm.defBuiltin("repr", 1, func(vm *VM, args []Value) (Value, error) {
		return vm.NewStr(vm.Repr(args[0])), nil
	})
}

func (vm *VM) defBuiltin(name string, argc int, fn NativeFn) {
	v, _ := vm.NewNativeFunc(name, argc, fn)
	vm.Builtins.Set(name, v)
}

func builtinRange(vm *VM, args []Value) (Value, error) {
	bounds := make([]int64, len(args))
	for i, a := range args {
		if !a.IsInt() {
			return Null, &TypeError{Op: "range", Expected: "int", Got: vm.TypeName(a)}
		}
		bounds[i] = a.Int()
	}
	switch len(bounds) {
	case 1:
		return vm.NewRange(0, bounds[0], 1)
	case 2:
		return vm.NewRange(bounds[0], bounds[1], 1)
	case 3:
		return vm.NewRange(bounds[0], bounds[1], bounds[2])
	}
	return Null, &TypeError{Op: "range", Expected: "1 to 3 arguments", Got: strconv.Itoa(len(args))}
}
