package vm

import "strings"

// ---------------------------------------------------------------------------
// List Primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerListPrimitives() {
	t := vm.Types

	t.BindMagic(TypeList, MagicLen, Magic1(func(vm *VM, self Value) (Value, error) {
		items, err := vm.ListItems(self)
		if err != nil {
			return Null, err
		}
		return FromInt(int64(len(items))), nil
	}))

	t.BindMagic(TypeList, MagicEq, Magic2(listEq))

	// __ne__ negates __eq__ but lets NotImplemented through so the caller
	// can try the reflected operation.
	t.BindMagic(TypeList, MagicNe, Magic2(func(vm *VM, self, other Value) (Value, error) {
		r, err := listEq(vm, self, other)
		if err != nil || r.IsNotImplemented() {
			return r, err
		}
		return FromBool(!r.Bool()), nil
	}))

	t.BindMagic(TypeList, MagicRepr, Magic1(func(vm *VM, self Value) (Value, error) {
		items, err := vm.ListItems(self)
		if err != nil {
			return Null, err
		}
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = vm.Repr(item)
		}
		return vm.NewStr("[" + strings.Join(parts, ", ") + "]"), nil
	}))
}

// listEq compares element-wise. A length mismatch answers False without
// comparing any element; a non-list operand answers NotImplemented.
func listEq(vm *VM, self, other Value) (Value, error) {
	if other.Type() != TypeList {
		return NotImplemented, nil
	}
	a, err := vm.ListItems(self)
	if err != nil {
		return Null, err
	}
	b, _ := vm.ListItems(other)
	if len(a) != len(b) {
		return False, nil
	}
	for i := range a {
		eq, err := vm.Equal(a[i], b[i])
		if err != nil {
			return Null, err
		}
		if !eq {
			return False, nil
		}
	}
	return True, nil
}
