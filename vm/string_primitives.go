package vm

import (
	"math"
	"strconv"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// String Primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerStringPrimitives() {
	t := vm.Types

	// __len__ counts code points, matching what iteration yields.
	t.BindMagic(TypeStr, MagicLen, Magic1(func(vm *VM, self Value) (Value, error) {
		s, err := vm.StrValue(self)
		if err != nil {
			return Null, err
		}
		return FromInt(int64(utf8.RuneCountInString(s))), nil
	}))

	t.BindMagic(TypeStr, MagicEq, Magic2(strEq))

	t.BindMagic(TypeStr, MagicNe, Magic2(func(vm *VM, self, other Value) (Value, error) {
		r, err := strEq(vm, self, other)
		if err != nil || r.IsNotImplemented() {
			return r, err
		}
		return FromBool(!r.Bool()), nil
	}))

	t.BindMagic(TypeStr, MagicRepr, Magic1(func(vm *VM, self Value) (Value, error) {
		s, err := vm.StrValue(self)
		if err != nil {
			return Null, err
		}
		return vm.NewStr(strconv.Quote(s)), nil
	}))

	t.BindMagic(TypeStr, MagicHash, Magic1(func(vm *VM, self Value) (Value, error) {
		s, err := Get[*Str](vm.Heap, self)
		if err != nil {
			return Null, err
		}
		return FromInt(int64(s.Hash())), nil
	}))
}

func strEq(vm *VM, self, other Value) (Value, error) {
	if other.Type() != TypeStr {
		return NotImplemented, nil
	}
	a, err := vm.StrValue(self)
	if err != nil {
		return Null, err
	}
	b, _ := vm.StrValue(other)
	return FromBool(a == b), nil
}

// ---------------------------------------------------------------------------
// Range Primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerRangePrimitives() {
	t := vm.Types

	t.BindMagic(TypeRange, MagicLen, Magic1(func(vm *VM, self Value) (Value, error) {
		r, err := Get[*Range](vm.Heap, self)
		if err != nil {
			return Null, err
		}
		n := r.Len()
		if n > math.MaxInt64 {
			return Null, &TypeError{Op: "len", Expected: "range of at most MaxInt64 items", Got: strconv.FormatUint(n, 10) + " items"}
		}
		return FromInt(int64(n)), nil
	}))

	t.BindMagic(TypeRange, MagicRepr, Magic1(func(vm *VM, self Value) (Value, error) {
		r, err := Get[*Range](vm.Heap, self)
		if err != nil {
			return Null, err
		}
		s := "range(" + strconv.FormatInt(r.Start, 10) + ", " + strconv.FormatInt(r.Stop, 10)
		if r.Step != 1 {
			s += ", " + strconv.FormatInt(r.Step, 10)
		}
		return vm.NewStr(s + ")"), nil
	}))
}
