package ffi

import (
	"fmt"
	"unsafe"

	"github.com/chazu/skiff/vm"
)

// Pointer is an opaque native address. Base is an offset the host may use
// to remember which field of a larger allocation the pointer addresses;
// it takes part in equality but not in ordering. Base is 0 unless the host
// sets it, so the zero Pointer is the null pointer and every constructor
// here, FromUnsafe included, leaves it 0.
type Pointer struct {
	Addr uintptr
	Base int
}

// FromUnsafe wraps p. The collector does not keep the target alive.
func FromUnsafe(p unsafe.Pointer) Pointer {
	return Pointer{Addr: uintptr(p)}
}

// IsNull reports whether the address is zero.
func (p Pointer) IsNull() bool { return p.Addr == 0 }

// Equal compares address and base offset.
func (p Pointer) Equal(q Pointer) bool {
	return p.Addr == q.Addr && p.Base == q.Base
}

// Less orders by address only.
func (p Pointer) Less(q Pointer) bool { return p.Addr < q.Addr }

// Add returns p advanced by n bytes.
func (p Pointer) Add(n int) Pointer {
	return Pointer{Addr: p.Addr + uintptr(n), Base: p.Base}
}

// Hex renders the address as 0x-prefixed hex.
func (p Pointer) Hex() string {
	return fmt.Sprintf("0x%x", p.Addr)
}

func (p Pointer) String() string {
	return "<void* at " + p.Hex() + ">"
}

// NewPointer allocates a void_p Value.
func NewPointer(v *vm.VM, p Pointer) vm.Value {
	ptr := new(Pointer)
	*ptr = p
	return v.Heap.New(typesOf(v).voidP, ptr)
}

// ToPointer extracts the address from a void_p Value. None is the null
// pointer.
func ToPointer(v *vm.VM, val vm.Value) (Pointer, error) {
	if val.IsNone() {
		return Pointer{}, nil
	}
	if val.Type() != typesOf(v).voidP {
		return Pointer{}, &vm.TypeError{Op: "void_p", Expected: "c.void_p", Got: v.TypeName(val)}
	}
	p, err := vm.Get[*Pointer](v.Heap, val)
	if err != nil {
		return Pointer{}, err
	}
	return *p, nil
}

func registerPointerOps(v *vm.VM, t vm.Type) {
	eq := func(v *vm.VM, self, other vm.Value) (vm.Value, error) {
		if other.Type() != self.Type() {
			return vm.NotImplemented, nil
		}
		a, err := ToPointer(v, self)
		if err != nil {
			return vm.Null, err
		}
		b, _ := ToPointer(v, other)
		return vm.FromBool(a.Equal(b)), nil
	}
	v.Types.BindMagic(t, vm.MagicEq, vm.Magic2(eq))
	v.Types.BindMagic(t, vm.MagicNe, vm.Magic2(func(v *vm.VM, self, other vm.Value) (vm.Value, error) {
		r, err := eq(v, self, other)
		if err != nil || r.IsNotImplemented() {
			return r, err
		}
		return vm.FromBool(!r.Bool()), nil
	}))
	v.Types.BindMagic(t, vm.MagicRepr, vm.Magic1(func(v *vm.VM, self vm.Value) (vm.Value, error) {
		p, err := ToPointer(v, self)
		if err != nil {
			return vm.Null, err
		}
		return v.NewStr(p.String()), nil
	}))
	v.Types.BindMagic(t, vm.MagicHash, vm.Magic1(func(v *vm.VM, self vm.Value) (vm.Value, error) {
		p, err := ToPointer(v, self)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromInt(int64(p.Addr) ^ int64(p.Base)), nil
	}))
}
