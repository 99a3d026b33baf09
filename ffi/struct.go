package ffi

import (
	"bytes"
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/chazu/skiff/vm"
	"github.com/zeebo/xxh3"
)

// InlineSize is the largest blob stored without a separate allocation.
const InlineSize = 24

var overflowBytes atomic.Int64

// OverflowBytes returns the bytes currently held by out-of-line blobs.
func OverflowBytes() int64 { return overflowBytes.Load() }

// Struct is an opaque byte-exact copy of a plain-old-data value.
type Struct struct {
	size     int
	inline   [InlineSize]byte
	overflow []byte
}

// NewStructBytes copies b into a new blob.
func NewStructBytes(b []byte) *Struct {
	s := &Struct{size: len(b)}
	if len(b) > InlineSize {
		s.overflow = bytes.Clone(b)
		overflowBytes.Add(int64(len(b)))
	} else {
		copy(s.inline[:], b)
	}
	return s
}

// Size returns the blob length in bytes.
func (s *Struct) Size() int { return s.size }

// IsInline reports whether the bytes live in the inline buffer.
func (s *Struct) IsInline() bool { return s.overflow == nil }

// Bytes returns the blob's storage. Writes go to the blob.
func (s *Struct) Bytes() []byte {
	if s.overflow != nil {
		return s.overflow
	}
	return s.inline[:s.size]
}

// Copy returns an independent blob with the same bytes.
func (s *Struct) Copy() *Struct {
	return NewStructBytes(s.Bytes())
}

// Equal compares contents.
func (s *Struct) Equal(o *Struct) bool {
	return bytes.Equal(s.Bytes(), o.Bytes())
}

// Hash returns a content hash.
func (s *Struct) Hash() uint64 {
	return xxh3.Hash(s.Bytes())
}

func (s *Struct) release() {
	if s.overflow != nil {
		overflowBytes.Add(-int64(len(s.overflow)))
		s.overflow = nil
	}
	s.size = 0
}

// NewStructValue allocates a struct Value holding a copy of b.
func NewStructValue(v *vm.VM, b []byte) vm.Value {
	return v.Heap.New(typesOf(v).blob, NewStructBytes(b))
}

// StructOf resolves a struct Value.
func StructOf(v *vm.VM, val vm.Value) (*Struct, error) {
	if val.Type() != typesOf(v).blob {
		return nil, &vm.TypeError{Op: "struct", Expected: "c.struct", Got: v.TypeName(val)}
	}
	return vm.Get[*Struct](v.Heap, val)
}

// NewStruct copies x into a struct Value. T must be plain old data.
func NewStruct[T any](v *vm.VM, x T) (vm.Value, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if !isPOD(t) {
		return vm.Null, &vm.TypeError{Op: "struct", Expected: "plain-old-data type", Got: t.String()}
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&x)), unsafe.Sizeof(x))
	return NewStructValue(v, b), nil
}

// ToStruct copies a struct Value out as a T. The blob size must equal the
// size of T exactly.
func ToStruct[T any](v *vm.VM, val vm.Value) (T, error) {
	var out T
	t := reflect.TypeOf((*T)(nil)).Elem()
	if !isPOD(t) {
		return out, &vm.TypeError{Op: "struct", Expected: "plain-old-data type", Got: t.String()}
	}
	s, err := StructOf(v, val)
	if err != nil {
		return out, err
	}
	size := int(unsafe.Sizeof(out))
	if s.Size() != size {
		return out, &vm.TypeError{
			Op:       "struct " + t.String(),
			Expected: fmt.Sprintf("%d bytes", size),
			Got:      fmt.Sprintf("%d bytes", s.Size()),
		}
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&out)), size), s.Bytes())
	return out, nil
}

// isPOD reports whether t holds no Go pointers, so its bytes can be
// copied freely.
func isPOD(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isPOD(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			i := i
			if !isPOD(t.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}

// blobFromReflect copies the bytes of a POD reflect.Value.
func blobFromReflect(rv reflect.Value) []byte {
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	return bytes.Clone(unsafe.Slice((*byte)(p.UnsafePointer()), rv.Type().Size()))
}

// reflectFromBlob builds a POD value of type t from b.
func reflectFromBlob(t reflect.Type, b []byte) reflect.Value {
	p := reflect.New(t)
	copy(unsafe.Slice((*byte)(p.UnsafePointer()), t.Size()), b)
	return p.Elem()
}

func registerStructOps(v *vm.VM, t vm.Type) {
	eq := func(v *vm.VM, self, other vm.Value) (vm.Value, error) {
		if other.Type() != self.Type() {
			return vm.NotImplemented, nil
		}
		a, err := StructOf(v, self)
		if err != nil {
			return vm.Null, err
		}
		b, _ := StructOf(v, other)
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
		s, err := StructOf(v, self)
		if err != nil {
			return vm.Null, err
		}
		return v.NewStr(fmt.Sprintf("<struct size=%d>", s.Size())), nil
	}))
	v.Types.BindMagic(t, vm.MagicHash, vm.Magic1(func(v *vm.VM, self vm.Value) (vm.Value, error) {
		s, err := StructOf(v, self)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromInt(int64(s.Hash())), nil
	}))
}
