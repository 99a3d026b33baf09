package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Value is the fixed-size record passed everywhere a variable is passed.
//
// Layout (16 bytes, trivially copyable):
//   - typ:    16-bit type tag (0 means the null Value)
//   - inline: true when the payload holds the data itself
//   - flags:  8 bits reserved for the owning type
//   - data:   12-byte payload
//
// Inline kinds (none, bool, int, float, not-implemented) never touch the
// heap. Every other kind stores a heap handle in the payload: a 32-bit
// cell index followed by the 32-bit generation of that cell.
//
// Two Values compare equal with == iff their bytes are identical. That is
// the identity fast path, not script-level equality (see VM.Equal).
type Value struct {
	typ    Type
	inline bool
	flags  uint8
	data   [12]byte
}

// Null is the empty Value. It has a zero type tag and is falsy.
var Null Value

// Pre-defined inline values.
var (
	None           = Value{typ: TypeNone, inline: true}
	True           = Value{typ: TypeBool, inline: true, data: [12]byte{1}}
	False          = Value{typ: TypeBool, inline: true}
	NotImplemented = Value{typ: TypeNotImplemented, inline: true}

	// yieldSignal is returned by RunFrame when the frame yields. Nothing
	// reachable from script code can construct a Value with this tag.
	yieldSignal = Value{typ: typeYield, inline: true}
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// Type returns the type tag of v.
func (v Value) Type() Type { return v.typ }

// IsInline reports whether v carries its data in the payload.
func (v Value) IsInline() bool { return v.inline }

// Flags returns the flags byte.
func (v Value) Flags() uint8 { return v.flags }

// WithFlags returns a copy of v with the flags byte replaced.
func (v Value) WithFlags(f uint8) Value {
	v.flags = f
	return v
}

// IsNull reports whether v is the empty Value.
func (v Value) IsNull() bool { return v.typ == TypeNull }

// IsNone reports whether v is None.
func (v Value) IsNone() bool { return v.typ == TypeNone }

func (v Value) IsBool() bool           { return v.typ == TypeBool }
func (v Value) IsInt() bool            { return v.typ == TypeInt }
func (v Value) IsFloat() bool          { return v.typ == TypeFloat }
func (v Value) IsNotImplemented() bool { return v.typ == TypeNotImplemented }

// IsYield reports whether v is the yield signal returned by RunFrame.
func (v Value) IsYield() bool { return v.typ == typeYield }

// IsObject reports whether v is a handle to a heap cell.
func (v Value) IsObject() bool { return !v.inline && v.typ != TypeNull }

// IsNumber reports whether v is an int or a float.
func (v Value) IsNumber() bool { return v.typ == TypeInt || v.typ == TypeFloat }

// ---------------------------------------------------------------------------
// Inline payloads
// ---------------------------------------------------------------------------

// FromInt creates an int Value.
func FromInt(n int64) Value {
	v := Value{typ: TypeInt, inline: true}
	binary.LittleEndian.PutUint64(v.data[:8], uint64(n))
	return v
}

// Int returns v as an int64.
// Panics if v is not an int.
func (v Value) Int() int64 {
	if v.typ != TypeInt {
		panic("Value.Int: not an int")
	}
	return int64(binary.LittleEndian.Uint64(v.data[:8]))
}

// FromFloat creates a float Value.
func FromFloat(f float64) Value {
	v := Value{typ: TypeFloat, inline: true}
	binary.LittleEndian.PutUint64(v.data[:8], math.Float64bits(f))
	return v
}

// Float returns v as a float64.
// Panics if v is not a float.
func (v Value) Float() float64 {
	if v.typ != TypeFloat {
		panic("Value.Float: not a float")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.data[:8]))
}

// FromBool creates a bool Value.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Bool returns v as a bool.
// Panics if v is not a bool.
func (v Value) Bool() bool {
	if v.typ != TypeBool {
		panic("Value.Bool: not a bool")
	}
	return v.data[0] != 0
}

// Number returns v as a float64 for either numeric kind.
func (v Value) Number() (float64, bool) {
	switch v.typ {
	case TypeInt:
		return float64(v.Int()), true
	case TypeFloat:
		return v.Float(), true
	}
	return 0, false
}

// Hash interprets the first 8 payload bytes as an int64. This is only
// meaningful for inline values; heap kinds hash through their own type.
func (v Value) Hash() int64 {
	return int64(binary.LittleEndian.Uint64(v.data[:8]))
}

// ---------------------------------------------------------------------------
// Heap handles
// ---------------------------------------------------------------------------

func handleValue(t Type, index, gen uint32) Value {
	v := Value{typ: t}
	binary.LittleEndian.PutUint32(v.data[0:4], index)
	binary.LittleEndian.PutUint32(v.data[4:8], gen)
	return v
}

func (v Value) handle() (index, gen uint32) {
	return binary.LittleEndian.Uint32(v.data[0:4]), binary.LittleEndian.Uint32(v.data[4:8])
}

// ---------------------------------------------------------------------------
// Truthiness
// ---------------------------------------------------------------------------

// IsTruthy reports truthiness for inline values. Heap objects are truthy
// here; VM.Truthy consults __len__ for containers.
func (v Value) IsTruthy() bool {
	switch v.typ {
	case TypeNull, TypeNone:
		return false
	case TypeBool:
		return v.data[0] != 0
	case TypeInt:
		return v.Int() != 0
	case TypeFloat:
		return v.Float() != 0
	}
	return true
}

// String renders inline values; heap handles print their tag and cell.
func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "<null>"
	case TypeNone:
		return "None"
	case TypeBool:
		if v.Bool() {
			return "True"
		}
		return "False"
	case TypeInt:
		return fmt.Sprintf("%d", v.Int())
	case TypeFloat:
		return fmt.Sprintf("%g", v.Float())
	case TypeNotImplemented:
		return "NotImplemented"
	case typeYield:
		return "<yield>"
	}
	idx, gen := v.handle()
	return fmt.Sprintf("<object type=%d cell=%d gen=%d>", v.typ, idx, gen)
}
