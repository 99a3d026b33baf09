package ffi

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chazu/skiff/vm"
)

// Kind says how a field's bytes are read.
type Kind uint8

const (
	KindBytes Kind = iota // raw bytes, read back as a struct blob
	KindInt
	KindUint
	KindFloat
	KindBool
	KindPointer
)

var kindNames = map[Kind]string{
	KindBytes:   "bytes",
	KindInt:     "int",
	KindUint:    "uint",
	KindFloat:   "float",
	KindBool:    "bool",
	KindPointer: "pointer",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Field describes one member of a reflected layout.
type Field struct {
	Name   string
	Offset int
	Size   int
	Kind   Kind
}

// ReflType is the layout of a native type. Fields are sorted by name.
type ReflType struct {
	Name   string
	Size   int
	Fields []Field
}

// Field finds a member by name.
func (t *ReflType) Field(name string) (Field, error) {
	i := sort.Search(len(t.Fields), func(i int) bool { return t.Fields[i].Name >= name })
	if i < len(t.Fields) && t.Fields[i].Name == name {
		return t.Fields[i], nil
	}
	return Field{}, &vm.LookupError{Kind: "field", Name: t.Name + "." + name}
}

// ReflRegistry maps type names to layouts. It is append-only until
// Freeze; afterwards reads take no lock.
type ReflRegistry struct {
	mu     sync.RWMutex
	frozen atomic.Bool
	types  map[string]*ReflType
}

// NewReflRegistry creates an empty registry.
func NewReflRegistry() *ReflRegistry {
	return &ReflRegistry{types: make(map[string]*ReflType)}
}

var defaultRefl = NewReflRegistry()

// Reflection returns the process-wide registry.
func Reflection() *ReflRegistry { return defaultRefl }

// Add registers a layout. Names are unique and every field must lie
// within size.
func (r *ReflRegistry) Add(name string, size int, fields []Field) error {
	if name == "" {
		return fmt.Errorf("refl: empty type name")
	}
	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i, f := range sorted {
		if f.Offset < 0 || f.Size < 0 || f.Offset+f.Size > size {
			return fmt.Errorf("refl: %s.%s [%d,+%d) outside %d bytes", name, f.Name, f.Offset, f.Size, size)
		}
		if i > 0 && sorted[i-1].Name == f.Name {
			return fmt.Errorf("refl: %s: duplicate field %s", name, f.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("refl: registry is frozen, cannot add %s", name)
	}
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("refl: type %s already registered", name)
	}
	r.types[name] = &ReflType{Name: name, Size: size, Fields: sorted}
	return nil
}

// AddStruct registers the layout of the Go struct T under name, or under
// T's own name when name is empty.
func AddStruct[T any](r *ReflRegistry, name string) error {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct || !isPOD(t) {
		return fmt.Errorf("refl: %s is not a plain-old-data struct", t)
	}
	if name == "" {
		name = t.Name()
	}
	fields := make([]Field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		i := i
		sf := t.Field(i)
		if sf.Name == "_" {
			continue
		}
		fields = append(fields, Field{
			Name:   fieldName(sf),
			Offset: int(sf.Offset),
			Size:   int(sf.Type.Size()),
			Kind:   kindOf(sf.Type),
		})
	}
	return r.Add(name, int(t.Size()), fields)
}

// fieldName uses a `c:"name"` tag when present, else the lowercased Go name.
func fieldName(sf reflect.StructField) string {
	if tag, ok := sf.Tag.Lookup("c"); ok && tag != "" {
		return tag
	}
	return strings.ToLower(sf.Name)
}

func kindOf(t reflect.Type) Kind {
	switch t.Kind() {
	case reflect.Bool:
		return KindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return KindInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindUint
	case reflect.Uintptr:
		return KindPointer
	case reflect.Float32, reflect.Float64:
		return KindFloat
	}
	return KindBytes
}

// Freeze makes the registry read-only.
func (r *ReflRegistry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *ReflRegistry) Frozen() bool { return r.frozen.Load() }

// Lookup returns the layout registered under name.
func (r *ReflRegistry) Lookup(name string) (*ReflType, error) {
	var (
		t  *ReflType
		ok bool
	)
	if r.frozen.Load() {
		t, ok = r.types[name]
	} else {
		r.mu.RLock()
		t, ok = r.types[name]
		r.mu.RUnlock()
	}
	if !ok {
		return nil, &vm.LookupError{Kind: "type", Name: name}
	}
	return t, nil
}

// Field returns a member of a registered layout.
func (r *ReflRegistry) Field(typeName, field string) (Field, error) {
	t, err := r.Lookup(typeName)
	if err != nil {
		return Field{}, err
	}
	return t.Field(field)
}

// Names returns every registered type name in sorted order.
func (r *ReflRegistry) Names() []string {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Dynamic field access
// ---------------------------------------------------------------------------

// GetField reads a field of blob through the process-wide registry.
func GetField(v *vm.VM, blob vm.Value, typeName, field string) (vm.Value, error) {
	return defaultRefl.GetField(v, blob, typeName, field)
}

// SetField writes a field of blob through the process-wide registry.
func SetField(v *vm.VM, blob vm.Value, typeName, field string, val vm.Value) error {
	return defaultRefl.SetField(v, blob, typeName, field, val)
}

func (r *ReflRegistry) locate(v *vm.VM, blob vm.Value, typeName, field string) ([]byte, Field, error) {
	f, err := r.Field(typeName, field)
	if err != nil {
		return nil, Field{}, err
	}
	s, err := StructOf(v, blob)
	if err != nil {
		return nil, Field{}, err
	}
	if f.Offset+f.Size > s.Size() {
		return nil, Field{}, &vm.TypeError{
			Op:       typeName + "." + field,
			Expected: fmt.Sprintf("at least %d bytes", f.Offset+f.Size),
			Got:      fmt.Sprintf("%d bytes", s.Size()),
		}
	}
	return s.Bytes()[f.Offset : f.Offset+f.Size], f, nil
}

// GetField reads a field of blob as a Value.
func (r *ReflRegistry) GetField(v *vm.VM, blob vm.Value, typeName, field string) (vm.Value, error) {
	b, f, err := r.locate(v, blob, typeName, field)
	if err != nil {
		return vm.Null, err
	}
	ne := binary.NativeEndian
	switch {
	case f.Kind == KindBool && f.Size == 1:
		return vm.FromBool(b[0] != 0), nil
	case f.Kind == KindInt || f.Kind == KindUint || f.Kind == KindPointer:
		var u uint64
		switch f.Size {
		case 1:
			u = uint64(b[0])
		case 2:
			u = uint64(ne.Uint16(b))
		case 4:
			u = uint64(ne.Uint32(b))
		case 8:
			u = ne.Uint64(b)
		default:
			return vm.Null, fmt.Errorf("refl: %s.%s: unsupported %s width %d", typeName, field, f.Kind, f.Size)
		}
		switch f.Kind {
		case KindPointer:
			return NewPointer(v, Pointer{Addr: uintptr(u)}), nil
		case KindInt:
			shift := 64 - 8*uint(f.Size)
			return vm.FromInt(int64(u<<shift) >> shift), nil
		}
		if u > math.MaxInt64 {
			return vm.Null, &vm.TypeError{Op: typeName + "." + field, Expected: "int64 range", Got: "uint64"}
		}
		return vm.FromInt(int64(u)), nil
	case f.Kind == KindFloat && f.Size == 4:
		return vm.FromFloat(float64(math.Float32frombits(ne.Uint32(b)))), nil
	case f.Kind == KindFloat && f.Size == 8:
		return vm.FromFloat(math.Float64frombits(ne.Uint64(b))), nil
	case f.Kind == KindBytes:
		return NewStructValue(v, b), nil
	}
	return vm.Null, fmt.Errorf("refl: %s.%s: unsupported %s width %d", typeName, field, f.Kind, f.Size)
}

// SetField writes val into a field of blob.
func (r *ReflRegistry) SetField(v *vm.VM, blob vm.Value, typeName, field string, val vm.Value) error {
	b, f, err := r.locate(v, blob, typeName, field)
	if err != nil {
		return err
	}
	ne := binary.NativeEndian
	op := typeName + "." + field
	switch f.Kind {
	case KindBool:
		if !val.IsBool() {
			return &vm.TypeError{Op: op, Expected: "bool", Got: v.TypeName(val)}
		}
		b[0] = 0
		if val.Bool() {
			b[0] = 1
		}
		return nil

	case KindInt, KindUint, KindPointer:
		var u uint64
		switch {
		case f.Kind == KindPointer:
			p, err := ToPointer(v, val)
			if err != nil {
				return err
			}
			u = uint64(p.Addr)
			if !fitsWidth(u, f.Size, false) {
				return &vm.TypeError{Op: op, Expected: fmt.Sprintf("%d-byte address", f.Size), Got: p.Hex()}
			}
		case val.IsInt():
			n := val.Int()
			u = uint64(n)
			signed := f.Kind == KindInt
			if (!signed && n < 0) || !fitsWidth(u, f.Size, signed) {
				return &vm.TypeError{Op: op, Expected: fmt.Sprintf("%s%d", f.Kind, f.Size*8), Got: strconv.FormatInt(n, 10)}
			}
		default:
			return &vm.TypeError{Op: op, Expected: "int", Got: v.TypeName(val)}
		}
		switch f.Size {
		case 1:
			b[0] = byte(u)
		case 2:
			ne.PutUint16(b, uint16(u))
		case 4:
			ne.PutUint32(b, uint32(u))
		case 8:
			ne.PutUint64(b, u)
		default:
			return fmt.Errorf("refl: %s: unsupported %s width %d", op, f.Kind, f.Size)
		}
		return nil

	case KindFloat:
		x, ok := val.Number()
		if !ok {
			return &vm.TypeError{Op: op, Expected: "float", Got: v.TypeName(val)}
		}
		if f.Size == 4 {
			ne.PutUint32(b, math.Float32bits(float32(x)))
		} else {
			ne.PutUint64(b, math.Float64bits(x))
		}
		return nil

	case KindBytes:
		s, err := StructOf(v, val)
		if err != nil {
			return err
		}
		if s.Size() != f.Size {
			return &vm.TypeError{Op: op, Expected: fmt.Sprintf("%d bytes", f.Size), Got: fmt.Sprintf("%d bytes", s.Size())}
		}
		copy(b, s.Bytes())
		return nil
	}
	return fmt.Errorf("refl: %s: unsupported kind %s", op, f.Kind)
}

// fitsWidth reports whether u survives narrowing to size bytes, read as
// two's complement when signed.
func fitsWidth(u uint64, size int, signed bool) bool {
	if size >= 8 {
		return true
	}
	bits := uint(size) * 8
	if signed {
		n := int64(u)
		return n >= -1<<(bits-1) && n < 1<<(bits-1)
	}
	return u>>bits == 0
}

// ---------------------------------------------------------------------------
// Layout objects
// ---------------------------------------------------------------------------

func newLayoutValue(v *vm.VM, t *ReflType) vm.Value {
	return v.Heap.New(typesOf(v).layout, t)
}

func registerLayoutOps(v *vm.VM, t vm.Type) {
	v.Types.BindMagic(t, vm.MagicLen, vm.Magic1(func(v *vm.VM, self vm.Value) (vm.Value, error) {
		rt, err := vm.Get[*ReflType](v.Heap, self)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromInt(int64(len(rt.Fields))), nil
	}))
	v.Types.BindMagic(t, vm.MagicRepr, vm.Magic1(func(v *vm.VM, self vm.Value) (vm.Value, error) {
		rt, err := vm.Get[*ReflType](v.Heap, self)
		if err != nil {
			return vm.Null, err
		}
		parts := make([]string, len(rt.Fields))
		for i, f := range rt.Fields {
			parts[i] = fmt.Sprintf("%s@%d", f.Name, f.Offset)
		}
		return v.NewStr(fmt.Sprintf("<refl %s size=%d {%s}>", rt.Name, rt.Size, strings.Join(parts, ", "))), nil
	}))
}
