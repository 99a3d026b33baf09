package vm

import (
	"fmt"
	"sync"
)

// Type is the 16-bit tag carried by every Value and every heap cell.
type Type uint16

// Built-in type tags. Host types registered at runtime follow numBuiltinTypes.
const (
	TypeNull Type = iota
	TypeNone
	TypeBool
	TypeInt
	TypeFloat
	TypeNotImplemented
	typeYield
	TypeObject
	TypeStr
	TypeList
	TypeRange
	TypeFunction
	TypeNativeFunc
	TypeGenerator
	TypeRangeIter
	TypeArrayIter
	TypeStringIter

	numBuiltinTypes
)

// Magic identifies an operation in a type's capability table.
type Magic uint8

const (
	MagicLen Magic = iota
	MagicEq
	MagicNe
	MagicIter
	MagicRepr
	MagicHash

	numMagic
)

var magicNames = [numMagic]string{"__len__", "__eq__", "__ne__", "__iter__", "__repr__", "__hash__"}

func (m Magic) String() string {
	if int(m) < len(magicNames) {
		return magicNames[m]
	}
	return fmt.Sprintf("Magic(%d)", m)
}

// MarkFunc marks every Value a payload references.
type MarkFunc func(obj any, m *Marker)

// DtorFunc releases resources a payload holds outside the heap.
type DtorFunc func(obj any)

// TypeInfo is the runtime descriptor for one type.
type TypeInfo struct {
	Type   Type
	Module string
	Name   string
	Base   Type

	// Mark is nil for kinds holding no references.
	Mark MarkFunc
	// Dtor runs once, right before the cell is freed.
	Dtor DtorFunc

	magic [numMagic]*NativeFunc
}

// QualName returns "module.name", or just the name for builtins.
func (ti *TypeInfo) QualName() string {
	if ti.Module == "" || ti.Module == "builtins" {
		return ti.Name
	}
	return ti.Module + "." + ti.Name
}

// Magic returns the bound operation, or nil.
func (ti *TypeInfo) Magic(m Magic) *NativeFunc {
	return ti.magic[m]
}

// TypeOptions configures NewType.
type TypeOptions struct {
	Base Type
	Mark MarkFunc
	Dtor DtorFunc
}

// TypeRegistry maps qualified names to type descriptors. Types are
// appended during startup and never removed.
type TypeRegistry struct {
	mu     sync.RWMutex
	infos  []*TypeInfo
	byName map[string]Type
}

// NewTypeRegistry creates a registry holding the built-in types.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		infos:  make([]*TypeInfo, numBuiltinTypes),
		byName: make(map[string]Type),
	}
	builtin := func(t Type, name string, mark MarkFunc) {
		ti := &TypeInfo{Type: t, Module: "builtins", Name: name, Base: TypeObject, Mark: mark}
		r.infos[t] = ti
		r.byName["builtins."+name] = t
	}
	builtin(TypeNull, "<null>", nil)
	builtin(TypeNone, "NoneType", nil)
	builtin(TypeBool, "bool", nil)
	builtin(TypeInt, "int", nil)
	builtin(TypeFloat, "float", nil)
	builtin(TypeNotImplemented, "NotImplementedType", nil)
	builtin(typeYield, "<yield>", nil)
	builtin(TypeObject, "object", nil)
	builtin(TypeStr, "str", nil)
	builtin(TypeList, "list", markList)
	builtin(TypeRange, "range", nil)
	builtin(TypeFunction, "function", markFunction)
	builtin(TypeNativeFunc, "native_func", nil)
	builtin(TypeGenerator, "generator", markGenerator)
	builtin(TypeRangeIter, "range_iterator", markRangeIter)
	builtin(TypeArrayIter, "list_iterator", markArrayIter)
	builtin(TypeStringIter, "str_iterator", markStringIter)
	r.infos[TypeObject].Base = TypeNull

	r.infos[TypeNativeFunc].Dtor = func(obj any) { obj.(*NativeFunc).release() }
	return r
}

// NewType registers a type under (module, name) and returns its tag.
// Registering the same qualified name twice returns the existing tag.
func (r *TypeRegistry) NewType(module, name string, opts TypeOptions) Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := module + "." + name
	if t, ok := r.byName[key]; ok {
		return t
	}
	if len(r.infos) >= 1<<16 {
		fatalf("type table full registering %s", key)
	}
	base := opts.Base
	if base == TypeNull {
		base = TypeObject
	}
	t := Type(len(r.infos))
	r.infos = append(r.infos, &TypeInfo{
		Type:   t,
		Module: module,
		Name:   name,
		Base:   base,
		Mark:   opts.Mark,
		Dtor:   opts.Dtor,
	})
	r.byName[key] = t
	return t
}

// Info returns the descriptor for t, or nil if t is unknown.
func (r *TypeRegistry) Info(t Type) *TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(t) >= len(r.infos) {
		return nil
	}
	return r.infos[t]
}

// Lookup finds a type by module and name.
func (r *TypeRegistry) Lookup(module, name string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[module+"."+name]
	return t, ok
}

// Name returns the qualified name of t.
func (r *TypeRegistry) Name(t Type) string {
	if ti := r.Info(t); ti != nil {
		return ti.QualName()
	}
	return fmt.Sprintf("<type %d>", t)
}

// Count returns the number of registered types, builtins included.
func (r *TypeRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.infos)
}

// BindMagic installs fn as operation m of type t.
func (r *TypeRegistry) BindMagic(t Type, m Magic, fn *NativeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(t) >= len(r.infos) {
		fatalf("BindMagic: unknown type %d", t)
	}
	if fn.Name == "" {
		fn.Name = m.String()
	}
	r.infos[t].magic[m] = fn
}

// IsSubtype reports whether t equals base or derives from it.
func (r *TypeRegistry) IsSubtype(t, base Type) bool {
	for t != TypeNull {
		if t == base {
			return true
		}
		ti := r.Info(t)
		if ti == nil {
			return false
		}
		t = ti.Base
	}
	return false
}
