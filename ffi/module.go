package ffi

import (
	"unsafe"

	"github.com/chazu/skiff/vm"
)

// primitiveSizes answers sizeof for C scalar names without a registry entry.
var primitiveSizes = map[string]int{
	"char":     1,
	"bool":     1,
	"short":    2,
	"int":      4,
	"long":     8,
	"float":    4,
	"double":   8,
	"int8_t":   1,
	"int16_t":  2,
	"int32_t":  4,
	"int64_t":  8,
	"uint8_t":  1,
	"uint16_t": 2,
	"uint32_t": 4,
	"uint64_t": 8,
	"size_t":   int(unsafe.Sizeof(uintptr(0))),
	"void_p":   int(unsafe.Sizeof(uintptr(0))),
}

// Install creates the c module in v, backed by the process-wide
// reflection registry.
func Install(v *vm.VM) (*vm.Module, error) {
	return InstallWith(v, defaultRefl)
}

// InstallWith creates the c module backed by refl.
func InstallWith(v *vm.VM, refl *ReflRegistry) (*vm.Module, error) {
	mod, err := v.NewModule(ModuleName)
	if err != nil {
		return nil, err
	}
	typesOf(v)

	mod.Set("NULL", NewPointer(v, Pointer{}))

	def := func(name string, argc int, fn vm.NativeFn) {
		val, _ := v.NewNativeFunc(name, argc, fn)
		mod.Set(name, val)
	}

	def("sizeof", 1, func(v *vm.VM, args []vm.Value) (vm.Value, error) {
		name, err := v.StrValue(args[0])
		if err != nil {
			return vm.Null, err
		}
		if n, ok := primitiveSizes[name]; ok {
			return vm.FromInt(int64(n)), nil
		}
		t, err := refl.Lookup(name)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromInt(int64(t.Size)), nil
	})

	def("refl", 1, func(v *vm.VM, args []vm.Value) (vm.Value, error) {
		name, err := v.StrValue(args[0])
		if err != nil {
			return vm.Null, err
		}
		t, err := refl.Lookup(name)
		if err != nil {
			return vm.Null, err
		}
		return newLayoutValue(v, t), nil
	})

	def("offsetof", 2, func(v *vm.VM, args []vm.Value) (vm.Value, error) {
		typeName, err := v.StrValue(args[0])
		if err != nil {
			return vm.Null, err
		}
		field, err := v.StrValue(args[1])
		if err != nil {
			return vm.Null, err
		}
		f, err := refl.Field(typeName, field)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromInt(int64(f.Offset)), nil
	})

	def("getattr", 3, func(v *vm.VM, args []vm.Value) (vm.Value, error) {
		typeName, err := v.StrValue(args[1])
		if err != nil {
			return vm.Null, err
		}
		field, err := v.StrValue(args[2])
		if err != nil {
			return vm.Null, err
		}
		return refl.GetField(v, args[0], typeName, field)
	})

	def("setattr", 4, func(v *vm.VM, args []vm.Value) (vm.Value, error) {
		typeName, err := v.StrValue(args[1])
		if err != nil {
			return vm.Null, err
		}
		field, err := v.StrValue(args[2])
		if err != nil {
			return vm.Null, err
		}
		return vm.None, refl.SetField(v, args[0], typeName, field, args[3])
	})

	def("copy", 1, func(v *vm.VM, args []vm.Value) (vm.Value, error) {
		s, err := StructOf(v, args[0])
		if err != nil {
			return vm.Null, err
		}
		return v.Heap.New(typesOf(v).blob, s.Copy()), nil
	})

	def("p_value", 1, func(v *vm.VM, args []vm.Value) (vm.Value, error) {
		p, err := ToPointer(v, args[0])
		if err != nil {
			return vm.Null, err
		}
		if uint64(p.Addr) > 1<<63-1 {
			return vm.Null, &vm.TypeError{Op: "p_value", Expected: "int64 range", Got: p.Hex()}
		}
		return vm.FromInt(int64(p.Addr)), nil
	})

	log.Infof("installed module %s in vm %s", ModuleName, v.ID)
	return mod, nil
}
