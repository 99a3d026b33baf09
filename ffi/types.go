// Package ffi bridges script Values and host memory: opaque pointers,
// plain-old-data byte blobs, a reflection registry describing blob
// layouts, and adapters that turn Go functions into native callables.
package ffi

import (
	"github.com/chazu/skiff/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("skiff.ffi")

// ModuleName is the script module Install creates.
const ModuleName = "c"

// cTypes are the type tags the bridge registers in a VM.
type cTypes struct {
	voidP  vm.Type
	blob   vm.Type
	layout vm.Type
}

// typesOf returns the bridge's type tags in v, registering them and their
// operations on first use.
func typesOf(v *vm.VM) cTypes {
	if p, ok := v.Types.Lookup(ModuleName, "void_p"); ok {
		s, _ := v.Types.Lookup(ModuleName, "struct")
		r, _ := v.Types.Lookup(ModuleName, "_refl")
		return cTypes{voidP: p, blob: s, layout: r}
	}

	ct := cTypes{
		voidP: v.Types.NewType(ModuleName, "void_p", vm.TypeOptions{}),
		blob: v.Types.NewType(ModuleName, "struct", vm.TypeOptions{
			Dtor: func(obj any) { obj.(*Struct).release() },
		}),
		layout: v.Types.NewType(ModuleName, "_refl", vm.TypeOptions{}),
	}
	registerPointerOps(v, ct.voidP)
	registerStructOps(v, ct.blob)
	registerLayoutOps(v, ct.layout)
	log.Debugf("registered c types in vm %s", v.ID)
	return ct
}
