package ffi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync/atomic"

	"github.com/chazu/skiff/pool"
	"github.com/chazu/skiff/vm"
)

// ErrAdapterFreed is returned when a released adapter is called.
var ErrAdapterFreed = errors.New("ffi: adapter already freed")

var liveAdapters atomic.Int64

// LiveAdapters returns the number of bound adapters not yet freed.
func LiveAdapters() int64 { return liveAdapters.Load() }

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	valueType   = reflect.TypeOf((*vm.Value)(nil)).Elem()
	pointerType = reflect.TypeOf((*Pointer)(nil)).Elem()
)

type argConv func(v *vm.VM, val vm.Value) (reflect.Value, error)
type retConv func(v *vm.VM, rv reflect.Value) (vm.Value, error)

// Adapter turns a Go function into a uniform native call: arity check,
// per-argument conversion, invocation, and return conversion. The
// signature is validated once, at Bind time.
type Adapter struct {
	Name string

	fn     reflect.Value
	in     []argConv
	out    retConv // nil for functions with no result
	hasErr bool    // last result is an error
	pool   *pool.Pool
	freed  atomic.Bool
}

// BindOption configures Bind.
type BindOption func(*Adapter)

// WithName sets the name used in error messages.
func WithName(name string) BindOption {
	return func(a *Adapter) { a.Name = name }
}

// WithPool runs every call on a worker of p and waits for it.
func WithPool(p *pool.Pool) BindOption {
	return func(a *Adapter) { a.pool = p }
}

// Bind builds an adapter for fn. Supported parameter and result types are
// bool, sized ints and uints, floats, string, Pointer, vm.Value, and
// plain-old-data structs (passed as struct blobs). A trailing error result
// is returned as the call's error.
func Bind(fn any, opts ...BindOption) (*Adapter, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, fmt.Errorf("ffi: bind: %T is not a function", fn)
	}
	ft := rv.Type()
	a := &Adapter{Name: ft.String(), fn: rv}
	for _, opt := range opts {
		opt(a)
	}
	if ft.IsVariadic() {
		return nil, fmt.Errorf("ffi: bind %s: variadic functions are not supported", a.Name)
	}

	a.in = make([]argConv, ft.NumIn())
	for i := 0; i < ft.NumIn(); i++ {
		i := i
		conv, err := argConverter(ft.In(i))
		if err != nil {
			return nil, fmt.Errorf("ffi: bind %s: parameter %d: %w", a.Name, i+1, err)
		}
		a.in[i] = conv
	}

	nout := ft.NumOut()
	if nout > 0 && ft.Out(nout-1) == errorType {
		a.hasErr = true
		nout--
	}
	switch nout {
	case 0:
	case 1:
		conv, err := retConverter(ft.Out(0))
		if err != nil {
			return nil, fmt.Errorf("ffi: bind %s: result: %w", a.Name, err)
		}
		a.out = conv
	default:
		return nil, fmt.Errorf("ffi: bind %s: at most one result plus error is supported", a.Name)
	}

	liveAdapters.Add(1)
	log.Debugf("bound %s (%d args)", a.Name, len(a.in))
	return a, nil
}

// Arity returns the number of parameters.
func (a *Adapter) Arity() int { return len(a.in) }

// Freed reports whether Free has run.
func (a *Adapter) Freed() bool { return a.freed.Load() }

// Free releases the adapter. It is idempotent.
func (a *Adapter) Free() {
	if a.freed.CompareAndSwap(false, true) {
		liveAdapters.Add(-1)
		log.Debugf("freed %s", a.Name)
	}
}

// Call converts args, invokes the function, and converts its result. A
// function without a result returns None.
func (a *Adapter) Call(v *vm.VM, args []vm.Value) (vm.Value, error) {
	if a.freed.Load() {
		return vm.Null, fmt.Errorf("%s: %w", a.Name, ErrAdapterFreed)
	}
	if len(args) != len(a.in) {
		return vm.Null, &vm.ArityError{Name: a.Name, Expected: len(a.in), Got: len(args)}
	}
	in := make([]reflect.Value, len(args))
	for i, conv := range a.in {
		rv, err := conv(v, args[i])
		if err != nil {
			var te *vm.TypeError
			if errors.As(err, &te) {
				te.Op = fmt.Sprintf("%s argument %d", a.Name, i+1)
			}
			return vm.Null, err
		}
		in[i] = rv
	}

	var outs []reflect.Value
	if a.pool != nil {
		_, err := a.pool.Run(context.Background(), func() (any, error) {
			outs = a.fn.Call(in)
			return nil, nil
		})
		if err != nil {
			return vm.Null, fmt.Errorf("%s: %w", a.Name, err)
		}
	} else {
		outs = a.fn.Call(in)
	}

	if a.hasErr {
		if errv := outs[len(outs)-1]; !errv.IsNil() {
			return vm.Null, errv.Interface().(error)
		}
	}
	if a.out == nil {
		return vm.None, nil
	}
	return a.out(v, outs[0])
}

// BindFunc binds fn and stores it in mod under name. The callable owns the
// adapter: when the collector frees it, the adapter is freed too.
func BindFunc(v *vm.VM, mod *vm.Module, name string, fn any, opts ...BindOption) (vm.Value, error) {
	a, err := Bind(fn, append([]BindOption{WithName(name)}, opts...)...)
	if err != nil {
		return vm.Null, err
	}
	val, nf := v.NewNativeFunc(name, a.Arity(), a.Call)
	nf.SetUserdata(a, a.Free)
	if mod != nil {
		mod.Set(name, val)
	}
	return val, nil
}

// ---------------------------------------------------------------------------
// Converters
// ---------------------------------------------------------------------------

func argConverter(t reflect.Type) (argConv, error) {
	switch {
	case t == valueType:
		return func(_ *vm.VM, val vm.Value) (reflect.Value, error) {
			return reflect.ValueOf(val), nil
		}, nil
	case t == pointerType:
		return func(v *vm.VM, val vm.Value) (reflect.Value, error) {
			p, err := ToPointer(v, val)
			return reflect.ValueOf(p), err
		}, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return func(v *vm.VM, val vm.Value) (reflect.Value, error) {
			if !val.IsBool() {
				return reflect.Value{}, &vm.TypeError{Expected: "bool", Got: v.TypeName(val)}
			}
			return reflect.ValueOf(val.Bool()).Convert(t), nil
		}, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(v *vm.VM, val vm.Value) (reflect.Value, error) {
			if !val.IsInt() {
				return reflect.Value{}, &vm.TypeError{Expected: "int", Got: v.TypeName(val)}
			}
			rv := reflect.New(t).Elem()
			if rv.OverflowInt(val.Int()) {
				return reflect.Value{}, &vm.TypeError{Expected: t.String(), Got: "out-of-range int"}
			}
			rv.SetInt(val.Int())
			return rv, nil
		}, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return func(v *vm.VM, val vm.Value) (reflect.Value, error) {
			if !val.IsInt() {
				return reflect.Value{}, &vm.TypeError{Expected: "int", Got: v.TypeName(val)}
			}
			n := val.Int()
			rv := reflect.New(t).Elem()
			if n < 0 || rv.OverflowUint(uint64(n)) {
				return reflect.Value{}, &vm.TypeError{Expected: t.String(), Got: "out-of-range int"}
			}
			rv.SetUint(uint64(n))
			return rv, nil
		}, nil

	case reflect.Float32, reflect.Float64:
		return func(v *vm.VM, val vm.Value) (reflect.Value, error) {
			x, ok := val.Number()
			if !ok {
				return reflect.Value{}, &vm.TypeError{Expected: "float", Got: v.TypeName(val)}
			}
			return reflect.ValueOf(x).Convert(t), nil
		}, nil

	case reflect.String:
		return func(v *vm.VM, val vm.Value) (reflect.Value, error) {
			s, err := v.StrValue(val)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(s).Convert(t), nil
		}, nil

	case reflect.Struct, reflect.Array:
		if !isPOD(t) {
			break
		}
		return func(v *vm.VM, val vm.Value) (reflect.Value, error) {
			s, err := StructOf(v, val)
			if err != nil {
				return reflect.Value{}, err
			}
			if s.Size() != int(t.Size()) {
				return reflect.Value{}, &vm.TypeError{
					Expected: fmt.Sprintf("%d-byte struct", t.Size()),
					Got:      fmt.Sprintf("%d-byte struct", s.Size()),
				}
			}
			return reflectFromBlob(t, s.Bytes()), nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}

func retConverter(t reflect.Type) (retConv, error) {
	switch {
	case t == valueType:
		return func(_ *vm.VM, rv reflect.Value) (vm.Value, error) {
			return rv.Interface().(vm.Value), nil
		}, nil
	case t == pointerType:
		return func(v *vm.VM, rv reflect.Value) (vm.Value, error) {
			return NewPointer(v, rv.Interface().(Pointer)), nil
		}, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return func(_ *vm.VM, rv reflect.Value) (vm.Value, error) {
			return vm.FromBool(rv.Bool()), nil
		}, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(_ *vm.VM, rv reflect.Value) (vm.Value, error) {
			return vm.FromInt(rv.Int()), nil
		}, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return func(_ *vm.VM, rv reflect.Value) (vm.Value, error) {
			u := rv.Uint()
			if u > math.MaxInt64 {
				return vm.Null, &vm.TypeError{Op: "result", Expected: "int64 range", Got: t.String()}
			}
			return vm.FromInt(int64(u)), nil
		}, nil

	case reflect.Float32, reflect.Float64:
		return func(_ *vm.VM, rv reflect.Value) (vm.Value, error) {
			return vm.FromFloat(rv.Float()), nil
		}, nil

	case reflect.String:
		return func(v *vm.VM, rv reflect.Value) (vm.Value, error) {
			return v.NewStr(rv.String()), nil
		}, nil

	case reflect.Struct, reflect.Array:
		if !isPOD(t) {
			break
		}
		return func(v *vm.VM, rv reflect.Value) (vm.Value, error) {
			return NewStructValue(v, blobFromReflect(rv)), nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}
