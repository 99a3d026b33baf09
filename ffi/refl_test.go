package ffi

import (
	"errors"
	"sync"
	"testing"

	"github.com/chazu/skiff/vm"
)

type point struct {
	X float64
	Y float64
}

type header struct {
	Kind  uint8
	Flags int16
	Len   uint32 `c:"length"`
	Next  uintptr
	Ok    bool
}

func TestReflLookupField(t *testing.T) {
	r := NewReflRegistry()
	if err := AddStruct[point](r, "Point"); err != nil {
		t.Fatal(err)
	}

	f, err := r.Field("Point", "y")
	if err != nil {
		t.Fatal(err)
	}
	if f.Offset != 8 {
		t.Errorf("y offset = %d, want 8", f.Offset)
	}

	var le *vm.LookupError
	if _, err := r.Field("Point", "z"); !errors.As(err, &le) {
		t.Errorf("missing field: err = %v, want *LookupError", err)
	}
	if _, err := r.Lookup("Nope"); !errors.As(err, &le) {
		t.Errorf("missing type: err = %v, want *LookupError", err)
	}
}

func TestReflFieldsSorted(t *testing.T) {
	r := NewReflRegistry()
	err := r.Add("S", 16, []Field{
		{Name: "zeta", Offset: 0, Size: 4, Kind: KindInt},
		{Name: "alpha", Offset: 4, Size: 4, Kind: KindInt},
		{Name: "mid", Offset: 8, Size: 8, Kind: KindFloat},
	})
	if err != nil {
		t.Fatal(err)
	}
	rt, _ := r.Lookup("S")
	for i := 1; i < len(rt.Fields); i++ {
		if rt.Fields[i-1].Name >= rt.Fields[i].Name {
			t.Fatalf("fields not sorted: %v", rt.Fields)
		}
	}
	for _, name := range []string{"alpha", "mid", "zeta"} {
		if _, err := rt.Field(name); err != nil {
			t.Errorf("field %s: %v", name, err)
		}
	}
}

func TestReflAddValidation(t *testing.T) {
	r := NewReflRegistry()
	if err := r.Add("Bad", 4, []Field{{Name: "x", Offset: 2, Size: 4}}); err == nil {
		t.Error("field past the end should be rejected")
	}
	if err := r.Add("Dup", 8, []Field{{Name: "x", Size: 4}, {Name: "x", Offset: 4, Size: 4}}); err == nil {
		t.Error("duplicate field names should be rejected")
	}
	if err := AddStruct[point](r, ""); err != nil {
		t.Fatal(err)
	}
	if err := AddStruct[point](r, ""); err == nil {
		t.Error("registering a name twice should fail")
	}
	if _, err := r.Lookup("point"); err != nil {
		t.Errorf("empty name should default to the Go type name: %v", err)
	}
}

func TestReflFreeze(t *testing.T) {
	r := NewReflRegistry()
	if err := AddStruct[point](r, "Point"); err != nil {
		t.Fatal(err)
	}
	r.Freeze()
	if err := AddStruct[header](r, "Header"); err == nil {
		t.Error("a frozen registry must reject additions")
	}

	var wg sync.WaitGroup
	for _i := 0; _i < 16; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _i := 0; _i < 1000; _i++ {
				if _, err := r.Field("Point", "x"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestGetAndSetField(t *testing.T) {
	v := vm.NewVM()
	r := NewReflRegistry()
	if err := AddStruct[header](r, "Header"); err != nil {
		t.Fatal(err)
	}
	blob, err := NewStruct(v, header{Kind: 200, Flags: -2, Len: 1234, Next: 0x40, Ok: true})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		field string
		want  vm.Value
	}{
		{"kind", vm.FromInt(200)},
		{"flags", vm.FromInt(-2)},
		{"length", vm.FromInt(1234)},
		{"ok", vm.True},
	}
	for _, tt := range tests {
		got, err := r.GetField(v, blob, "Header", tt.field)
		if err != nil {
			t.Errorf("%s: %v", tt.field, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s = %s, want %s", tt.field, got, tt.want)
		}
	}

	next, err := r.GetField(v, blob, "Header", "next")
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := ToPointer(v, next); p.Addr != 0x40 {
		t.Errorf("next = %x, want 0x40", p.Addr)
	}

	if err := r.SetField(v, blob, "Header", "flags", vm.FromInt(-300)); err != nil {
		t.Fatal(err)
	}
	out, _ := ToStruct[header](v, blob)
	if out.Flags != -300 || out.Len != 1234 {
		t.Errorf("after set: %+v", out)
	}

	if err := r.SetField(v, blob, "Header", "ok", vm.FromInt(1)); err == nil {
		t.Error("setting a bool field from an int should fail")
	}
	if _, err := r.GetField(v, blob, "Header", "missing"); err == nil {
		t.Error("missing field should fail")
	}
}

func TestSetFieldRange(t *testing.T) {
	v := vm.NewVM()
	r := NewReflRegistry()
	if err := AddStruct[header](r, "Header"); err != nil {
		t.Fatal(err)
	}
	orig := header{Kind: 7, Flags: 7, Len: 7}
	tests := []struct {
		field string
		val   int64
		ok    bool
	}{
		{"kind", 255, true},
		{"kind", 300, false},
		{"kind", -1, false},
		{"flags", -32768, true},
		{"flags", 32767, true},
		{"flags", 40000, false},
		{"flags", -40000, false},
		{"length", 1<<32 - 1, true},
		{"length", 1 << 32, false},
		{"length", -1, false},
	}
	for _, tt := range tests {
		blob, err := NewStruct(v, orig)
		if err != nil {
			t.Fatal(err)
		}
		err = r.SetField(v, blob, "Header", tt.field, vm.FromInt(tt.val))
		if tt.ok {
			if err != nil {
				t.Errorf("%s = %d: %v", tt.field, tt.val, err)
				continue
			}
			got, _ := r.GetField(v, blob, "Header", tt.field)
			if got != vm.FromInt(tt.val) {
				t.Errorf("%s = %d read back %s", tt.field, tt.val, got)
			}
			continue
		}
		var te *vm.TypeError
		if !errors.As(err, &te) {
			t.Errorf("%s = %d: err = %v, want *TypeError", tt.field, tt.val, err)
		}
		if out, _ := ToStruct[header](v, blob); out != orig {
			t.Errorf("%s = %d: rejected write changed the blob to %+v", tt.field, tt.val, out)
		}
	}
}

func TestGetFieldFloat(t *testing.T) {
	v := vm.NewVM()
	r := NewReflRegistry()
	if err := AddStruct[point](r, "Point"); err != nil {
		t.Fatal(err)
	}
	blob, _ := NewStruct(v, point{X: 1.5, Y: -4})
	y, err := r.GetField(v, blob, "Point", "y")
	if err != nil {
		t.Fatal(err)
	}
	if y != vm.FromFloat(-4) {
		t.Errorf("y = %s, want -4", y)
	}
}
