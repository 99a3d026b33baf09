package vm

import "testing"

func TestStrLenCountsCodePoints(t *testing.T) {
	vm := NewVM()
	tests := []struct {
		s    string
		want int64
	}{
		{"", 0},
		{"abc", 3},
		{"héllo", 5},
		{"日本語", 3},
	}
	for _, tt := range tests {
		n, err := vm.Len(vm.NewStr(tt.s))
		if err != nil {
			t.Fatalf("len(%q): %v", tt.s, err)
		}
		if n != tt.want {
			t.Errorf("len(%q) = %d, want %d", tt.s, n, tt.want)
		}
	}
}

func TestStrEquality(t *testing.T) {
	vm := NewVM()
	a, b, c := vm.NewStr("same"), vm.NewStr("same"), vm.NewStr("other")
	if a == b {
		t.Fatal("distinct allocations should have distinct handles")
	}
	if eq, _ := vm.Equal(a, b); !eq {
		t.Error("equal contents should compare equal")
	}
	if eq, _ := vm.Equal(a, c); eq {
		t.Error("different contents should compare unequal")
	}
	if eq, _ := vm.Equal(a, FromInt(1)); eq {
		t.Error("str should not equal int")
	}

	ha, err := vm.Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := vm.Hash(b)
	hc, _ := vm.Hash(c)
	if ha != hb {
		t.Error("equal strings should hash alike")
	}
	if ha == hc {
		t.Error("different strings should hash apart")
	}
}

func TestStrRepr(t *testing.T) {
	vm := NewVM()
	if got := vm.Repr(vm.NewStr("a\"b")); got != `"a\"b"` {
		t.Errorf("repr = %s", got)
	}
}

func TestRangeLenAndRepr(t *testing.T) {
	vm := NewVM()
	tests := []struct {
		start, stop, step int64
		len               int64
		repr              string
	}{
		{0, 5, 1, 5, "range(0, 5)"},
		{5, 0, 1, 0, "range(5, 0)"},
		{0, 10, 3, 4, "range(0, 10, 3)"},
		{10, 0, -3, 4, "range(10, 0, -3)"},
	}
	for _, tt := range tests {
		r, err := vm.NewRange(tt.start, tt.stop, tt.step)
		if err != nil {
			t.Fatal(err)
		}
		if n, _ := vm.Len(r); n != tt.len {
			t.Errorf("len(%s) = %d, want %d", tt.repr, n, tt.len)
		}
		if got := vm.Repr(r); got != tt.repr {
			t.Errorf("repr = %s, want %s", got, tt.repr)
		}
	}
}

func TestEmptyStrIsFalsy(t *testing.T) {
	vm := NewVM()
	if ok, _ := vm.Truthy(vm.NewStr("")); ok {
		t.Error("empty str should be falsy")
	}
	if ok, _ := vm.Truthy(vm.NewStr("x")); !ok {
		t.Error("non-empty str should be truthy")
	}
}
