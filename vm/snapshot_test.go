package vm

import "testing"

func TestSnapshotRoundTrip(t *testing.T) {
	vm := NewVM()
	vm.Main.Set("xs", vm.NewList(vm.NewStr("a"), vm.NewStr("b")))
	vm.Collect()

	snap := vm.Snapshot()
	if snap.VM != vm.ID.String() {
		t.Errorf("vm id = %s, want %s", snap.VM, vm.ID)
	}
	if snap.Types["str"] != 2 || snap.Types["list"] != 1 {
		t.Errorf("type census = %v", snap.Types)
	}

	data, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatal(err)
	}
	again, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(again) {
		t.Error("canonical encoding should be deterministic")
	}

	got, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Live != snap.Live || got.Collections != snap.Collections || got.Types["str"] != 2 {
		t.Errorf("decoded %+v, want %+v", got, snap)
	}
}

func TestUnmarshalSnapshotRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalSnapshot([]byte{0xff, 0x00}); err == nil {
		t.Error("expected an error for invalid CBOR")
	}
}
