package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Heap snapshots
// ---------------------------------------------------------------------------

// HeapSnapshot is a point-in-time census of the heap, for hosts that export
// diagnostics. It references no cells.
type HeapSnapshot struct {
	VM          string         `cbor:"1,keyasint"`
	Live        int            `cbor:"2,keyasint"`
	Capacity    int            `cbor:"3,keyasint"`
	Pinned      int            `cbor:"4,keyasint"`
	Collections uint64         `cbor:"5,keyasint"`
	Freed       uint64         `cbor:"6,keyasint"`
	Types       map[string]int `cbor:"7,keyasint"`
	Depth       int            `cbor:"8,keyasint"`
}

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// Snapshot counts live cells per qualified type name.
func (vm *VM) Snapshot() *HeapSnapshot {
	s := &HeapSnapshot{
		VM:          vm.ID.String(),
		Live:        vm.Heap.Live(),
		Capacity:    vm.Heap.maxCells,
		Pinned:      vm.Heap.PinnedCount(),
		Collections: vm.Heap.Collections(),
		Freed:       vm.Heap.freedTotal,
		Types:       make(map[string]int),
		Depth:       vm.interp.Depth(),
	}
	vm.Heap.ForEach(func(t Type, _ any) {
		s.Types[vm.Types.Name(t)]++
	})
	return s
}

// MarshalSnapshot serializes a HeapSnapshot to canonical CBOR bytes.
func MarshalSnapshot(s *HeapSnapshot) ([]byte, error) {
	return snapshotEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a HeapSnapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*HeapSnapshot, error) {
	var s HeapSnapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
