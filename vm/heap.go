package vm

import (
	"reflect"
	"time"

	"github.com/tliron/commonlog"
)

var heapLog = commonlog.GetLogger("skiff.heap")

// DefaultMaxCells bounds the heap when no configuration is given.
const DefaultMaxCells = 1 << 20

// cell is one garbage-collected allocation.
type cell struct {
	typ    Type
	gen    uint32
	live   bool
	marked bool
	obj    any
}

// Root is anything that holds Values the collector must treat as reachable.
type Root interface {
	MarkRoots(m *Marker)
}

// RootFunc adapts a function to the Root interface.
type RootFunc func(m *Marker)

func (f RootFunc) MarkRoots(m *Marker) { f(m) }

// GCStats describes one collection cycle.
type GCStats struct {
	LiveBefore int
	LiveAfter  int
	Freed      int
	Duration   time.Duration
}

// Heap owns every cell. Handles index into cells; a freed slot has its
// generation bumped so a stale handle is caught on access.
type Heap struct {
	types    *TypeRegistry
	cells    []cell
	free     []uint32
	live     int
	maxCells int
	pinned   map[uint32]int
	reclaim  func()

	gray        []uint32
	collecting  bool
	collections uint64
	freedTotal  uint64
}

// NewHeap creates an empty heap that resolves mark and dtor hooks through types.
func NewHeap(types *TypeRegistry, maxCells int) *Heap {
	if maxCells <= 0 {
		maxCells = DefaultMaxCells
	}
	return &Heap{
		types:    types,
		maxCells: maxCells,
		pinned:   make(map[uint32]int),
	}
}

// SetReclaim installs the collection New runs when the cell limit is
// reached. The VM installs one rooted at its call stack and modules.
func (h *Heap) SetReclaim(fn func()) { h.reclaim = fn }

// New stores obj in a fresh cell and returns a handle tagged t.
// When the cell limit is reached New runs one full collection first; it is
// fatal only if that frees nothing. Values held only in Go variables are
// not roots, so hosts that allocate near the limit pin what they keep.
func (h *Heap) New(t Type, obj any) Value {
	if t < TypeObject || obj == nil {
		fatalf("Heap.New: invalid allocation of type %d", t)
	}
	if h.live >= h.maxCells && h.reclaim != nil && !h.collecting {
		heapLog.Warningf("cell limit %d reached allocating %s, collecting", h.maxCells, h.types.Name(t))
		h.reclaim()
	}
	if h.live >= h.maxCells {
		heapLog.Errorf("cell limit %d reached allocating %s", h.maxCells, h.types.Name(t))
		panic(&FatalError{Msg: "Heap.New", Err: ErrOutOfMemory})
	}

	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		h.cells = append(h.cells, cell{})
		idx = uint32(len(h.cells) - 1)
	}
	c := &h.cells[idx]
	c.typ = t
	c.live = true
	c.marked = false
	c.obj = obj
	h.live++
	return handleValue(t, idx, c.gen)
}

// Alloc constructs a T in place through init and stores it in a new cell.
func Alloc[T any](h *Heap, t Type, init func(*T)) (Value, *T) {
	obj := new(T)
	if init != nil {
		init(obj)
	}
	return h.New(t, obj), obj
}

// resolve returns the live cell behind v. Any mismatch is a kernel
// invariant violation.
func (h *Heap) resolve(v Value) *cell {
	if !v.IsObject() {
		fatalf("resolve: %s is not a heap handle", v)
	}
	idx, gen := v.handle()
	if int(idx) >= len(h.cells) {
		fatalf("resolve: cell %d out of range", idx)
	}
	c := &h.cells[idx]
	if !c.live || c.gen != gen {
		fatalf("resolve: dangling handle to cell %d (gen %d, current %d)", idx, gen, c.gen)
	}
	if c.typ != v.typ {
		fatalf("resolve: cell %d holds type %d, handle says %d", idx, c.typ, v.typ)
	}
	return c
}

// Object returns the payload behind v. Inline values return nil.
func (h *Heap) Object(v Value) any {
	if !v.IsObject() {
		return nil
	}
	return h.resolve(v).obj
}

// Get resolves v to a payload of type T.
func Get[T any](h *Heap, v Value) (T, error) {
	var zero T
	if !v.IsObject() {
		return zero, &TypeError{Op: "get", Expected: typeNameOf[T](), Got: h.types.Name(v.typ)}
	}
	obj, ok := h.resolve(v).obj.(T)
	if !ok {
		return zero, &TypeError{Op: "get", Expected: typeNameOf[T](), Got: h.types.Name(v.typ)}
	}
	return obj, nil
}

// Alive reports whether v still refers to a live cell. Inline values are
// always alive.
func (h *Heap) Alive(v Value) bool {
	if !v.IsObject() {
		return true
	}
	idx, gen := v.handle()
	if int(idx) >= len(h.cells) {
		return false
	}
	c := &h.cells[idx]
	return c.live && c.gen == gen
}

// Live returns the number of live cells.
func (h *Heap) Live() int { return h.live }

// Collections returns how many cycles have run.
func (h *Heap) Collections() uint64 { return h.collections }

// ---------------------------------------------------------------------------
// Pinning
// ---------------------------------------------------------------------------

// Pin keeps v alive across collections until a matching Unpin.
func (h *Heap) Pin(v Value) {
	if !v.IsObject() {
		return
	}
	h.resolve(v)
	idx, _ := v.handle()
	h.pinned[idx]++
}

// Unpin releases one Pin of v. A stale handle is ignored so it cannot
// release a pin held on the cell that reused its slot.
func (h *Heap) Unpin(v Value) {
	if !v.IsObject() || !h.Alive(v) {
		return
	}
	idx, _ := v.handle()
	if n := h.pinned[idx]; n > 1 {
		h.pinned[idx] = n - 1
	} else {
		delete(h.pinned, idx)
	}
}

// PinnedCount returns the number of distinct pinned cells.
func (h *Heap) PinnedCount() int { return len(h.pinned) }

// ---------------------------------------------------------------------------
// Mark and sweep
// ---------------------------------------------------------------------------

// Marker is handed to mark hooks during a collection.
type Marker struct {
	h *Heap
}

// Mark marks the cell behind v. Inline values are ignored.
func (m *Marker) Mark(v Value) {
	if !v.IsObject() {
		return
	}
	c := m.h.resolve(v)
	if c.marked {
		return
	}
	c.marked = true
	idx, _ := v.handle()
	m.h.gray = append(m.h.gray, idx)
}

// MarkAll marks every Value in vs.
func (m *Marker) MarkAll(vs []Value) {
	for _, v := range vs {
		m.Mark(v)
	}
}

// Collect marks everything reachable from the pinned set and roots, then
// frees every unmarked cell after running its destructor.
func (h *Heap) Collect(roots ...Root) GCStats {
	start := time.Now()
	stats := GCStats{LiveBefore: h.live}
	m := &Marker{h: h}
	h.collecting = true
	defer func() { h.collecting = false }()

	for idx := range h.pinned {
		c := &h.cells[idx]
		if c.live && !c.marked {
			c.marked = true
			h.gray = append(h.gray, idx)
		}
	}
	for _, r := range roots {
		if r != nil {
			r.MarkRoots(m)
		}
	}
	h.drain(m)

	for idx := range h.cells {
		c := &h.cells[idx]
		if !c.live {
			continue
		}
		if c.marked {
			c.marked = false
			continue
		}
		h.release(uint32(idx), c)
		stats.Freed++
	}

	h.collections++
	h.freedTotal += uint64(stats.Freed)
	stats.LiveAfter = h.live
	stats.Duration = time.Since(start)
	heapLog.Debugf("collection %d: %d -> %d cells (%d freed) in %s",
		h.collections, stats.LiveBefore, stats.LiveAfter, stats.Freed, stats.Duration)
	return stats
}

// drain processes the gray worklist until every reachable cell is marked.
func (h *Heap) drain(m *Marker) {
	for len(h.gray) > 0 {
		idx := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		c := &h.cells[idx]
		ti := h.types.Info(c.typ)
		if ti == nil {
			fatalf("mark: cell %d has unknown type %d", idx, c.typ)
		}
		if ti.Mark != nil {
			ti.Mark(c.obj, m)
		}
	}
}

func (h *Heap) release(idx uint32, c *cell) {
	if ti := h.types.Info(c.typ); ti != nil && ti.Dtor != nil {
		ti.Dtor(c.obj)
	}
	c.obj = nil
	c.live = false
	c.marked = false
	c.gen++
	delete(h.pinned, idx)
	h.free = append(h.free, idx)
	h.live--
}

// ForEach calls fn for every live cell.
func (h *Heap) ForEach(fn func(t Type, obj any)) {
	for i := range h.cells {
		if c := &h.cells[i]; c.live {
			fn(c.typ, c.obj)
		}
	}
}

func typeNameOf[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
