package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
)

// ---------------------------------------------------------------------------
// GIL: one host-initiated call at a time
// ---------------------------------------------------------------------------

func init() {
	// go-deadlock checks by default; WithDeadlockDetection opts in.
	deadlock.Opts.Disable = true
}

// GIL is the global interpreter lock. It is not reentrant: calling Do from
// inside Do deadlocks, which the lock-order checker reports when enabled.
type GIL struct {
	mu           deadlock.Mutex
	held         atomic.Bool
	acquisitions atomic.Uint64
}

// Lock acquires the GIL.
func (g *GIL) Lock() {
	g.mu.Lock()
	g.held.Store(true)
	g.acquisitions.Add(1)
}

// Unlock releases the GIL.
func (g *GIL) Unlock() {
	g.held.Store(false)
	g.mu.Unlock()
}

// Held reports whether some goroutine holds the GIL.
func (g *GIL) Held() bool { return g.held.Load() }

// Acquisitions returns how many times the GIL has been acquired.
func (g *GIL) Acquisitions() uint64 { return g.acquisitions.Load() }

// Do runs fn with the GIL held. Hosts calling into the VM from more than
// one goroutine go through Do.
//
// A panic inside fn is returned as an error and the call stack is
// restored to its depth on entry. A *FatalError is re-raised. After fn
// returns the heap is collected if it has grown past the GC threshold.
func (vm *VM) Do(fn func(vm *VM) error) (err error) {
	vm.gil.Lock()
	defer vm.gil.Unlock()

	depth := vm.interp.Depth()
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				vmLog.Criticalf("vm %s: %s", vm.ID, fe)
				panic(fe)
			}
			vm.interp.unwind(depth)
			err = fmt.Errorf("host call panicked: %v", r)
		}
	}()

	err = fn(vm)
	vm.MaybeCollect()
	return err
}

// GIL returns the VM's interpreter lock.
func (vm *VM) GIL() *GIL { return &vm.gil }
