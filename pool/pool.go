// Package pool runs native calls on a fixed set of OS-thread-bound workers.
//
// Each worker owns an idle flag and a one-slot task channel. A submitter
// claims an idle worker by compare-and-swap on its flag, which guarantees
// the channel is empty, then hands the task over. Completion is reported
// through the Task; Close stops intake and joins every worker.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("skiff.pool")

var (
	// ErrClosed is returned by submissions after Close.
	ErrClosed = errors.New("pool: closed")

	// ErrNoIdleWorker is returned by TrySubmit when every worker is busy.
	ErrNoIdleWorker = errors.New("pool: no idle worker")
)

// Func is a unit of work.
type Func func() (any, error)

// Task is a submitted Func and, once Done is closed, its outcome.
type Task struct {
	fn     Func
	worker int
	done   chan struct{}
	result any
	err    error
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Worker returns the index of the worker the task was handed to.
func (t *Task) Worker() int { return t.worker }

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pool is a fixed-size set of workers.
type Pool struct {
	idle  []atomic.Bool
	tasks []chan *Task
	freed chan struct{}
	quit  chan struct{}

	mu     sync.RWMutex // held for writing only by Close
	closed bool

	g         errgroup.Group
	completed atomic.Uint64
}

// New starts n workers. n <= 0 means one per CPU.
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{
		idle:  make([]atomic.Bool, n),
		tasks: make([]chan *Task, n),
		freed: make(chan struct{}, n),
		quit:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		i := i
		p.tasks[i] = make(chan *Task, 1)
		p.idle[i].Store(true)
		p.g.Go(func() error { return p.work(i) })
	}
	log.Infof("started %d workers", n)
	return p
}

func (p *Pool) work(id int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log.Debugf("worker %d started", id)
	for t := range p.tasks[id] {
		p.run(t)
		p.idle[id].Store(true)
		select {
		case p.freed <- struct{}{}:
		default:
		}
	}
	log.Debugf("worker %d stopped", id)
	return nil
}

func (p *Pool) run(t *Task) {
	defer close(t.done)
	defer p.completed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker %d: task panicked: %v", t.worker, r)
			t.result = nil
			t.err = fmt.Errorf("pool: task panicked: %v", r)
		}
	}()
	t.result, t.err = t.fn()
}

// claim marks the first idle worker busy and returns its index, or -1.
func (p *Pool) claim() int {
	for i := range p.idle {
		if p.idle[i].CompareAndSwap(true, false) {
			return i
		}
	}
	return -1
}

// TrySubmit hands fn to an idle worker without waiting.
func (p *Pool) TrySubmit(fn Func) (*Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}
	i := p.claim()
	if i < 0 {
		return nil, ErrNoIdleWorker
	}
	t := &Task{fn: fn, worker: i, done: make(chan struct{})}
	// The claimed worker is idle, so its slot is empty.
	p.tasks[i] <- t
	return t, nil
}

// Submit hands fn to a worker, waiting for one to become idle.
func (p *Pool) Submit(ctx context.Context, fn Func) (*Task, error) {
	for {
		t, err := p.TrySubmit(fn)
		if !errors.Is(err, ErrNoIdleWorker) {
			return t, err
		}
		select {
		case <-p.freed:
		case <-p.quit:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run submits fn and waits for its result.
func (p *Pool) Run(ctx context.Context, fn Func) (any, error) {
	t, err := p.Submit(ctx, fn)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.idle) }

// Idle returns the number of workers currently idle.
func (p *Pool) Idle() int {
	n := 0
	for i := range p.idle {
		if p.idle[i].Load() {
			n++
		}
	}
	return n
}

// Completed returns how many tasks have finished.
func (p *Pool) Completed() uint64 { return p.completed.Load() }

// Close stops accepting tasks, lets in-flight tasks finish, and waits for
// every worker to exit. Closing twice is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	for _, ch := range p.tasks {
		close(ch)
	}
	p.mu.Unlock()

	err := p.g.Wait()
	log.Infof("stopped %d workers (%d tasks completed)", len(p.idle), p.completed.Load())
	return err
}
