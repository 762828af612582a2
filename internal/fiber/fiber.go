// Package fiber implements the engine's cooperative scheduler: a fixed pool
// of OS threads (goroutines standing in for §4.1's worker threads), each
// running a single-threaded cooperative scheduler. Fibers are pinned to the
// thread on which they currently run; migration is an explicit message-post
// plus suspend. Per Design Notes §9, the custom context-switching of the
// original is not reproduced — each fiber is a stackful goroutine gated by
// channels so that only one fiber per thread ever executes at a time.
package fiber

import (
	"errors"
	"sync/atomic"
)

// ErrInterrupted is raised at the next suspension point of a fiber whose
// interruptor has been pulsed.
var ErrInterrupted = errors.New("fiber: interrupted")

// Fiber is a stackful cooperative task pinned to a Thread.
type Fiber struct {
	thread   *Thread
	resumeC  chan struct{}
	parkC    chan struct{}
	awaiting int32 // 1 while parked on a Gate/Wait, guards against double-wake
	done     int32

	noWaitDepth int // guarded by single-fiber-at-a-time invariant, not atomic
}

// Thread returns the thread the fiber currently runs on.
func (f *Fiber) Thread() *Thread { return f.thread }

func newFiber(t *Thread, fn func(*Fiber)) *Fiber {
	f := &Fiber{thread: t, resumeC: make(chan struct{}), parkC: make(chan struct{})}
	go func() {
		<-f.resumeC
		fn(f)
		atomic.StoreInt32(&f.done, 1)
		f.parkC <- struct{}{}
	}()
	return f
}

// tryWake is the single compare-and-swap gate between a Gate.Notify and an
// interruptor firing concurrently: only the caller that flips awaiting from
// 1 to 0 may reschedule the fiber, so a fiber's resumeC is never signalled
// twice for one suspension.
func (f *Fiber) tryWake() bool {
	return atomic.CompareAndSwapInt32(&f.awaiting, 1, 0)
}

func (f *Fiber) park() {
	atomic.StoreInt32(&f.awaiting, 1)
	f.parkC <- struct{}{}
	<-f.resumeC
}

// Yield re-enqueues the current fiber on its thread's ready queue and
// suspends, ceding fairly to other ready fibers (§4.1 yield()).
func Yield(f *Fiber) {
	f.thread.scheduleFiber(f)
	f.parkC <- struct{}{}
	<-f.resumeC
}

// MoveToThread notifies the fiber onto thread t and suspends; on resume the
// fiber is running on t (§4.1 move_to_thread()).
func MoveToThread(f *Fiber, t *Thread) {
	f.thread = t
	t.scheduleFiber(f)
	f.parkC <- struct{}{}
	<-f.resumeC
}

// SpawnNow transfers control immediately to a new fiber running fn; it
// returns to the caller only once fn suspends or completes (§4.1
// spawn_now()). It must not be called from an interrupt-delivery context.
func SpawnNow(f *Fiber, fn func(*Fiber)) {
	nf := newFiber(f.thread, fn)
	nf.resumeC <- struct{}{}
	<-nf.parkC
}

// SpawnLaterOrdered enqueues fn on the current thread's ready queue; fibers
// enqueued via this call on the same thread run FIFO (§4.1
// spawn_later_ordered()).
func SpawnLaterOrdered(f *Fiber, fn func(*Fiber)) {
	nf := newFiber(f.thread, fn)
	f.thread.scheduleFiber(nf)
}

// SpawnSometime enqueues fn with no ordering guarantee relative to other
// pending work (§4.1 spawn_sometime()). The current implementation happens
// to preserve arrival order, but callers must not depend on that.
func SpawnSometime(f *Fiber, fn func(*Fiber)) {
	nf := newFiber(f.thread, fn)
	f.thread.scheduleFiber(nf)
}
