// Package evqueue implements §4.2's event queue: the set of file
// descriptors and callbacks a thread cares about, dispatched once per pass
// through the loop. It is grounded on original_source's
// src/arch/linux/event_queue/poll.hpp (an epoll wrapper feeding per-fd
// callback dispatch). No other package in this repository uses it: the
// native-AIO backend in internal/diskio polls io_getevents directly rather
// than waiting on an eventfd.
package evqueue

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rethinkkv/rethinkkv/rlog"
)

// Mask is a bitmask of readiness conditions, mirroring epoll's.
type Mask uint32

const (
	In  Mask = unix.EPOLLIN
	Out Mask = unix.EPOLLOUT
	Err Mask = unix.EPOLLERR | unix.EPOLLHUP
)

// Callback is invoked synchronously from the loop's dispatch pass with the
// subset of the registered mask that became ready.
type Callback func(ready Mask)

// ErrCallback handles Err-class events separately from the data-readiness
// callback, per §4.2 ("Error-type events are delivered through a distinct
// error callback").
type ErrCallback func(err error)

type watch struct {
	fd  int
	cb  Callback
	err ErrCallback
}

// Queue owns one epoll instance for one Thread.
type Queue struct {
	epfd int
	log  rlog.Logger

	mu      sync.Mutex
	watches map[int]*watch

	closeOnce sync.Once
	stopCh    chan struct{}
}

// New creates an epoll-backed event queue.
func New() (*Queue, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Queue{
		epfd:    epfd,
		log:     rlog.New("component", "evqueue"),
		watches: make(map[int]*watch),
		stopCh:  make(chan struct{}),
	}, nil
}

// Watch registers cb for events in mask on fd (§4.2 watch()).
func (q *Queue) Watch(fd int, mask Mask, cb Callback, errcb ErrCallback) error {
	q.mu.Lock()
	q.watches[fd] = &watch{fd: fd, cb: cb, err: errcb}
	q.mu.Unlock()

	ev := unix.EpollEvent{Events: uint32(mask) | uint32(Err), Fd: int32(fd)}
	return unix.EpollCtl(q.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Adjust updates the mask and callback registered for fd (§4.2 adjust()).
func (q *Queue) Adjust(fd int, mask Mask, cb Callback) error {
	q.mu.Lock()
	w, ok := q.watches[fd]
	if ok {
		w.cb = cb
	}
	q.mu.Unlock()
	if !ok {
		return unix.ENOENT
	}
	ev := unix.EpollEvent{Events: uint32(mask) | uint32(Err), Fd: int32(fd)}
	return unix.EpollCtl(q.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Forget removes fd from the watch set (§4.2 forget()).
func (q *Queue) Forget(fd int) error {
	q.mu.Lock()
	delete(q.watches, fd)
	q.mu.Unlock()
	return unix.EpollCtl(q.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Pump blocks for readiness (epoll_wait), dispatches each ready fd's
// callback synchronously, and returns. The caller (the owning Thread's
// dispatcher) is expected to call Pump in a loop and drain its own ready
// fiber queue between calls, per §4.2's "block for readiness ... then drain
// the ready fiber queue ('pump')".
func (q *Queue) Pump(timeoutMillis int) error {
	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(q.epfd, events[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		mask := Mask(events[i].Events)

		q.mu.Lock()
		w := q.watches[fd]
		q.mu.Unlock()
		if w == nil {
			continue
		}
		if mask&Err != 0 && w.err != nil {
			w.err(unix.EBADF)
			continue
		}
		if w.cb != nil {
			w.cb(mask)
		}
	}
	return nil
}

// Run pumps the queue in a loop until Close is called. Intended to be
// driven from a dedicated goroutine parked behind the owning Thread's
// dispatcher so that callbacks, like everything else in the fiber runtime,
// only ever run one at a time per thread.
func (q *Queue) Run() {
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}
		if err := q.Pump(100); err != nil {
			q.log.Error("evqueue pump failed", "err", err)
		}
	}
}

// Close releases the epoll fd.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.stopCh) })
	return unix.Close(q.epfd)
}
