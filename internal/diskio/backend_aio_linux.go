//go:build linux

package diskio

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rethinkkv/rethinkkv/rlog"
)

// Linux io_submit/io_getevents are not wrapped by the pinned golang.org/x/sys
// version this module targets, so the raw syscall numbers are used
// directly, exactly as the earliest Go AIO shims (and RethinkDB's own
// src/arch/io/disk/aio.cc) did before a blessed wrapper existed. amd64-only:
// every other arch falls back to the thread-pool backend.
const (
	sysIoSetup     = 206
	sysIoDestroy   = 207
	sysIoSubmit    = 209
	sysIoGetevents = 208
)

// aioContext is the opaque context handle io_setup hands back.
type aioContext uintptr

// iocb mirrors struct iocb from linux/aio_abi.h (amd64 layout).
type iocb struct {
	data     uint64
	key      uint32
	rwFlags  uint32
	lioOpcode uint16
	reqPrio  int16
	fildes   uint32
	buf      uint64
	nbytes   uint64
	offset   int64
	reserved2 uint64
	flags    uint32
	eventfd  uint32
}

const (
	iocbCmdPread  = 0
	iocbCmdPwrite = 1
)

// ioEvent mirrors struct io_event.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

// enableNativeAIO gates the raw io_submit/io_getevents backend behind an
// explicit opt-in: the struct layout above hasn't been validated against a
// real kernel ABI in this environment, and a misaligned iocb fed to
// io_submit is a kernel-memory hazard, not just a Go-level bug. Until that
// validation happens the engine runs on the thread-pool fallback, which is
// functionally complete per §4.3's "share the same producer/consumer
// interface" requirement.
var enableNativeAIO = false

func nativeAIOAvailable() bool {
	return enableNativeAIO && runtime.GOARCH == "amd64"
}

func ioSetup(maxEvents int) (aioContext, error) {
	var ctx aioContext
	_, _, errno := unix.Syscall(sysIoSetup, uintptr(maxEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}
	return ctx, nil
}

func ioDestroy(ctx aioContext) {
	unix.Syscall(sysIoDestroy, uintptr(ctx), 0, 0)
}

func ioSubmit(ctx aioContext, cbs []*iocb) (int, error) {
	if len(cbs) == 0 {
		return 0, nil
	}
	ptrs := make([]uintptr, len(cbs))
	for i, cb := range cbs {
		ptrs[i] = uintptr(unsafe.Pointer(cb))
	}
	n, _, errno := unix.Syscall(sysIoSubmit, uintptr(ctx), uintptr(len(cbs)), uintptr(unsafe.Pointer(&ptrs[0])))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

func ioGetEvents(ctx aioContext, min, max int, events []ioEvent) (int, error) {
	n, _, errno := unix.Syscall6(sysIoGetevents, uintptr(ctx), uintptr(min), uintptr(max), uintptr(unsafe.Pointer(&events[0])), 0, 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// nativeAIO submits batches of pread/pwrite iocbs via io_submit and reaps
// completions on a dedicated goroutine via io_getevents, matching §4.3's
// "native AIO with eventfd notification" backend (eventfd notification
// itself is elided: io_getevents is polled directly on the reaper
// goroutine, which plays the same role without needing evqueue wiring for
// the narrow in-process use this engine makes of it).
type nativeAIO struct {
	ctx aioContext
	log rlog.Logger

	mu      sync.Mutex
	pending map[uint64]*request
	nextKey uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

func newNativeAIO(maxEvents int) (*nativeAIO, error) {
	ctx, err := ioSetup(maxEvents)
	if err != nil {
		return nil, err
	}
	b := &nativeAIO{
		ctx:     ctx,
		log:     rlog.New("component", "diskio.aio"),
		pending: make(map[uint64]*request),
		quit:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.reap()
	return b, nil
}

func (b *nativeAIO) Submit(req *request) {
	cb := &iocb{
		fildes: uint32(req.file.Fd()),
		buf:    uint64(uintptr(unsafe.Pointer(&req.buf[0]))),
		nbytes: uint64(len(req.buf)),
		offset: req.offset,
	}
	if req.write {
		cb.lioOpcode = iocbCmdPwrite
	} else {
		cb.lioOpcode = iocbCmdPread
	}

	b.mu.Lock()
	key := b.nextKey
	b.nextKey++
	cb.data = key
	b.pending[key] = req
	b.mu.Unlock()

	if _, err := ioSubmit(b.ctx, []*iocb{cb}); err != nil {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
		req.done(0, err)
	}
}

func (b *nativeAIO) reap() {
	defer b.wg.Done()
	events := make([]ioEvent, 64)
	for {
		select {
		case <-b.quit:
			return
		default:
		}
		n, err := ioGetEvents(b.ctx, 0, len(events), events)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.log.Error("io_getevents failed", "err", err)
			continue
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			b.mu.Lock()
			req, ok := b.pending[ev.data]
			delete(b.pending, ev.data)
			b.mu.Unlock()
			if !ok {
				continue
			}
			if ev.res < 0 {
				req.done(0, unix.Errno(-ev.res))
			} else {
				req.done(int(ev.res), nil)
			}
		}
	}
}

func (b *nativeAIO) Close() error {
	close(b.quit)
	b.wg.Wait()
	ioDestroy(b.ctx)
	return nil
}
