package diskio

import (
	"context"
	"fmt"
	"os"

	"github.com/rethinkkv/rethinkkv/rlog"
)

// File is an aligned-I/O abstraction over one on-disk file. It owns the
// registered accounts and the backend that actually executes requests
// (§4.3).
type File struct {
	f       *os.File
	backend Backend
	log     rlog.Logger

	accounts *accountSet
}

// Open opens path for aligned I/O (without O_DIRECT, so reads and writes go
// through the OS page cache), selecting the native-AIO backend
// when available and falling back to a goroutine pool otherwise (§4.3,
// SPEC_FULL.md §5.1).
func Open(path string, create bool) (*File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}

	var backend Backend
	if probeNativeAIO() {
		backend, err = newNativeAIO(256)
	}
	if backend == nil {
		backend = newThreadFallback(8)
	}
	if err != nil {
		// native AIO failed to initialize; fall back rather than fail Open.
		backend = newThreadFallback(8)
	}

	return &File{
		f:        f,
		backend:  backend,
		log:      rlog.New("component", "diskio.file", "path", path),
		accounts: &accountSet{},
	}, nil
}

// RegisterAccount adds an I/O account the scheduler will honor.
func (file *File) RegisterAccount(a *Account) { file.accounts.add(a) }

func checkAligned(offset int64, n int) error {
	if offset%DeviceBlockSize != 0 || n%DeviceBlockSize != 0 {
		return fmt.Errorf("diskio: offset %d / length %d not aligned to %d", offset, n, DeviceBlockSize)
	}
	return nil
}

// ReadAsync issues an aligned read once account's outstanding cap and rate
// limit admit it, invoking cb with the result. Per §4.3, short reads are treated as fatal
// by the caller; this layer only reports (n, err) faithfully.
func (file *File) ReadAsync(ctx context.Context, offset int64, buf []byte, account *Account, cb func(n int, err error)) {
	if err := checkAligned(offset, len(buf)); err != nil {
		cb(0, err)
		return
	}
	if err := account.acquire(ctx); err != nil {
		cb(0, err)
		return
	}
	file.backend.Submit(&request{
		file: file.f, offset: offset, buf: buf, write: false,
		done: func(n int, err error) {
			account.release()
			cb(n, err)
		},
	})
}

// WriteAsync issues an aligned write once account's outstanding cap and
// rate limit admit it.
func (file *File) WriteAsync(ctx context.Context, offset int64, buf []byte, account *Account, cb func(n int, err error)) {
	if err := checkAligned(offset, len(buf)); err != nil {
		cb(0, err)
		return
	}
	if err := account.acquire(ctx); err != nil {
		cb(0, err)
		return
	}
	file.backend.Submit(&request{
		file: file.f, offset: offset, buf: buf, write: true,
		done: func(n int, err error) {
			account.release()
			cb(n, err)
		},
	})
}

// ReadBlocking performs a synchronous read, used only at startup (§4.3).
func (file *File) ReadBlocking(offset int64, buf []byte) (int, error) {
	return file.f.ReadAt(buf, offset)
}

// WriteBlocking performs a synchronous write, used only at startup.
func (file *File) WriteBlocking(offset int64, buf []byte) (int, error) {
	return file.f.WriteAt(buf, offset)
}

// Sync flushes the underlying file to stable storage.
func (file *File) Sync() error { return file.f.Sync() }

// Close releases the backend and the underlying file descriptor.
func (file *File) Close() error {
	file.backend.Close()
	return file.f.Close()
}
