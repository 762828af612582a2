package diskio

import "os"

// request is one aligned I/O control block: the producer/consumer unit
// shared by both backends (§4.3 "a producer yields I/O-control blocks when
// the submitter is ready; a getter consumes completions").
type request struct {
	file   *os.File
	offset int64
	buf    []byte
	write  bool
	done   func(n int, err error)
}

// Backend abstracts the mechanism used to perform a batch of aligned
// reads/writes without blocking the calling goroutine for its full
// duration: native AIO with eventfd notification, or a goroutine-pool
// fallback. Resolves the Open Question in Design Notes §9 ("the
// accounting-disk-manager is templated on the I/O backend via an opaque
// pointer ... the port should pick a clean interface trait") as this
// interface.
type Backend interface {
	// Submit enqueues req for execution; it does not block for completion.
	Submit(req *request)
	// Close releases backend resources, waiting for outstanding requests.
	Close() error
}

// probeNativeAIO reports whether the native io_submit backend is usable on
// this platform/kernel. Resolved at Open time per SPEC_FULL.md §5.1.
func probeNativeAIO() bool {
	return nativeAIOAvailable()
}
