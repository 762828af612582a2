package cache

import (
	"sync"
	"sync/atomic"

	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

// EvictionPriority is a per-frame replacement hint (§4.5 "Frame pool").
// Frames start at PriorityLeaf and nothing in the engine sets another
// value; the replacement pass skips PriorityPinned frames and treats
// PriorityLeaf and PriorityInternal alike.
type EvictionPriority int

const (
	PriorityLeaf EvictionPriority = iota
	PriorityInternal
	PriorityPinned // never a replacement candidate
)

// frame is an in-core page holding one block's current image plus its
// per-frame bookkeeping (§3 "Buffer-cache page"). Copy-on-write for
// snapshots works by never mutating a frame object that a snapshot
// transaction currently holds: GetDataMajorWrite instead installs a fresh
// frame into the pool and mutates that, the same way core/state/snapshot
// keeps an old diffLayer reachable and unmodified once a newer layer is
// flattened on top of it rather than editing it in place.
type frame struct {
	lock frameLock

	id   serializer.BlockID
	data []byte

	refcount int32

	dirty        bool
	recencyDirty bool
	patched      bool
	patchBytes   int
	deleted      bool
	recency      serializer.Recency

	priority EvictionPriority

	mu           sync.Mutex
	snapshotRefs int // live snapshot-transaction acquisitions pointing at this exact frame object
}

func newFrame(id serializer.BlockID, data []byte) *frame {
	f := &frame{id: id, data: data}
	f.lock = *newFrameLock()
	return f
}

func (f *frame) pin()          { atomic.AddInt32(&f.refcount, 1) }
func (f *frame) unpin() int32  { return atomic.AddInt32(&f.refcount, -1) }
func (f *frame) pinned() bool  { return atomic.LoadInt32(&f.refcount) > 0 }

func (f *frame) addSnapshotRef() {
	f.mu.Lock()
	f.snapshotRefs++
	f.mu.Unlock()
}

func (f *frame) dropSnapshotRef() {
	f.mu.Lock()
	f.snapshotRefs--
	f.mu.Unlock()
}

func (f *frame) hasSnapshotRefs() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotRefs > 0
}

// clone returns a detached copy of f's current bytes and metadata, used to
// fork off a new live frame when a write must not disturb a frame that an
// active snapshot transaction still reads.
func (f *frame) clone() *frame {
	nf := newFrame(f.id, append([]byte(nil), f.data...))
	nf.recency = f.recency
	nf.deleted = f.deleted
	nf.priority = f.priority
	return nf
}
