package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

// TxnMode is the mode a transaction is opened in (§3 "Transactions: created
// with a mode (read/write/snapshot-read)").
type TxnMode int

const (
	TxnRead TxnMode = iota
	TxnWrite
	TxnSnapshotRead
)

// Txn is one cache transaction: a set of block acquisitions that commit (or
// roll back) together. A write transaction's commit emits any remaining
// dirty pages and the LBA+metablock write that makes them durable (§3
// "Transactions").
type Txn struct {
	cache *Cache
	mode  TxnMode

	mu   sync.Mutex // guards held; a read txn's Acquire may be fanned out concurrently (e.g. backfill traversal)
	held []*Handle
}

func newTxn(c *Cache, mode TxnMode) *Txn {
	return &Txn{cache: c, mode: mode}
}

// Handle is the live acquisition handle for one block within a
// transaction, exposing the get_data_read/get_data_major_write/apply_patch/
// mark_deleted/touch_recency/release surface from §4.5's transaction API.
type Handle struct {
	txn        *Txn
	frame      *frame
	mode       AcquireMode
	isSnapshot bool // counted a snapshotRef on frame; Release must drop it
}

// Acquire locks and loads block id under mode, suspending the caller if the
// lock is contended (§4.5 "txn.acquire(id, mode) → buf; may suspend waiting
// for lock or for load"). A TxnSnapshotRead transaction's acquisitions
// register interest in the exact frame object they observe, so a
// concurrent writer forks a fresh frame instead of mutating the one this
// transaction is reading — giving it a single self-consistent view for its
// whole lifetime (§3 "Snapshot isolation").
func (t *Txn) Acquire(ctx context.Context, id serializer.BlockID, mode AcquireMode) (*Handle, error) {
	f, err := t.cache.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	f.lock.lock(mode)
	h := &Handle{txn: t, frame: f, mode: mode}
	if t.mode == TxnSnapshotRead {
		f.addSnapshotRef()
		h.isSnapshot = true
	}
	t.mu.Lock()
	t.held = append(t.held, h)
	t.mu.Unlock()
	return h, nil
}

// AcquireNew allocates a fresh block and returns it already held under
// ModeWrite (§3 "blocks are created by an allocation within a write
// transaction").
func (t *Txn) AcquireNew() *Handle {
	f := t.cache.allocate()
	f.lock.lock(ModeWrite)
	h := &Handle{txn: t, frame: f, mode: ModeWrite}
	t.mu.Lock()
	t.held = append(t.held, h)
	t.mu.Unlock()
	return h
}

// GetDataRead returns the handle's current bytes for reading.
func (h *Handle) GetDataRead() []byte {
	return h.frame.data
}

// BlockID reports the block-id this handle's current frame belongs to.
func (h *Handle) BlockID() serializer.BlockID {
	return h.frame.id
}

// GetDataMajorWrite upgrades an intent acquisition to a write acquisition
// (waiting out current readers) and returns the mutable buffer (§4.5 "A
// write-intent upgrades to write by waiting out readers"). If an active
// snapshot transaction is currently reading this exact frame object, the
// write is redirected to a freshly forked frame instead of mutating it in
// place, so the snapshot reader's already-returned byte slice never
// changes underneath it.
func (h *Handle) GetDataMajorWrite() []byte {
	h.prepareForWrite()
	h.frame.dirty = true
	return h.frame.data
}

// prepareForWrite is the shared fork-or-upgrade step both GetDataMajorWrite
// and ApplyPatch need before touching the frame's bytes. A snapshot
// transaction's ModeReadOutdatedOK acquisition holds the old frame's reader
// count indefinitely, so waiting out readers on that same frame here would
// deadlock against it; forking instead needs no wait at all, since the new
// frame is uncontended.
func (h *Handle) prepareForWrite() {
	if h.mode != ModeIntent && h.mode != ModeWrite {
		panic(fmt.Sprintf("cache: write acquired on block %d held in mode %d", h.frame.id, h.mode))
	}

	if !h.frame.dirty && !h.frame.patched && h.frame.hasSnapshotRefs() {
		old := h.frame
		nf := old.clone()
		nf.lock.lock(ModeWrite)
		h.txn.cache.pool.replace(nf.id, nf)
		old.lock.unlock(h.mode)
		old.unpin()
		h.frame = nf
		h.mode = ModeWrite
		return
	}

	if h.mode == ModeIntent {
		h.frame.lock.upgrade()
		h.mode = ModeWrite
	}
}

// ApplyPatch records a small modification against the block's patch log and
// marks the frame patched; if cumulative patch size now exceeds the
// demotion threshold the frame is marked fully dirty instead, forcing a
// whole-block flush (§4.5 "Patch log"). Unlike GetDataMajorWrite, a patch
// that stays under the threshold never marks the frame dirty; Commit still
// writes a patched frame back as a whole block.
func (h *Handle) ApplyPatch(p Patch) {
	h.prepareForWrite()
	p.Apply(h.frame.data)

	pl := h.txn.cache.patchLogFor(h.frame.id)
	pl.append(p)
	h.frame.patchBytes = pl.bytes
	if pl.exceedsThreshold(h.txn.cache.cfg.BlockSize) {
		h.frame.dirty = true
	} else {
		h.frame.patched = true
	}
}

// MarkDeleted marks the block's frame for a tombstone LBA entry on the
// owning transaction's commit.
func (h *Handle) MarkDeleted() {
	h.GetDataMajorWrite()
	h.frame.deleted = true
	h.frame.dirty = true
}

// TouchRecency bumps the frame's recency timestamp, marking it
// recency-dirty so a flush persists the new timestamp even without a
// content change (§3 "recency-dirty if its timestamp changed").
func (h *Handle) TouchRecency(ts serializer.Recency) {
	h.frame.recency = ts
	h.frame.recencyDirty = true
}

// Release drops this acquisition's hold on the frame (§4.5 "release()").
// Releasing the last snapshot acquisition of a forked-off frame lets the
// next writer mutate it in place instead of forking yet again.
func (h *Handle) Release() {
	if h.isSnapshot {
		h.frame.dropSnapshotRef()
	}
	h.frame.lock.unlock(h.mode)
	h.frame.unpin()
}

// Commit releases every acquisition still held by the transaction and, for
// a write transaction, flushes remaining dirty pages through the block
// store in one group (§3 "commit atomically by emitting any remaining
// dirty pages and an LBA+metablock write").
func (t *Txn) Commit(ctx context.Context) error {
	var dirty []*frame
	for _, h := range t.held {
		if h.frame.dirty || h.frame.recencyDirty || h.frame.patched {
			dirty = append(dirty, h.frame)
		}
	}
	for _, h := range t.held {
		h.Release()
	}
	if t.mode != TxnWrite || len(dirty) == 0 {
		return nil
	}
	return t.cache.flushFrames(ctx, dirty)
}

// Abort releases every acquisition without flushing.
func (t *Txn) Abort() {
	for _, h := range t.held {
		h.Release()
	}
}
