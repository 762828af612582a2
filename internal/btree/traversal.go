package btree

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rethinkkv/rethinkkv/internal/cache"
	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

// maxOutstandingTraversal bounds how many nodes a single Backfill call may
// have acquired at once, the capped level-parallel DFS scheme spec.md §4.6
// calls for to bound peak memory (grounded on
// src/btree/parallel_traversal.cc's per-level acquisition cap).
const maxOutstandingTraversal = 32

// BackfillEventKind distinguishes the three event shapes Backfill emits.
type BackfillEventKind int

const (
	// BackfillSet carries one live entry newer than the requested since.
	BackfillSet BackfillEventKind = iota
	// BackfillDeleteRange forces the receiver to resync a whole leaf's key
	// range, emitted when that leaf's oldest-tracked recency can no longer
	// prove it retains every entry newer than since.
	BackfillDeleteRange
	// BackfillDelete replays one deletion from the delete queue.
	BackfillDelete
)

// BackfillEvent is one item of the delta stream Backfill produces
// (§4.6 "Backfill"; GLOSSARY "Backfill").
type BackfillEvent struct {
	Kind BackfillEventKind

	Key     []byte
	Value   []byte
	Recency serializer.Recency

	RangeStart []byte
	RangeEnd   []byte // exclusive
}

// Backfill streams every change since the given recency as a delta stream:
// live entries newer than since as BackfillSet, whole-leaf resyncs as
// BackfillDeleteRange where a leaf's retained history doesn't reach back
// far enough to answer precisely, and delete-queue replay as BackfillDelete
// (§4.6 "Backfill"). emit is called from multiple goroutines concurrently
// — traversal fans out level-by-level under a capped semaphore — so it
// must be safe for concurrent use or do its own serialization.
func (s *Slice) Backfill(ctx context.Context, since serializer.Recency, emit func(BackfillEvent) error) error {
	sb, err := s.readSuperblock(ctx)
	if err != nil {
		return err
	}

	txn := s.cache.Begin(cache.TxnSnapshotRead)
	defer txn.Abort()

	sem := semaphore.NewWeighted(maxOutstandingTraversal)
	if err := s.backfillNode(ctx, txn, sb.root, since, sem, emit); err != nil {
		return err
	}

	s.dqMu.Lock()
	queued := append([]deleteQueueEntry(nil), s.deleteQueue...)
	s.dqMu.Unlock()
	for _, e := range queued {
		if e.recency <= since {
			continue
		}
		if err := emit(BackfillEvent{Kind: BackfillDelete, Key: e.key, Recency: e.recency}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Slice) backfillNode(ctx context.Context, txn *cache.Txn, id serializer.BlockID, since serializer.Recency, sem *semaphore.Weighted, emit func(BackfillEvent) error) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	h, err := txn.Acquire(ctx, id, cache.ModeReadOutdatedOK)
	if err != nil {
		return err
	}
	n, err := loadNode(h)
	if err != nil {
		return err
	}

	if n.maxRecency <= since {
		// Nothing in this subtree is newer than since; prune it entirely.
		return nil
	}

	if n.isLeaf() {
		return s.backfillLeaf(ctx, n, since, emit)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range n.children {
		child := child
		g.Go(func() error {
			return s.backfillNode(gctx, txn, child, since, sem, emit)
		})
	}
	return g.Wait()
}

func (s *Slice) backfillLeaf(ctx context.Context, n *node, since serializer.Recency, emit func(BackfillEvent) error) error {
	if n.oldestTracked <= since && len(n.entries) > 0 {
		if err := emit(BackfillEvent{
			Kind:       BackfillDeleteRange,
			RangeStart: n.entries[0].key,
			RangeEnd:   nextKey(n.entries[len(n.entries)-1].key),
		}); err != nil {
			return err
		}
	}

	for _, e := range n.entries {
		if e.recency <= since {
			continue
		}
		val := e.value
		if e.blob {
			resolved, err := readBlob(ctx, s.cache, blobHeadOf(e.value))
			if err != nil {
				return err
			}
			val = resolved
		}
		if err := emit(BackfillEvent{Kind: BackfillSet, Key: e.key, Value: val, Recency: e.recency}); err != nil {
			return err
		}
	}
	return nil
}

// nextKey returns the lexicographically smallest byte string strictly
// greater than every string with k as a prefix, used as a range's exclusive
// upper bound. Appending a zero byte would still match within k's own
// range, so the bound is built by incrementing the last non-0xFF byte and
// truncating anything after it (standard "successor of prefix" construction).
// NextKey exports nextKey for callers outside the package that need the
// same exclusive-upper-bound construction for a prefix scan (e.g.
// internal/store's persisted-counter lookup).
func NextKey(k []byte) []byte { return nextKey(k) }

func nextKey(k []byte) []byte {
	out := append([]byte(nil), k...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	// k is all 0xFF bytes (or empty): no finite successor exists that
	// excludes it; return nil to mean "no upper bound".
	return nil
}
