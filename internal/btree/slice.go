package btree

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/rethinkkv/rethinkkv/internal/cache"
	"github.com/rethinkkv/rethinkkv/internal/serializer"
	"github.com/rethinkkv/rethinkkv/rlog"
)

// superblockID is the fixed block-id reserved for a slice's root pointer
// and bookkeeping (§3 "Superblock"). A freshly created store allocates
// block-ids starting at 0, so the very first AcquireNew of a new slice is
// always this block.
const superblockID serializer.BlockID = 0

// superblock is the slice-level root pointer (§3 "Superblock"). Engine-wide
// replication bookkeeping (replication clock, last-sync) is kept one layer
// up, in internal/store's metadata slice, rather than duplicated per-slice
// here — see DESIGN.md's "Open-question resolutions" for why.
type superblock struct {
	root serializer.BlockID
}

func (s superblock) marshal() []byte {
	var b bytes.Buffer
	putUvarint(&b, uint64(s.root))
	return b.Bytes()
}

func unmarshalSuperblock(data []byte) superblock {
	r := bytes.NewReader(data)
	root, _ := binary.ReadUvarint(r)
	return superblock{root: serializer.BlockID(root)}
}

// Slice is one B-tree slice: a single persistent B-tree over a key space,
// with the full op set and a delete queue for backfill (§4.7 "slice").
type Slice struct {
	cache     *cache.Cache
	blockSize uint32
	log       rlog.Logger

	// deleteQueue is the in-memory tail of recently deleted keys, newest
	// first, consulted by Backfill to emit deletions with recency > since
	// (§4.6 "Backfill", "(c) deletions drawn from the delete queue").
	dqMu        sync.Mutex
	deleteQueue []deleteQueueEntry
}

type deleteQueueEntry struct {
	key     []byte
	recency serializer.Recency
}

func newSlice(c *cache.Cache, blockSize uint32) *Slice {
	return &Slice{cache: c, blockSize: blockSize, log: rlog.New("component", "btree")}
}

func (s *Slice) pushDeleteQueue(e deleteQueueEntry) {
	s.dqMu.Lock()
	s.deleteQueue = append(s.deleteQueue, e)
	s.dqMu.Unlock()
}

// Create initializes a brand-new, empty slice backed by c.
func Create(ctx context.Context, c *cache.Cache, blockSize uint32) (*Slice, error) {
	s := newSlice(c, blockSize)

	txn := c.Begin(cache.TxnWrite)
	sbH := txn.AcquireNew()
	if sbH.BlockID() != superblockID {
		rlog.Fatalf("btree: expected fresh slice superblock at block 0, got %d", sbH.BlockID())
	}

	rootH := txn.AcquireNew()
	storeNode(rootH, newLeaf())
	rootID := rootH.BlockID()

	buf := sbH.GetDataMajorWrite()
	copy(buf, superblock{root: rootID}.marshal())

	if err := txn.Commit(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open re-attaches a Slice to an already-initialized store.
func Open(ctx context.Context, c *cache.Cache, blockSize uint32) (*Slice, error) {
	s := newSlice(c, blockSize)
	if _, err := s.readSuperblock(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Slice) readSuperblock(ctx context.Context) (superblock, error) {
	txn := s.cache.Begin(cache.TxnRead)
	defer txn.Abort()
	h, err := txn.Acquire(ctx, superblockID, cache.ModeReadShared)
	if err != nil {
		return superblock{}, err
	}
	return unmarshalSuperblock(h.GetDataRead()), nil
}

func (s *Slice) writeSuperblock(ctx context.Context, txn *cache.Txn, sb superblock) error {
	h, err := txn.Acquire(ctx, superblockID, cache.ModeIntent)
	if err != nil {
		return err
	}
	buf := h.GetDataMajorWrite()
	copy(buf, sb.marshal())
	return nil
}

// Get returns the value stored for key (§4.6 "get").
func (s *Slice) Get(ctx context.Context, key []byte) ([]byte, error) {
	sb, err := s.readSuperblock(ctx)
	if err != nil {
		return nil, err
	}
	txn := s.cache.Begin(cache.TxnRead)
	defer txn.Abort()

	id := sb.root
	for {
		h, err := txn.Acquire(ctx, id, cache.ModeReadShared)
		if err != nil {
			return nil, err
		}
		n, err := loadNode(h)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			idx, ok := n.findEntry(key)
			if !ok {
				return nil, ErrNotFound
			}
			e := n.entries[idx]
			if e.blob {
				return readBlob(ctx, s.cache, blobHeadOf(e.value))
			}
			return append([]byte(nil), e.value...), nil
		}
		id = n.children[n.findChild(key)]
	}
}

// rgetMaxChunkSize bounds the total value bytes one RGet call streams
// before it stops early and reports truncated, regardless of max
// (§4.6 "rget ... stopping at max or when size exceeds
// rget_max_chunk_size").
const rgetMaxChunkSize = 4 << 20

// errRGetLimitReached unwinds rgetNode's recursion once a budget is hit;
// it never escapes RGet itself.
var errRGetLimitReached = errors.New("btree: rget limit reached")

// rgetBudget tracks how much of max/rgetMaxChunkSize an in-flight RGet has
// consumed so far.
type rgetBudget struct {
	max       int // 0 means unbounded count
	emitted   int
	bytes     int
	truncated bool
}

func (b *rgetBudget) reserve(n int) bool {
	if b.max > 0 && b.emitted >= b.max {
		b.truncated = true
		return false
	}
	if b.bytes >= rgetMaxChunkSize {
		b.truncated = true
		return false
	}
	return true
}

func (b *rgetBudget) record(valueLen int) {
	b.emitted++
	b.bytes += valueLen
}

// RGet streams every (key, value) pair with startKey <= key < endKey, in
// increasing key order, to emit (§4.6 "rget"). A nil endKey means "no
// upper bound". Streaming stops once max pairs have been emitted (max <= 0
// means unbounded) or once the accumulated value bytes exceed
// rgetMaxChunkSize; truncated reports whether either limit cut the scan
// short of the full range.
func (s *Slice) RGet(ctx context.Context, startKey, endKey []byte, max int, emit func(key, value []byte) error) (truncated bool, err error) {
	sb, err := s.readSuperblock(ctx)
	if err != nil {
		return false, err
	}
	txn := s.cache.Begin(cache.TxnRead)
	defer txn.Abort()

	budget := &rgetBudget{max: max}
	err = s.rgetNode(ctx, txn, sb.root, startKey, endKey, budget, emit)
	if err == errRGetLimitReached {
		err = nil
	}
	return budget.truncated, err
}

func (s *Slice) rgetNode(ctx context.Context, txn *cache.Txn, id serializer.BlockID, startKey, endKey []byte, budget *rgetBudget, emit func(key, value []byte) error) error {
	h, err := txn.Acquire(ctx, id, cache.ModeReadShared)
	if err != nil {
		return err
	}
	n, err := loadNode(h)
	if err != nil {
		return err
	}
	if n.isLeaf() {
		for _, e := range n.entries {
			if bytes.Compare(e.key, startKey) < 0 {
				continue
			}
			if endKey != nil && bytes.Compare(e.key, endKey) >= 0 {
				break
			}
			if !budget.reserve(len(e.value)) {
				return errRGetLimitReached
			}
			val := e.value
			if e.blob {
				val, err = readBlob(ctx, s.cache, blobHeadOf(e.value))
				if err != nil {
					return err
				}
			}
			if err := emit(e.key, val); err != nil {
				return err
			}
			budget.record(len(val))
		}
		return nil
	}
	for i, child := range n.children {
		if i > 0 && endKey != nil && bytes.Compare(n.keys[i-1], endKey) >= 0 {
			break
		}
		if i < len(n.keys) && bytes.Compare(n.keys[i], startKey) < 0 {
			continue
		}
		if err := s.rgetNode(ctx, txn, child, startKey, endKey, budget, emit); err != nil {
			return err
		}
	}
	return nil
}

// writeOp is the mutation a descending insert applies once it reaches the
// owning leaf (§4.6's named operations, collapsed to their storage-level
// effect: upsert, insert-only, must-exist-update, or remove).
type writeOp int

const (
	opSet writeOp = iota
	opAdd
	opReplace
	opDelete
)

// promotion describes a node split's outcome: a separator key and the
// newly allocated right sibling, to be inserted into the parent (or, at
// the root, wrapped in a fresh internal node) (§4.6 "split ... on
// descent").
type promotion struct {
	key   []byte
	right serializer.BlockID
}

// mutateResult carries a leaf mutation's side effects back up the descent:
// the blob chain (if any) the replaced/deleted entry referenced, which the
// caller frees once the owning transaction has committed.
type mutateResult struct {
	oldBlobHead serializer.BlockID
	hadOld      bool
}

// rawSet drives one descending insert/update/delete to completion: it
// loads the path from root to leaf under the same write transaction,
// applies op at the leaf, propagates any split back up as a promotion (or
// any merge/level back up as a fixed-up child), and — on a root split or
// a root collapse — adjusts the tree's height
// (§4.6 "split/merge/level on descent").
func (s *Slice) rawSet(ctx context.Context, key []byte, value []byte, isBlob bool, recency serializer.Recency, op writeOp) error {
	sb, err := s.readSuperblock(ctx)
	if err != nil {
		return err
	}
	txn := s.cache.Begin(cache.TxnWrite)

	promoted, root, res, err := s.descendMutate(ctx, txn, sb.root, key, op, value, isBlob, recency)
	if err != nil {
		txn.Abort()
		return err
	}
	switch {
	case promoted != nil:
		rootH := txn.AcquireNew()
		newRoot := newInternal(sb.root)
		newRoot.keys = append(newRoot.keys, promoted.key)
		newRoot.children = append(newRoot.children, promoted.right)
		newRoot.maxRecency = recency
		storeNode(rootH, newRoot)
		sb.root = rootH.BlockID()
		if err := s.writeSuperblock(ctx, txn, sb); err != nil {
			txn.Abort()
			return err
		}
	case !root.n.isLeaf() && len(root.n.children) == 1:
		// A merge cascade emptied every separator key out of the root,
		// leaving it pointing at a single child: the tree shrinks by one
		// level, same as discarding a now-redundant internal node off the
		// top of any B-tree after a delete (§4.6 "merge/level").
		sb.root = root.n.children[0]
		root.h.MarkDeleted()
		if err := s.writeSuperblock(ctx, txn, sb); err != nil {
			txn.Abort()
			return err
		}
	}
	if op == opDelete {
		s.pushDeleteQueue(deleteQueueEntry{key: append([]byte(nil), key...), recency: recency})
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	if res.hadOld && res.oldBlobHead != serializer.NilBlockID {
		// Best-effort: the superseded blob chain is freed after the node
		// mutation durably commits. A crash between the two leaves it
		// orphaned (wasted space, not a correctness hazard) rather than
		// ever freeing a chain a committed node might still reference.
		if err := deleteBlob(ctx, s.cache, res.oldBlobHead); err != nil {
			s.log.Warn("btree: failed to free superseded blob chain", "err", err)
		}
	}
	return nil
}

// childState bundles a node's own already-acquired handle and decoded
// content as descendMutate returns it, so a caller one level up can
// inspect fill level and merge/level against a sibling without
// re-acquiring the same block — acquisitions aren't reentrant within a
// transaction (internal/cache's frameLock isn't recursive).
type childState struct {
	h *cache.Handle
	n *node
}

// descendMutate recursively finds key's leaf, applies op, and reports a
// promotion if the leaf (or an ancestor absorbing the leaf's promotion)
// had to split. It also rebalances on the way back up: if op left a
// non-root child below MinNodeEntries (a quarter of MaxNodeEntries), the
// child is leveled against a sibling (borrowing one entry/key-child) or, if
// the sibling has no surplus to lend and the pair fits one block, merged
// into it — removing the sibling pair's separator from the parent. Block-ids never change
// under a non-split, non-merge mutation — a concurrent snapshot reader's
// fork in internal/cache swaps the frame object, not the block-id a
// parent points at — so only a split or a merge requires updating
// anything above the affected node.
func (s *Slice) descendMutate(ctx context.Context, txn *cache.Txn, id serializer.BlockID, key []byte, op writeOp, value []byte, isBlob bool, recency serializer.Recency) (*promotion, childState, mutateResult, error) {
	h, err := txn.Acquire(ctx, id, cache.ModeIntent)
	if err != nil {
		return nil, childState{}, mutateResult{}, err
	}
	n, err := loadNode(h)
	if err != nil {
		return nil, childState{}, mutateResult{}, err
	}

	if n.isLeaf() {
		res, err := applyLeafOp(n, key, op, value, isBlob, recency)
		if err != nil {
			return nil, childState{}, mutateResult{}, err
		}
		recomputeLeafRecency(n)

		if !n.exceedsBudget(s.blockSize) {
			storeNode(h, n)
			return nil, childState{h: h, n: n}, res, nil
		}

		right := splitLeaf(n)
		rightH := txn.AcquireNew()
		storeNode(rightH, right)
		storeNode(h, n)
		return &promotion{key: right.entries[0].key, right: rightH.BlockID()}, childState{h: h, n: n}, res, nil
	}

	idx := n.findChild(key)
	childPromotion, child, res, err := s.descendMutate(ctx, txn, n.children[idx], key, op, value, isBlob, recency)
	if err != nil {
		return nil, childState{}, mutateResult{}, err
	}

	if childPromotion != nil {
		insertKeyChild(n, idx, childPromotion.key, childPromotion.right)
	} else if child.n.underfull() {
		if err := s.rebalanceChild(ctx, txn, n, idx, child); err != nil {
			return nil, childState{}, mutateResult{}, err
		}
	}
	if recency > n.maxRecency {
		n.maxRecency = recency
	}

	if childPromotion != nil && n.exceedsBudget(s.blockSize) {
		right, midKey := splitInternal(n)
		rightH := txn.AcquireNew()
		storeNode(rightH, right)
		storeNode(h, n)
		return &promotion{key: midKey, right: rightH.BlockID()}, childState{h: h, n: n}, res, nil
	}

	storeNode(h, n)
	return nil, childState{h: h, n: n}, res, nil
}

// rebalanceChild raises parent.children[idx], which the caller found
// underfull after a delete, by borrowing a surplus entry from whichever
// neighbor sibling exists or, if that sibling has none to spare, merging
// the two together and dropping the separator pair from parent (§4.6
// "merge/level on descent"). If the merged pair would exceed the block
// budget it does neither and the child stays underfull.
func (s *Slice) rebalanceChild(ctx context.Context, txn *cache.Txn, parent *node, idx int, child childState) error {
	if len(parent.children) < 2 {
		// No sibling at this level to rebalance against; only the root can
		// have a single child, and rawSet handles that by shrinking height.
		return nil
	}

	siblingIdx, sepIdx := idx-1, idx-1
	if idx == 0 {
		siblingIdx, sepIdx = idx+1, idx
	}

	siblingH, err := txn.Acquire(ctx, parent.children[siblingIdx], cache.ModeIntent)
	if err != nil {
		return err
	}
	sibling, err := loadNode(siblingH)
	if err != nil {
		return err
	}

	leftIdx, rightIdx := idx, siblingIdx
	left, right := child.n, sibling
	leftH, rightH := child.h, siblingH
	if siblingIdx < idx {
		leftIdx, rightIdx = siblingIdx, idx
		left, right = sibling, child.n
		leftH, rightH = siblingH, child.h
	}

	if sibling.numEntries() > MinNodeEntries {
		levelBorrow(parent, sepIdx, left, right)
		storeNode(leftH, left)
		storeNode(rightH, right)
		return nil
	}

	combined := &node{kind: left.kind}
	if left.isLeaf() {
		combined.entries = append(append([]leafEntry(nil), left.entries...), right.entries...)
	} else {
		combined.keys = append(append(append([][]byte(nil), left.keys...), parent.keys[sepIdx]), right.keys...)
		combined.children = append(append([]serializer.BlockID(nil), left.children...), right.children...)
	}
	if combined.exceedsBudget(s.blockSize) {
		// The pair would not fit one block; leave the child underfull.
		return nil
	}

	mergeNodes(parent, sepIdx, left, right)
	storeNode(leftH, left)
	rightH.MarkDeleted()
	parent.keys = append(parent.keys[:sepIdx], parent.keys[sepIdx+1:]...)
	parent.children = append(parent.children[:rightIdx], parent.children[rightIdx+1:]...)
	return nil
}

// levelBorrow moves one entry (leaf) or one key/child (internal) from
// whichever of left/right has the surplus into the other, rotating the
// parent's separator key through the move so it still reflects the lowest
// key reachable through right (§4.6 "level").
func levelBorrow(parent *node, sepIdx int, left, right *node) {
	if left.isLeaf() {
		if len(left.entries) > len(right.entries) {
			e := left.entries[len(left.entries)-1]
			left.entries = left.entries[:len(left.entries)-1]
			right.entries = append([]leafEntry{e}, right.entries...)
		} else {
			e := right.entries[0]
			right.entries = right.entries[1:]
			left.entries = append(left.entries, e)
		}
		recomputeLeafRecency(left)
		recomputeLeafRecency(right)
		parent.keys[sepIdx] = append([]byte(nil), right.entries[0].key...)
		return
	}

	if len(left.children) > len(right.children) {
		lastKey := left.keys[len(left.keys)-1]
		lastChild := left.children[len(left.children)-1]
		left.keys = left.keys[:len(left.keys)-1]
		left.children = left.children[:len(left.children)-1]

		right.keys = append([][]byte{parent.keys[sepIdx]}, right.keys...)
		right.children = append([]serializer.BlockID{lastChild}, right.children...)
		parent.keys[sepIdx] = lastKey
		return
	}

	firstKey := right.keys[0]
	firstChild := right.children[0]
	right.keys = right.keys[1:]
	right.children = right.children[1:]

	left.keys = append(left.keys, parent.keys[sepIdx])
	left.children = append(left.children, firstChild)
	parent.keys[sepIdx] = firstKey
}

// mergeNodes absorbs right's contents into left — for an internal pair,
// reinserting the parent's now-redundant separator key between the two
// halves — used when siblings' combined size still fits one node
// (§4.6 "merge ... on descent"). right's block is freed by the caller.
func mergeNodes(parent *node, sepIdx int, left, right *node) {
	if left.isLeaf() {
		left.entries = append(left.entries, right.entries...)
		recomputeLeafRecency(left)
		return
	}
	left.keys = append(left.keys, parent.keys[sepIdx])
	left.keys = append(left.keys, right.keys...)
	left.children = append(left.children, right.children...)
	if right.maxRecency > left.maxRecency {
		left.maxRecency = right.maxRecency
	}
}

func applyLeafOp(n *node, key []byte, op writeOp, value []byte, isBlob bool, recency serializer.Recency) (mutateResult, error) {
	idx, found := n.findEntry(key)

	switch op {
	case opAdd:
		if found {
			return mutateResult{}, ErrExists
		}
	case opReplace, opDelete:
		if !found {
			return mutateResult{}, ErrNotFound
		}
	}

	var res mutateResult
	if found {
		old := n.entries[idx]
		if old.blob {
			res = mutateResult{oldBlobHead: blobHeadOf(old.value), hadOld: true}
		}
	}

	if op == opDelete {
		n.entries = append(n.entries[:idx], n.entries[idx+1:]...)
		return res, nil
	}

	entry := leafEntry{key: append([]byte(nil), key...), value: value, recency: recency, blob: isBlob}
	if found {
		n.entries[idx] = entry
	} else {
		n.entries = append(n.entries, leafEntry{})
		copy(n.entries[idx+1:], n.entries[idx:])
		n.entries[idx] = entry
	}
	return res, nil
}

func recomputeLeafRecency(n *node) {
	if len(n.entries) == 0 {
		n.maxRecency = 0
		n.oldestTracked = 0
		return
	}
	max, min := n.entries[0].recency, n.entries[0].recency
	for _, e := range n.entries[1:] {
		if e.recency > max {
			max = e.recency
		}
		if e.recency < min {
			min = e.recency
		}
	}
	n.maxRecency = max
	n.oldestTracked = min
}

// splitLeaf carves the upper half of n's entries into a new right sibling
// and truncates n to the lower half, returning the sibling.
func splitLeaf(n *node) *node {
	mid := len(n.entries) / 2
	right := &node{kind: kindLeaf, entries: append([]leafEntry(nil), n.entries[mid:]...)}
	n.entries = append([]leafEntry(nil), n.entries[:mid]...)
	recomputeLeafRecency(n)
	recomputeLeafRecency(right)
	return right
}

// splitInternal carves the upper half of n's keys/children into a new
// right sibling, promoting the middle key up to the parent rather than
// copying it into either half (classic B-tree internal split).
func splitInternal(n *node) (*node, []byte) {
	mid := len(n.keys) / 2
	midKey := n.keys[mid]

	right := &node{
		kind:     kindInternal,
		keys:     append([][]byte(nil), n.keys[mid+1:]...),
		children: append([]serializer.BlockID(nil), n.children[mid+1:]...),
	}
	n.keys = append([][]byte(nil), n.keys[:mid]...)
	n.children = append([]serializer.BlockID(nil), n.children[:mid+1]...)
	return right, midKey
}

// insertKeyChild inserts key as n.keys[idx] and child as n.children[idx+1],
// shifting every later key/child up by one.
func insertKeyChild(n *node, idx int, key []byte, child serializer.BlockID) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.children = append(n.children, 0)
	copy(n.children[idx+2:], n.children[idx+1:])
	n.children[idx+1] = child
}

// resolveValue writes value out-of-line through the blob layer when it's
// larger than BlobThreshold, returning the bytes a leaf entry should store
// and whether those bytes are a blob reference (§4's "Blob layer").
func (s *Slice) resolveValue(ctx context.Context, value []byte) ([]byte, bool, error) {
	if len(value) <= BlobThreshold(s.blockSize) {
		return append([]byte(nil), value...), false, nil
	}
	head, err := writeBlob(ctx, s.cache, s.blockSize, value)
	if err != nil {
		return nil, false, err
	}
	return blobValueBytes(head), true, nil
}

// Set unconditionally stores value for key, overwriting any existing entry
// (§4.6 "set").
func (s *Slice) Set(ctx context.Context, key, value []byte, recency serializer.Recency) error {
	bytesToStore, isBlob, err := s.resolveValue(ctx, value)
	if err != nil {
		return err
	}
	return s.rawSet(ctx, key, bytesToStore, isBlob, recency, opSet)
}

// Add stores value for key only if key has no live entry (§4.6 "add").
func (s *Slice) Add(ctx context.Context, key, value []byte, recency serializer.Recency) error {
	bytesToStore, isBlob, err := s.resolveValue(ctx, value)
	if err != nil {
		return err
	}
	return s.rawSet(ctx, key, bytesToStore, isBlob, recency, opAdd)
}

// Replace stores value for key only if key already has a live entry
// (§4.6 "replace").
func (s *Slice) Replace(ctx context.Context, key, value []byte, recency serializer.Recency) error {
	bytesToStore, isBlob, err := s.resolveValue(ctx, value)
	if err != nil {
		return err
	}
	return s.rawSet(ctx, key, bytesToStore, isBlob, recency, opReplace)
}

// Cas stores value for key only if the currently stored value equals
// expected (§4.6 "cas"). The comparison is resolved against a separate
// read pass before the write descent rather than atomically within it —
// acceptable since a slice already expects a single in-flight writer at a
// time (the same simplification internal/cache's acquisition modes make
// for split-on-descent).
func (s *Slice) Cas(ctx context.Context, key, expected, value []byte, recency serializer.Recency) error {
	cur, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !bytes.Equal(cur, expected) {
		return ErrCasMismatch
	}
	bytesToStore, isBlob, err := s.resolveValue(ctx, value)
	if err != nil {
		return err
	}
	return s.rawSet(ctx, key, bytesToStore, isBlob, recency, opReplace)
}

// Incr adds delta to the base-10 unsigned integer stored for key and
// returns the new value (memcached-style numeric counter semantics,
// §4.6 "incr").
func (s *Slice) Incr(ctx context.Context, key []byte, delta uint64, recency serializer.Recency) (uint64, error) {
	return s.addDelta(ctx, key, delta, recency, true)
}

// Decr subtracts delta from the base-10 unsigned integer stored for key,
// clamping at zero, and returns the new value (§4.6 "decr").
func (s *Slice) Decr(ctx context.Context, key []byte, delta uint64, recency serializer.Recency) (uint64, error) {
	return s.addDelta(ctx, key, delta, recency, false)
}

func (s *Slice) addDelta(ctx context.Context, key []byte, delta uint64, recency serializer.Recency, incr bool) (uint64, error) {
	cur, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(cur)), 10, 64)
	if err != nil {
		return 0, ErrNotNumeric
	}
	var next uint64
	if incr {
		next = n + delta
	} else if delta > n {
		next = 0
	} else {
		next = n - delta
	}
	newVal := []byte(strconv.FormatUint(next, 10))
	bytesToStore, isBlob, err := s.resolveValue(ctx, newVal)
	if err != nil {
		return 0, err
	}
	if err := s.rawSet(ctx, key, bytesToStore, isBlob, recency, opReplace); err != nil {
		return 0, err
	}
	return next, nil
}

// Append concatenates suffix onto the value already stored for key
// (§4.6 "append").
func (s *Slice) Append(ctx context.Context, key, suffix []byte, recency serializer.Recency) error {
	cur, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	newVal := make([]byte, 0, len(cur)+len(suffix))
	newVal = append(newVal, cur...)
	newVal = append(newVal, suffix...)
	bytesToStore, isBlob, err := s.resolveValue(ctx, newVal)
	if err != nil {
		return err
	}
	return s.rawSet(ctx, key, bytesToStore, isBlob, recency, opReplace)
}

// Prepend concatenates prefix before the value already stored for key
// (§4.6 "prepend").
func (s *Slice) Prepend(ctx context.Context, key, prefix []byte, recency serializer.Recency) error {
	cur, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	newVal := make([]byte, 0, len(cur)+len(prefix))
	newVal = append(newVal, prefix...)
	newVal = append(newVal, cur...)
	bytesToStore, isBlob, err := s.resolveValue(ctx, newVal)
	if err != nil {
		return err
	}
	return s.rawSet(ctx, key, bytesToStore, isBlob, recency, opReplace)
}

// Delete removes key's entry, if any, and pushes it onto the delete queue
// so a subsequent backfill can tell a downstream replica to drop it too
// (§4.6 "delete", "Backfill ... deletions drawn from the delete queue").
func (s *Slice) Delete(ctx context.Context, key []byte, recency serializer.Recency) error {
	return s.rawSet(ctx, key, nil, false, recency, opDelete)
}
