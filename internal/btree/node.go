// Package btree implements §4.6's persistent B-tree slice: get/rget/set/
// add/replace/cas/incr/decr/append/prepend/delete with split/merge on
// insert/delete, timestamped leaves, a delete queue, and timestamp-bounded
// backfill traversal. It is grounded on trie/stacktrie.go's node-type
// switch and commit-on-descent discipline (generalized from a write-once
// hashing trie into a full read/write B-tree backed by internal/cache) and
// on core/state/snapshot/difflayer_journal.go's delta-stream shape for
// backfill's (key, value, recency) / (key, deleted) events.
package btree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rethinkkv/rethinkkv/internal/cache"
	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

var (
	// ErrNotFound is returned by Get/Replace/Cas/Incr/Decr/Append/Prepend/
	// Delete when the key has no live entry.
	ErrNotFound = errors.New("btree: key not found")
	// ErrExists is returned by Add when the key already has a live entry.
	ErrExists = errors.New("btree: key already exists")
	// ErrCasMismatch is returned by Cas when the stored value doesn't match
	// the expected comparand.
	ErrCasMismatch = errors.New("btree: cas mismatch")
	// ErrNotNumeric is returned by Incr/Decr when the stored value isn't a
	// base-10 unsigned integer (memcached incr/decr semantics).
	ErrNotNumeric = errors.New("btree: value is not numeric")
)

// MaxNodeEntries bounds how many entries a node holds before an insert
// splits it on the way back up the tree. Nodes also split when their
// encoded size would exceed the block budget (exceedsBudget), so large keys
// or values split a node before this count is reached; values above
// BlobThreshold live in the blob layer instead of inflating node size.
const MaxNodeEntries = 64

// MinNodeEntries is the low-water mark below which a descending delete
// merges or rebalances with a sibling.
const MinNodeEntries = MaxNodeEntries / 4

type nodeKind uint8

const (
	kindLeaf nodeKind = iota
	kindInternal
)

// leafEntry is one timestamped key/value pair (§3 "leaf entry").
type leafEntry struct {
	key     []byte
	value   []byte
	recency serializer.Recency
	blob    bool // value is a blobID reference rather than inline bytes
}

// node is the in-memory decode of one B-tree node's block image. Internal
// nodes hold len(keys)+1 children; leaf nodes hold parallel keys/entries.
type node struct {
	kind     nodeKind
	keys     [][]byte    // internal: separator keys; leaf: unused (see entries)
	children []serializer.BlockID
	entries  []leafEntry

	// maxRecency is the highest recency among this node's live entries, or
	// (for an internal node) the max over its children — used by backfill
	// to prune subtrees that can't contain anything newer than `since`.
	maxRecency serializer.Recency
	// oldestTracked is the oldest recency this node still remembers; if it
	// is <= a backfill's `since`, the leaf can no longer prove it retains
	// every entry newer than since and must be resynced wholesale (§4.6
	// "Backfill").
	oldestTracked serializer.Recency
}

func newLeaf() *node { return &node{kind: kindLeaf} }

func newInternal(leftChild serializer.BlockID) *node {
	return &node{kind: kindInternal, children: []serializer.BlockID{leftChild}}
}

func (n *node) isLeaf() bool { return n.kind == kindLeaf }

func (n *node) numEntries() int {
	if n.isLeaf() {
		return len(n.entries)
	}
	return len(n.keys)
}

// underfull reports whether n has dropped below MinNodeEntries, the
// low-water mark a delete fixes by merging or leveling against a sibling.
// The threshold is an entry count, a quarter of MaxNodeEntries, not a
// half-full size rule, and a child whose merge would not fit one block
// stays below it. The root is exempt by construction — it has no sibling to rebalance
// against, and a collapsed root instead shrinks the tree by one level.
func (n *node) underfull() bool {
	return n.numEntries() < MinNodeEntries
}

// findChild returns the index of the child subtree key would descend into.
func (n *node) findChild(key []byte) int {
	i := 0
	for i < len(n.keys) && bytes.Compare(key, n.keys[i]) >= 0 {
		i++
	}
	return i
}

// findEntry returns the index of key within a leaf's entries and whether
// it was found exactly.
func (n *node) findEntry(key []byte) (int, bool) {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.entries[mid].key, key) {
		case -1:
			lo = mid + 1
		case 1:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// marshal encodes the node into a flat byte buffer suitable for a cache
// frame (§6 "B-tree node on disk").
func (n *node) marshal() []byte {
	var b bytes.Buffer
	b.WriteByte(byte(n.kind))
	putUvarint(&b, uint64(n.maxRecency))
	putUvarint(&b, uint64(n.oldestTracked))

	if n.isLeaf() {
		putUvarint(&b, uint64(len(n.entries)))
		for _, e := range n.entries {
			putBytes(&b, e.key)
			putUvarint(&b, uint64(e.recency))
			if e.blob {
				b.WriteByte(1)
			} else {
				b.WriteByte(0)
			}
			putBytes(&b, e.value)
		}
		return b.Bytes()
	}

	putUvarint(&b, uint64(len(n.keys)))
	for _, k := range n.keys {
		putBytes(&b, k)
	}
	for _, c := range n.children {
		var idBuf [4]byte
		binary.LittleEndian.PutUint32(idBuf[:], uint32(c))
		b.Write(idBuf[:])
	}
	return b.Bytes()
}

func unmarshalNode(data []byte) (*node, error) {
	r := bytes.NewReader(data)
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("btree: short node header: %w", err)
	}
	n := &node{kind: nodeKind(kindByte)}

	maxRec, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	n.maxRecency = serializer.Recency(maxRec)
	oldest, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	n.oldestTracked = serializer.Recency(oldest)

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}

	if n.isLeaf() {
		n.entries = make([]leafEntry, count)
		for i := range n.entries {
			key, err := getBytes(r)
			if err != nil {
				return nil, err
			}
			rec, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			isBlob, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			val, err := getBytes(r)
			if err != nil {
				return nil, err
			}
			n.entries[i] = leafEntry{key: key, value: val, recency: serializer.Recency(rec), blob: isBlob == 1}
		}
		return n, nil
	}

	n.keys = make([][]byte, count)
	for i := range n.keys {
		k, err := getBytes(r)
		if err != nil {
			return nil, err
		}
		n.keys[i] = k
	}
	n.children = make([]serializer.BlockID, count+1)
	for i := range n.children {
		var idBuf [4]byte
		if _, err := r.Read(idBuf[:]); err != nil {
			return nil, err
		}
		n.children[i] = serializer.BlockID(binary.LittleEndian.Uint32(idBuf[:]))
	}
	return n, nil
}

func putUvarint(b *bytes.Buffer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	b.Write(buf[:n])
}

func putBytes(b *bytes.Buffer, v []byte) {
	putUvarint(b, uint64(len(v)))
	b.Write(v)
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// maxNodeBytes is the encoded-size ceiling a node must stay under so
// storeNode's copy into a fixed block-size buffer never truncates, leaving
// a safety margin for the block's own framing.
func maxNodeBytes(blockSize uint32) int {
	const reserve = 64
	if int(blockSize) <= reserve {
		return int(blockSize)
	}
	return int(blockSize) - reserve
}

// estimateSize upper-bounds the encoded size of n without actually
// marshaling it, using MaxVarintLen64 for every varint field.
func (n *node) estimateSize() int {
	sz := 1 + 2*binary.MaxVarintLen64 // kind byte + maxRecency + oldestTracked
	if n.isLeaf() {
		sz += binary.MaxVarintLen64 // entry count
		for _, e := range n.entries {
			sz += binary.MaxVarintLen64 + len(e.key) // key length + key
			sz += binary.MaxVarintLen64               // recency
			sz += 1                                   // blob flag
			sz += binary.MaxVarintLen64 + len(e.value) // value length + value
		}
		return sz
	}
	sz += binary.MaxVarintLen64 // key count
	for _, k := range n.keys {
		sz += binary.MaxVarintLen64 + len(k)
	}
	sz += 4 * len(n.children)
	return sz
}

// exceedsBudget reports whether n must split before being stored in a
// block of blockSize bytes — bounded on entry count (MaxNodeEntries) AND
// estimated encoded size, so neither a pathologically large key/value nor
// a large fan-out can silently overflow storeNode's fixed buffer.
func (n *node) exceedsBudget(blockSize uint32) bool {
	return n.numEntries() > MaxNodeEntries || n.estimateSize() > maxNodeBytes(blockSize)
}

// loadNode reads and decodes the node held by a cache handle.
func loadNode(h *cache.Handle) (*node, error) {
	return unmarshalNode(h.GetDataRead())
}

// storeNode encodes n into h's mutable buffer, which must have room for
// the encoding; callers split via exceedsBudget before ever calling this,
// so the encoding always fits within the configured block size.
func storeNode(h *cache.Handle, n *node) {
	enc := n.marshal()
	buf := h.GetDataMajorWrite()
	copy(buf, enc)
	for i := len(enc); i < len(buf); i++ {
		buf[i] = 0
	}
}
