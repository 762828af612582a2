package serializer

// Recency is a monotone per-block timestamp used to prune backfill
// traversals (§3 "Block", GLOSSARY "Recency"). InvalidRecency marks a block
// whose recency has never been set.
type Recency uint64

// InvalidRecency is the zero-value sentinel meaning "no recency recorded".
const InvalidRecency Recency = 0

// Block is the in-memory representation of one block's current image plus
// its store-maintained bookkeeping fields (§3 "Block").
type Block struct {
	ID       BlockID
	Contents []byte
	Recency  Recency
	Deleted  bool

	// SequenceID is assigned on every write, for change detection and
	// patch-ordering in the cache layer above.
	SequenceID uint64
}

// Token is a stable handle to a specific image of a block-id's contents,
// returned by IndexRead/BlockWrite and consumed by BlockRead (§4.4
// contract). Two tokens for the same block-id compare unequal if and only
// if they refer to different on-disk images.
type Token struct {
	proxy   ProxyID
	id      BlockID
	lane    int
	extent  extentID
	offset  uint32 // byte offset of the block image within the extent
	seq     uint64
	deleted bool
}

// Valid reports whether the token refers to a live image rather than a
// tombstone or "unused" placeholder.
func (t Token) Valid() bool { return !t.deleted && t.extent != nilExtentID }
