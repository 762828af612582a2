// Package serializer implements §4.4's block store: a log-structured
// segmented file with a metablock ring, a log-structured block address
// (LBA) index, per-block recency/delete bits, and a foreground/background
// garbage collector. It is grounded on core/rawdb/freezer_table.go's
// index/data-file pairing, repair-on-open discipline, and
// checksum-at-append idiom, generalized from an append-only item log into
// a full LBA + metablock + GC block store.
package serializer

import "errors"

// DefaultBlockSize is the fixed aligned unit size (§3 "Block").
const DefaultBlockSize = 4096

// DefaultExtentSize is the contiguous run of blocks the GC relocates as a
// unit (§3 "Extent").
const DefaultExtentSize = 8 << 20 // 8 MiB

// DefaultZoneSize partitions the file for active-extent selection (§4.4
// "Zoning").
const DefaultZoneSize = 1 << 30 // 1 GiB

// MaxActiveDataExtents bounds how many extents the writer spreads new data
// across at once, to increase parallelism and spread GC pressure.
const MaxActiveDataExtents = 4

// LBAShardFactor is the number of parallel LBA lanes the block-id space is
// sharded across (§3 "LBA").
const LBAShardFactor = 8

// GCHighRatio is the garbage ratio (dead/total blocks) above which the
// foreground "nice" GC relocates an extent's live blocks (§4.4 "Garbage
// collection").
const GCHighRatio = 0.65

// GCCriticalRatio is the garbage ratio GC.RunCriticalPass uses as its
// threshold.
const GCCriticalRatio = 0.85

// YoungExtentWindow is the number of commits (IndexWrite calls) during
// which a freshly allocated extent is exempt from GC relocation, to avoid
// relocating soon-to-die data.
const YoungExtentWindow = 4

const formatMagic = "RKV1BLKS"

var (
	// ErrClosed is returned if an operation is attempted against a store
	// that has already been closed.
	ErrClosed = errors.New("serializer: closed")

	// ErrNotFound indicates the requested block-id has no live image.
	ErrNotFound = errors.New("serializer: block not found")

	// ErrChecksum indicates corruption detected during recovery; per §7
	// this is always a fatal condition one layer up.
	ErrChecksum = errors.New("serializer: checksum mismatch")

	// ErrBadMagic indicates the file header does not match this format.
	ErrBadMagic = errors.New("serializer: bad file header magic")
)

// BlockID is a stable, dense small integer assigned by the block store
// (§3 "Block").
type BlockID uint32

// NilBlockID marks the absence of a block reference.
const NilBlockID BlockID = 0xFFFFFFFF

// ProxyID names one logical serializer on a shared file (§4.4
// "Multiplexing"). Token carries one, but nothing multiplexes several
// proxies onto one file: each Store owns one data directory and one
// block-id space.
type ProxyID uint16
