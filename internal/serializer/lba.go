package serializer

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

// lbaEntrySize is the on-disk size of one LBA record: block_id(4) +
// offset-or-tombstone(8) + recency(8) + checksum(4), matching §6's wire
// layout for the LBA extent.
const lbaEntrySize = 4 + 8 + 8 + 4

// lbaEntry is one append-only LBA record (§3 "LBA").
type lbaEntry struct {
	blockID BlockID
	offset  int64 // -1 means tombstone (deleted)
	recency Recency
}

func (e lbaEntry) marshal() []byte {
	b := make([]byte, lbaEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.blockID))
	binary.LittleEndian.PutUint64(b[4:12], uint64(e.offset))
	binary.LittleEndian.PutUint64(b[12:20], uint64(e.recency))
	sum := crc32.ChecksumIEEE(b[0:20])
	binary.LittleEndian.PutUint32(b[20:24], sum)
	return b
}

func unmarshalLBAEntry(b []byte) (lbaEntry, error) {
	if len(b) < lbaEntrySize {
		return lbaEntry{}, fmt.Errorf("serializer: short LBA entry (%d bytes)", len(b))
	}
	sum := crc32.ChecksumIEEE(b[0:20])
	if binary.LittleEndian.Uint32(b[20:24]) != sum {
		return lbaEntry{}, ErrChecksum
	}
	return lbaEntry{
		blockID: BlockID(binary.LittleEndian.Uint32(b[0:4])),
		offset:  int64(binary.LittleEndian.Uint64(b[4:12])),
		recency: Recency(binary.LittleEndian.Uint64(b[12:20])),
	}, nil
}

// lbaLane is one of LBAShardFactor parallel append-only logs. Per §4.4 each
// lane is, in the original design, a singly-linked chain of extents; here
// each lane is realized as its own named file (mirroring
// core/rawdb/freezer_table.go's one-file-per-shard layout) so lane growth
// needs no byte-range bookkeeping of its own — the OS file is already an
// unbounded append log.
type lbaLane struct {
	mu   sync.Mutex
	file *os.File
	tail int64 // next append offset, i.e. current length
}

func openLBALane(dir string, lane int) (*lbaLane, error) {
	path := filepath.Join(dir, fmt.Sprintf("rkv.lba.%d", lane))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &lbaLane{file: f, tail: stat.Size()}, nil
}

// append writes entries to the tail of the lane and fsyncs — LBA
// acknowledgement must be durable before the owning commit can proceed to
// write its metablock (§4.4 commit step 3-4).
func (l *lbaLane) append(entries []lbaEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := make([]byte, 0, len(entries)*lbaEntrySize)
	for _, e := range entries {
		buf = append(buf, e.marshal()...)
	}
	if _, err := l.file.WriteAt(buf, l.tail); err != nil {
		return err
	}
	l.tail += int64(len(buf))
	return l.file.Sync()
}

// replay reads every entry in the lane, oldest to newest, invoking fn for
// each — used by recovery to rebuild the in-memory index (§3 "on recovery
// the in-memory index is reconstructed by replaying LBA entries
// oldest-to-newest per lane; later entries for the same id win").
func (l *lbaLane) replay(fn func(lbaEntry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := make([]byte, lbaEntrySize)
	for off := int64(0); off+lbaEntrySize <= l.tail; off += lbaEntrySize {
		if _, err := l.file.ReadAt(buf, off); err != nil {
			return err
		}
		e, err := unmarshalLBAEntry(buf)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *lbaLane) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// laneFor deterministically shards a block-id across LBAShardFactor lanes.
func laneFor(id BlockID) int {
	return int(id) % LBAShardFactor
}

// indexEntry is the in-memory mirror of the LBA for one block-id: an
// offset (or "unused"/deleted) plus a recency (§3 "Buffer-cache page" /
// "LBA").
type indexEntry struct {
	extent  extentID
	offset  uint32
	recency Recency
	deleted bool
}

// packOffset encodes an (extent, within-extent offset) pair into the LBA
// entry's single 64-bit "offset" field, and tombstoneOffset64 marks a
// deletion — matching §3's "(block_id, offset-or-tombstone, recency)".
func packOffset(extent extentID, offset uint32) int64 {
	return int64(uint64(extent)<<32 | uint64(offset))
}

func unpackOffset(v int64) (extentID, uint32) {
	u := uint64(v)
	return extentID(u >> 32), uint32(u)
}

const tombstoneOffset64 int64 = -1
