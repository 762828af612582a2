package serializer

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"

	"github.com/rethinkkv/rethinkkv/metrics"
	"github.com/rethinkkv/rethinkkv/rlog"
)

// blockHeaderSize is the on-disk header preceding every (possibly
// compressed) block payload within an extent: block_id(4) +
// block_sequence_id(8) + payload_len(4) + checksum(4), matching §6's "Data
// block on disk" layout.
const blockHeaderSize = 4 + 8 + 4 + 4

// IndexOp is one entry of an atomic group applied by IndexWrite: a new
// token for block_id (or a delete), carrying its recency (§4.4 contract
// "index_write(ops, account)").
type IndexOp struct {
	BlockID BlockID
	Token   Token // zero Token + Delete=true marks a tombstone
	Recency Recency
	Delete  bool
}

// Store is one block store (serializer) instance: the on-disk state and
// in-memory LBA mirror for one data directory (§4.4). Several proxies are
// not multiplexed onto one directory.
type Store struct {
	mu sync.Mutex

	dir        string
	blockSize  uint32
	extentSize uint32

	meta   *metaRing
	lanes  [LBAShardFactor]*lbaLane
	extent *extentManager

	index    map[BlockID]indexEntry
	freeList []BlockID
	nextID   uint32
	nextTxID uint64

	closed bool

	log     rlog.Logger
	metrics *metrics.Registry
}

// Options configures a new or reopened Store.
type Options struct {
	BlockSize  uint32
	ExtentSize uint32
	ZoneSize   uint32
}

func (o Options) withDefaults() Options {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.ExtentSize == 0 {
		o.ExtentSize = DefaultExtentSize
	}
	if o.ZoneSize == 0 {
		o.ZoneSize = DefaultZoneSize
	}
	return o
}

// Create initializes a brand-new block store at dir. It fails if the
// directory is non-empty, mirroring §6's "a 'force create' override is
// required to reinitialize on a non-empty directory" (the override itself
// is a CLI-level concern, implemented in cmd/rethinkkv).
func Create(dir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	if len(entries) != 0 {
		return nil, fmt.Errorf("serializer: %s is not empty (force-create required)", dir)
	}
	if err := writeHeader(dir, opts); err != nil {
		return nil, err
	}
	return open(dir, opts)
}

// Open opens an existing block store, recovering in-memory state from the
// freshest metablock plus an LBA replay (§4.4 "Recovery algorithm").
func Open(dir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := checkHeader(dir, opts); err != nil {
		return nil, err
	}
	return open(dir, opts)
}

func writeHeader(dir string, opts Options) error {
	path := filepath.Join(dir, "rkv.header")
	b := make([]byte, DefaultBlockSize)
	copy(b, []byte(formatMagic))
	binary.LittleEndian.PutUint32(b[8:12], opts.BlockSize)
	binary.LittleEndian.PutUint32(b[12:16], opts.ExtentSize)
	binary.LittleEndian.PutUint32(b[16:20], opts.ZoneSize)
	return os.WriteFile(path, b, 0644)
}

func checkHeader(dir string, opts Options) error {
	path := filepath.Join(dir, "rkv.header")
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(b) < 20 || string(b[:8]) != formatMagic {
		return ErrBadMagic
	}
	return nil
}

func open(dir string, opts Options) (*Store, error) {
	s := &Store{
		dir:        dir,
		blockSize:  opts.BlockSize,
		extentSize: opts.ExtentSize,
		index:      make(map[BlockID]indexEntry),
		log:        rlog.New("component", "serializer", "dir", dir),
		metrics:    metrics.NewRegistry(),
	}

	meta, err := openMetaRing(dir)
	if err != nil {
		return nil, err
	}
	s.meta = meta

	for i := 0; i < LBAShardFactor; i++ {
		lane, err := openLBALane(dir, i)
		if err != nil {
			return nil, err
		}
		s.lanes[i] = lane
	}

	s.extent = newExtentManager(dir, s.extentSize, opts.ZoneSize)
	if err := s.discoverExtents(); err != nil {
		return nil, err
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) discoverExtents() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var ids []extentID
	for _, e := range entries {
		var n uint32
		if _, err := fmt.Sscanf(e.Name(), "rkv.extent.%d", &n); err == nil {
			ids = append(ids, extentID(n))
		}
	}
	return s.extent.discoverExisting(ids)
}

// recover replays the freshest metablock plus every LBA lane,
// newest-entry-wins per block-id, to rebuild the in-memory index and free
// list (§4.4 "Recovery algorithm"). No block-content replay is needed: LBA
// entries only commit after their block images are durable.
func (s *Store) recover() error {
	mb, found, err := s.meta.freshest()
	if err != nil {
		return err
	}
	if found {
		s.nextID = mb.nextBlockID
		s.nextTxID = mb.nextTxID
	}

	for lane := 0; lane < LBAShardFactor; lane++ {
		// Entries past the tail the freshest metablock recorded belong to a
		// commit whose metablock never landed; drop them so later appends
		// overwrite them.
		var committed int64
		if found {
			committed = mb.laneTails[lane]
		}
		if committed < s.lanes[lane].tail {
			s.lanes[lane].tail = committed
		}
		if err := s.lanes[lane].replay(func(e lbaEntry) error {
			if e.offset == tombstoneOffset64 {
				s.index[e.blockID] = indexEntry{deleted: true, recency: e.recency}
				return nil
			}
			ext, off := unpackOffset(e.offset)
			s.index[e.blockID] = indexEntry{extent: ext, offset: off, recency: e.recency}
			return nil
		}); err != nil {
			return err
		}
	}

	// Rebuild the free list: any id below nextID absent from the index (or
	// tombstoned) is reusable.
	live := make(map[BlockID]bool, len(s.index))
	for id, e := range s.index {
		if !e.deleted {
			live[id] = true
		}
	}
	for id := BlockID(0); id < BlockID(s.nextID); id++ {
		if !live[id] {
			s.freeList = append(s.freeList, id)
		}
	}

	// Rebuild extent live/total counts from the recovered index.
	totals := map[extentID]int{}
	for _, e := range s.index {
		if !e.deleted {
			totals[e.extent]++
		}
	}
	for id, n := range totals {
		if meta, ok := s.extent.get(id); ok {
			meta.mu.Lock()
			meta.live = n
			meta.total = n
			meta.mu.Unlock()
		}
	}

	s.log.Info("recovered block store", "blocks", len(live), "next_id", s.nextID)
	return nil
}

// AllocateBlockID reuses a tombstoned id if one is free, else takes a
// fresh id from the monotone counter (§4.4 "Block-id assignment").
func (s *Store) AllocateBlockID() BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.freeList); n > 0 {
		id := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		return id
	}
	id := BlockID(s.nextID)
	s.nextID++
	return id
}

// IndexRead returns a stable token for block_id's current image (§4.4
// contract "index_read(id) → token").
func (s *Store) IndexRead(id BlockID) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Token{}, ErrClosed
	}
	e, ok := s.index[id]
	if !ok || e.deleted {
		return Token{}, ErrNotFound
	}
	return Token{id: id, extent: e.extent, offset: e.offset}, nil
}

// BlockRead returns exactly the image named by tok (§4.4 contract
// "block_read(token, buf) returns exactly that image").
func (s *Store) BlockRead(tok Token) ([]byte, error) {
	if !tok.Valid() {
		return nil, ErrNotFound
	}
	meta, ok := s.extent.get(tok.extent)
	if !ok {
		return nil, ErrNotFound
	}

	header := make([]byte, blockHeaderSize)
	if _, err := meta.file.ReadAt(header, int64(tok.offset)); err != nil {
		return nil, err
	}
	payloadLen := binary.LittleEndian.Uint32(header[12:16])
	sum := binary.LittleEndian.Uint32(header[16:20])

	payload := make([]byte, payloadLen)
	if _, err := meta.file.ReadAt(payload, int64(tok.offset)+blockHeaderSize); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, ErrChecksum
	}
	return snappy.Decode(nil, payload)
}

// BlockWrite writes a new image for id (allocating one if id is
// BlockID(NilBlockID)) into the active extent and returns a token valid
// immediately, per §4.4's contract. The write is durable once the caller's
// transaction proceeds through commit's LBA+metablock steps; BlockWrite
// alone only guarantees the bytes are queued in the extent file.
func (s *Store) BlockWrite(contents []byte, id BlockID) (Token, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Token{}, ErrClosed
	}
	s.mu.Unlock()

	if id == NilBlockID {
		id = s.AllocateBlockID()
	}

	compressed := snappy.Encode(nil, contents)
	need := uint32(blockHeaderSize + len(compressed))

	extID, meta, err := s.extent.pickActive(need)
	if err != nil {
		return Token{}, err
	}

	meta.mu.Lock()
	offset := meta.tail
	header := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(id))
	binary.LittleEndian.PutUint64(header[4:12], s.nextSeq())
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(header[16:20], crc32.ChecksumIEEE(compressed))

	if _, err := meta.file.WriteAt(append(header, compressed...), int64(offset)); err != nil {
		meta.mu.Unlock()
		return Token{}, err
	}
	meta.tail += need
	meta.total++
	meta.mu.Unlock()

	return Token{id: id, extent: extID, offset: offset}, nil
}

var seqCounter uint64

func (s *Store) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqCounter++
	return seqCounter
}

// IndexWrite atomically applies a group of block_id -> (token/delete,
// recency) updates and commits a metablock (§4.4 contract). Ordering
// within the commit algorithm: fsync the extent files holding the new block
// images, append LBA entries per lane, wait for their fsync, then write the
// metablock, which is the commit point. A failure
// between appending blocks and writing the metablock leaves the old
// metablock pointing at the old LBA head, so anything orphaned is
// reclaimed by GC rather than corrupting state.
func (s *Store) IndexWrite(ops []IndexOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	synced := make(map[extentID]bool)
	for _, op := range ops {
		if op.Delete || synced[op.Token.extent] {
			continue
		}
		synced[op.Token.extent] = true
		if meta, ok := s.extent.get(op.Token.extent); ok {
			if err := meta.file.Sync(); err != nil {
				rlog.Fatalf("serializer: fatal I/O error syncing extent %d: %v", op.Token.extent, err)
			}
		}
	}

	byLane := make(map[int][]lbaEntry)
	for _, op := range ops {
		lane := laneFor(op.BlockID)
		e := lbaEntry{blockID: op.BlockID, recency: op.Recency}
		if op.Delete {
			e.offset = tombstoneOffset64
		} else {
			e.offset = packOffset(op.Token.extent, op.Token.offset)
		}
		byLane[lane] = append(byLane[lane], e)
	}
	for lane, entries := range byLane {
		if err := s.lanes[lane].append(entries); err != nil {
			rlog.Fatalf("serializer: fatal I/O error appending LBA lane %d: %v", lane, err)
		}
	}

	for _, op := range ops {
		s.applyIndexOp(op)
	}

	s.nextTxID++
	mb := metablock{
		version:      s.nextTxID,
		nextTxID:     s.nextTxID,
		nextBlockID:  s.nextID,
		nextExtentID: uint32(s.extent.peekNextID()),
	}
	for i := range s.lanes {
		mb.laneTails[i] = s.lanes[i].tail
	}
	if err := s.meta.commit(mb); err != nil {
		rlog.Fatalf("serializer: fatal I/O error committing metablock: %v", err)
	}
	s.extent.advanceGeneration()
	return nil
}

func (s *Store) applyIndexOp(op IndexOp) {
	old, hadOld := s.index[op.BlockID]
	if hadOld && !old.deleted {
		if meta, ok := s.extent.get(old.extent); ok {
			meta.mu.Lock()
			meta.live--
			meta.mu.Unlock()
		}
	}
	if op.Delete {
		s.index[op.BlockID] = indexEntry{deleted: true, recency: op.Recency}
		s.freeList = append(s.freeList, op.BlockID)
		return
	}
	s.index[op.BlockID] = indexEntry{extent: op.Token.extent, offset: op.Token.offset, recency: op.Recency}
	if meta, ok := s.extent.get(op.Token.extent); ok {
		meta.mu.Lock()
		meta.live++
		meta.mu.Unlock()
	}
}

// Close releases every open file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, l := range s.lanes {
		record(l.close())
	}
	record(s.extent.closeAll())
	record(s.meta.close())
	return firstErr
}
