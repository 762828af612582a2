// Package cache implements §4.5's buffer cache: a mirrored, acquisition-moded
// page cache layered on the block store, with a frame pool, writeback,
// an in-memory patch log, and snapshot copy-on-write retention. It is
// grounded on core/state/snapshot's layered diffLayer-over-diskLayer
// design: a snapshot transaction keeps reading the frame object it
// acquired while a writer forks a fresh one, and an acquisition that
// misses the live frame set reads the block's current image from the
// block store.
package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rethinkkv/rethinkkv/internal/serializer"
	"github.com/rethinkkv/rethinkkv/rlog"
)

// Config bounds the cache's resource usage (§4.5 "Frame pool").
type Config struct {
	MaxSizeBytes        int64
	MaxConcurrentFlushes int64
	BlockSize            uint32
}

func (c Config) withDefaults() Config {
	if c.MaxSizeBytes == 0 {
		c.MaxSizeBytes = 64 << 20
	}
	if c.MaxConcurrentFlushes == 0 {
		c.MaxConcurrentFlushes = 4
	}
	if c.BlockSize == 0 {
		c.BlockSize = serializer.DefaultBlockSize
	}
	return c
}

// Cache mediates every access to block contents above the block store: read
// and write locking per block, writeback batching and ordering, per-txn
// snapshots, and the patch log (§4.5 "responsibilities").
type Cache struct {
	mu sync.Mutex

	store *serializer.Store
	cfg   Config

	pool *framePool

	// patchLogs holds the outstanding, not-yet-folded-in patch chain for
	// every dirty block-id with patches pending, keyed by block id.
	patchLogs map[serializer.BlockID]*patchLog

	flushSem *semaphore.Weighted

	log rlog.Logger
}

// New creates a buffer cache in front of store.
func New(store *serializer.Store, cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		store:     store,
		cfg:       cfg,
		pool:      newFramePool(cfg.MaxSizeBytes, cfg.BlockSize),
		patchLogs: make(map[serializer.BlockID]*patchLog),
		flushSem:  semaphore.NewWeighted(cfg.MaxConcurrentFlushes),
		log:       rlog.New("component", "cache"),
	}
}

// Begin starts a new transaction in the given mode (§4.5 "txn.acquire").
func (c *Cache) Begin(mode TxnMode) *Txn {
	return newTxn(c, mode)
}

// fetch loads block id's current frame, reading through to the block store
// on a cache miss, and returns it pinned (refcount incremented).
func (c *Cache) fetch(ctx context.Context, id serializer.BlockID) (*frame, error) {
	c.mu.Lock()
	if f := c.pool.lookup(id); f != nil {
		f.pin()
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	tok, err := c.store.IndexRead(id)
	if err != nil {
		return nil, err
	}
	const maxReadRetries = 3
	contents, err := c.store.BlockRead(tok)
	for attempt := 1; err != nil && attempt < maxReadRetries; attempt++ {
		contents, err = c.store.BlockRead(tok)
	}
	if err != nil {
		rlog.Fatalf("cache: fatal I/O error reading block %d: %v", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.pool.lookup(id); f != nil {
		f.pin()
		return f, nil
	}
	f := newFrame(id, contents)
	f.pin()
	c.pool.insert(f)
	return f, nil
}

// allocate creates a brand-new, all-zero frame for a freshly allocated
// block-id, without a read-through (§3 "blocks are created by an
// allocation within a write transaction").
func (c *Cache) allocate() *frame {
	id := c.store.AllocateBlockID()
	f := newFrame(id, make([]byte, c.cfg.BlockSize))
	f.dirty = true
	f.pin()

	c.mu.Lock()
	c.pool.insert(f)
	c.mu.Unlock()
	return f
}

func (c *Cache) patchLogFor(id serializer.BlockID) *patchLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	pl, ok := c.patchLogs[id]
	if !ok {
		pl = newPatchLog()
		c.patchLogs[id] = pl
	}
	return pl
}

func (c *Cache) clearPatchLog(id serializer.BlockID) {
	c.mu.Lock()
	delete(c.patchLogs, id)
	c.mu.Unlock()
}

// Close flushes every remaining dirty frame and releases resources.
func (c *Cache) Close() error {
	return c.FlushAll(context.Background())
}
