package cache

import (
	"context"
	"sync"

	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

// flushFrames issues block-writes for every frame in the set through the
// block store and then commits one IndexWrite covering all of them, capped
// by MaxConcurrentFlushes concurrent in-flight block-writes (§4.5 "A flush
// pass snapshots the dirty set, issues the resulting block-writes through
// the block store, and on completion issues the index_write that commits
// them. Concurrent flushes are capped by max_concurrent_flushes").
func (c *Cache) flushFrames(ctx context.Context, frames []*frame) error {
	ops := make([]serializer.IndexOp, len(frames))
	errs := make([]error, len(frames))

	var wg sync.WaitGroup
	for i, f := range frames {
		if err := c.flushSem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(i int, f *frame) {
			defer wg.Done()
			defer c.flushSem.Release(1)
			if f.deleted {
				ops[i] = serializer.IndexOp{BlockID: f.id, Delete: true, Recency: f.recency}
				return
			}
			tok, err := c.store.BlockWrite(f.data, f.id)
			if err != nil {
				errs[i] = err
				return
			}
			ops[i] = serializer.IndexOp{BlockID: f.id, Token: tok, Recency: f.recency}
		}(i, f)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	if err := c.store.IndexWrite(ops); err != nil {
		return err
	}

	for _, f := range frames {
		f.dirty = false
		f.recencyDirty = false
		f.patched = false
		f.patchBytes = 0
		c.clearPatchLog(f.id)
	}
	return nil
}

// FlushAll snapshots and drains every currently dirty or patched frame
// (§4.5 "periodic/forced flush").
func (c *Cache) FlushAll(ctx context.Context) error {
	dirty := c.pool.dirtySnapshot()
	if len(dirty) == 0 {
		return nil
	}
	return c.flushFrames(ctx, dirty)
}
