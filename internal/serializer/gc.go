package serializer

import (
	"github.com/rethinkkv/rethinkkv/rlog"
)

// GC runs the block store's garbage collector: a "nice" pass that
// relocates live blocks out of extents above GCHighRatio, and a critical
// pass that does the same above GCCriticalRatio, per §4.4 "Garbage
// collection". Nothing in the engine schedules either pass; callers invoke
// them directly.
type GC struct {
	store *Store
	log   rlog.Logger
}

// NewGC returns a collector bound to store.
func NewGC(store *Store) *GC {
	return &GC{store: store, log: rlog.New("component", "serializer.gc")}
}

// RunNicePass relocates every live block out of extents whose garbage
// ratio exceeds GCHighRatio. An extent it empties is released by a later
// pass, not this one (see relocateExtent).
func (g *GC) RunNicePass() (relocated int, err error) {
	return g.run(GCHighRatio)
}

// RunCriticalPass is the same algorithm invoked at a tighter ratio, for
// when the nice pass is falling behind write pressure and file growth must
// be bounded (§4.4 "a higher-priority GC account bounds file growth if the
// nice pass isn't keeping up").
func (g *GC) RunCriticalPass() (relocated int, err error) {
	return g.run(GCCriticalRatio)
}

func (g *GC) run(ratio float64) (int, error) {
	candidates := g.store.extent.candidatesForGC(ratio)
	relocated := 0
	for _, id := range candidates {
		n, err := g.relocateExtent(id)
		relocated += n
		if err != nil {
			return relocated, err
		}
	}
	return relocated, nil
}

// relocateExtent copy-forwards every still-live block out of extent id into
// the current active extent set, commits the new LBA entries as one
// IndexWrite transaction (so a crash mid-relocation just abandons the old
// extent's stale data rather than losing anything), and releases the
// source extent once nothing points into it anymore.
func (g *GC) relocateExtent(id extentID) (int, error) {
	if _, ok := g.store.extent.get(id); !ok {
		return 0, nil
	}

	// Snapshot the set of block-ids currently pointing into this extent.
	g.store.mu.Lock()
	var live []BlockID
	for blockID, e := range g.store.index {
		if !e.deleted && e.extent == id {
			live = append(live, blockID)
		}
	}
	g.store.mu.Unlock()

	if len(live) == 0 {
		return 0, g.store.extent.release(id)
	}

	// Retire the source from the active set so the copies land elsewhere.
	g.store.extent.mu.Lock()
	for i, a := range g.store.extent.active {
		if a == id {
			g.store.extent.active = append(g.store.extent.active[:i], g.store.extent.active[i+1:]...)
			break
		}
	}
	g.store.extent.mu.Unlock()

	ops := make([]IndexOp, 0, len(live))
	for _, blockID := range live {
		g.store.mu.Lock()
		e, ok := g.store.index[blockID]
		g.store.mu.Unlock()
		if !ok || e.deleted || e.extent != id {
			continue // raced with a concurrent delete/overwrite, skip
		}

		tok := Token{id: blockID, extent: e.extent, offset: e.offset}
		contents, err := g.store.BlockRead(tok)
		if err != nil {
			g.log.Warn("gc: skipping unreadable block", "id", blockID, "err", err)
			continue
		}
		newTok, err := g.store.BlockWrite(contents, blockID)
		if err != nil {
			return 0, err
		}
		ops = append(ops, IndexOp{BlockID: blockID, Token: newTok, Recency: e.recency})
	}

	if len(ops) == 0 {
		return 0, nil
	}
	if err := g.store.IndexWrite(ops); err != nil {
		return 0, err
	}

	// The source extent is released lazily: after this commit nothing in
	// the index points at id anymore (every live block moved), so the next
	// candidatesForGC scan sees live==0 and release() runs on the following
	// pass. Releasing synchronously here would race a concurrent BlockRead
	// still holding a token minted before this relocation.
	return len(ops), nil
}
