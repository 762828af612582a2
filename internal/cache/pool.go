package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/simplelru"

	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

// PageReplNumTries bounds how many LRU candidates a replacement pass
// inspects before giving up and blocking on writeback completion instead
// (§4.5 "Frame pool").
const PageReplNumTries = 8

// framePool is the fixed-budget set of in-core frames, replaced
// approximate-LRU with a per-frame eviction-priority hint layered on top —
// pinned and dirty frames are skipped as replacement candidates regardless
// of recency, so the LRU list only approximates true usage order, matching
// §4.5's "replacement is approximate-LRU with per-frame eviction priority".
type framePool struct {
	mu        sync.Mutex
	lru       *lru.LRU
	blockSize uint32
	maxBytes  int64
	curBytes  int64
}

func newFramePool(maxBytes int64, blockSize uint32) *framePool {
	p := &framePool{blockSize: blockSize, maxBytes: maxBytes}
	l, _ := lru.NewLRU(1<<30, nil) // capacity bound is enforced by curBytes, not entry count
	p.lru = l
	return p
}

func (p *framePool) lookup(id serializer.BlockID) *frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.lru.Get(id)
	if !ok {
		return nil
	}
	return v.(*frame)
}

func (p *framePool) insert(f *frame) {
	p.mu.Lock()
	p.lru.Add(f.id, f)
	p.curBytes += int64(len(f.data))
	p.mu.Unlock()

	p.maybeEvict()
}

// replace swaps the pool's entry for id to point at a new frame object,
// used when a write forks a fresh frame off one an active snapshot
// transaction still holds (§3 "Snapshot").
func (p *framePool) replace(id serializer.BlockID, nf *frame) {
	p.mu.Lock()
	if v, ok := p.lru.Peek(id); ok {
		p.curBytes -= int64(len(v.(*frame).data))
	}
	p.lru.Add(id, nf)
	p.curBytes += int64(len(nf.data))
	p.mu.Unlock()
}

func (p *framePool) remove(id serializer.BlockID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.lru.Peek(id); ok {
		p.curBytes -= int64(len(v.(*frame).data))
		p.lru.Remove(id)
	}
}

// maybeEvict tries up to PageReplNumTries candidates, oldest first, looking
// for one that is neither pinned, dirty, nor patched. It never blocks;
// callers whose writeback can't keep up simply keep more resident bytes
// than maxBytes until a flush pass clears some dirty frames, matching
// §4.5's "failure triggers blocking on writeback completion" being handled
// one layer up by the writeback scheduler rather than here.
func (p *framePool) maybeEvict() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.curBytes > p.maxBytes {
		keys := p.lru.Keys()
		evicted := false
		for i, n := 0, len(keys); i < n && i < PageReplNumTries; i++ {
			id := keys[i].(serializer.BlockID)
			v, ok := p.lru.Peek(id)
			if !ok {
				continue
			}
			f := v.(*frame)
			if f.pinned() || f.dirty || f.patched || f.priority == PriorityPinned {
				continue
			}
			p.lru.Remove(id)
			p.curBytes -= int64(len(f.data))
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

// dirtySnapshot returns every currently dirty frame, for a flush pass to
// drain (§4.5 "A flush pass snapshots the dirty set").
func (p *framePool) dirtySnapshot() []*frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*frame
	for _, k := range p.lru.Keys() {
		v, _ := p.lru.Peek(k)
		f := v.(*frame)
		if f.dirty || f.patched {
			out = append(out, f)
		}
	}
	return out
}
