package cache

// MaxPatchesSizeRatio bounds cumulative patch size against the block size:
// once outstanding patches for a block exceed block_size/MaxPatchesSizeRatio
// the block is demoted from "patches only" to "must flush whole block"
// (§4.5 "Patch log").
const MaxPatchesSizeRatio = 4

// PatchKind distinguishes the three patch shapes the cache recognizes.
type PatchKind int

const (
	PatchMemcpy PatchKind = iota
	PatchMemmove
	PatchTyped
)

// Patch is a small recorded in-place modification to a block, chained per
// block so unflushed writes survive a crash by replay against the last
// on-disk image (§3 "Patch").
type Patch struct {
	Kind   PatchKind
	Offset int
	Old    []byte
	New    []byte
	// ApplyFn, when non-nil, is a typed in-place mutation (PatchTyped) that
	// cannot be expressed as a byte-range copy (e.g. a counter increment).
	ApplyFn func(data []byte)
}

func (p Patch) size() int { return len(p.New) + 16 }

// Apply folds the patch into data in place.
func (p Patch) Apply(data []byte) {
	switch p.Kind {
	case PatchTyped:
		p.ApplyFn(data)
	default:
		copy(data[p.Offset:], p.New)
	}
}

// patchLog is the in-memory chain of not-yet-folded-in patches for one
// block (§4.5 "Patch log"). It has no persistent form: nothing is written
// to reserved blocks and recovery replays no patches; a patched frame
// reaches disk as a whole-block write when its transaction commits.
type patchLog struct {
	patches []Patch
	bytes   int
}

func newPatchLog() *patchLog {
	return &patchLog{}
}

func (l *patchLog) append(p Patch) {
	l.patches = append(l.patches, p)
	l.bytes += p.size()
}

// exceedsThreshold reports whether cumulative patch size for blockSize
// warrants demoting the block to a whole-block flush.
func (l *patchLog) exceedsThreshold(blockSize uint32) bool {
	return l.bytes > int(blockSize)/MaxPatchesSizeRatio
}

// replay applies every patch in order against data, for crash recovery.
func (l *patchLog) replay(data []byte) {
	for _, p := range l.patches {
		p.Apply(data)
	}
}
