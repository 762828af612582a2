package store

import (
	"sync/atomic"

	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

// timestamper wraps a slice's write path: every write receives a CAS
// token and a recency timestamp at entry, so the slice sees a total
// order of writes and a non-decreasing recency stream (§4.7
// "timestamper"). Reads never pass through here.
type timestamper struct {
	cas     uint64 // atomic
	recency uint64 // atomic
}

// stamp is the pair a timestamper hands a write: cas is a per-write
// counter, recency is the value threaded into the B-tree leaf entry and on
// into backfill pruning. The cas value is not stored with the entry;
// Slice.Cas compares the stored value bytes against an expected value
// instead.
type stamp struct {
	cas     uint64
	recency serializer.Recency
}

func (t *timestamper) next() stamp {
	return stamp{
		cas:     atomic.AddUint64(&t.cas, 1),
		recency: serializer.Recency(atomic.AddUint64(&t.recency, 1)),
	}
}

// last reports the most recently issued recency without advancing it, for
// callers that need to observe the stream without writing.
func (t *timestamper) last() serializer.Recency {
	return serializer.Recency(atomic.LoadUint64(&t.recency))
}
