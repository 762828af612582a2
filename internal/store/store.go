// Package store implements §4.7's key-value store: N B-tree slices
// sharded by a rolling 32-bit hash of the key, each timestamped and
// order-serialized on its own worker thread, plus an extra metadata
// slice for engine-wide bookkeeping. It is the multiplexer the spec's
// memcached-style operations (get/set/add/replace/cas/incr/decr/
// append/prepend/delete/rget) are defined against; the wire protocol
// that drives these calls is out of scope (§9 "Wire protocol (consumed,
// not implemented by core)").
package store

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/pborman/uuid"

	"github.com/rethinkkv/rethinkkv/internal/btree"
	"github.com/rethinkkv/rethinkkv/internal/fiber"
	"github.com/rethinkkv/rethinkkv/internal/serializer"
	"github.com/rethinkkv/rethinkkv/metrics"
	"github.com/rethinkkv/rethinkkv/rlog"
)

// Options configures a Store's on-disk layout.
type Options struct {
	NumSlices int
	Disk      serializer.Options

	// MaxValueSize bounds the size of a value any write may store;
	// exceeding it fails with ErrTooLarge (§7 "too_large applies when
	// value > configured maximum"). Zero means unbounded.
	MaxValueSize int
}

func (o Options) withDefaults() Options {
	if o.NumSlices <= 0 {
		o.NumSlices = 8
	}
	return o
}

// ErrTooLarge is returned by any write whose resulting value exceeds
// Options.MaxValueSize (§7 "too_large").
var ErrTooLarge = errors.New("store: value too large")

// Store multiplexes the key-space over NumSlices shards plus one
// metadata shard (§3 "Slice ... One additional metadata slice stores
// engine metadata under the same stack").
type Store struct {
	dir     string
	opts    Options
	runtime *fiber.Runtime

	shards []*shard
	meta   *shard

	metrics *metrics.Registry
	log     rlog.Logger

	engineID uuid.UUID
}

// Create initializes a brand-new store rooted at dir: force-create is
// the caller's responsibility (§9 "a 'force create' override is
// required to reinitialize on a non-empty directory" — enforced one
// layer down, by serializer.Create refusing a non-empty directory).
func Create(ctx context.Context, dir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	rt := fiber.NewRuntime(opts.NumSlices + 1)
	st := &Store{dir: dir, opts: opts, runtime: rt, metrics: metrics.NewRegistry(), log: rlog.New("component", "store")}

	for i := 0; i < opts.NumSlices; i++ {
		sh, err := createShard(ctx, rt, i, shardDir(dir, i), opts.Disk)
		if err != nil {
			return nil, fmt.Errorf("store: create shard %d: %w", i, err)
		}
		st.shards = append(st.shards, sh)
	}
	meta, err := createShard(ctx, rt, opts.NumSlices, shardDir(dir, -1), opts.Disk)
	if err != nil {
		return nil, fmt.Errorf("store: create metadata slice: %w", err)
	}
	st.meta = meta

	st.engineID = uuid.NewRandom()
	if err := st.writeEngineManifest(); err != nil {
		return nil, err
	}
	if err := st.putMeta(ctx, metaKeyEngineID, []byte(st.engineID.String())); err != nil {
		return nil, err
	}
	return st, nil
}

// Open re-attaches to an already-initialized store (§9 "Persisted state
// layout on restart"): the slice-count and engine id are read back from
// the metadata file/slice rather than re-derived, so a mismatched
// NumSlices in opts is an operator error, not silently tolerated.
func Open(ctx context.Context, dir string, opts Options) (*Store, error) {
	man, err := readEngineManifest(dir)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if opts.NumSlices != man.NumSlices {
		return nil, fmt.Errorf("store: manifest says %d slices, opts asked for %d", man.NumSlices, opts.NumSlices)
	}

	rt := fiber.NewRuntime(opts.NumSlices + 1)
	st := &Store{dir: dir, opts: opts, runtime: rt, metrics: metrics.NewRegistry(), log: rlog.New("component", "store")}

	for i := 0; i < opts.NumSlices; i++ {
		sh, err := openShard(ctx, rt, i, shardDir(dir, i), opts.Disk)
		if err != nil {
			return nil, fmt.Errorf("store: open shard %d: %w", i, err)
		}
		st.shards = append(st.shards, sh)
	}
	meta, err := openShard(ctx, rt, opts.NumSlices, shardDir(dir, -1), opts.Disk)
	if err != nil {
		return nil, fmt.Errorf("store: open metadata slice: %w", err)
	}
	st.meta = meta
	st.engineID = uuid.Parse(man.EngineID)
	return st, nil
}

func (s *Store) Close() error {
	s.runtime.Stop()
	var first error
	for _, sh := range s.shards {
		if err := sh.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := s.meta.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (s *Store) shardFor(key []byte) *shard {
	return s.shards[hashKey(key)%uint32(len(s.shards))]
}

func (s *Store) checkSize(value []byte) error {
	if s.opts.MaxValueSize > 0 && len(value) > s.opts.MaxValueSize {
		return ErrTooLarge
	}
	return nil
}

// EngineID returns the persisted identifier assigned to this store at
// creation (§9's manifest carries it across restarts).
func (s *Store) EngineID() string { return s.engineID.String() }

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	sh := s.shardFor(key)
	s.metrics.GetOrRegisterMeter("get").Mark(1)
	var val []byte
	var err error
	sh.dispatch(func() { val, err = sh.slice.Get(ctx, key) })
	return val, err
}

// RGet streams every (key, value) with startKey <= key < endKey across
// every shard it touches, merged back into a single increasing-key
// order (§4.7 "Cross-slice range queries merge per-slice rget iterators
// via an in-order merge"). Streaming stops once max pairs have been
// emitted overall (max <= 0 means unbounded) or once a shard's own
// rget_max_chunk_size budget is hit; truncated reports whether either
// limit cut the scan short (§4.6 "rget(left, right, max) ... returns a
// truncated flag if the limit was hit").
func (s *Store) RGet(ctx context.Context, startKey, endKey []byte, max int, emit func(key, value []byte) error) (bool, error) {
	s.metrics.GetOrRegisterMeter("rget").Mark(1)
	return mergeRGet(ctx, s.shards, startKey, endKey, max, emit)
}

func (s *Store) Set(ctx context.Context, key, value []byte) error {
	if err := s.checkSize(value); err != nil {
		return err
	}
	sh := s.shardFor(key)
	tok := sh.source.CheckIn()
	var err error
	sh.writeLocked(tok, func() {
		st := sh.ts.next()
		err = sh.slice.Set(ctx, key, value, st.recency)
	})
	s.metrics.GetOrRegisterMeter("set").Mark(1)
	return err
}

func (s *Store) Add(ctx context.Context, key, value []byte) error {
	if err := s.checkSize(value); err != nil {
		return err
	}
	sh := s.shardFor(key)
	tok := sh.source.CheckIn()
	var err error
	sh.writeLocked(tok, func() {
		st := sh.ts.next()
		err = sh.slice.Add(ctx, key, value, st.recency)
	})
	s.metrics.GetOrRegisterMeter("add").Mark(1)
	return err
}

func (s *Store) Replace(ctx context.Context, key, value []byte) error {
	if err := s.checkSize(value); err != nil {
		return err
	}
	sh := s.shardFor(key)
	tok := sh.source.CheckIn()
	var err error
	sh.writeLocked(tok, func() {
		st := sh.ts.next()
		err = sh.slice.Replace(ctx, key, value, st.recency)
	})
	s.metrics.GetOrRegisterMeter("replace").Mark(1)
	return err
}

func (s *Store) Cas(ctx context.Context, key, expected, value []byte) error {
	if err := s.checkSize(value); err != nil {
		return err
	}
	sh := s.shardFor(key)
	tok := sh.source.CheckIn()
	var err error
	sh.writeLocked(tok, func() {
		st := sh.ts.next()
		err = sh.slice.Cas(ctx, key, expected, value, st.recency)
	})
	s.metrics.GetOrRegisterMeter("cas").Mark(1)
	return err
}

func (s *Store) Incr(ctx context.Context, key []byte, delta uint64) (uint64, error) {
	sh := s.shardFor(key)
	tok := sh.source.CheckIn()
	var val uint64
	var err error
	sh.writeLocked(tok, func() {
		st := sh.ts.next()
		val, err = sh.slice.Incr(ctx, key, delta, st.recency)
	})
	s.metrics.GetOrRegisterMeter("incr").Mark(1)
	return val, err
}

func (s *Store) Decr(ctx context.Context, key []byte, delta uint64) (uint64, error) {
	sh := s.shardFor(key)
	tok := sh.source.CheckIn()
	var val uint64
	var err error
	sh.writeLocked(tok, func() {
		st := sh.ts.next()
		val, err = sh.slice.Decr(ctx, key, delta, st.recency)
	})
	s.metrics.GetOrRegisterMeter("decr").Mark(1)
	return val, err
}

func (s *Store) Append(ctx context.Context, key, suffix []byte) error {
	sh := s.shardFor(key)
	tok := sh.source.CheckIn()
	var err error
	sh.writeLocked(tok, func() {
		st := sh.ts.next()
		err = sh.slice.Append(ctx, key, suffix, st.recency)
	})
	s.metrics.GetOrRegisterMeter("append").Mark(1)
	return err
}

func (s *Store) Prepend(ctx context.Context, key, prefix []byte) error {
	sh := s.shardFor(key)
	tok := sh.source.CheckIn()
	var err error
	sh.writeLocked(tok, func() {
		st := sh.ts.next()
		err = sh.slice.Prepend(ctx, key, prefix, st.recency)
	})
	s.metrics.GetOrRegisterMeter("prepend").Mark(1)
	return err
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	sh := s.shardFor(key)
	tok := sh.source.CheckIn()
	var err error
	sh.writeLocked(tok, func() {
		st := sh.ts.next()
		err = sh.slice.Delete(ctx, key, st.recency)
	})
	s.metrics.GetOrRegisterMeter("delete").Mark(1)
	return err
}

// Backfill streams each shard's delta stream since since, tagging every
// event with its shard index so a replication receiver can attribute it.
// It runs directly against each slice rather than through the shard's
// worker thread: backfill is a bulk internal resync path, not a client
// query, and its own capped level-parallel fan-out (internal/btree's
// semaphore-bounded traversal) would be defeated by additionally
// funneling it through one single-threaded dispatch queue per shard.
func (s *Store) Backfill(ctx context.Context, since serializer.Recency, emit func(shardIdx int, ev btree.BackfillEvent) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, sh := range s.shards {
		i, sh := i, sh
		g.Go(func() error {
			return sh.slice.Backfill(gctx, since, func(ev btree.BackfillEvent) error {
				return emit(i, ev)
			})
		})
	}
	return g.Wait()
}

// Metrics exposes the running op counters, the same ones PersistCounters
// snapshots into the metadata slice (§4.7 "persisted performance
// counters").
func (s *Store) Metrics() map[string]int64 { return s.metrics.Snapshot() }

// mergeRGet k-way merges each shard's in-order rget stream into one
// overall in-order stream via a small container/heap, per §4.7's "in-order
// merge" requirement. The max bound applies to the merged total, not
// per-shard — a shard cut off mid-range isn't "truncated" on its own, the
// overall stream is — so each shard streams unbounded by count and only
// runMerge enforces max once pairs are interleaved into true key order.
func mergeRGet(ctx context.Context, shards []*shard, startKey, endKey []byte, max int, emit func(key, value []byte) error) (bool, error) {
	// cctx is cancelled the moment the merge stops pulling from streams
	// (whether it drained cleanly, max was reached, or emit returned
	// early): without this, a producer goroutine blocked sending into a
	// stream nobody reads from anymore would hang forever, and so would
	// g.Wait.
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	streams := make([]*rgetStream, 0, len(shards))
	shardTruncated := make([]bool, len(shards))
	g, gctx := errgroup.WithContext(cctx)
	for i, sh := range shards {
		st := newRGetStream()
		streams = append(streams, st)
		i, sh := i, sh
		g.Go(func() error {
			defer st.close()
			trunc, err := sh.slice.RGet(gctx, startKey, endKey, 0, func(k, v []byte) error {
				return st.push(gctx, k, v)
			})
			shardTruncated[i] = trunc
			return err
		})
	}

	truncated, mergeErr := runMerge(gctx, streams, max, emit)
	cancel()
	waitErr := g.Wait()
	for _, t := range shardTruncated {
		truncated = truncated || t
	}
	if mergeErr != nil {
		return truncated, mergeErr
	}
	if errors.Is(waitErr, context.Canceled) && ctx.Err() == nil {
		// Producers stopped by this function's own cancel, not the caller's.
		return truncated, nil
	}
	return truncated, waitErr
}

func runMerge(ctx context.Context, streams []*rgetStream, max int, emit func(key, value []byte) error) (bool, error) {
	h := &rgetHeap{}
	heap.Init(h)
	for _, st := range streams {
		if pair, ok := st.next(ctx); ok {
			heap.Push(h, heapItem{kv: pair, stream: st})
		}
	}
	emitted := 0
	for h.Len() > 0 {
		if max > 0 && emitted >= max {
			return true, nil
		}
		item := heap.Pop(h).(heapItem)
		if err := emit(item.kv.key, item.kv.value); err != nil {
			return false, err
		}
		emitted++
		if pair, ok := item.stream.next(ctx); ok {
			heap.Push(h, heapItem{kv: pair, stream: item.stream})
		}
	}
	return false, nil
}
