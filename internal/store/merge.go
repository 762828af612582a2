package store

import (
	"bytes"
	"context"
)

// kv is one pulled (key, value) pair from a shard's rget stream.
type kv struct {
	key   []byte
	value []byte
}

// rgetStream adapts btree.Slice.RGet's push-style emit callback (running
// on its own goroutine) into something mergeRGet can pull from one item
// at a time, so the merge can compare the head of every shard's stream
// without buffering a whole shard's result set in memory.
type rgetStream struct {
	ch chan kv
}

func newRGetStream() *rgetStream {
	return &rgetStream{ch: make(chan kv)}
}

func (s *rgetStream) push(ctx context.Context, key, value []byte) error {
	select {
	case s.ch <- kv{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *rgetStream) close() { close(s.ch) }

func (s *rgetStream) next(ctx context.Context) (kv, bool) {
	select {
	case item, ok := <-s.ch:
		return item, ok
	case <-ctx.Done():
		return kv{}, false
	}
}

// heapItem pairs a pulled pair with the stream it came from, so popping
// the minimum can immediately ask that same stream for its next pair.
type heapItem struct {
	kv     kv
	stream *rgetStream
}

// rgetHeap orders heapItems by key so the merge always emits the
// smallest key currently at the head of any shard's stream.
type rgetHeap []heapItem

func (h rgetHeap) Len() int { return len(h) }
func (h rgetHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].kv.key, h[j].kv.key) < 0
}
func (h rgetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *rgetHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *rgetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
