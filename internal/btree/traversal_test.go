package btree

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

func TestBackfillEmitsEntriesNewerThanSince(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)

	require.NoError(t, s.Set(ctx, []byte("old"), []byte("1"), 1))
	require.NoError(t, s.Set(ctx, []byte("new1"), []byte("2"), 10))
	require.NoError(t, s.Set(ctx, []byte("new2"), []byte("3"), 20))

	var mu sync.Mutex
	var seen []string
	err := s.Backfill(ctx, 5, func(ev BackfillEvent) error {
		mu.Lock()
		defer mu.Unlock()
		if ev.Kind == BackfillSet {
			seen = append(seen, string(ev.Key))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(seen)
	require.Equal(t, []string{"new1", "new2"}, seen)
}

func TestBackfillReplaysDeleteQueue(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	require.NoError(t, s.Set(ctx, []byte("a"), []byte("1"), 1))
	require.NoError(t, s.Delete(ctx, []byte("a"), 10))

	var deletes []string
	err := s.Backfill(ctx, 5, func(ev BackfillEvent) error {
		if ev.Kind == BackfillDelete {
			deletes = append(deletes, string(ev.Key))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, deletes)
}

func TestBackfillManyKeysConcurrentFanOut(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)

	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		require.NoError(t, s.Set(ctx, []byte(key), []byte("v"), serializer.Recency(i+1)))
	}

	var mu sync.Mutex
	count := 0
	err := s.Backfill(ctx, 0, func(ev BackfillEvent) error {
		mu.Lock()
		if ev.Kind == BackfillSet {
			count++
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, n, count)
}

func TestNextKeySuccessor(t *testing.T) {
	require.Equal(t, []byte("b"), nextKey([]byte("a")))
	require.Equal(t, []byte{0x01}, nextKey([]byte{0x00}))
	require.Nil(t, nextKey([]byte{0xFF, 0xFF}))
}
