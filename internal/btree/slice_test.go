package btree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rethinkkv/rethinkkv/internal/cache"
	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

func newTestSlice(t *testing.T, blockSize uint32) (*Slice, context.Context) {
	t.Helper()
	dir := t.TempDir()
	store, err := serializer.Create(dir, serializer.Options{BlockSize: blockSize})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := cache.New(store, cache.Config{BlockSize: blockSize})
	ctx := context.Background()
	s, err := Create(ctx, c, blockSize)
	require.NoError(t, err)
	return s, ctx
}

func TestSetThenGet(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)

	require.NoError(t, s.Set(ctx, []byte("a"), []byte("1"), 1))
	v, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
}

func TestGetMissingKey(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	_, err := s.Get(ctx, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddRejectsExisting(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	require.NoError(t, s.Add(ctx, []byte("a"), []byte("1"), 1))
	require.ErrorIs(t, s.Add(ctx, []byte("a"), []byte("2"), 2), ErrExists)
}

func TestReplaceRequiresExisting(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	require.ErrorIs(t, s.Replace(ctx, []byte("a"), []byte("1"), 1), ErrNotFound)
	require.NoError(t, s.Add(ctx, []byte("a"), []byte("1"), 1))
	require.NoError(t, s.Replace(ctx, []byte("a"), []byte("2"), 2))
	v, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
}

func TestCas(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	require.NoError(t, s.Set(ctx, []byte("a"), []byte("1"), 1))
	require.ErrorIs(t, s.Cas(ctx, []byte("a"), []byte("wrong"), []byte("2"), 2), ErrCasMismatch)
	require.NoError(t, s.Cas(ctx, []byte("a"), []byte("1"), []byte("2"), 3))
	v, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
}

func TestIncrDecr(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	require.NoError(t, s.Set(ctx, []byte("ctr"), []byte("10"), 1))

	n, err := s.Incr(ctx, []byte("ctr"), 5, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(15), n)

	n, err = s.Decr(ctx, []byte("ctr"), 20, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n) // clamped at zero, memcached semantics

	_, err = s.Incr(ctx, []byte("nonexistent"), 1, 4)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIncrRejectsNonNumeric(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	require.NoError(t, s.Set(ctx, []byte("a"), []byte("not-a-number"), 1))
	_, err := s.Incr(ctx, []byte("a"), 1, 2)
	require.ErrorIs(t, err, ErrNotNumeric)
}

func TestAppendPrepend(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	require.NoError(t, s.Set(ctx, []byte("a"), []byte("middle"), 1))
	require.NoError(t, s.Append(ctx, []byte("a"), []byte("-end"), 2))
	require.NoError(t, s.Prepend(ctx, []byte("a"), []byte("start-"), 3))

	v, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "start-middle-end", string(v))
}

func TestDeleteTombstones(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	require.NoError(t, s.Set(ctx, []byte("a"), []byte("1"), 1))
	require.NoError(t, s.Delete(ctx, []byte("a"), 2))

	_, err := s.Get(ctx, []byte("a"))
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, []byte("a"), 3), ErrNotFound)

	require.Len(t, s.deleteQueue, 1)
	require.Equal(t, "a", string(s.deleteQueue[0].key))
}

// TestManyInsertsForceSplits drives enough keys through one slice to force
// both leaf and internal splits, then confirms every key still resolves —
// exercising the size- and count-aware split path in descendMutate.
func TestManyInsertsForceSplits(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)

	const n = 2000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		require.NoError(t, s.Set(ctx, []byte(key), []byte(fmt.Sprintf("val-%d", i)), serializer.Recency(i+1)))
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		v, err := s.Get(ctx, []byte(key))
		require.NoErrorf(t, err, "key %s", key)
		require.Equal(t, fmt.Sprintf("val-%d", i), string(v))
	}
}

func TestRGetRangeOrdering(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	keys := []string{"b", "d", "a", "c", "e"}
	for i, k := range keys {
		require.NoError(t, s.Set(ctx, []byte(k), []byte(k), serializer.Recency(i+1)))
	}

	var got []string
	truncated, err := s.RGet(ctx, []byte("b"), []byte("e"), 0, func(key, value []byte) error {
		got = append(got, string(key))
		return nil
	})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Equal(t, []string{"b", "c", "d"}, got)
}

func TestRGetMaxTruncates(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)
	keys := []string{"b", "d", "a", "c", "e"}
	for i, k := range keys {
		require.NoError(t, s.Set(ctx, []byte(k), []byte(k), serializer.Recency(i+1)))
	}

	var got []string
	truncated, err := s.RGet(ctx, []byte("b"), []byte("e"), 2, func(key, value []byte) error {
		got = append(got, string(key))
		return nil
	})
	require.NoError(t, err)
	require.True(t, truncated)
	require.Equal(t, []string{"b", "c"}, got)
}

// TestDeleteTriggersMergeAndLevel forces a multi-level tree via enough
// inserts to split repeatedly, then deletes most of the keyspace so
// deletes must merge/level underfull nodes back up to MinNodeEntries,
// and checks every surviving key is still reachable by both Get and RGet.
func TestDeleteTriggersMergeAndLevel(t *testing.T) {
	s, ctx := newTestSlice(t, serializer.DefaultBlockSize)

	const n = 3000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		require.NoError(t, s.Set(ctx, []byte(key), []byte(fmt.Sprintf("val-%d", i)), serializer.Recency(i+1)))
	}

	// Delete every key except a sparse surviving set, so most leaves and
	// internal nodes along the way fall well below MinNodeEntries and
	// must merge or level against a sibling rather than just shrink.
	survivors := make(map[string]bool)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		if i%97 == 0 {
			survivors[key] = true
			continue
		}
		require.NoErrorf(t, s.Delete(ctx, []byte(key), serializer.Recency(n+i+1)), "deleting %s", key)
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		v, err := s.Get(ctx, []byte(key))
		if survivors[key] {
			require.NoErrorf(t, err, "key %s should still be present", key)
			require.Equal(t, fmt.Sprintf("val-%d", i), string(v))
		} else {
			require.ErrorIsf(t, err, ErrNotFound, "key %s should be deleted", key)
		}
	}

	var got []string
	truncated, err := s.RGet(ctx, nil, nil, 0, func(key, value []byte) error {
		got = append(got, string(key))
		return nil
	})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, got, len(survivors))
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i], "rget must still emit keys in increasing order after merges/leveling")
	}
}

func TestLargeValueRoutesThroughBlobLayer(t *testing.T) {
	const blockSize = 512
	s, ctx := newTestSlice(t, blockSize)

	big := make([]byte, blockSize*3)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, s.Set(ctx, []byte("bigkey"), big, 1))

	v, err := s.Get(ctx, []byte("bigkey"))
	require.NoError(t, err)
	require.Equal(t, big, v)

	// Overwriting frees the superseded blob chain; the new value should
	// still read back correctly.
	require.NoError(t, s.Set(ctx, []byte("bigkey"), []byte("small now"), 2))
	v, err = s.Get(ctx, []byte("bigkey"))
	require.NoError(t, err)
	require.Equal(t, "small now", string(v))
}
