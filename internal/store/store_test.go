package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rethinkkv/rethinkkv/internal/btree"
	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

func newTestStore(t *testing.T, numSlices int) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Create(ctx, dir, Options{NumSlices: numSlices, Disk: serializer.Options{BlockSize: serializer.DefaultBlockSize}})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, ctx
}

func TestStoreSetGetAcrossShards(t *testing.T) {
	st, ctx := newTestStore(t, 4)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, st.Set(ctx, key, []byte(fmt.Sprintf("val-%d", i))))
	}
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		v, err := st.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("val-%d", i), string(v))
	}
}

func TestStoreAddReplaceCas(t *testing.T) {
	st, ctx := newTestStore(t, 2)

	require.NoError(t, st.Add(ctx, []byte("k"), []byte("x")))
	require.ErrorIs(t, st.Add(ctx, []byte("k"), []byte("y")), btree.ErrExists)
	require.NoError(t, st.Replace(ctx, []byte("k"), []byte("z")))

	require.ErrorIs(t, st.Cas(ctx, []byte("k"), []byte("wrong"), []byte("w")), btree.ErrCasMismatch)
	require.NoError(t, st.Cas(ctx, []byte("k"), []byte("z"), []byte("w")))
	v, err := st.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "w", string(v))
}

func TestStoreIncrDecr(t *testing.T) {
	st, ctx := newTestStore(t, 2)

	require.NoError(t, st.Set(ctx, []byte("n"), []byte("10")))
	v, err := st.Incr(ctx, []byte("n"), 5)
	require.NoError(t, err)
	require.Equal(t, uint64(15), v)

	v, err = st.Decr(ctx, []byte("n"), 100)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)
}

func TestStoreRGetMergesAcrossShards(t *testing.T) {
	st, ctx := newTestStore(t, 4)

	var keys []string
	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("k%02d", i)
		keys = append(keys, k)
		require.NoError(t, st.Set(ctx, []byte(k), []byte("v")))
	}

	var got []string
	truncated, err := st.RGet(ctx, nil, nil, 0, func(key, value []byte) error {
		got = append(got, string(key))
		return nil
	})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, got, len(keys))
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i], "rget must emit keys in increasing order across shards")
	}
}

func TestStoreRGetMaxTruncatesAndReportsTruncated(t *testing.T) {
	st, ctx := newTestStore(t, 4)

	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("k%02d", i)
		require.NoError(t, st.Set(ctx, []byte(k), []byte("v")))
	}

	var got []string
	truncated, err := st.RGet(ctx, nil, nil, 10, func(key, value []byte) error {
		got = append(got, string(key))
		return nil
	})
	require.NoError(t, err)
	require.True(t, truncated)
	require.Len(t, got, 10)

	got = nil
	truncated, err = st.RGet(ctx, nil, nil, 1000, func(key, value []byte) error {
		got = append(got, string(key))
		return nil
	})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, got, 40)
}

func TestStoreOrderSourceSinkPreservesProgramOrder(t *testing.T) {
	st, ctx := newTestStore(t, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			require.NoError(t, st.Set(ctx, []byte("k"), []byte(fmt.Sprintf("%d", i))))
		}
	}()
	<-done

	v, err := st.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "49", string(v))
}

func TestStoreMetadataReplicationClockAndCounters(t *testing.T) {
	st, ctx := newTestStore(t, 2)

	require.NoError(t, st.SetReplicationClock(ctx, 7))
	clock, err := st.ReplicationClock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), clock)

	require.NoError(t, st.Set(ctx, []byte("a"), []byte("1")))
	require.NoError(t, st.PersistCounters(ctx))

	counters, err := st.LoadPersistedCounters(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, counters["set"], int64(1))
}

func TestStoreReopenPreservesEngineID(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := Options{NumSlices: 2, Disk: serializer.Options{BlockSize: serializer.DefaultBlockSize}}

	st, err := Create(ctx, dir, opts)
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, []byte("a"), []byte("1")))
	id := st.EngineID()
	require.NoError(t, st.Close())

	st2, err := Open(ctx, dir, opts)
	require.NoError(t, err)
	defer st2.Close()
	require.Equal(t, id, st2.EngineID())

	v, err := st2.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
}

func TestStoreBackfillReportsShardIndex(t *testing.T) {
	st, ctx := newTestStore(t, 4)

	for i := 0; i < 20; i++ {
		require.NoError(t, st.Set(ctx, []byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}

	var events []btree.BackfillEvent
	require.NoError(t, st.Backfill(ctx, serializer.InvalidRecency, func(shardIdx int, ev btree.BackfillEvent) error {
		require.GreaterOrEqual(t, shardIdx, 0)
		require.Less(t, shardIdx, 4)
		events = append(events, ev)
		return nil
	}))
	require.NotEmpty(t, events)
}
