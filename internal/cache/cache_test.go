package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

func newTestCache(t *testing.T) (*Cache, *serializer.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := serializer.Create(dir, serializer.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, Config{}), store
}

func TestWriteCommitThenReadBack(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	wtxn := c.Begin(TxnWrite)
	h := wtxn.AcquireNew()
	id := h.frame.id
	buf := h.GetDataMajorWrite()
	copy(buf, []byte("hello"))
	require.NoError(t, wtxn.Commit(ctx))

	rtxn := c.Begin(TxnRead)
	rh, err := rtxn.Acquire(ctx, id, ModeReadShared)
	require.NoError(t, err)
	require.Equal(t, "hello", string(rh.GetDataRead()[:5]))
	rtxn.Abort()
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	wtxn := c.Begin(TxnWrite)
	h := wtxn.AcquireNew()
	id := h.frame.id
	copy(h.GetDataMajorWrite(), []byte("v1"))
	require.NoError(t, wtxn.Commit(ctx))

	snap := c.Begin(TxnSnapshotRead)
	sh, err := snap.Acquire(ctx, id, ModeReadOutdatedOK)
	require.NoError(t, err)
	require.Equal(t, byte('v'), sh.GetDataRead()[0])

	wtxn2 := c.Begin(TxnWrite)
	h2, err := wtxn2.Acquire(ctx, id, ModeIntent)
	require.NoError(t, err)
	copy(h2.GetDataMajorWrite(), []byte("v2"))
	require.NoError(t, wtxn2.Commit(ctx))

	require.Equal(t, "v1", string(sh.GetDataRead()[:2]))
	snap.Abort()

	rtxn := c.Begin(TxnRead)
	rh, err := rtxn.Acquire(ctx, id, ModeReadShared)
	require.NoError(t, err)
	require.Equal(t, "v2", string(rh.GetDataRead()[:2]))
	rtxn.Abort()
}

func TestSmallPatchMarksFramePatched(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	wtxn := c.Begin(TxnWrite)
	h := wtxn.AcquireNew()
	id := h.frame.id
	require.NoError(t, wtxn.Commit(ctx))

	wtxn2 := c.Begin(TxnWrite)
	h2, err := wtxn2.Acquire(ctx, id, ModeIntent)
	require.NoError(t, err)
	h2.ApplyPatch(Patch{Kind: PatchMemcpy, Offset: 0, New: []byte("x")})
	require.True(t, h2.frame.patched)
	require.NoError(t, wtxn2.Commit(ctx))
}

func TestDeleteTombstonesBlock(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	wtxn := c.Begin(TxnWrite)
	h := wtxn.AcquireNew()
	id := h.frame.id
	require.NoError(t, wtxn.Commit(ctx))

	wtxn2 := c.Begin(TxnWrite)
	h2, err := wtxn2.Acquire(ctx, id, ModeWrite)
	require.NoError(t, err)
	h2.MarkDeleted()
	require.NoError(t, wtxn2.Commit(ctx))

	_, err = c.store.IndexRead(id)
	require.Error(t, err)
}
