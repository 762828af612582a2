package serializer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Create(dir, Options{})
	require.NoError(t, err)

	id := s.AllocateBlockID()
	tok, err := s.BlockWrite([]byte("hello world"), id)
	require.NoError(t, err)
	require.NoError(t, s.IndexWrite([]IndexOp{{BlockID: id, Token: tok, Recency: 1}}))

	got, err := s.BlockRead(tok)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)

	require.NoError(t, s.Close())

	s2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s2.Close()

	tok2, err := s2.IndexRead(id)
	require.NoError(t, err)
	got2, err := s2.BlockRead(tok2)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got2)
}

func TestIndexWriteDeleteReusesBlockID(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	id := s.AllocateBlockID()
	tok, err := s.BlockWrite([]byte("x"), id)
	require.NoError(t, err)
	require.NoError(t, s.IndexWrite([]IndexOp{{BlockID: id, Token: tok, Recency: 1}}))

	require.NoError(t, s.IndexWrite([]IndexOp{{BlockID: id, Delete: true, Recency: 2}}))
	_, err = s.IndexRead(id)
	require.ErrorIs(t, err, ErrNotFound)

	reused := s.AllocateBlockID()
	require.Equal(t, id, reused)
}

func TestBlockReadDetectsChecksumCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	id := s.AllocateBlockID()
	tok, err := s.BlockWrite([]byte("corrupt me"), id)
	require.NoError(t, err)
	require.NoError(t, s.IndexWrite([]IndexOp{{BlockID: id, Token: tok, Recency: 1}}))

	meta, ok := s.extent.get(tok.extent)
	require.True(t, ok)
	_, err = meta.file.WriteAt([]byte{0xFF}, int64(tok.offset)+blockHeaderSize)
	require.NoError(t, err)

	_, err = s.BlockRead(tok)
	require.ErrorIs(t, err, ErrChecksum)
}

func TestCreateRejectsNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Create(dir, Options{})
	require.Error(t, err)
}
