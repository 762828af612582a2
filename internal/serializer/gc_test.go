package serializer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGCRelocatesLiveBlocksOutOfGarbageExtents(t *testing.T) {
	dir := t.TempDir()
	// Small extents; the 40 short payloads below all fit in the first one.
	s, err := Create(dir, Options{ExtentSize: 4096, ZoneSize: 4096 * 16})
	require.NoError(t, err)
	defer s.Close()

	const n = 40
	ids := make([]BlockID, n)
	for i := 0; i < n; i++ {
		id := s.AllocateBlockID()
		tok, err := s.BlockWrite([]byte(fmt.Sprintf("payload-%03d", i)), id)
		require.NoError(t, err)
		require.NoError(t, s.IndexWrite([]IndexOp{{BlockID: id, Token: tok, Recency: Recency(i + 1)}}))
		ids[i] = id
	}

	// Delete three blocks in four so the extent's garbage ratio (0.75)
	// exceeds GCHighRatio.
	for i := 0; i < n; i++ {
		if i%4 == 3 {
			continue
		}
		require.NoError(t, s.IndexWrite([]IndexOp{{BlockID: ids[i], Delete: true, Recency: Recency(n + i)}}))
	}

	// Exempt young extents don't collect; advance the generation counter
	// past the young window before running GC.
	for i := 0; i < YoungExtentWindow+1; i++ {
		s.extent.advanceGeneration()
	}

	gc := NewGC(s)
	relocated, err := gc.RunNicePass()
	require.NoError(t, err)
	t.Logf("relocated %d blocks", relocated)
	require.Equal(t, n/4, relocated)

	// Every surviving block must still read back correctly after
	// relocation.
	for i := 3; i < n; i += 4 {
		tok, err := s.IndexRead(ids[i])
		require.NoError(t, err)
		got, err := s.BlockRead(tok)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("payload-%03d", i)), got)
	}
}
