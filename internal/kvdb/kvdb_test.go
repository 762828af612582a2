package kvdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGetPutDelete(t *testing.T) {
	m := NewMemory()
	_, err := m.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	v, err := m.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	ok, err := m.Has([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Delete([]byte("a")))
	ok, err = m.Has([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryIteratorOrderedByKey(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put([]byte("b"), []byte("2")))
	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	require.NoError(t, m.Put([]byte("c"), []byte("3")))

	it := m.NewIterator(nil, nil)
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Release()
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestRelayReadsThroughToSecondaryAndWarmsPrimary(t *testing.T) {
	primary := NewMemory()
	secondary := NewMemory()
	relay := NewRelay(primary, secondary)

	require.NoError(t, secondary.Put([]byte("k"), []byte("v")))

	v, err := relay.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))

	// Primary should now be warmed with the value.
	pv, err := primary.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(pv))
}

func TestRelayWritesThroughBothLayers(t *testing.T) {
	primary := NewMemory()
	secondary := NewMemory()
	relay := NewRelay(primary, secondary)

	require.NoError(t, relay.Put([]byte("k"), []byte("v")))

	pv, err := primary.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(pv))

	sv, err := secondary.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(sv))

	require.NoError(t, relay.Delete([]byte("k")))
	_, err = secondary.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}
