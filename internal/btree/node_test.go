package btree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

func TestNodeMarshalRoundTripLeaf(t *testing.T) {
	n := &node{
		kind: kindLeaf,
		entries: []leafEntry{
			{key: []byte("a"), value: []byte("1"), recency: 5},
			{key: []byte("b"), value: []byte("22"), recency: 9, blob: true},
		},
	}
	recomputeLeafRecency(n)

	got, err := unmarshalNode(n.marshal())
	require.NoError(t, err)
	require.True(t, got.isLeaf())
	require.Equal(t, n.entries, got.entries)
	require.Equal(t, n.maxRecency, got.maxRecency)
	require.Equal(t, n.oldestTracked, got.oldestTracked)
}

func TestNodeMarshalRoundTripInternal(t *testing.T) {
	n := &node{
		kind:     kindInternal,
		keys:     [][]byte{[]byte("m")},
		children: []serializer.BlockID{1, 2},
	}

	got, err := unmarshalNode(n.marshal())
	require.NoError(t, err)
	require.False(t, got.isLeaf())
	require.Equal(t, n.keys, got.keys)
	require.Equal(t, n.children, got.children)
}

func TestFindEntryBinarySearch(t *testing.T) {
	n := &node{entries: []leafEntry{
		{key: []byte("a")}, {key: []byte("c")}, {key: []byte("e")},
	}}
	idx, ok := n.findEntry([]byte("c"))
	require.True(t, ok)
	require.Equal(t, 1, idx)

	idx, ok = n.findEntry([]byte("b"))
	require.False(t, ok)
	require.Equal(t, 1, idx)
}

func TestFindChildRoutesEqualKeyRight(t *testing.T) {
	n := &node{kind: kindInternal, keys: [][]byte{[]byte("m")}, children: []serializer.BlockID{0, 1}}
	require.Equal(t, 0, n.findChild([]byte("a")))
	require.Equal(t, 1, n.findChild([]byte("m")))
	require.Equal(t, 1, n.findChild([]byte("z")))
}

func TestExceedsBudgetOnOversizedEntry(t *testing.T) {
	n := newLeaf()
	n.entries = append(n.entries, leafEntry{key: []byte("k"), value: make([]byte, 1000)})
	require.True(t, n.exceedsBudget(512))
	require.False(t, n.exceedsBudget(4096))
}

func TestExceedsBudgetOnEntryCount(t *testing.T) {
	n := newLeaf()
	for i := 0; i < MaxNodeEntries+1; i++ {
		n.entries = append(n.entries, leafEntry{key: []byte{byte(i)}, value: []byte{0}})
	}
	require.True(t, n.exceedsBudget(1 << 20))
}
