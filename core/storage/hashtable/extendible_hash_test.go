package hashtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable_InsertFindRemove(t *testing.T) {
	tbl := New[int, string](2, nil)

	tbl.Insert(1, "one")
	tbl.Insert(2, "two")

	v, ok := tbl.Find(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	require.True(t, tbl.Remove(1))
	_, ok = tbl.Find(1)
	require.False(t, ok)

	require.False(t, tbl.Remove(1))
}

func TestTable_UpsertOverwritesValue(t *testing.T) {
	tbl := New[int, string](4, nil)
	tbl.Insert(5, "a")
	tbl.Insert(5, "b")

	v, ok := tbl.Find(5)
	require.True(t, ok)
	require.Equal(t, "b", v)
}

func TestTable_GrowsDirectoryUnderLoad(t *testing.T) {
	tbl := New[int, int](2, nil)

	for i := 0; i < 200; i++ {
		tbl.Insert(i, i*i)
	}
	for i := 0; i < 200; i++ {
		v, ok := tbl.Find(i)
		require.True(t, ok, "key %d", i)
		require.Equal(t, i*i, v)
	}

	require.Greater(t, tbl.GlobalDepth(), 0)
	require.Greater(t, tbl.NumBuckets(), 1)
}

func TestTable_CustomHashFunction(t *testing.T) {
	// A degenerate hash forces every key into bucket 0 until a split
	// happens on the low bit, exercising the split path deterministically.
	hashFn := func(k int) uint64 { return uint64(k) }
	tbl := New[int, string](1, hashFn)

	for i := 0; i < 8; i++ {
		tbl.Insert(i, fmt.Sprintf("v%d", i))
	}
	for i := 0; i < 8; i++ {
		v, ok := tbl.Find(i)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("v%d", i), v)
	}
}
