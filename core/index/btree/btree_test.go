package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/relixdb/relix/core/storage"
	"github.com/relixdb/relix/core/storage/buffer"
	"github.com/relixdb/relix/core/storage/disk"
	"github.com/relixdb/relix/core/storage/page"
)

func newTestTree(t *testing.T, maxSize int) *Tree[int, string] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btree.db")
	dm, err := disk.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	bpm := buffer.New(64, 2, dm, nil, nil, nil)
	return New[int, string](bpm, page.Invalid, Options[int, string]{
		Order:    intOrder,
		KeyCodec: intCodec{},
		ValCodec: StringCodec{},
		MaxSize:  maxSize,
	})
}

// intCodec/intOrder let the tests use plain ints without pulling the
// uint64 codec's unsigned-only semantics into the public API.
type intCodec struct{}

func (intCodec) Encode(v int) ([]byte, error) { return Uint64Codec{}.Encode(uint64(v)) }
func (intCodec) Decode(b []byte) (int, error) {
	v, err := Uint64Codec{}.Decode(b)
	return int(v), err
}

var intOrder = OrderFunc[int](func(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
})

// checkInvariants walks tree from its root, verifying: every non-root
// node's size stays within [minSize, maxSize]; every non-root node's
// parentPageID names the node whose children actually hold its page id,
// exactly once; and the leaf chain reached by following nextPageID from
// the leftmost leaf is strictly increasing in key order.
func checkInvariants[K, V any](t *testing.T, tree *Tree[K, V]) {
	t.Helper()

	root := tree.RootPageID()
	if root == page.Invalid {
		return
	}

	leftmostLeaf := page.Invalid
	var walk func(id, parentID page.ID, isRoot bool)
	walk = func(id, parentID page.ID, isRoot bool) {
		p, err := tree.bpm.FetchPage(id)
		require.NoError(t, err)
		n, err := deserialize[K, V](p.Data(), tree.keyCodec, tree.valCodec)
		require.NoError(t, err)
		require.NoError(t, tree.bpm.UnpinPage(id, false))

		if !isRoot {
			require.GreaterOrEqual(t, n.size(), n.minSize(), "node %d underflowed", id)
			require.LessOrEqual(t, n.size(), n.maxSize, "node %d overflowed", id)
			require.Equal(t, parentID, n.parentPageID, "node %d has a stale parentPageID", id)
		}

		if n.isLeaf {
			if leftmostLeaf == page.Invalid {
				leftmostLeaf = id
			}
			return
		}

		seen := make(map[page.ID]int, len(n.children))
		for _, c := range n.children {
			seen[c]++
		}
		for _, c := range n.children {
			require.Equal(t, 1, seen[c], "child %d appears more than once in node %d's children", c, id)
			walk(c, id, false)
		}
	}
	walk(root, page.Invalid, true)
	require.NotEqual(t, page.Invalid, leftmostLeaf, "tree has no leaves")

	var prevKey K
	haveKey := false
	for id := leftmostLeaf; id != page.Invalid; {
		p, err := tree.bpm.FetchPage(id)
		require.NoError(t, err)
		n, err := deserialize[K, V](p.Data(), tree.keyCodec, tree.valCodec)
		require.NoError(t, err)
		require.NoError(t, tree.bpm.UnpinPage(id, false))

		for _, k := range n.keys {
			if haveKey {
				require.Equal(t, -1, tree.order.Compare(prevKey, k), "leaf chain out of order at %v -> %v", prevKey, k)
			}
			prevKey = k
			haveKey = true
		}
		id = n.nextPageID
	}
}

func TestTree_InsertAndGetValue(t *testing.T) {
	tree := newTestTree(t, 4)

	require.NoError(t, tree.Insert(1, "one"))
	require.NoError(t, tree.Insert(2, "two"))
	require.NoError(t, tree.Insert(3, "three"))

	v, err := tree.GetValue(2)
	require.NoError(t, err)
	require.Equal(t, "two", v)
}

func TestTree_GetMissingKeyFails(t *testing.T) {
	tree := newTestTree(t, 4)
	_, err := tree.GetValue(42)
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestTree_DuplicateInsertFails(t *testing.T) {
	tree := newTestTree(t, 4)
	require.NoError(t, tree.Insert(1, "one"))
	err := tree.Insert(1, "uno")
	require.ErrorIs(t, err, storage.ErrKeyExists)
}

func TestTree_SplitsAcrossManyInserts(t *testing.T) {
	tree := newTestTree(t, 4)

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(i, fmt.Sprintf("v%d", i)))
	}
	for i := 0; i < n; i++ {
		v, err := tree.GetValue(i)
		require.NoError(t, err, "key %d", i)
		require.Equal(t, fmt.Sprintf("v%d", i), v)
	}
	require.NotEqual(t, page.Invalid, tree.RootPageID())
}

func TestTree_RemoveThenGetFails(t *testing.T) {
	tree := newTestTree(t, 4)
	require.NoError(t, tree.Insert(1, "one"))
	require.NoError(t, tree.Remove(1))
	_, err := tree.GetValue(1)
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestTree_RemoveTriggersMergesAndBorrows(t *testing.T) {
	tree := newTestTree(t, 4)

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(i, fmt.Sprintf("v%d", i)))
	}
	checkInvariants(t, tree)
	for i := 0; i < n; i += 2 {
		require.NoError(t, tree.Remove(i))
		checkInvariants(t, tree)
	}
	for i := 0; i < n; i++ {
		v, err := tree.GetValue(i)
		if i%2 == 0 {
			require.ErrorIs(t, err, storage.ErrKeyNotFound)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", i), v)
	}
}

// TestTree_RemoveBorrowsFromRightWhenLeftCannotLend removes keys so that an
// underflowing node's left sibling sits exactly at minSize (unable to lend)
// while its right sibling has room to spare: fixUnderflow must borrow from
// the right rather than merge into the left.
func TestTree_RemoveBorrowsFromRightWhenLeftCannotLend(t *testing.T) {
	tree := newTestTree(t, 4)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(i, fmt.Sprintf("v%d", i)))
	}
	checkInvariants(t, tree)

	// Removing every third key thins the tree unevenly across siblings,
	// forcing some underflowing nodes to have a left sibling at exactly
	// minSize and a right sibling above it.
	for i := 0; i < n; i += 3 {
		require.NoError(t, tree.Remove(i))
		checkInvariants(t, tree)
	}
	for i := 0; i < n; i++ {
		v, err := tree.GetValue(i)
		if i%3 == 0 {
			require.ErrorIs(t, err, storage.ErrKeyNotFound)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", i), v)
	}
}

func TestTree_RemoveAllLeavesEmptyTree(t *testing.T) {
	tree := newTestTree(t, 4)
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Insert(i, fmt.Sprintf("v%d", i)))
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Remove(i))
		checkInvariants(t, tree)
	}
	require.Equal(t, page.Invalid, tree.RootPageID())
}

func TestTree_IteratorWalksInOrder(t *testing.T) {
	tree := newTestTree(t, 4)
	want := []int{5, 1, 4, 2, 3}
	for _, k := range want {
		require.NoError(t, tree.Insert(k, fmt.Sprintf("v%d", k)))
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	got := []int{}
	for it.Valid() {
		got = append(got, it.Key())
		require.NoError(t, it.Next())
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestTree_BeginAtSkipsLowerKeys(t *testing.T) {
	tree := newTestTree(t, 4)
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Insert(i, fmt.Sprintf("v%d", i)))
	}

	it, err := tree.BeginAt(5)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Valid())
	require.Equal(t, 5, it.Key())
}

func TestTree_ConcurrentInsertsAreLinearizable(t *testing.T) {
	tree := newTestTree(t, 8)

	var eg errgroup.Group
	const perWorker = 100
	for w := 0; w < 8; w++ {
		w := w
		eg.Go(func() error {
			for i := 0; i < perWorker; i++ {
				key := w*perWorker + i
				if err := tree.Insert(key, fmt.Sprintf("v%d", key)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for k := 0; k < 8*perWorker; k++ {
		v, err := tree.GetValue(k)
		require.NoError(t, err, "key %d", k)
		require.Equal(t, fmt.Sprintf("v%d", k), v)
	}
}
