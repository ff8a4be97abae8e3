package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relixdb/relix/core/index/btree"
	"github.com/relixdb/relix/core/storage"
	"github.com/relixdb/relix/core/storage/buffer"
	"github.com/relixdb/relix/core/storage/disk"
	"github.com/relixdb/relix/core/storage/page"
)

func newTestRegistry(t *testing.T, path string) (*Registry, *disk.FileManager) {
	t.Helper()
	dm, err := disk.Open(path)
	require.NoError(t, err)
	bpm := buffer.New(16, 2, dm, nil, nil, nil)
	return NewRegistry(bpm, nil), dm
}

func stringOpts() btree.Options[string, string] {
	return btree.Options[string, string]{
		Order:    btree.StringOrder,
		KeyCodec: btree.StringCodec{},
		ValCodec: btree.StringCodec{},
		MaxSize:  4,
	}
}

func TestRegistry_CreateThenOpenSharesRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	reg, dm := newTestRegistry(t, path)
	t.Cleanup(func() { dm.Close() })

	tree, err := CreateIndex[string, string](reg, "orders", stringOpts())
	require.NoError(t, err)
	require.NoError(t, tree.Insert("a", "1"))

	names, err := reg.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"orders"}, names)

	reopened, err := OpenIndex[string, string](reg, "orders", stringOpts())
	require.NoError(t, err)
	require.Equal(t, tree.RootPageID(), reopened.RootPageID())

	v, err := reopened.GetValue("a")
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestRegistry_CreateDuplicateNameFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	reg, dm := newTestRegistry(t, path)
	t.Cleanup(func() { dm.Close() })

	_, err := CreateIndex[string, string](reg, "orders", stringOpts())
	require.NoError(t, err)

	_, err = CreateIndex[string, string](reg, "orders", stringOpts())
	require.ErrorIs(t, err, storage.ErrIndexExists)
}

func TestRegistry_OpenUnknownNameFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	reg, dm := newTestRegistry(t, path)
	t.Cleanup(func() { dm.Close() })

	_, err := OpenIndex[string, string](reg, "missing", stringOpts())
	require.ErrorIs(t, err, storage.ErrIndexNotFound)
}

func TestRegistry_RootUpdateSurvivesReopenThroughBufferPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")

	dm, err := disk.Open(path)
	require.NoError(t, err)
	bpm := buffer.New(16, 2, dm, nil, nil, nil)
	reg := NewRegistry(bpm, nil)

	tree, err := CreateIndex[string, string](reg, "orders", stringOpts())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert(string(rune('a'+i)), "v"))
	}
	require.NotEqual(t, page.Invalid, tree.RootPageID())
	require.NoError(t, bpm.FlushAll())
	require.NoError(t, dm.Close())

	dm2, err := disk.Open(path)
	require.NoError(t, err)
	defer dm2.Close()
	bpm2 := buffer.New(16, 2, dm2, nil, nil, nil)
	reg2 := NewRegistry(bpm2, nil)

	reopened, err := OpenIndex[string, string](reg2, "orders", stringOpts())
	require.NoError(t, err)
	require.Equal(t, tree.RootPageID(), reopened.RootPageID())
	v, err := reopened.GetValue("a")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}
