package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relixdb/relix/core/storage"
	"github.com/relixdb/relix/core/storage/disk"
	"github.com/relixdb/relix/core/storage/page"
)

func newTestManager(t *testing.T, poolSize int) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buffer.db")
	dm, err := disk.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return New(poolSize, 2, dm, nil, nil, nil)
}

func TestManager_NewPageIsPinned(t *testing.T) {
	bpm := newTestManager(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, uint32(1), p.PinCount())
}

func TestManager_FetchReturnsSamePage(t *testing.T) {
	bpm := newTestManager(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p.Data(), []byte("payload"))
	id := p.ID()
	require.NoError(t, bpm.UnpinPage(id, true))

	fetched, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, byte('p'), fetched.Data()[0])
	require.NoError(t, bpm.UnpinPage(id, false))
}

func TestManager_PinnedPageIsNotEvicted(t *testing.T) {
	bpm := newTestManager(t, 1)

	p1, err := bpm.NewPage()
	require.NoError(t, err)

	// Pool has exactly one frame, and p1 stays pinned: a second NewPage
	// must fail rather than reclaim it.
	_, err = bpm.NewPage()
	require.ErrorIs(t, err, storage.ErrNoFreeFrames)
	require.NoError(t, bpm.UnpinPage(p1.ID(), false))
}

func TestManager_UnpinnedPageIsEvictedForNewPage(t *testing.T) {
	bpm := newTestManager(t, 1)

	p1, err := bpm.NewPage()
	require.NoError(t, err)
	id1 := p1.ID()
	require.NoError(t, bpm.UnpinPage(id1, false))

	p2, err := bpm.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, id1, p2.ID())
}

func TestManager_DeletePinnedPageFails(t *testing.T) {
	bpm := newTestManager(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)

	err = bpm.DeletePage(p.ID())
	require.ErrorIs(t, err, storage.ErrPagePinned)
}

func TestManager_FlushWritesDirtyPageThroughToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flush.db")
	dm, err := disk.Open(path)
	require.NoError(t, err)

	bpm := New(4, 2, dm, nil, nil, nil)
	p, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p.Data(), []byte("flush-me"))
	id := p.ID()
	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.FlushPage(id))
	require.NoError(t, dm.Close())

	dm2, err := disk.Open(path)
	require.NoError(t, err)
	defer dm2.Close()
	out := make([]byte, page.Size)
	require.NoError(t, dm2.ReadPage(id, out))
	require.Equal(t, byte('f'), out[0])
}

func TestManager_FlushAllFlushesEveryResidentDirtyPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flushall.db")
	dm, err := disk.Open(path)
	require.NoError(t, err)

	bpm := New(4, 2, dm, nil, nil, nil)
	p1, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p1.Data(), []byte("one"))
	id1 := p1.ID()
	require.NoError(t, bpm.UnpinPage(id1, true))

	p2, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p2.Data(), []byte("two"))
	id2 := p2.ID()
	require.NoError(t, bpm.UnpinPage(id2, true))

	require.NoError(t, bpm.FlushAll())
	require.NoError(t, dm.Close())

	dm2, err := disk.Open(path)
	require.NoError(t, err)
	defer dm2.Close()

	out := make([]byte, page.Size)
	require.NoError(t, dm2.ReadPage(id1, out))
	require.Equal(t, byte('o'), out[0])
	require.NoError(t, dm2.ReadPage(id2, out))
	require.Equal(t, byte('t'), out[0])
}

// The header page id and page.Invalid are both zero, so FlushAll must not
// mistake a resident header page for an empty frame.
func TestManager_FlushAllFlushesHeaderPageResidentAtIDZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flushall-header.db")
	dm, err := disk.Open(path)
	require.NoError(t, err)

	bpm := New(4, 2, dm, nil, nil, nil)
	header, err := bpm.FetchPage(disk.HeaderPageID)
	require.NoError(t, err)
	require.Equal(t, page.Invalid, disk.HeaderPageID)
	copy(header.Data(), []byte("header-dirty"))
	require.NoError(t, bpm.UnpinPage(disk.HeaderPageID, true))

	require.NoError(t, bpm.FlushAll())
	require.NoError(t, dm.Close())

	dm2, err := disk.Open(path)
	require.NoError(t, err)
	defer dm2.Close()

	out := make([]byte, page.Size)
	require.NoError(t, dm2.ReadPage(disk.HeaderPageID, out))
	require.Equal(t, byte('h'), out[0])
}
