package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relixdb/relix/core/storage/page"
)

func openTemp(t *testing.T) *FileManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	fm, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { fm.Close() })
	return fm
}

func TestFileManager_WriteReadRoundTrip(t *testing.T) {
	fm := openTemp(t)

	id := fm.AllocatePage()
	buf := make([]byte, page.Size)
	copy(buf, []byte("hello world"))

	require.NoError(t, fm.WritePage(id, buf))

	out := make([]byte, page.Size)
	require.NoError(t, fm.ReadPage(id, out))
	require.Equal(t, buf[:len("hello world")], out[:len("hello world")])
}

func TestFileManager_AllocatePageIsMonotonic(t *testing.T) {
	fm := openTemp(t)

	a := fm.AllocatePage()
	b := fm.AllocatePage()
	require.Less(t, uint64(a), uint64(b))
}

func TestFileManager_ReadNeverWrittenPageIsZeroed(t *testing.T) {
	fm := openTemp(t)

	id := fm.AllocatePage()
	out := make([]byte, page.Size)
	for i := range out {
		out[i] = 0xff
	}
	require.NoError(t, fm.ReadPage(id, out))
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}

func TestHeader_EncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{Entries: []HeaderEntry{
		{Name: "orders", Root: page.ID(5)},
		{Name: "customers", Root: page.ID(9)},
	}}
	buf := make([]byte, page.Size)
	require.NoError(t, EncodeHeader(buf, h))

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h.Entries, got.Entries)
}

func TestHeader_DecodeFreshPageIsEmpty(t *testing.T) {
	buf := make([]byte, page.Size) // never encoded, all zero
	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Empty(t, got.Entries)
}

func TestFileManager_HeaderPageRoundTripsThroughRawIO(t *testing.T) {
	fm := openTemp(t)

	h := &Header{Entries: []HeaderEntry{{Name: "idx", Root: page.ID(3)}}}
	buf := make([]byte, page.Size)
	require.NoError(t, EncodeHeader(buf, h))
	require.NoError(t, fm.WritePage(HeaderPageID, buf))

	out := make([]byte, page.Size)
	require.NoError(t, fm.ReadPage(HeaderPageID, out))
	got, err := DecodeHeader(out)
	require.NoError(t, err)
	require.Equal(t, h.Entries, got.Entries)
}

func TestFileManager_ReopenPersistsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	fm, err := Open(path)
	require.NoError(t, err)
	id := fm.AllocatePage()
	buf := make([]byte, page.Size)
	copy(buf, []byte("persisted"))
	require.NoError(t, fm.WritePage(id, buf))
	require.NoError(t, fm.Close())

	fm2, err := Open(path)
	require.NoError(t, err)
	defer fm2.Close()

	out := make([]byte, page.Size)
	require.NoError(t, fm2.ReadPage(id, out))
	require.Equal(t, buf[:len("persisted")], out[:len("persisted")])
}
