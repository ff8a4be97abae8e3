package replacer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relixdb/relix/core/storage/page"
)

func TestLRUK_EvictsInfiniteDistanceFirst(t *testing.T) {
	r := New(4, 2)

	r.RecordAccess(1)
	r.RecordAccess(2)
	r.RecordAccess(3)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)
	r.SetEvictable(3, true)

	// All three have fewer than k=2 accesses, so all live in the
	// infinite-distance list; the least-recently accessed (1) goes first.
	frame, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, page.FrameID(1), frame)
}

func TestLRUK_PrefersLargestBackwardDistance(t *testing.T) {
	r := New(4, 2)

	// Frame 1 gets 2 accesses (reaches k), frame 2 gets 2 accesses later,
	// so frame 1's k-th backward distance is larger.
	r.RecordAccess(1)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.RecordAccess(2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	frame, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, page.FrameID(1), frame)
}

func TestLRUK_NonEvictableIsSkipped(t *testing.T) {
	r := New(4, 1)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, false)
	r.SetEvictable(2, true)

	frame, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, page.FrameID(2), frame)
}

func TestLRUK_SizeTracksEvictableCount(t *testing.T) {
	r := New(4, 2)
	r.RecordAccess(1)
	require.Equal(t, 0, r.Size())
	r.SetEvictable(1, true)
	require.Equal(t, 1, r.Size())
	r.SetEvictable(1, false)
	require.Equal(t, 0, r.Size())
}

func TestLRUK_RemoveDropsFrame(t *testing.T) {
	r := New(4, 2)
	r.RecordAccess(1)
	r.SetEvictable(1, true)
	r.Remove(1)

	_, ok := r.Evict()
	require.False(t, ok)
}

func TestLRUK_EvictReturnsFalseWhenEmpty(t *testing.T) {
	r := New(4, 2)
	_, ok := r.Evict()
	require.False(t, ok)
}
