// Package replacer implements the frame-eviction policy for the buffer
// pool. LRUK treats frames with fewer than k accesses as having infinite
// backward k-distance and evicts among those first (least-recently
// accessed of that group wins). Frames with k or more accesses are kept in
// most-recent-access order and the least recently accessed of them is
// evicted next; no per-access timestamps are kept, so their order is not
// the exact k-th-most-recent-access order.
package replacer

import (
	"container/list"
	"sync"

	"github.com/relixdb/relix/core/storage/page"
	"github.com/relixdb/relix/internal/assert"
)

// entry tracks one frame's access history. hits counts total accesses
// (capped in spirit at k for the purposes of list placement, though the
// counter itself keeps climbing); pos is this entry's node in whichever of
// the two lists it currently lives in.
type entry struct {
	frame     page.FrameID
	hits      uint64
	evictable bool
	pos       *list.Element
}

// LRUK is a thread-safe LRU-K replacer. It holds two lists: inf for frames
// with fewer than k recorded accesses (ordered by most-recent access, back
// is oldest), and kth for frames with k or more, also ordered by
// most-recent access (back is least recently accessed, i.e. best eviction
// candidate).
type LRUK struct {
	mu sync.Mutex

	poolSize  int
	k         uint64
	inf       *list.List
	kth       *list.List
	entries   map[page.FrameID]*entry
	evictable int
}

// New returns an LRUK replacer with the given lookback window k, sized for
// frame ids in [0, poolSize). k must be at least 1.
func New(poolSize int, k uint64) *LRUK {
	if k == 0 {
		k = 1
	}
	return &LRUK{
		poolSize: poolSize,
		k:        k,
		inf:      list.New(),
		kth:      list.New(),
		entries:  make(map[page.FrameID]*entry),
	}
}

func (r *LRUK) checkFrame(frame page.FrameID) {
	assert.That(frame >= 0 && int(frame) < r.poolSize,
		"replacer: frame id %d out of range [0, %d)", frame, r.poolSize)
}

// RecordAccess registers that frame was just accessed. A frame not
// previously known to the replacer starts in the infinite-distance list.
// Once a frame accumulates k accesses it moves into the k-distance list at
// the position corresponding to the current moment.
func (r *LRUK) RecordAccess(frame page.FrameID) {
	r.checkFrame(frame)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[frame]
	if !ok {
		e = &entry{frame: frame}
		r.entries[frame] = e
	} else if e.pos != nil {
		if e.hits < r.k {
			r.inf.Remove(e.pos)
		} else {
			r.kth.Remove(e.pos)
		}
	}
	e.hits++

	if e.hits < r.k {
		e.pos = r.inf.PushFront(e)
	} else {
		// At or beyond k: the frame goes to the front of kth, the most
		// recently accessed position and the worst eviction candidate
		// in that list.
		e.pos = r.kth.PushFront(e)
	}
}

// SetEvictable marks frame as eligible (or ineligible) for eviction. The
// buffer pool calls this with false while a page is pinned and true again
// once its pin count drops to zero.
func (r *LRUK) SetEvictable(frame page.FrameID, evictable bool) {
	r.checkFrame(frame)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[frame]
	if !ok {
		return
	}
	if e.evictable == evictable {
		return
	}
	e.evictable = evictable
	if evictable {
		r.evictable++
	} else {
		r.evictable--
	}
}

// Evict removes and returns the best eviction candidate: the least-recently
// accessed evictable frame in the infinite-distance list, otherwise the
// least-recently accessed evictable frame in the finite-distance list. It
// reports false if no frame is currently evictable.
func (r *LRUK) Evict() (page.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evictable == 0 {
		return 0, false
	}

	for el := r.inf.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.evictable {
			r.removeEntryLocked(e)
			return e.frame, true
		}
	}
	for el := r.kth.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.evictable {
			r.removeEntryLocked(e)
			return e.frame, true
		}
	}
	return 0, false
}

// Remove drops frame from the replacer entirely, without evicting it. The
// buffer pool calls this when a page is deleted outright. Removing a
// currently-pinned (non-evictable) frame is a caller error in the original
// algorithm; here it is simply a no-op on the evictable counter since the
// frame was never counted.
func (r *LRUK) Remove(frame page.FrameID) {
	r.checkFrame(frame)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[frame]
	if !ok {
		return
	}
	r.removeEntryLocked(e)
}

func (r *LRUK) removeEntryLocked(e *entry) {
	if e.evictable {
		r.evictable--
	}
	if e.hits < r.k {
		r.inf.Remove(e.pos)
	} else {
		r.kth.Remove(e.pos)
	}
	delete(r.entries, e.frame)
}

// Size returns the number of frames currently marked evictable.
func (r *LRUK) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictable
}
