// Package page defines the fixed-size unit of storage the rest of the
// storage core operates on, and the frame index type used to address a
// page's transient home in the buffer pool.
package page

import (
	"sync"
)

// Size is the fixed size, in bytes, of every page and every frame that can
// hold one. It is a build-time constant, not runtime configuration.
const Size = 4096

// ID identifies a page on disk. The zero value, Invalid, is never handed
// out for a data or index page.
type ID uint64

// Invalid is the sentinel page id marking an empty frame or an absent
// page. It shares the value 0 with the reserved header page
// (disk.HeaderPageID), so the id alone cannot tell an empty frame from a
// resident header page.
const Invalid ID = 0

// FrameID indexes into the buffer pool manager's fixed frame array. Frame
// ids are ephemeral: the same page id can occupy different frames across
// its lifetime, and a frame holds no fixed page across evictions.
type FrameID int

// LSN is a log sequence number. The write-ahead log at this layer is a
// no-op hook (see core/storage/wal), so LSNs here only ever increase
// monotonically per page; nothing reads them back to drive recovery.
type LSN uint64

// InvalidLSN marks a page that has never been touched by a logged mutation.
const InvalidLSN LSN = 0

// Page is an in-memory copy of one on-disk page plus the bookkeeping the
// buffer pool needs to decide whether it can be evicted: a pin count, a
// dirty flag, and a reader/writer latch guarding the bytes themselves.
//
// A pin count above zero means some caller is using the page; the buffer
// pool must not hand its frame to another page while that holds. The latch
// is orthogonal to pinning — crabbing code takes the latch to read or
// mutate the page's contents safely under concurrent access, independent
// of whether the page is pinned.
type Page struct {
	id       ID
	data     [Size]byte
	pinCount uint32
	dirty    bool
	lsn      LSN

	latch sync.RWMutex
}

// New returns a page in its reset (empty) state.
func New() *Page {
	return &Page{id: Invalid}
}

// Reset clears a page back to its empty state: invalid id, zero pin count,
// clean, and zeroed bytes. Called only by the buffer pool when a frame is
// about to be reused or freed — never while the page is latched by a
// caller.
func (p *Page) Reset() {
	p.id = Invalid
	p.pinCount = 0
	p.dirty = false
	p.lsn = InvalidLSN
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *Page) ID() ID          { return p.id }
func (p *Page) SetID(id ID)     { p.id = id }
func (p *Page) Data() []byte    { return p.data[:] }
func (p *Page) IsDirty() bool   { return p.dirty }
func (p *Page) SetDirty(d bool) { p.dirty = d }
func (p *Page) LSN() LSN        { return p.lsn }
func (p *Page) SetLSN(l LSN)    { p.lsn = l }

// PinCount reports the number of active pins on this page.
func (p *Page) PinCount() uint32 { return p.pinCount }

// Pin increments the pin count.
func (p *Page) Pin() { p.pinCount++ }

// Unpin decrements the pin count. Unpinning a page with a zero pin count is
// a programmer error and is caught by the caller (buffer pool), not here —
// Page itself has no way to signal failure.
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// RLock/RUnlock/Lock/Unlock/TryLock implement the page's reader/writer
// latch, used by the B+ tree's crabbing protocol. This is independent of
// pinning: a page can be latched by exactly the thread currently reading
// or mutating its bytes, regardless of how many pins it holds.
func (p *Page) RLock()        { p.latch.RLock() }
func (p *Page) RUnlock()      { p.latch.RUnlock() }
func (p *Page) Lock()         { p.latch.Lock() }
func (p *Page) Unlock()       { p.latch.Unlock() }
func (p *Page) TryLock() bool { return p.latch.TryLock() }
