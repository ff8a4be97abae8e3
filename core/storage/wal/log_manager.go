// Package wal defines the write-ahead-log hook the buffer pool calls each
// time it writes a page to disk. At this layer durability beyond an
// explicit flush is a Non-goal, so the only implementation provided is a
// no-op that hands out strictly increasing LSNs without writing anything —
// but the hook exists so a real log manager can be dropped in later
// without touching call sites: LSN allocation is kept separate from
// record persistence.
package wal

import (
	"sync/atomic"

	"github.com/relixdb/relix/core/storage/page"
)

// Manager is the interface the buffer pool depends on. AppendRecord
// returns the LSN assigned to the page write; Flush guarantees every record up
// to and including the given LSN is durable before it returns.
type Manager interface {
	AppendRecord(pageID page.ID) page.LSN
	Flush(upTo page.LSN)
	LastLSN() page.LSN
}

// NoopManager hands out monotonically increasing LSNs and persists nothing.
// It satisfies Manager so the rest of the storage core can be built and
// tested against the WAL hook without a real log implementation existing
// yet.
type NoopManager struct {
	next uint64
}

// NewNoopManager returns a NoopManager whose first assigned LSN is 1.
func NewNoopManager() *NoopManager {
	return &NoopManager{next: 1}
}

// AppendRecord ignores pageID and returns the next LSN in sequence.
func (m *NoopManager) AppendRecord(pageID page.ID) page.LSN {
	return page.LSN(atomic.AddUint64(&m.next, 1) - 1)
}

// Flush is a no-op: nothing was ever buffered.
func (m *NoopManager) Flush(upTo page.LSN) {}

// LastLSN returns the most recently issued LSN, or InvalidLSN if none has
// been issued yet.
func (m *NoopManager) LastLSN() page.LSN {
	n := atomic.LoadUint64(&m.next)
	if n <= 1 {
		return page.InvalidLSN
	}
	return page.LSN(n - 1)
}
