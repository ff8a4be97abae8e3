// Package buffer implements the buffer pool manager: the layer between
// the on-disk page format and everything that wants to read or mutate
// pages in memory. It owns a fixed array of frames, a page table mapping
// resident page ids to frames (an extendible hash table), and an LRU-K
// replacer choosing which unpinned frame to give up when the pool is
// full.
package buffer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relixdb/relix/core/storage"
	"github.com/relixdb/relix/core/storage/disk"
	"github.com/relixdb/relix/core/storage/hashtable"
	"github.com/relixdb/relix/core/storage/page"
	"github.com/relixdb/relix/core/storage/replacer"
	"github.com/relixdb/relix/core/storage/wal"
	"github.com/relixdb/relix/internal/assert"
)

// Metrics is the subset of internal/telemetry's StorageMetrics the buffer
// pool records against. Kept as a narrow interface here so this package
// does not import internal/telemetry (or OpenTelemetry) directly;
// *telemetry.StorageMetrics satisfies it by its method set.
type Metrics interface {
	RecordHit()
	RecordMiss()
	RecordEviction()
	SetPagesPinned(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordHit()          {}
func (noopMetrics) RecordMiss()         {}
func (noopMetrics) RecordEviction()     {}
func (noopMetrics) SetPagesPinned(int)  {}

// Manager is the buffer pool manager. All exported methods are safe for
// concurrent use.
type Manager struct {
	mu sync.Mutex

	frames    []*page.Page
	resident  []bool
	freeList  []page.FrameID
	pageTable *hashtable.Table[page.ID, page.FrameID]
	replacer  *replacer.LRUK
	disk      disk.Manager
	log       wal.Manager
	logger    *zap.Logger
	metrics   Metrics

	pinnedCount int
}

// New returns a Manager with poolSize frames, backed by dm for persistence
// and lm for LSN assignment. k is the LRU-K lookback window. logger and
// metrics may be nil, in which case a no-op zap logger and a no-op
// Metrics are used.
func New(poolSize int, k uint64, dm disk.Manager, lm wal.Manager, logger *zap.Logger, metrics Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if lm == nil {
		lm = wal.NewNoopManager()
	}

	frames := make([]*page.Page, poolSize)
	free := make([]page.FrameID, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = page.New()
		free[i] = page.FrameID(i)
	}

	return &Manager{
		frames:    frames,
		resident:  make([]bool, poolSize),
		freeList:  free,
		pageTable: hashtable.New[page.ID, page.FrameID](4, nil),
		replacer:  replacer.New(poolSize, k),
		disk:      dm,
		log:       lm,
		logger:    logger.Named("buffer"),
		metrics:   metrics,
	}
}

// NewPage allocates a brand-new page on disk, pins it in a frame, and
// returns it.
func (m *Manager) NewPage() (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame, ok := m.acquireFrameLocked()
	if !ok {
		return nil, storage.ErrNoFreeFrames
	}

	id := m.disk.AllocatePage()
	p := m.frames[frame]
	p.Reset()
	p.SetID(id)
	p.Pin()

	m.resident[frame] = true
	m.pageTable.Insert(id, frame)
	m.replacer.RecordAccess(frame)
	m.replacer.SetEvictable(frame, false)
	m.pinnedCount++
	m.metrics.SetPagesPinned(m.pinnedCount)

	m.logger.Debug("new page", zap.Uint64("page_id", uint64(id)), zap.Int("frame", int(frame)))
	return p, nil
}

// FetchPage returns the page for id, pinned, reading it from disk into a
// frame if it is not already resident.
func (m *Manager) FetchPage(id page.ID) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frame, ok := m.pageTable.Find(id); ok {
		p := m.frames[frame]
		if p.PinCount() == 0 {
			m.pinnedCount++
			m.metrics.SetPagesPinned(m.pinnedCount)
		}
		p.Pin()
		m.replacer.RecordAccess(frame)
		m.replacer.SetEvictable(frame, false)
		m.metrics.RecordHit()
		return p, nil
	}
	m.metrics.RecordMiss()

	frame, ok := m.acquireFrameLocked()
	if !ok {
		return nil, storage.ErrNoFreeFrames
	}

	p := m.frames[frame]
	p.Reset()
	p.SetID(id)
	if err := m.disk.ReadPage(id, p.Data()); err != nil {
		p.Reset()
		m.freeList = append(m.freeList, frame)
		return nil, fmt.Errorf("buffer: fetch page %d: %w", id, err)
	}
	p.Pin()

	m.resident[frame] = true
	m.pageTable.Insert(id, frame)
	m.replacer.RecordAccess(frame)
	m.replacer.SetEvictable(frame, false)
	m.pinnedCount++
	m.metrics.SetPagesPinned(m.pinnedCount)
	return p, nil
}

// UnpinPage decrements id's pin count, ORs dirty into its dirty flag, and
// makes it evictable once the pin count reaches zero.
func (m *Manager) UnpinPage(id page.ID, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame, ok := m.pageTable.Find(id)
	if !ok {
		return fmt.Errorf("buffer: unpin page %d: %w", id, storage.ErrPageNotFound)
	}
	p := m.frames[frame]
	assert.That(p.PinCount() > 0, "buffer: unpin page %d with zero pin count", id)
	p.Unpin()
	if dirty {
		p.SetDirty(true)
	}
	if p.PinCount() == 0 {
		m.replacer.SetEvictable(frame, true)
		m.pinnedCount--
		m.metrics.SetPagesPinned(m.pinnedCount)
	}
	return nil
}

// FlushPage writes id's current contents to disk unconditionally and
// clears its dirty flag.
func (m *Manager) FlushPage(id page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame, ok := m.pageTable.Find(id)
	if !ok {
		return fmt.Errorf("buffer: flush page %d: %w", id, storage.ErrPageNotFound)
	}
	return m.flushFrameLocked(frame)
}

// FlushAll writes every resident page to disk, including page id 0 (the
// header page): residency is tracked separately from page.Invalid, since
// page.Invalid and the header page id are both zero and indistinguishable
// by id alone.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for frame, resident := range m.resident {
		if !resident {
			continue
		}
		if err := m.flushFrameLocked(page.FrameID(frame)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) flushFrameLocked(frame page.FrameID) error {
	p := m.frames[frame]
	p.SetLSN(m.log.AppendRecord(p.ID()))
	if err := m.disk.WritePage(p.ID(), p.Data()); err != nil {
		return fmt.Errorf("buffer: flush page %d: %w", p.ID(), err)
	}
	p.SetDirty(false)
	return nil
}

// DeletePage evicts id from the buffer pool and reclaims its page id,
// failing with ErrPagePinned if it is still pinned by someone.
func (m *Manager) DeletePage(id page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame, ok := m.pageTable.Find(id)
	if !ok {
		return nil
	}
	p := m.frames[frame]
	if p.PinCount() > 0 {
		return fmt.Errorf("buffer: delete page %d: %w", id, storage.ErrPagePinned)
	}

	m.pageTable.Remove(id)
	m.replacer.Remove(frame)
	m.resident[frame] = false
	p.Reset()
	m.freeList = append(m.freeList, frame)

	return m.disk.DeallocatePage(id)
}

// acquireFrameLocked returns a frame to use for a new or fetched page,
// taking from the free list first and falling back to evicting an
// evictable frame, flushing it first if dirty. Callers must hold m.mu.
func (m *Manager) acquireFrameLocked() (page.FrameID, bool) {
	if n := len(m.freeList); n > 0 {
		frame := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return frame, true
	}

	frame, ok := m.replacer.Evict()
	if !ok {
		return 0, false
	}
	victim := m.frames[frame]
	if victim.IsDirty() {
		if err := m.flushFrameLocked(frame); err != nil {
			m.logger.Error("evict: flush failed", zap.Error(err), zap.Uint64("page_id", uint64(victim.ID())))
		}
	}
	m.metrics.RecordEviction()
	m.pageTable.Remove(victim.ID())
	m.resident[frame] = false
	victim.Reset()
	return frame, true
}

// PoolSize returns the number of frames this manager was constructed with.
func (m *Manager) PoolSize() int {
	return len(m.frames)
}
