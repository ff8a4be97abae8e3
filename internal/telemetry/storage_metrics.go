// Package telemetry adapts the storage core's OpenTelemetry setup into
// one struct of instruments covering the buffer pool, the LRU-K replacer,
// the extendible hash page table, and the B+ tree, and one constructor
// that registers every instrument on a shared meter. The buffer pool and
// the B+ tree record against it; the replacer and hash table gauges are
// set only through SetEvictableFrames and SetHashTableStats, which nothing
// in this module calls.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// bgCtx is used for every instrument call: none of these recordings carry
// request-scoped context (the storage core has no request boundary of its
// own), matching how the buffer pool and B+ tree call these methods from
// deep inside latch-held sections where threading a context through would
// add nothing.
var bgCtx = context.Background()

// StorageMetrics holds every instrument the storage core records against.
// A single instance is normally shared across the buffer pool and every
// open B+ tree in a process.
type StorageMetrics struct {
	bufferHits      metric.Int64Counter
	bufferMisses    metric.Int64Counter
	bufferEvictions metric.Int64Counter
	pagesPinned     metric.Int64Gauge

	btreeInserts metric.Int64Counter
	btreeSplits  metric.Int64Counter
	btreeRemoves metric.Int64Counter
	btreeMerges  metric.Int64Counter
	btreeBorrows metric.Int64Counter

	hashGlobalDepth  metric.Int64Gauge
	hashBucketCount  metric.Int64Gauge
	replacerEvictable metric.Int64Gauge
}

// NewStorageMetrics creates and registers every storage-core instrument on
// meter.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	bufferHits, err := meter.Int64Counter(
		"relix.buffer.hits_total",
		metric.WithDescription("Buffer pool fetches served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	bufferMisses, err := meter.Int64Counter(
		"relix.buffer.misses_total",
		metric.WithDescription("Buffer pool fetches that required a disk read."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	bufferEvictions, err := meter.Int64Counter(
		"relix.buffer.evictions_total",
		metric.WithDescription("Frames reclaimed by the LRU-K replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesPinned, err := meter.Int64Gauge(
		"relix.buffer.pages_pinned",
		metric.WithDescription("Number of frames currently pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	btreeInserts, err := meter.Int64Counter(
		"relix.btree.inserts_total",
		metric.WithDescription("Successful B+ tree key insertions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	btreeSplits, err := meter.Int64Counter(
		"relix.btree.splits_total",
		metric.WithDescription("Node splits performed on insert."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	btreeRemoves, err := meter.Int64Counter(
		"relix.btree.removes_total",
		metric.WithDescription("Successful B+ tree key removals."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	btreeMerges, err := meter.Int64Counter(
		"relix.btree.merges_total",
		metric.WithDescription("Node merges performed on remove."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	btreeBorrows, err := meter.Int64Counter(
		"relix.btree.borrows_total",
		metric.WithDescription("Sibling key redistributions performed on remove."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	hashGlobalDepth, err := meter.Int64Gauge(
		"relix.hashtable.global_depth",
		metric.WithDescription("Current directory global depth of the extendible hash page table."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	hashBucketCount, err := meter.Int64Gauge(
		"relix.hashtable.buckets",
		metric.WithDescription("Distinct buckets referenced by the page table directory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	replacerEvictable, err := meter.Int64Gauge(
		"relix.replacer.evictable_frames",
		metric.WithDescription("Frames the LRU-K replacer currently considers evictable."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		bufferHits:        bufferHits,
		bufferMisses:      bufferMisses,
		bufferEvictions:   bufferEvictions,
		pagesPinned:       pagesPinned,
		btreeInserts:      btreeInserts,
		btreeSplits:       btreeSplits,
		btreeRemoves:      btreeRemoves,
		btreeMerges:       btreeMerges,
		btreeBorrows:      btreeBorrows,
		hashGlobalDepth:   hashGlobalDepth,
		hashBucketCount:   hashBucketCount,
		replacerEvictable: replacerEvictable,
	}, nil
}

// The methods below satisfy core/storage/buffer.Metrics and
// core/index/btree.Metrics without either package importing this one.

func (m *StorageMetrics) RecordHit()      { m.bufferHits.Add(bgCtx, 1) }
func (m *StorageMetrics) RecordMiss()     { m.bufferMisses.Add(bgCtx, 1) }
func (m *StorageMetrics) RecordEviction() { m.bufferEvictions.Add(bgCtx, 1) }
func (m *StorageMetrics) SetPagesPinned(n int) {
	m.pagesPinned.Record(bgCtx, int64(n))
}

func (m *StorageMetrics) RecordInsert() { m.btreeInserts.Add(bgCtx, 1) }
func (m *StorageMetrics) RecordSplit()  { m.btreeSplits.Add(bgCtx, 1) }
func (m *StorageMetrics) RecordRemove() { m.btreeRemoves.Add(bgCtx, 1) }
func (m *StorageMetrics) RecordMerge()  { m.btreeMerges.Add(bgCtx, 1) }
func (m *StorageMetrics) RecordBorrow() { m.btreeBorrows.Add(bgCtx, 1) }

// SetHashTableStats records the page table's current directory shape. It
// is not part of core/storage/buffer's Metrics interface, so the buffer
// pool never calls it.
func (m *StorageMetrics) SetHashTableStats(globalDepth, numBuckets int) {
	m.hashGlobalDepth.Record(bgCtx, int64(globalDepth))
	m.hashBucketCount.Record(bgCtx, int64(numBuckets))
}

// SetEvictableFrames records the replacer's current evictable-frame count.
func (m *StorageMetrics) SetEvictableFrames(n int) {
	m.replacerEvictable.Record(bgCtx, int64(n))
}
