// Package hashtable implements a generic extendible hash table, used by
// the buffer pool as its page table (mapping resident page ids to the
// frame holding them). Directory slots double on overflow and buckets
// split lazily, so lookup stays O(1) without ever rehashing the whole
// table.
package hashtable

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// bucket holds up to bucketSize entries and the local depth it was created
// at. Entries are kept in an unordered slice; lookups are linear scans,
// which is fine for the small bucket sizes this structure is tuned for.
type bucket[K comparable, V any] struct {
	localDepth int
	keys       []K
	vals       []V
}

func newBucket[K comparable, V any](depth, size int) *bucket[K, V] {
	return &bucket[K, V]{
		localDepth: depth,
		keys:       make([]K, 0, size),
		vals:       make([]V, 0, size),
	}
}

func (b *bucket[K, V]) find(key K) (V, bool) {
	for i, k := range b.keys {
		if k == key {
			return b.vals[i], true
		}
	}
	var zero V
	return zero, false
}

func (b *bucket[K, V]) upsert(key K, val V) {
	for i, k := range b.keys {
		if k == key {
			b.vals[i] = val
			return
		}
	}
	b.keys = append(b.keys, key)
	b.vals = append(b.vals, val)
}

func (b *bucket[K, V]) remove(key K) bool {
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			b.vals = append(b.vals[:i], b.vals[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket[K, V]) full(size int) bool { return len(b.keys) >= size }

// Table is a thread-safe extendible hash table from K to V.
type Table[K comparable, V any] struct {
	mu sync.RWMutex

	bucketSize  int
	globalDepth int
	dir         []*bucket[K, V]

	hash func(K) uint64
}

// New returns a Table with the given bucket capacity, starting at global
// depth 0 with a single bucket. hashFn computes the hash of a key; pass
// nil to use a default FNV-1a hash of the key's fmt-formatted form.
func New[K comparable, V any](bucketSize int, hashFn func(K) uint64) *Table[K, V] {
	if bucketSize < 1 {
		bucketSize = 1
	}
	if hashFn == nil {
		hashFn = defaultHash[K]
	}
	t := &Table[K, V]{
		bucketSize:  bucketSize,
		globalDepth: 0,
		hash:        hashFn,
	}
	t.dir = []*bucket[K, V]{newBucket[K, V](0, bucketSize)}
	return t
}

func defaultHash[K comparable](k K) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("%v", k)))
	return h.Sum64()
}

func (t *Table[K, V]) indexOf(key K) int {
	h := t.hash(key)
	mask := uint64(1)<<uint(t.globalDepth) - 1
	return int(h & mask)
}

// Find returns the value stored for key, if present.
func (t *Table[K, V]) Find(key K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dir[t.indexOf(key)].find(key)
}

// Insert upserts key/val, splitting and doubling the directory as many
// times as needed to make room.
func (t *Table[K, V]) Insert(key K, val V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		idx := t.indexOf(key)
		b := t.dir[idx]

		_, exists := b.find(key)
		if !exists && b.full(t.bucketSize) {
			t.splitLocked(idx)
			continue
		}
		b.upsert(key, val)
		return
	}
}

// Remove deletes key, if present, reporting whether it was found.
func (t *Table[K, V]) Remove(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir[t.indexOf(key)].remove(key)
}

// splitLocked splits the bucket at directory slot idx, doubling the
// directory first if the bucket's local depth has caught up to the global
// depth. Callers must hold t.mu for writing.
func (t *Table[K, V]) splitLocked(idx int) {
	old := t.dir[idx]

	if old.localDepth == t.globalDepth {
		t.dir = append(t.dir, t.dir...)
		t.globalDepth++
	}

	newDepth := old.localDepth + 1
	zero := newBucket[K, V](newDepth, t.bucketSize)
	one := newBucket[K, V](newDepth, t.bucketSize)

	splitBit := uint64(1) << uint(old.localDepth)
	for i, k := range old.keys {
		if t.hash(k)&splitBit == 0 {
			zero.keys = append(zero.keys, k)
			zero.vals = append(zero.vals, old.vals[i])
		} else {
			one.keys = append(one.keys, k)
			one.vals = append(one.vals, old.vals[i])
		}
	}

	localMask := uint64(1) << uint(old.localDepth)
	for i := range t.dir {
		if t.dir[i] != old {
			continue
		}
		if uint64(i)&localMask == 0 {
			t.dir[i] = zero
		} else {
			t.dir[i] = one
		}
	}
}

// GlobalDepth returns the current directory depth (log2 of directory size).
func (t *Table[K, V]) GlobalDepth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.globalDepth
}

// LocalDepth returns the local depth of the bucket that key currently maps
// to. The boolean is false only for a directory with no buckets, which New
// never produces; a table with no entries still reports true.
func (t *Table[K, V]) LocalDepth(key K) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.dir) == 0 {
		return 0, false
	}
	return t.dir[t.indexOf(key)].localDepth, true
}

// NumBuckets returns the number of distinct buckets currently referenced
// by the directory (directory slots that alias the same bucket after a
// split are counted once).
func (t *Table[K, V]) NumBuckets() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[*bucket[K, V]]struct{}, len(t.dir))
	for _, b := range t.dir {
		seen[b] = struct{}{}
	}
	return len(seen)
}
