package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/relixdb/relix/core/storage/page"
)

// usableBytes is the number of bytes of a page a node may fill. The final
// 4 bytes of every page are reserved by the disk manager for a CRC32
// checksum stamped at write time.
const usableBytes = page.Size - 4

const (
	nodeHeaderSize = 1 + 2 + 2 + 8 + 8 + 8 // type, size, maxSize, pageID, parentPageID, nextPageID
)

const (
	typeLeaf     byte = 1
	typeInternal byte = 2
)

// node is the in-memory representation of one B+ tree page, generic over
// key type K and value type V. A leaf node's keys/values slices hold the
// data; an internal node's keys/children slices route descent, with
// keys[0] unused (the convention that slot 0 only ever carries a child
// pointer, since every key at index i separates children i-1 and i).
type node[K any, V any] struct {
	isLeaf         bool
	pageID         page.ID
	parentPageID   page.ID
	nextPageID     page.ID // leaf only; page.Invalid if this is the last leaf
	maxSize        int
	keys           []K
	values         []V       // leaf only
	children       []page.ID // internal only, len(children) == len(keys)
}

func newLeaf[K, V any](pageID page.ID, maxSize int) *node[K, V] {
	return &node[K, V]{
		isLeaf:       true,
		pageID:       pageID,
		parentPageID: page.Invalid,
		nextPageID:   page.Invalid,
		maxSize:      maxSize,
	}
}

func newInternal[K, V any](pageID page.ID, maxSize int) *node[K, V] {
	return &node[K, V]{
		isLeaf:       false,
		pageID:       pageID,
		parentPageID: page.Invalid,
		maxSize:      maxSize,
	}
}

func (n *node[K, V]) size() int { return len(n.keys) }

// minSize is the asymmetric leaf/internal occupancy floor: a leaf must
// stay at least half full, an internal node (whose slot 0 is child-only)
// must keep at least half of its child pointers.
func (n *node[K, V]) minSize() int {
	if n.isLeaf {
		return n.maxSize / 2
	}
	return (n.maxSize + 1) / 2
}

func (n *node[K, V]) isFull() bool {
	if n.isLeaf {
		return n.size() >= n.maxSize
	}
	return n.size() >= n.maxSize
}

// isSafeForInsert reports whether this node can absorb one more entry
// without needing to split, i.e. whether the insert descent can release
// ancestor latches early.
func (n *node[K, V]) isSafeForInsert() bool {
	if n.isLeaf {
		return n.size() < n.maxSize-1
	}
	return n.size() < n.maxSize
}

// isSafeForRemove reports whether this node can lose one more entry
// without underflowing below minSize.
func (n *node[K, V]) isSafeForRemove() bool {
	return n.size() > n.minSize()
}

// lowerBound returns the first index i >= startAt such that keys[i] >= key,
// or len(keys) if there is none. Leaf callers pass startAt 0; internal
// callers pass 1 to skip the unused slot-0 key.
func lowerBound[K any](keys []K, key K, order Order[K], startAt int) int {
	lo, hi := startAt, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if order.Compare(keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// findValue does a leaf lookup, returning the value and true if key is
// present.
func (n *node[K, V]) findValue(key K, order Order[K]) (V, bool) {
	idx := lowerBound(n.keys, key, order, 0)
	if idx < len(n.keys) && order.Compare(n.keys[idx], key) == 0 {
		return n.values[idx], true
	}
	var zero V
	return zero, false
}

// childFor returns the child page id to descend into for key, for an
// internal node. It uses lowerBound starting at index 1 since index 0's
// key is a sentinel.
func (n *node[K, V]) childFor(key K, order Order[K]) page.ID {
	idx := lowerBound(n.keys, key, order, 1)
	if idx == len(n.keys) || order.Compare(n.keys[idx], key) > 0 {
		idx--
	}
	return n.children[idx]
}

// findChildIndex returns the slot index holding childID, or -1.
func (n *node[K, V]) findChildIndex(childID page.ID) int {
	for i, c := range n.children {
		if c == childID {
			return i
		}
	}
	return -1
}

// insertLeaf inserts key/value in sorted order, returning false if key was
// already present (no duplicate keys, per the Non-goals).
func (n *node[K, V]) insertLeaf(key K, val V, order Order[K]) bool {
	idx := lowerBound(n.keys, key, order, 0)
	if idx < len(n.keys) && order.Compare(n.keys[idx], key) == 0 {
		return false
	}
	n.keys = append(n.keys, key)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.values = append(n.values, val)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = val
	return true
}

// removeLeaf deletes key if present, returning true if it was found.
func (n *node[K, V]) removeLeaf(key K, order Order[K]) bool {
	idx := lowerBound(n.keys, key, order, 0)
	if idx >= len(n.keys) || order.Compare(n.keys[idx], key) != 0 {
		return false
	}
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.values = append(n.values[:idx], n.values[idx+1:]...)
	return true
}

// insertInternal inserts a (separator key, right child) pair, keeping
// slot 0's key as the unused sentinel.
func (n *node[K, V]) insertInternal(key K, childID page.ID, order Order[K]) {
	idx := lowerBound(n.keys, key, order, 1)

	n.keys = append(n.keys, key)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.children = append(n.children, childID)
	copy(n.children[idx+1:], n.children[idx:])
	n.children[idx] = childID
}

// removeAt deletes the entry at slot idx (key and, for internal nodes,
// child; for leaf nodes, key and value).
func (n *node[K, V]) removeAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	if n.isLeaf {
		n.values = append(n.values[:idx], n.values[idx+1:]...)
	} else {
		n.children = append(n.children[:idx], n.children[idx+1:]...)
	}
}

// splitLeaf moves the upper half of n's entries into a fresh leaf sibling,
// linking it after n, and returns the sibling plus the first key of the
// sibling (the separator to push up).
func (n *node[K, V]) splitLeaf(siblingPageID page.ID) (*node[K, V], K) {
	mid := n.size() / 2
	sibling := newLeaf[K, V](siblingPageID, n.maxSize)
	sibling.parentPageID = n.parentPageID
	sibling.keys = append(sibling.keys, n.keys[mid:]...)
	sibling.values = append(sibling.values, n.values[mid:]...)
	sibling.nextPageID = n.nextPageID

	n.keys = n.keys[:mid]
	n.values = n.values[:mid]
	n.nextPageID = siblingPageID

	return sibling, sibling.keys[0]
}

// splitInternal moves the upper half of n's entries into a fresh internal
// sibling and returns the sibling plus the separator key to push up to
// the parent (which is removed from the sibling, becoming its unused
// slot-0 sentinel).
func (n *node[K, V]) splitInternal(siblingPageID page.ID) (*node[K, V], K) {
	mid := (n.size() + 1) / 2
	sibling := newInternal[K, V](siblingPageID, n.maxSize)
	sibling.parentPageID = n.parentPageID

	pushUp := n.keys[mid]
	sibling.keys = append(sibling.keys, n.keys[mid:]...)
	sibling.children = append(sibling.children, n.children[mid:]...)

	n.keys = n.keys[:mid]
	n.children = n.children[:mid]

	return sibling, pushUp
}

// serialize writes n's contents into buf, which must be page.Size bytes.
// The trailing 4 bytes of buf are left untouched for the disk manager's
// checksum.
func (n *node[K, V]) serialize(buf []byte, keyCodec Codec[K], valCodec Codec[V]) error {
	if len(buf) != page.Size {
		return fmt.Errorf("btree: serialize: buffer size %d != %d", len(buf), page.Size)
	}

	off := 0
	if n.isLeaf {
		buf[off] = typeLeaf
	} else {
		buf[off] = typeInternal
	}
	off++
	binary.BigEndian.PutUint16(buf[off:], uint16(n.size()))
	off += 2
	binary.BigEndian.PutUint16(buf[off:], uint16(n.maxSize))
	off += 2
	binary.BigEndian.PutUint64(buf[off:], uint64(n.pageID))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(n.parentPageID))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(n.nextPageID))
	off += 8

	for i, k := range n.keys {
		kb, err := keyCodec.Encode(k)
		if err != nil {
			return fmt.Errorf("btree: serialize key %d: %w", i, err)
		}
		if off+4+len(kb) > usableBytes {
			return ErrEntryTooLarge
		}
		binary.BigEndian.PutUint32(buf[off:], uint32(len(kb)))
		off += 4
		off += copy(buf[off:], kb)

		if n.isLeaf {
			vb, err := valCodec.Encode(n.values[i])
			if err != nil {
				return fmt.Errorf("btree: serialize value %d: %w", i, err)
			}
			if off+4+len(vb) > usableBytes {
				return ErrEntryTooLarge
			}
			binary.BigEndian.PutUint32(buf[off:], uint32(len(vb)))
			off += 4
			off += copy(buf[off:], vb)
		} else {
			if off+8 > usableBytes {
				return ErrEntryTooLarge
			}
			binary.BigEndian.PutUint64(buf[off:], uint64(n.children[i]))
			off += 8
		}
	}
	return nil
}

// deserialize reconstructs a node from buf, which must be page.Size bytes.
func deserialize[K, V any](buf []byte, keyCodec Codec[K], valCodec Codec[V]) (*node[K, V], error) {
	if len(buf) != page.Size {
		return nil, fmt.Errorf("btree: deserialize: buffer size %d != %d", len(buf), page.Size)
	}

	off := 0
	kind := buf[off]
	off++
	size := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	maxSize := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	pageID := page.ID(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	parentPageID := page.ID(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	nextPageID := page.ID(binary.BigEndian.Uint64(buf[off:]))
	off += 8

	n := &node[K, V]{
		isLeaf:       kind == typeLeaf,
		pageID:       pageID,
		parentPageID: parentPageID,
		nextPageID:   nextPageID,
		maxSize:      maxSize,
	}
	n.keys = make([]K, 0, size)
	if n.isLeaf {
		n.values = make([]V, 0, size)
	} else {
		n.children = make([]page.ID, 0, size)
	}

	for i := 0; i < size; i++ {
		if off+4 > usableBytes {
			return nil, fmt.Errorf("btree: deserialize: truncated key length at entry %d", i)
		}
		klen := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if off+klen > usableBytes {
			return nil, fmt.Errorf("btree: deserialize: truncated key bytes at entry %d", i)
		}
		k, err := keyCodec.Decode(buf[off : off+klen])
		if err != nil {
			return nil, fmt.Errorf("btree: deserialize key %d: %w", i, err)
		}
		off += klen
		n.keys = append(n.keys, k)

		if n.isLeaf {
			if off+4 > usableBytes {
				return nil, fmt.Errorf("btree: deserialize: truncated value length at entry %d", i)
			}
			vlen := int(binary.BigEndian.Uint32(buf[off:]))
			off += 4
			if off+vlen > usableBytes {
				return nil, fmt.Errorf("btree: deserialize: truncated value bytes at entry %d", i)
			}
			v, err := valCodec.Decode(buf[off : off+vlen])
			if err != nil {
				return nil, fmt.Errorf("btree: deserialize value %d: %w", i, err)
			}
			off += vlen
			n.values = append(n.values, v)
		} else {
			if off+8 > usableBytes {
				return nil, fmt.Errorf("btree: deserialize: truncated child at entry %d", i)
			}
			n.children = append(n.children, page.ID(binary.BigEndian.Uint64(buf[off:])))
			off += 8
		}
	}
	return n, nil
}
