package btree

import "github.com/relixdb/relix/core/storage/page"

// Iterator walks the leaf chain in key order. It holds a read latch and a
// pin on exactly the leaf page it currently points into, released as it
// advances or is closed.
type Iterator[K, V any] struct {
	tree    *Tree[K, V]
	pageID  page.ID
	page    *page.Page
	leaf    *node[K, V]
	slot    int
	atEnd   bool
}

// Begin returns an iterator positioned at the first entry in the tree.
func (t *Tree[K, V]) Begin() (*Iterator[K, V], error) {
	t.rootLatch.RLock()
	root := t.rootID
	if root == page.Invalid {
		t.rootLatch.RUnlock()
		return &Iterator[K, V]{atEnd: true}, nil
	}
	it, err := t.descendLeftmost(root)
	t.rootLatch.RUnlock()
	return it, err
}

// BeginAt returns an iterator positioned at the first entry with a key
// greater than or equal to key.
func (t *Tree[K, V]) BeginAt(key K) (*Iterator[K, V], error) {
	t.rootLatch.RLock()
	root := t.rootID
	if root == page.Invalid {
		t.rootLatch.RUnlock()
		return &Iterator[K, V]{atEnd: true}, nil
	}
	it, err := t.descendTo(root, key)
	t.rootLatch.RUnlock()
	return it, err
}

// End returns a sentinel iterator representing one-past-the-last entry.
func (t *Tree[K, V]) End() *Iterator[K, V] {
	return &Iterator[K, V]{atEnd: true}
}

func (t *Tree[K, V]) descendLeftmost(root page.ID) (*Iterator[K, V], error) {
	curID := root
	p, n, err := t.fetch(curID)
	if err != nil {
		return nil, err
	}
	p.RLock()
	for !n.isLeaf {
		childID := n.children[0]
		cp, cn, err := t.fetch(childID)
		if err != nil {
			p.RUnlock()
			_ = t.bpm.UnpinPage(curID, false)
			return nil, err
		}
		cp.RLock()
		p.RUnlock()
		_ = t.bpm.UnpinPage(curID, false)
		curID, p, n = childID, cp, cn
	}
	return &Iterator[K, V]{tree: t, pageID: curID, page: p, leaf: n, slot: 0, atEnd: n.size() == 0}, nil
}

func (t *Tree[K, V]) descendTo(root page.ID, key K) (*Iterator[K, V], error) {
	curID := root
	p, n, err := t.fetch(curID)
	if err != nil {
		return nil, err
	}
	p.RLock()
	for !n.isLeaf {
		childID := n.childFor(key, t.order)
		cp, cn, err := t.fetch(childID)
		if err != nil {
			p.RUnlock()
			_ = t.bpm.UnpinPage(curID, false)
			return nil, err
		}
		cp.RLock()
		p.RUnlock()
		_ = t.bpm.UnpinPage(curID, false)
		curID, p, n = childID, cp, cn
	}
	slot := lowerBound(n.keys, key, t.order, 0)
	it := &Iterator[K, V]{tree: t, pageID: curID, page: p, leaf: n, slot: slot}
	if slot >= n.size() {
		// No key >= key in this leaf: the first such key, if any, is the
		// first entry of the next leaf.
		it.slot = n.size() - 1
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Valid reports whether the iterator currently points at an entry.
func (it *Iterator[K, V]) Valid() bool { return !it.atEnd }

// Key returns the key at the current position. Calling it when !Valid()
// is a programmer error.
func (it *Iterator[K, V]) Key() K { return it.leaf.keys[it.slot] }

// Value returns the value at the current position.
func (it *Iterator[K, V]) Value() V { return it.leaf.values[it.slot] }

// Next advances the iterator by one entry, crossing into the next leaf via
// its next-page link when the current leaf is exhausted.
func (it *Iterator[K, V]) Next() error {
	if it.atEnd {
		return nil
	}
	it.slot++
	if it.slot < it.leaf.size() {
		return nil
	}

	nextID := it.leaf.nextPageID
	it.page.RUnlock()
	_ = it.tree.bpm.UnpinPage(it.pageID, false)

	if nextID == page.Invalid {
		it.atEnd = true
		it.page = nil
		it.leaf = nil
		return nil
	}

	p, n, err := it.tree.fetch(nextID)
	if err != nil {
		it.atEnd = true
		it.page = nil
		it.leaf = nil
		return err
	}
	p.RLock()
	it.pageID = nextID
	it.page = p
	it.leaf = n
	it.slot = 0
	it.atEnd = n.size() == 0
	return nil
}

// Close releases the latch and pin on the iterator's current leaf, if
// any. Callers that iterate to the end do not need to call Close.
func (it *Iterator[K, V]) Close() {
	if it.page == nil {
		return
	}
	it.page.RUnlock()
	_ = it.tree.bpm.UnpinPage(it.pageID, false)
	it.page = nil
	it.leaf = nil
	it.atEnd = true
}
