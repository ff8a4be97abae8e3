// Package btree implements a generic, concurrent B+ tree index over a
// buffer pool: point lookup, insert, remove, and sorted-order iteration,
// with latch crabbing down the tree so concurrent operations on disjoint
// subtrees do not block each other.
package btree

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relixdb/relix/core/storage"
	"github.com/relixdb/relix/core/storage/buffer"
	"github.com/relixdb/relix/core/storage/page"
)

// Metrics is the subset of internal/telemetry's StorageMetrics the B+ tree
// records against.
type Metrics interface {
	RecordInsert()
	RecordSplit()
	RecordRemove()
	RecordMerge()
	RecordBorrow()
}

type noopMetrics struct{}

func (noopMetrics) RecordInsert() {}
func (noopMetrics) RecordSplit()  {}
func (noopMetrics) RecordRemove() {}
func (noopMetrics) RecordMerge()  {}
func (noopMetrics) RecordBorrow() {}

const defaultMaxSize = 128

// Options configures a Tree at construction.
type Options[K, V any] struct {
	Order     Order[K]
	KeyCodec  Codec[K]
	ValCodec  Codec[V]
	MaxSize   int // a leaf splits on reaching MaxSize keys; an internal node holds at most MaxSize children
	Logger    *zap.Logger
	Metrics   Metrics
	// SetRoot, if non-nil, is called every time the tree's root page id
	// changes, so a registry can persist it into the header page.
	SetRoot func(page.ID) error
}

// Tree is a concurrent B+ tree keyed by K with values V, backed by a
// buffer pool. The zero value is not usable; construct with New (or through
// core/index's CreateIndex/OpenIndex).
type Tree[K, V any] struct {
	rootLatch sync.RWMutex
	rootID    page.ID

	bpm      *buffer.Manager
	order    Order[K]
	keyCodec Codec[K]
	valCodec Codec[V]
	maxSize  int
	logger   *zap.Logger
	metrics  Metrics
	setRoot  func(page.ID) error
}

// New constructs an empty Tree. rootID may be page.Invalid for a brand
// new index, or an existing root page id when reopening one (see
// core/index/registry).
func New[K, V any](bpm *buffer.Manager, rootID page.ID, opts Options[K, V]) *Tree[K, V] {
	if opts.MaxSize <= 2 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Tree[K, V]{
		rootID:   rootID,
		bpm:      bpm,
		order:    opts.Order,
		keyCodec: opts.KeyCodec,
		valCodec: opts.ValCodec,
		maxSize:  opts.MaxSize,
		logger:   opts.Logger.Named("btree"),
		metrics:  opts.Metrics,
		setRoot:  opts.SetRoot,
	}
}

// RootPageID returns the tree's current root page id, or page.Invalid for
// an empty tree.
func (t *Tree[K, V]) RootPageID() page.ID {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootID
}

func (t *Tree[K, V]) fetch(id page.ID) (*page.Page, *node[K, V], error) {
	p, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, nil, fmt.Errorf("btree: fetch page %d: %w", id, err)
	}
	n, err := deserialize[K, V](p.Data(), t.keyCodec, t.valCodec)
	if err != nil {
		_ = t.bpm.UnpinPage(id, false)
		return nil, nil, fmt.Errorf("btree: decode page %d: %w", id, err)
	}
	return p, n, nil
}

func (t *Tree[K, V]) put(p *page.Page, n *node[K, V]) error {
	if err := n.serialize(p.Data(), t.keyCodec, t.valCodec); err != nil {
		return fmt.Errorf("btree: encode page %d: %w", n.pageID, err)
	}
	return nil
}

// reparentChildren stamps newParent into every page in children's
// parentPageID field. It is called after a borrow or merge moves a
// grandchild from one internal node to another, since those grandchild
// pages are not otherwise touched by the operation crabbing down to the
// underflowing node.
func (t *Tree[K, V]) reparentChildren(children []page.ID, newParent page.ID) error {
	for _, id := range children {
		p, n, err := t.fetch(id)
		if err != nil {
			return fmt.Errorf("btree: reparent %d: %w", id, err)
		}
		p.Lock()
		n.parentPageID = newParent
		err = t.put(p, n)
		p.Unlock()
		_ = t.bpm.UnpinPage(id, err == nil)
		if err != nil {
			return fmt.Errorf("btree: reparent %d: %w", id, err)
		}
	}
	return nil
}

// GetValue looks up key, latch-crabbing down from the root in shared mode.
func (t *Tree[K, V]) GetValue(key K) (V, error) {
	var zero V

	t.rootLatch.RLock()
	root := t.rootID
	if root == page.Invalid {
		t.rootLatch.RUnlock()
		return zero, fmt.Errorf("btree: get %v: %w", key, storage.ErrKeyNotFound)
	}

	curID := root
	p, n, err := t.fetch(curID)
	if err != nil {
		t.rootLatch.RUnlock()
		return zero, err
	}
	p.RLock()
	t.rootLatch.RUnlock()

	for !n.isLeaf {
		childID := n.childFor(key, t.order)
		cp, cn, err := t.fetch(childID)
		if err != nil {
			p.RUnlock()
			_ = t.bpm.UnpinPage(curID, false)
			return zero, err
		}
		cp.RLock()
		p.RUnlock()
		_ = t.bpm.UnpinPage(curID, false)
		curID, p, n = childID, cp, cn
	}

	val, ok := n.findValue(key, t.order)
	p.RUnlock()
	_ = t.bpm.UnpinPage(curID, false)
	if !ok {
		return zero, fmt.Errorf("btree: get %v: %w", key, storage.ErrKeyNotFound)
	}
	return val, nil
}

// Insert adds key/val, splitting nodes as needed on the way back up.
// Duplicate keys are rejected with ErrKeyExists (no Non-goal violated:
// this tree never stores duplicates).
func (t *Tree[K, V]) Insert(key K, val V) error {
	t.rootLatch.Lock()
	rootHeld := true
	unlockRoot := func() {
		if rootHeld {
			t.rootLatch.Unlock()
			rootHeld = false
		}
	}

	if t.rootID == page.Invalid {
		p, err := t.bpm.NewPage()
		if err != nil {
			unlockRoot()
			return err
		}
		n := newLeaf[K, V](p.ID(), t.maxSize)
		n.insertLeaf(key, val, t.order)
		if err := t.put(p, n); err != nil {
			_ = t.bpm.UnpinPage(p.ID(), false)
			unlockRoot()
			return err
		}
		_ = t.bpm.UnpinPage(p.ID(), true)
		t.rootID = p.ID()
		t.metrics.RecordInsert()
		if t.setRoot != nil {
			if err := t.setRoot(p.ID()); err != nil {
				unlockRoot()
				return err
			}
		}
		unlockRoot()
		return nil
	}

	h := newHeld[K, V]()
	curID := t.rootID
	for {
		p, n, err := t.fetch(curID)
		if err != nil {
			t.releaseWrite(h, &rootHeld)
			return err
		}
		p.Lock()
		if n.isSafeForInsert() {
			t.releaseWrite(h, &rootHeld)
		}
		h.push(curID, p, n)
		if n.isLeaf {
			break
		}
		curID = n.childFor(key, t.order)
	}

	_, leafPage, leaf := h.top()
	if !leaf.insertLeaf(key, val, t.order) {
		t.unwind(h, &rootHeld, false)
		return fmt.Errorf("btree: insert %v: %w", key, storage.ErrKeyExists)
	}
	t.metrics.RecordInsert()

	if !leaf.isOverflow() {
		_ = t.put(leafPage, leaf)
		t.unwind(h, &rootHeld, true)
		return nil
	}

	return t.splitUp(h, &rootHeld)
}

func (n *node[K, V]) isOverflow() bool {
	if n.isLeaf {
		return n.size() >= n.maxSize
	}
	return n.size() > n.maxSize
}

// splitUp propagates a node split up through the held ancestor stack,
// creating a new root if the split reaches the top.
func (t *Tree[K, V]) splitUp(h *held[K, V], rootHeld *bool) error {
	childID, childPage, child := h.pop()

	siblingPage, err := t.bpm.NewPage()
	if err != nil {
		_ = t.bpm.UnpinPage(childID, false)
		t.unwind(h, rootHeld, false)
		return err
	}

	var sibling *node[K, V]
	var pushKey K
	if child.isLeaf {
		sibling, pushKey = child.splitLeaf(siblingPage.ID())
	} else {
		sibling, pushKey = child.splitInternal(siblingPage.ID())
	}
	t.metrics.RecordSplit()

	if err := t.put(childPage, child); err != nil {
		_ = t.bpm.UnpinPage(childID, true)
		_ = t.bpm.UnpinPage(siblingPage.ID(), false)
		t.unwind(h, rootHeld, false)
		return err
	}
	if err := t.put(siblingPage, sibling); err != nil {
		_ = t.bpm.UnpinPage(childID, true)
		_ = t.bpm.UnpinPage(siblingPage.ID(), false)
		t.unwind(h, rootHeld, false)
		return err
	}
	childPage.Unlock()
	_ = t.bpm.UnpinPage(childID, true)
	_ = t.bpm.UnpinPage(siblingPage.ID(), true)

	if !child.isLeaf {
		// splitInternal moved the upper children under sibling; their
		// stored parentPageID still names child.
		if err := t.reparentChildren(sibling.children, sibling.pageID); err != nil {
			t.unwind(h, rootHeld, false)
			return err
		}
	}

	if h.empty() {
		newRootPage, err := t.bpm.NewPage()
		if err != nil {
			return err
		}
		newRoot := newInternal[K, V](newRootPage.ID(), t.maxSize)
		newRoot.keys = append(newRoot.keys, pushKey) // slot 0 key unused
		newRoot.children = append(newRoot.children, childID)
		newRoot.insertInternal(pushKey, sibling.pageID, t.order)
		if err := t.put(newRootPage, newRoot); err != nil {
			_ = t.bpm.UnpinPage(newRootPage.ID(), false)
			return err
		}
		_ = t.bpm.UnpinPage(newRootPage.ID(), true)
		if err := t.reparentChildren([]page.ID{childID, sibling.pageID}, newRootPage.ID()); err != nil {
			return err
		}

		t.rootID = newRootPage.ID()
		if t.setRoot != nil {
			if err := t.setRoot(newRootPage.ID()); err != nil {
				return err
			}
		}
		if *rootHeld {
			t.rootLatch.Unlock()
			*rootHeld = false
		}
		return nil
	}

	_, parentPage, parent := h.top()
	parent.insertInternal(pushKey, sibling.pageID, t.order)
	if !parent.isOverflow() {
		if err := t.put(parentPage, parent); err != nil {
			t.unwind(h, rootHeld, false)
			return err
		}
		t.unwind(h, rootHeld, true)
		return nil
	}
	return t.splitUp(h, rootHeld)
}

// Remove deletes key, merging or borrowing to repair any underflow on the
// way back up. Pages freed by a merge are only handed back to the buffer
// pool after every latch this operation holds has been released.
func (t *Tree[K, V]) Remove(key K) error {
	t.rootLatch.Lock()
	rootHeld := true

	if t.rootID == page.Invalid {
		t.rootLatch.Unlock()
		return fmt.Errorf("btree: remove %v: %w", key, storage.ErrKeyNotFound)
	}

	h := newHeld[K, V]()
	curID := t.rootID
	for {
		p, n, err := t.fetch(curID)
		if err != nil {
			t.releaseWrite(h, &rootHeld)
			return err
		}
		p.Lock()
		if n.isSafeForRemove() {
			t.releaseWrite(h, &rootHeld)
		}
		h.push(curID, p, n)
		if n.isLeaf {
			break
		}
		curID = n.childFor(key, t.order)
	}

	_, leafPage, leaf := h.top()
	if !leaf.removeLeaf(key, t.order) {
		t.unwind(h, &rootHeld, false)
		return fmt.Errorf("btree: remove %v: %w", key, storage.ErrKeyNotFound)
	}
	t.metrics.RecordRemove()

	if h.len() == 1 {
		// Only the leaf is held: it is either the root, or it was safe for
		// remove and so cannot underflow or become empty here. A root leaf
		// never underflows in the ordinary sense, but an empty root leaf is
		// a zombie page nobody else points to.
		// Invalidate the root and reclaim its page rather than leaving a
		// resident, pointless leaf behind.
		leafID, _, _ := h.top()
		if leaf.size() == 0 {
			t.rootID = page.Invalid
			if t.setRoot != nil {
				if err := t.setRoot(page.Invalid); err != nil {
					t.unwind(h, &rootHeld, false)
					return err
				}
			}
			h.pop()
			leafPage.Unlock()
			_ = t.bpm.UnpinPage(leafID, false)
			if rootHeld {
				t.rootLatch.Unlock()
				rootHeld = false
			}
			return t.bpm.DeletePage(leafID)
		}
		_ = t.put(leafPage, leaf)
		t.unwind(h, &rootHeld, true)
		return nil
	}

	if leaf.size() >= leaf.minSize() {
		_ = t.put(leafPage, leaf)
		t.unwind(h, &rootHeld, true)
		return nil
	}

	deleted, err := t.fixUnderflow(h, &rootHeld)
	for _, id := range deleted {
		if derr := t.bpm.DeletePage(id); derr != nil {
			t.logger.Warn("remove: could not reclaim page", zap.Uint64("page_id", uint64(id)), zap.Error(derr))
		}
	}
	return err
}

// fixUnderflow repairs the underflowing node at the top of h, borrowing
// from a sibling or merging with one, propagating upward as needed. It
// returns the page ids that can be reclaimed once every latch is
// released.
func (t *Tree[K, V]) fixUnderflow(h *held[K, V], rootHeld *bool) ([]page.ID, error) {
	var deleted []page.ID

	childID, childPage, child := h.pop()

	if h.empty() {
		// child is the root.
		if !child.isLeaf && child.size() == 1 {
			newRootID := child.children[0]
			t.rootID = newRootID
			if t.setRoot != nil {
				if err := t.setRoot(newRootID); err != nil {
					childPage.Unlock()
					_ = t.bpm.UnpinPage(childID, false)
					return deleted, err
				}
			}
			deleted = append(deleted, childID)
		} else {
			_ = t.put(childPage, child)
		}
		childPage.Unlock()
		_ = t.bpm.UnpinPage(childID, child.size() != 0)
		if *rootHeld {
			t.rootLatch.Unlock()
			*rootHeld = false
		}
		return deleted, nil
	}

	_, parentPage, parent := h.top()
	idx := parent.findChildIndex(childID)

	// Prefer borrowing from the left sibling, then the right, else merge.
	if idx > 0 {
		leftID := parent.children[idx-1]
		leftPage, left, err := t.fetch(leftID)
		if err != nil {
			childPage.Unlock()
			_ = t.bpm.UnpinPage(childID, false)
			return deleted, err
		}
		leftPage.Lock()

		if left.size() > left.minSize() {
			var newSep K
			var movedChild page.ID
			hasMovedChild := false
			if child.isLeaf {
				newSep = borrowLeafFromLeft(left, child)
			} else {
				newSep, movedChild = borrowInternalFromLeft(left, child, parent.keys[idx])
				hasMovedChild = true
			}
			if hasMovedChild {
				if err := t.reparentChildren([]page.ID{movedChild}, childID); err != nil {
					leftPage.Unlock()
					_ = t.bpm.UnpinPage(leftID, false)
					childPage.Unlock()
					_ = t.bpm.UnpinPage(childID, false)
					t.unwind(h, rootHeld, false)
					return deleted, err
				}
			}
			parent.keys[idx] = newSep
			_ = t.put(leftPage, left)
			_ = t.put(childPage, child)
			_ = t.put(parentPage, parent)
			t.metrics.RecordBorrow()

			leftPage.Unlock()
			_ = t.bpm.UnpinPage(leftID, true)
			childPage.Unlock()
			_ = t.bpm.UnpinPage(childID, true)
			t.unwind(h, rootHeld, true)
			return deleted, nil
		}

		// Left can't lend. Before merging, also try the right sibling (if
		// any) for a borrow: a node stuck exactly at minSize on its left
		// but comfortably above minSize on its right should still borrow,
		// not merge.
		if idx+1 < len(parent.children) {
			rightID := parent.children[idx+1]
			rightPage, right, err := t.fetch(rightID)
			if err != nil {
				leftPage.Unlock()
				_ = t.bpm.UnpinPage(leftID, false)
				childPage.Unlock()
				_ = t.bpm.UnpinPage(childID, false)
				return deleted, err
			}
			rightPage.Lock()

			if right.size() > right.minSize() {
				leftPage.Unlock()
				_ = t.bpm.UnpinPage(leftID, false)

				var newSep K
				var movedChild page.ID
				hasMovedChild := false
				if child.isLeaf {
					newSep = borrowLeafFromRight(child, right)
					parent.keys[idx+1] = newSep
				} else {
					newSep, movedChild = borrowInternalFromRight(child, right, parent.keys[idx+1])
					parent.keys[idx+1] = newSep
					hasMovedChild = true
				}
				if hasMovedChild {
					if err := t.reparentChildren([]page.ID{movedChild}, childID); err != nil {
						rightPage.Unlock()
						_ = t.bpm.UnpinPage(rightID, false)
						childPage.Unlock()
						_ = t.bpm.UnpinPage(childID, false)
						t.unwind(h, rootHeld, false)
						return deleted, err
					}
				}
				_ = t.put(rightPage, right)
				_ = t.put(childPage, child)
				_ = t.put(parentPage, parent)
				t.metrics.RecordBorrow()

				rightPage.Unlock()
				_ = t.bpm.UnpinPage(rightID, true)
				childPage.Unlock()
				_ = t.bpm.UnpinPage(childID, true)
				t.unwind(h, rootHeld, true)
				return deleted, nil
			}

			rightPage.Unlock()
			_ = t.bpm.UnpinPage(rightID, false)
		}

		// Merge child into left; left absorbs child's entries.
		var sep K
		if idx-1 >= 0 {
			sep = parent.keys[idx]
		}
		var mergeErr error
		if child.isLeaf {
			mergeLeaf(left, child)
		} else {
			moved := mergeInternal(left, child, sep)
			mergeErr = t.reparentChildren(moved, leftID)
		}
		if mergeErr != nil {
			leftPage.Unlock()
			_ = t.bpm.UnpinPage(leftID, false)
			childPage.Unlock()
			_ = t.bpm.UnpinPage(childID, false)
			t.unwind(h, rootHeld, false)
			return deleted, mergeErr
		}
		parent.removeAt(idx)
		t.metrics.RecordMerge()
		_ = t.put(leftPage, left)
		leftPage.Unlock()
		_ = t.bpm.UnpinPage(leftID, true)
		childPage.Unlock()
		_ = t.bpm.UnpinPage(childID, false)
		deleted = append(deleted, childID)
	} else {
		rightID := parent.children[idx+1]
		rightPage, right, err := t.fetch(rightID)
		if err != nil {
			childPage.Unlock()
			_ = t.bpm.UnpinPage(childID, false)
			return deleted, err
		}
		rightPage.Lock()

		if right.size() > right.minSize() {
			var newSep K
			var movedChild page.ID
			hasMovedChild := false
			if child.isLeaf {
				newSep = borrowLeafFromRight(child, right)
				parent.keys[idx+1] = newSep
			} else {
				newSep, movedChild = borrowInternalFromRight(child, right, parent.keys[idx+1])
				parent.keys[idx+1] = newSep
				hasMovedChild = true
			}
			if hasMovedChild {
				if err := t.reparentChildren([]page.ID{movedChild}, childID); err != nil {
					rightPage.Unlock()
					_ = t.bpm.UnpinPage(rightID, false)
					childPage.Unlock()
					_ = t.bpm.UnpinPage(childID, false)
					t.unwind(h, rootHeld, false)
					return deleted, err
				}
			}
			_ = t.put(rightPage, right)
			_ = t.put(childPage, child)
			_ = t.put(parentPage, parent)
			t.metrics.RecordBorrow()

			rightPage.Unlock()
			_ = t.bpm.UnpinPage(rightID, true)
			childPage.Unlock()
			_ = t.bpm.UnpinPage(childID, true)
			t.unwind(h, rootHeld, true)
			return deleted, nil
		}

		sep := parent.keys[idx+1]
		var mergeErr error
		if child.isLeaf {
			mergeLeaf(child, right)
		} else {
			moved := mergeInternal(child, right, sep)
			mergeErr = t.reparentChildren(moved, childID)
		}
		if mergeErr != nil {
			rightPage.Unlock()
			_ = t.bpm.UnpinPage(rightID, false)
			childPage.Unlock()
			_ = t.bpm.UnpinPage(childID, false)
			t.unwind(h, rootHeld, false)
			return deleted, mergeErr
		}
		parent.removeAt(idx + 1)
		t.metrics.RecordMerge()
		_ = t.put(childPage, child)
		childPage.Unlock()
		_ = t.bpm.UnpinPage(childID, true)
		rightPage.Unlock()
		_ = t.bpm.UnpinPage(rightID, false)
		deleted = append(deleted, rightID)
	}

	// parent with h.len() == 1 is the root: it never needs to borrow or
	// merge, but if it just shrank to a single child it must still
	// collapse, so fall through to the recursive call's h.empty() branch
	// instead of returning early.
	if h.len() == 1 {
		if parent.size() > 1 {
			_ = t.put(parentPage, parent)
			t.unwind(h, rootHeld, true)
			return deleted, nil
		}
	} else if parent.size() >= parent.minSize() {
		_ = t.put(parentPage, parent)
		t.unwind(h, rootHeld, true)
		return deleted, nil
	}

	more, err := t.fixUnderflow(h, rootHeld)
	return append(deleted, more...), err
}

// releaseWrite drops every write latch/pin currently held plus the root
// latch, without persisting anything. It is used during descent once a
// safe node is reached, and on error paths, where nothing was mutated on
// the ancestors.
func (t *Tree[K, V]) releaseWrite(h *held[K, V], rootHeld *bool) {
	for h.len() > 0 {
		id, p, _ := h.pop()
		p.Unlock()
		_ = t.bpm.UnpinPage(id, false)
	}
	if *rootHeld {
		t.rootLatch.Unlock()
		*rootHeld = false
	}
}

// unwind releases every remaining held ancestor (used once the safe node
// has already been dealt with), marking pages dirty if dirty is true.
func (t *Tree[K, V]) unwind(h *held[K, V], rootHeld *bool, dirty bool) {
	for h.len() > 0 {
		id, p, _ := h.pop()
		p.Unlock()
		_ = t.bpm.UnpinPage(id, dirty)
	}
	if *rootHeld {
		t.rootLatch.Unlock()
		*rootHeld = false
	}
}
