package btree

import "github.com/relixdb/relix/core/storage/page"

// held is the write- or read-latched ancestor chain accumulated while
// descending for the current operation, from root child down to the
// current node. It stands in as a per-operation transaction page set:
// the parent context Insert/Remove need for splits, borrows, and merges
// comes from this stack, not from a stored parent-page-id chase, since
// the operation already holds every ancestor it might need to touch.
type held[K, V any] struct {
	ids   []page.ID
	pages []*page.Page
	nodes []*node[K, V]
}

func newHeld[K, V any]() *held[K, V] {
	return &held[K, V]{}
}

func (h *held[K, V]) push(id page.ID, p *page.Page, n *node[K, V]) {
	h.ids = append(h.ids, id)
	h.pages = append(h.pages, p)
	h.nodes = append(h.nodes, n)
}

func (h *held[K, V]) pop() (page.ID, *page.Page, *node[K, V]) {
	n := len(h.ids) - 1
	id, p, nd := h.ids[n], h.pages[n], h.nodes[n]
	h.ids = h.ids[:n]
	h.pages = h.pages[:n]
	h.nodes = h.nodes[:n]
	return id, p, nd
}

func (h *held[K, V]) top() (page.ID, *page.Page, *node[K, V]) {
	n := len(h.ids) - 1
	return h.ids[n], h.pages[n], h.nodes[n]
}

func (h *held[K, V]) len() int { return len(h.ids) }

// empty reports whether no page is held.
func (h *held[K, V]) empty() bool { return len(h.ids) == 0 }
