package btree

import "github.com/relixdb/relix/core/storage/page"

// This file holds the redistribute (borrow) and merge operations used by
// Remove to fix up an underflowing node. Every function here operates on
// two already write-latched siblings plus, where the layout requires it,
// the separator key held in their common parent. Internal borrow/merge
// functions additionally report which grandchild page ids moved to a new
// parent, since Remove must fetch and update each moved child's
// parentPageID separately.

// borrowLeafFromLeft moves left's last entry to the front of right.
// Returns the new separator key for right (its new first key).
func borrowLeafFromLeft[K, V any](left, right *node[K, V]) K {
	n := len(left.keys) - 1
	k, v := left.keys[n], left.values[n]
	left.keys = left.keys[:n]
	left.values = left.values[:n]

	right.keys = append(right.keys, k)
	copy(right.keys[1:], right.keys[:len(right.keys)-1])
	right.keys[0] = k

	right.values = append(right.values, v)
	copy(right.values[1:], right.values[:len(right.values)-1])
	right.values[0] = v

	return right.keys[0]
}

// borrowLeafFromRight moves right's first entry to the end of left.
// Returns the new separator key between them (right's new first key).
func borrowLeafFromRight[K, V any](left, right *node[K, V]) K {
	k, v := right.keys[0], right.values[0]
	right.keys = right.keys[1:]
	right.values = right.values[1:]

	left.keys = append(left.keys, k)
	left.values = append(left.values, v)

	return right.keys[0]
}

// borrowInternalFromLeft rotates left's last child through the parent
// separator sep into right, returning the new separator (left's old last
// key) and the child page id that moved from left to right.
func borrowInternalFromLeft[K, V any](left, right *node[K, V], sep K) (K, page.ID) {
	n := len(left.keys) - 1
	newSep := left.keys[n]
	movedChild := left.children[n]
	left.keys = left.keys[:n]
	left.children = left.children[:n]

	right.keys = append(right.keys, zeroValue[K]())
	copy(right.keys[1:], right.keys[:len(right.keys)-1])
	right.keys[1] = sep // slot 0 stays the unused sentinel; sep becomes the new first real key

	right.children = append(right.children, movedChild)
	copy(right.children[1:], right.children[:len(right.children)-1])
	right.children[0] = movedChild

	return newSep, movedChild
}

// borrowInternalFromRight rotates right's first child through the parent
// separator sep into left, returning the new separator (right's old first
// real key, at index 1) and the child page id that moved from right to
// left.
func borrowInternalFromRight[K, V any](left, right *node[K, V], sep K) (K, page.ID) {
	movedChild := right.children[0]
	newSep := right.keys[1]

	left.keys = append(left.keys, sep)
	left.children = append(left.children, movedChild)

	right.children = right.children[1:]
	right.keys = right.keys[1:]
	if len(right.keys) > 0 {
		right.keys[0] = zeroValue[K]()
	}

	return newSep, movedChild
}

// mergeLeaf appends right's entries onto left and relinks left to right's
// next pointer, leaving right empty (the caller deletes right's page).
func mergeLeaf[K, V any](left, right *node[K, V]) {
	left.keys = append(left.keys, right.keys...)
	left.values = append(left.values, right.values...)
	left.nextPageID = right.nextPageID
}

// mergeInternal appends the parent separator sep and right's entries onto
// left, leaving right empty, and returns every child page id that moved
// from right to left.
func mergeInternal[K, V any](left, right *node[K, V], sep K) []page.ID {
	moved := append([]page.ID(nil), right.children...)

	left.keys = append(left.keys, sep)
	left.children = append(left.children, right.children[0])
	if len(right.keys) > 1 {
		left.keys = append(left.keys, right.keys[1:]...)
		left.children = append(left.children, right.children[1:]...)
	}
	return moved
}

func zeroValue[T any]() T {
	var z T
	return z
}
