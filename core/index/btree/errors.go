package btree

import "errors"

// ErrEntryTooLarge is returned when an encoded key/value pair cannot fit
// in a single page alongside the node header. This B+ tree does not
// support overflow pages.
var ErrEntryTooLarge = errors.New("btree: encoded entry too large for a page")
