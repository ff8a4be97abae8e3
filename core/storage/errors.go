package storage

import "errors"

// Sentinel errors returned by the storage core. Callers should compare
// against these with errors.Is; wrapping call sites use fmt.Errorf with %w
// so context survives without losing the sentinel identity.
var (
	// ErrPagePinned is returned when a caller tries to delete a page that
	// is still pinned by someone.
	ErrPagePinned = errors.New("storage: page is pinned")

	// ErrNoFreeFrames is returned when the buffer pool has no free frame
	// and the replacer has nothing evictable to give up.
	ErrNoFreeFrames = errors.New("storage: no free frames available")

	// ErrPageNotFound is returned when unpinning or flushing a page id
	// that is not currently resident in the buffer pool.
	ErrPageNotFound = errors.New("storage: page not found")

	// ErrKeyNotFound is returned by index lookups and removes for a key
	// absent from the tree.
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrKeyExists is returned by index inserts for a duplicate key.
	// Duplicate keys are not supported (see Non-goals).
	ErrKeyExists = errors.New("storage: key already exists")

	// ErrChecksumMismatch is returned when a page read from disk fails
	// its CRC32 verification.
	ErrChecksumMismatch = errors.New("storage: page checksum mismatch")

	// ErrIndexNotFound is returned by the registry when opening a name
	// that was never created.
	ErrIndexNotFound = errors.New("storage: index not found")

	// ErrIndexExists is returned by the registry when creating a name
	// that is already registered, whether or not its tree has a root page.
	ErrIndexExists = errors.New("storage: index already exists")

	// ErrClosed names the closed-manager condition. No operation in this
	// module returns it: calls on a closed FileManager fail with the
	// underlying os error instead.
	ErrClosed = errors.New("storage: manager is closed")
)
