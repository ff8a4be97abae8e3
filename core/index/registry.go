// Package index wires the generic B+ tree to the on-disk named-index
// directory kept in the header page, so more than one named index can
// share a single buffer pool and a single storage file.
package index

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relixdb/relix/core/index/btree"
	"github.com/relixdb/relix/core/storage"
	"github.com/relixdb/relix/core/storage/buffer"
	"github.com/relixdb/relix/core/storage/disk"
	"github.com/relixdb/relix/core/storage/page"
)

// Registry maps named indices to their B+ tree, persisting each index's
// root page id into the header page as it changes. The header page is
// fetched, mutated, and flushed through the buffer pool like any other
// page: it has no side-channel file access of its own.
type Registry struct {
	mu     sync.Mutex
	bpm    *buffer.Manager
	logger *zap.Logger
}

// NewRegistry returns a Registry backed by bpm's header page.
func NewRegistry(bpm *buffer.Manager, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{bpm: bpm, logger: logger.Named("registry")}
}

// CreateIndex registers a brand-new, empty named index. It fails with
// ErrIndexExists if name is already registered.
func CreateIndex[K, V any](r *Registry, name string, opts btree.Options[K, V]) (*btree.Tree[K, V], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok, err := r.indexRootLocked(name); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("index: create %q: %w", name, storage.ErrIndexExists)
	}
	if err := r.setIndexRootLocked(name, page.Invalid); err != nil {
		return nil, fmt.Errorf("index: create %q: %w", name, err)
	}

	opts.SetRoot = func(id page.ID) error { return r.setIndexRoot(name, id) }
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	return btree.New[K, V](r.bpm, page.Invalid, opts), nil
}

// OpenIndex reopens a previously created named index. It fails with
// ErrIndexNotFound if name was never registered.
func OpenIndex[K, V any](r *Registry, name string, opts btree.Options[K, V]) (*btree.Tree[K, V], error) {
	r.mu.Lock()
	root, ok, err := r.indexRootLocked(name)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("index: open %q: %w", name, storage.ErrIndexNotFound)
	}

	opts.SetRoot = func(id page.ID) error { return r.setIndexRoot(name, id) }
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	return btree.New[K, V](r.bpm, root, opts), nil
}

// Names lists every currently registered index name.
func (r *Registry) Names() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := r.readHeaderLocked()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(h.Entries))
	for _, e := range h.Entries {
		names = append(names, e.Name)
	}
	return names, nil
}

func (r *Registry) setIndexRoot(name string, root page.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setIndexRootLocked(name, root)
}

func (r *Registry) indexRootLocked(name string) (page.ID, bool, error) {
	h, err := r.readHeaderLocked()
	if err != nil {
		return 0, false, err
	}
	for _, e := range h.Entries {
		if e.Name == name {
			return e.Root, true, nil
		}
	}
	return 0, false, nil
}

func (r *Registry) setIndexRootLocked(name string, root page.ID) error {
	h, err := r.readHeaderLocked()
	if err != nil {
		return err
	}
	for i, e := range h.Entries {
		if e.Name == name {
			h.Entries[i].Root = root
			return r.writeHeaderLocked(h)
		}
	}
	h.Entries = append(h.Entries, disk.HeaderEntry{Name: name, Root: root})
	return r.writeHeaderLocked(h)
}

// readHeaderLocked fetches the header page through the buffer pool and
// decodes it. Callers must hold r.mu.
func (r *Registry) readHeaderLocked() (*disk.Header, error) {
	p, err := r.bpm.FetchPage(disk.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("index: fetch header page: %w", err)
	}
	h, err := disk.DecodeHeader(p.Data())
	_ = r.bpm.UnpinPage(disk.HeaderPageID, false)
	if err != nil {
		return nil, fmt.Errorf("index: decode header page: %w", err)
	}
	return h, nil
}

// writeHeaderLocked encodes h into the header page and flushes it through
// the buffer pool immediately, since a root pointer that never reaches
// disk after a commit leaves the index unopenable. Callers must hold r.mu.
func (r *Registry) writeHeaderLocked(h *disk.Header) error {
	p, err := r.bpm.FetchPage(disk.HeaderPageID)
	if err != nil {
		return fmt.Errorf("index: fetch header page: %w", err)
	}
	if err := disk.EncodeHeader(p.Data(), h); err != nil {
		_ = r.bpm.UnpinPage(disk.HeaderPageID, false)
		return fmt.Errorf("index: encode header page: %w", err)
	}
	if err := r.bpm.UnpinPage(disk.HeaderPageID, true); err != nil {
		return err
	}
	return r.bpm.FlushPage(disk.HeaderPageID)
}
