package handles

import (
	"fmt"
	"sync"

	"github.com/zeptools/sqlrelay/errdefs"
)

// Kind classifies what a handle points at.
type Kind uint8

const (
	KindConnection Kind = iota + 1
	KindStatement
	KindResult
	KindLob
)

// Handle is a process-unique local identifier for a remote resource.
// Zero is never issued and means "no handle".
type Handle uint64

// None is the absent handle, used as the parent of root entries.
const None Handle = 0

type entry struct {
	kind     Kind
	remoteID string
	parent   Handle
}

// Registry maps local handles to remote identifiers and tracks the ownership
// chain so closing an owner can cascade to everything it owns.
// Entities store only a parent reference; children are collected in a reverse
// index, so the ownership tree carries no cycles.
type Registry struct {
	mu       sync.RWMutex
	next     uint64
	entries  map[Handle]*entry
	children map[Handle][]Handle
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[Handle]*entry),
		children: make(map[Handle][]Handle),
	}
}

// Register issues a new unique handle for remoteID, owned by parent.
// parent None makes a root entry.
func (r *Registry) Register(kind Kind, remoteID string, parent Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := Handle(r.next)
	r.entries[h] = &entry{kind: kind, remoteID: remoteID, parent: parent}
	if parent != None {
		r.children[parent] = append(r.children[parent], h)
	}
	return h
}

// Resolve returns the remote identifier behind h.
func (r *Registry) Resolve(h Handle) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	if !ok {
		return "", fmt.Errorf("%w: handle %d", errdefs.ErrNotFound, h)
	}
	return e.remoteID, nil
}

// Kind returns the kind of h.
func (r *Registry) Kind(h Handle) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	if !ok {
		return 0, fmt.Errorf("%w: handle %d", errdefs.ErrNotFound, h)
	}
	return e.kind, nil
}

// SetRemoteID rebinds h to a new remote identifier. Statements re-prepared on
// a different backend connection keep their local handle this way.
func (r *Registry) SetRemoteID(h Handle, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return fmt.Errorf("%w: handle %d", errdefs.ErrNotFound, h)
	}
	e.remoteID = remoteID
	return nil
}

// Release drops h. Releasing an unknown or already-released handle reports
// ErrAlreadyClosed; double-close is a legal client pattern and must not crash.
func (r *Registry) Release(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return errdefs.ErrAlreadyClosed
	}
	r.unlink(h, e)
	return nil
}

// ReleaseTree drops h and every descendant, children before parents, and
// returns the released entries in that close order. Each entry is released
// exactly once. Unknown h reports ErrAlreadyClosed with an empty list.
func (r *Registry) ReleaseTree(h Handle) ([]Released, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[h]; !ok {
		return nil, errdefs.ErrAlreadyClosed
	}
	var order []Released
	r.collect(h, &order)
	for _, rel := range order {
		r.unlink(rel.Handle, r.entries[rel.Handle])
	}
	return order, nil
}

// Released is one entry dropped by ReleaseTree.
type Released struct {
	Handle   Handle
	Kind     Kind
	RemoteID string
}

// collect appends the subtree rooted at h depth-first, children before parent.
func (r *Registry) collect(h Handle, order *[]Released) {
	for _, child := range r.children[h] {
		r.collect(child, order)
	}
	e := r.entries[h]
	*order = append(*order, Released{Handle: h, Kind: e.kind, RemoteID: e.remoteID})
}

func (r *Registry) unlink(h Handle, e *entry) {
	if e.parent != None {
		siblings := r.children[e.parent]
		for i, sib := range siblings {
			if sib == h {
				r.children[e.parent] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	delete(r.children, h)
	delete(r.entries, h)
}

// Len reports how many live handles the registry holds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
