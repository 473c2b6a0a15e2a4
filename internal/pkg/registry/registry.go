package registry

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for ids that were never registered.
var ErrNotFound = errors.New("object with index does not exist")

// Registry holds handles indexed by small integer ids.
// Ids are allocated in strictly increasing order starting at 1 and are
// never reused. Entries are never removed.
type Registry[T any] struct {
	lastID  atomic.Int64
	entries sync.Map // int -> T
	size    atomic.Int64
}

// New initializes an empty Registry
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Register stores handle under a freshly allocated id and returns the id.
func (r *Registry[T]) Register(handle T) int {
	id := int(r.lastID.Add(1))
	r.entries.Store(id, handle)
	r.size.Add(1)
	return id
}

// Get returns the handle stored under id.
func (r *Registry[T]) Get(id int) (T, error) {
	v, ok := r.entries.Load(id)
	if !ok {
		var zero T
		return zero, errors.Wrapf(ErrNotFound, "index %d", id)
	}
	return v.(T), nil
}

// Contains reports whether id names a registered handle.
func (r *Registry[T]) Contains(id int) bool {
	_, ok := r.entries.Load(id)
	return ok
}

// Len returns the number of registered handles.
func (r *Registry[T]) Len() int {
	return int(r.size.Load())
}
