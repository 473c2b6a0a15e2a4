package memo

import (
	"sync"
	"sync/atomic"
)

// key identifies a memoized operation: the exact bytes of its payload
// and the dataset it ran against.
type key struct {
	payload   string
	datasetID int
}

// Cache maps (operation payload, dataset id) to the last response an
// operation produced. Entries never expire; they are dropped only by PurgeAll.
type Cache[V any] struct {
	enabled atomic.Bool
	entries sync.Map // key -> V
}

// New initializes a Cache. A disabled cache misses every lookup and
// ignores every store.
func New[V any](enabled bool) *Cache[V] {
	c := &Cache[V]{}
	c.enabled.Store(enabled)
	return c
}

// SetEnabled turns memoization on or off. Existing entries are kept.
func (c *Cache[V]) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Enabled reports whether memoization is on.
func (c *Cache[V]) Enabled() bool {
	return c.enabled.Load()
}

// Lookup returns the response memoized for payload against datasetID.
// Payloads match only if they are byte for byte identical.
func (c *Cache[V]) Lookup(payload []byte, datasetID int) (V, bool) {
	var zero V
	if !c.Enabled() {
		return zero, false
	}
	v, ok := c.entries.Load(key{string(payload), datasetID})
	if !ok {
		return zero, false
	}
	return v.(V), true
}

// Store memoizes value for payload against datasetID, replacing any
// previous entry.
func (c *Cache[V]) Store(payload []byte, datasetID int, value V) {
	if !c.Enabled() {
		return
	}
	c.entries.Store(key{string(payload), datasetID}, value)
}

// PurgeAll drops every entry.
func (c *Cache[V]) PurgeAll() {
	c.entries.Range(func(k, _ interface{}) bool {
		c.entries.Delete(k)
		return true
	})
}

// Len returns the number of entries.
func (c *Cache[V]) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
