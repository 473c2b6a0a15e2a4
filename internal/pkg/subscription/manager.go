package subscription

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Canceler stops an in-flight operation. Cancel must be safe to call
// from any goroutine.
type Canceler interface {
	Cancel()
}

// Manager tracks in-flight operations by their caller-supplied id.
type Manager struct {
	operations sync.Map // uuid.UUID -> Canceler
}

// NewManager initializes an empty Manager
func NewManager() *Manager {
	return &Manager{}
}

// Begin registers c under id. An existing entry for id is replaced.
func (m *Manager) Begin(id uuid.UUID, c Canceler) {
	if _, loaded := m.operations.Swap(id, c); loaded {
		log.Warnf("Replacing subscription for operation %s", id)
	}
}

// Cancel removes the entry for id and cancels it. It returns false if no
// operation was registered under id.
func (m *Manager) Cancel(id uuid.UUID) bool {
	v, ok := m.operations.LoadAndDelete(id)
	if !ok {
		return false
	}
	v.(Canceler).Cancel()
	return true
}

// End removes the entry for id without cancelling it, provided the entry
// is still c.
func (m *Manager) End(id uuid.UUID, c Canceler) {
	m.operations.CompareAndDelete(id, c)
}

// CancelAll cancels every registered operation and returns how many there were.
func (m *Manager) CancelAll() int {
	n := 0
	m.operations.Range(func(key, _ interface{}) bool {
		if m.Cancel(key.(uuid.UUID)) {
			n++
		}
		return true
	})
	return n
}

// Len returns the number of in-flight operations.
func (m *Manager) Len() int {
	n := 0
	m.operations.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
