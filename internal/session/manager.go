package session

import (
	"sync"
	"time"
)

// Manager serializes turns per conversation so two messages posted to the same
// conversation cannot both pass the budget check before either commits.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

func NewManager() *Manager {
	return &Manager{
		locks: make(map[string]*convLock),
	}
}

// WithLock executes fn while holding the lock for conversationID.
// Different conversations run in parallel.
func (m *Manager) WithLock(conversationID string, fn func() error) error {
	cl := m.acquire(conversationID)
	defer m.release(cl)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	return fn()
}

// TryWithLock runs fn only if the lock for conversationID is free. It reports
// false without calling fn while another holder is active.
func (m *Manager) TryWithLock(conversationID string, fn func() error) (bool, error) {
	cl := m.acquire(conversationID)
	defer m.release(cl)

	if !cl.mu.TryLock() {
		return false, nil
	}
	defer cl.mu.Unlock()
	return true, fn()
}

func (m *Manager) acquire(conversationID string) *convLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	cl, ok := m.locks[conversationID]
	if !ok {
		cl = &convLock{}
		m.locks[conversationID] = cl
	}
	cl.refs++
	return cl
}

func (m *Manager) release(cl *convLock) {
	m.mu.Lock()
	cl.refs--
	cl.lastUsed = time.Now()
	m.mu.Unlock()
}

// Cleanup drops idle locks not used within maxAge and returns how many were
// removed. Locks with waiters are never dropped.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	now := time.Now()
	for id, cl := range m.locks {
		if cl.refs == 0 && now.Sub(cl.lastUsed) > maxAge {
			delete(m.locks, id)
			removed++
		}
	}
	return removed
}

// Len reports how many conversation locks are tracked.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
