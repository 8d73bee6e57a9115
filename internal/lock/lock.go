// Package lock implements the process-wide fingerprint lock manager: a
// mutex per fingerprint, serializing work-dir creation so at most one
// materialization proceeds for a given fingerprint at a time. Waiters are
// granted the lock in sync.Mutex order, which is not strictly FIFO.
package lock

import "sync"

// Manager hands out per-key exclusive sections, keyed by a fingerprint's
// byte representation. Unlike a get-or-create instance cache, Acquire
// blocks until the caller holds exclusive access and Release must always
// be called to hand it to the next waiter.
type Manager struct {
	mu    sync.Mutex
	locks map[[32]byte]*entry
}

type entry struct {
	mu       sync.Mutex
	waiters  int
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{locks: make(map[[32]byte]*entry)}
}

// Acquire blocks until the caller holds the exclusive section for key.
// Waiters are served in the order the underlying sync.Mutex grants them,
// which is approximately FIFO under Go's runtime scheduler.
func (m *Manager) Acquire(key [32]byte) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.waiters++
	m.mu.Unlock()

	e.mu.Lock()
}

// Release hands the key's exclusive section to the next waiter, if any,
// and removes the bookkeeping entry once nobody remains.
func (m *Manager) Release(key [32]byte) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.waiters--
	remaining := e.waiters
	if remaining <= 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}

// WithLock runs fn while holding key's exclusive section.
func (m *Manager) WithLock(key [32]byte, fn func() error) error {
	m.Acquire(key)
	defer m.Release(key)
	return fn()
}
