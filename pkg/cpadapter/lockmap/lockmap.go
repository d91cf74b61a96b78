// Package lockmap provides mutual exclusion keyed by string.
//
// Callers that work on the same key are serialized; callers on different
// keys never contend. Entries are reference counted and disappear once the
// last holder or waiter for a key has left, so the map does not grow with
// the number of keys ever seen.
package lockmap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNotLocked is returned when unlocking a key that is not currently held.
var ErrNotLocked = errors.New("lockmap: key not locked")

// entry is the lock for a single key.
// refs counts holders plus waiters; -1 marks an entry that has been
// removed from the map and must not be reused.
type entry struct {
	mu   sync.Mutex
	refs atomic.Int64
	held atomic.Bool
}

// LockMap is a registry of per-key mutexes. The zero value is ready to use.
type LockMap struct {
	entries sync.Map // string -> *entry
}

// New creates an empty LockMap.
func New() *LockMap {
	return &LockMap{}
}

// Lock blocks until the caller holds the lock for key.
func (m *LockMap) Lock(key string) {
	e := m.acquire(key)
	e.mu.Lock()
	e.held.Store(true)
}

// TryLock acquires the lock for key without blocking.
// It reports whether the lock was acquired.
func (m *LockMap) TryLock(key string) bool {
	e := m.acquire(key)
	if !e.mu.TryLock() {
		m.release(key, e)
		return false
	}
	e.held.Store(true)
	return true
}

// Unlock releases the lock for key.
// It returns ErrNotLocked if no caller holds the key.
func (m *LockMap) Unlock(key string) error {
	v, ok := m.entries.Load(key)
	if !ok {
		return fmt.Errorf("unlock %q: %w", key, ErrNotLocked)
	}
	e := v.(*entry)
	if !e.held.CompareAndSwap(true, false) {
		return fmt.Errorf("unlock %q: %w", key, ErrNotLocked)
	}
	e.mu.Unlock()
	m.release(key, e)
	return nil
}

// MustUnlock releases the lock for key and panics if it was not held.
func (m *LockMap) MustUnlock(key string) {
	if err := m.Unlock(key); err != nil {
		panic(err)
	}
}

// WithLock runs fn while holding the lock for key.
func (m *LockMap) WithLock(key string, fn func()) {
	m.Lock(key)
	defer m.MustUnlock(key)
	fn()
}

// Remove drops the entry for key if nobody holds or waits on it.
// It reports whether the key is absent afterwards.
func (m *LockMap) Remove(key string) bool {
	v, ok := m.entries.Load(key)
	if !ok {
		return true
	}
	e := v.(*entry)
	if !e.refs.CompareAndSwap(0, -1) {
		return false
	}
	m.entries.CompareAndDelete(key, e)
	return true
}

// Len returns the number of keys currently tracked.
func (m *LockMap) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// acquire returns a live entry for key with the caller counted in refs.
func (m *LockMap) acquire(key string) *entry {
	for {
		v, _ := m.entries.LoadOrStore(key, &entry{})
		e := v.(*entry)
		for {
			r := e.refs.Load()
			if r < 0 {
				// Removed concurrently; drop the stale pointer and retry.
				m.entries.CompareAndDelete(key, e)
				break
			}
			if e.refs.CompareAndSwap(r, r+1) {
				return e
			}
		}
	}
}

// release drops the caller's reference and removes the entry when unused.
func (m *LockMap) release(key string, e *entry) {
	if e.refs.Add(-1) == 0 && e.refs.CompareAndSwap(0, -1) {
		m.entries.CompareAndDelete(key, e)
	}
}
