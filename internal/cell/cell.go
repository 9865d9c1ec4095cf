// Package cell wraps a single value so many goroutines can share it under a
// lock from a [flavor.Flavor].
//
// [Mutex] grants exclusive access only. [RWMutex] adds shared read access.
// Both hand out guards; the value is reachable only through a guard, and only
// until the guard is released.
//
// A holder that panics while holding exclusive access poisons the cell:
//
//	g, err := c.Lock()
//	if err != nil {
//	    return err // ErrPoisoned
//	}
//	defer g.Unlock() // must be deferred directly to observe the panic
//
// Every later acquisition fails with [ErrPoisoned] instead of exposing a
// value that may have been left half-updated. Poisoning is permanent.
package cell

import (
	"errors"
	"sync"
	"sync/atomic"

	"syncprobe/internal/flavor"
)

// ErrPoisoned is returned when a previous exclusive holder panicked.
var ErrPoisoned = errors.New("lock poisoned")

// Mutex is a value guarded by a mutual-exclusion lock.
type Mutex[T any] struct {
	mu       sync.Locker
	value    T
	poisoned atomic.Bool
}

// NewMutex returns a cell holding value, guarded by l.
func NewMutex[T any](value T, l sync.Locker) *Mutex[T] {
	return &Mutex[T]{mu: l, value: value}
}

// Lock blocks until exclusive access is available.
//
// If the cell is poisoned the lock is released again and [ErrPoisoned] is
// returned.
func (m *Mutex[T]) Lock() (*Guard[T], error) {
	m.mu.Lock()

	if m.poisoned.Load() {
		m.mu.Unlock()

		return nil, ErrPoisoned
	}

	return &Guard[T]{value: &m.value, unlock: m.mu.Unlock, poisoned: &m.poisoned}, nil
}

// Do runs fn with exclusive access to the value.
func (m *Mutex[T]) Do(fn func(v *T)) error {
	g, err := m.Lock()
	if err != nil {
		return err
	}
	defer g.Unlock()

	fn(g.Value())

	return nil
}

// Poisoned reports whether a holder panicked while holding the cell.
func (m *Mutex[T]) Poisoned() bool {
	return m.poisoned.Load()
}

// RWMutex is a value guarded by a shared/exclusive lock.
//
// Only exclusive holders poison the cell; a panicking reader cannot have
// modified the value.
type RWMutex[T any] struct {
	rw       flavor.RWLocker
	value    T
	poisoned atomic.Bool
}

// NewRWMutex returns a cell holding value, guarded by rw.
func NewRWMutex[T any](value T, rw flavor.RWLocker) *RWMutex[T] {
	return &RWMutex[T]{rw: rw, value: value}
}

// Lock blocks until no other holder, shared or exclusive, is active.
func (m *RWMutex[T]) Lock() (*Guard[T], error) {
	m.rw.Lock()

	if m.poisoned.Load() {
		m.rw.Unlock()

		return nil, ErrPoisoned
	}

	return &Guard[T]{value: &m.value, unlock: m.rw.Unlock, poisoned: &m.poisoned}, nil
}

// RLock blocks until no exclusive holder is active. Shared holders coexist.
func (m *RWMutex[T]) RLock() (*ReadGuard[T], error) {
	m.rw.RLock()

	if m.poisoned.Load() {
		m.rw.RUnlock()

		return nil, ErrPoisoned
	}

	return &ReadGuard[T]{value: &m.value, unlock: m.rw.RUnlock}, nil
}

// Load returns a copy of the value read under shared access.
func (m *RWMutex[T]) Load() (T, error) {
	g, err := m.RLock()
	if err != nil {
		var zero T

		return zero, err
	}
	defer g.RUnlock()

	return g.Value(), nil
}

// Do runs fn with exclusive access to the value.
func (m *RWMutex[T]) Do(fn func(v *T)) error {
	g, err := m.Lock()
	if err != nil {
		return err
	}
	defer g.Unlock()

	fn(g.Value())

	return nil
}

// Poisoned reports whether an exclusive holder panicked while holding the cell.
func (m *RWMutex[T]) Poisoned() bool {
	return m.poisoned.Load()
}

// Guard is exclusive access to a cell's value.
type Guard[T any] struct {
	value    *T
	unlock   func()
	poisoned *atomic.Bool
	released bool
}

// Value returns the guarded value. The pointer must not be used after the
// guard is released.
func (g *Guard[T]) Value() *T {
	return g.value
}

// Unlock releases exclusive access. Calling it again is a no-op, so an
// explicit Unlock can be combined with a deferred one.
//
// When Unlock is the deferred call itself and the holder is panicking, the
// cell is poisoned, the lock is released and the panic continues.
func (g *Guard[T]) Unlock() {
	if g.released {
		return
	}

	g.released = true

	if r := recover(); r != nil {
		g.poisoned.Store(true)
		g.unlock()
		panic(r)
	}

	g.unlock()
}

// Wait releases exclusive access, blocks on c and re-acquires before
// returning. c must have been created for the lock guarding this cell.
//
// Wakeups carry no meaning on their own; callers re-check their predicate in
// a loop. If the cell was poisoned while waiting, the lock is released and
// [ErrPoisoned] is returned.
//
// If c panics, the lock is taken to be not held, and a deferred Unlock does
// nothing.
func (g *Guard[T]) Wait(c flavor.Cond) error {
	g.released = true
	c.Wait()
	g.released = false

	if g.poisoned.Load() {
		g.released = true
		g.unlock()

		return ErrPoisoned
	}

	return nil
}

// ReadGuard is shared access to a cell's value.
type ReadGuard[T any] struct {
	value    *T
	unlock   func()
	released bool
}

// Value returns a copy of the guarded value.
func (g *ReadGuard[T]) Value() T {
	return *g.value
}

// RUnlock releases shared access. Calling it again is a no-op.
func (g *ReadGuard[T]) RUnlock() {
	if g.released {
		return
	}

	g.released = true
	g.unlock()
}
