package memory

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
)

// ErrReleased is returned when using a Shared handle after its last
// reference was released.
var ErrReleased = errors.New("memory: shared allocator released")

// Shared is a reference-counted, read-write-locked handle to an Allocator.
//
// The Device holds the first reference. Every background task that may free
// memory after the spawning frame returns takes its own reference with
// Retain and gives it back with Release. The Allocator is closed when the
// last reference is released, so its lifetime equals the longest holder.
//
// Regular allocation traffic goes through With (shared lock). Exclusive is
// for operations that must not overlap any other user, such as a budget
// change or tearing the allocator down.
type Shared struct {
	mu      sync.RWMutex
	alloc   *Allocator
	refs    atomic.Int64
	onClose []func()
}

// Share wraps a in a Shared handle holding one reference.
func Share(a *Allocator) *Shared {
	s := &Shared{alloc: a}
	s.refs.Store(1)
	return s
}

// Retain takes another reference and returns s for chaining.
// Retaining a released handle is a programming error and panics.
func (s *Shared) Retain() *Shared {
	for {
		n := s.refs.Load()
		if n <= 0 {
			panic("memory: Retain on a released Shared allocator")
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return s
		}
	}
}

// OnClose registers fn to run after the last Release has closed the
// Allocator. Hooks run in reverse registration order. Registering on a
// released handle runs fn immediately.
func (s *Shared) OnClose(fn func()) {
	s.mu.Lock()
	if s.alloc == nil {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Release drops one reference. The last Release closes the Allocator and
// then runs the OnClose hooks.
func (s *Shared) Release() {
	n := s.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic("memory: Shared allocator released too many times")
	}

	s.mu.Lock()
	a := s.alloc
	hooks := s.onClose
	s.alloc, s.onClose = nil, nil
	s.mu.Unlock()

	if a != nil {
		a.Close()
	}
	for _, fn := range slices.Backward(hooks) {
		fn()
	}
}

// Refs returns the current reference count.
func (s *Shared) Refs() int64 {
	return s.refs.Load()
}

// With runs fn with the allocator under the shared lock.
func (s *Shared) With(fn func(*Allocator) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.alloc == nil {
		return ErrReleased
	}
	return fn(s.alloc)
}

// Exclusive runs fn with the allocator under the exclusive lock.
func (s *Shared) Exclusive(fn func(*Allocator) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.alloc == nil {
		return ErrReleased
	}
	return fn(s.alloc)
}

// Stats returns the allocator statistics, or zero Stats once released.
func (s *Shared) Stats() Stats {
	var st Stats
	_ = s.With(func(a *Allocator) error {
		st = a.Stats()
		return nil
	})
	return st
}
