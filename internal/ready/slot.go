// Package ready provides process-scoped registries that callers can block on
// until a value has been published.
package ready

import (
	"context"
	"fmt"
	"sync"
)

// Slot holds a single value that is published once and may be overwritten later.
// Waiters blocked in Wait are released as soon as the first value is set.
type Slot[T any] struct {
	name string

	mu    sync.Mutex
	value T
	set   bool
	ready chan struct{}
}

// NewSlot returns an empty slot. The name is used in error messages only.
func NewSlot[T any](name string) *Slot[T] {
	return &Slot[T]{name: name, ready: make(chan struct{})}
}

// Set publishes v and wakes every waiter.
func (s *Slot[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	if !s.set {
		s.set = true
		close(s.ready)
	}
}

// Get returns the current value and whether one has been published.
func (s *Slot[T]) Get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set
}

// MustGet returns the current value or panics when nothing has been published.
func (s *Slot[T]) MustGet() T {
	v, ok := s.Get()
	if !ok {
		panic(fmt.Sprintf("ready: %s has not been set", s.name))
	}
	return v
}

// Wait blocks until a value is published or ctx is done.
func (s *Slot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.ready:
		v, _ := s.Get()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
