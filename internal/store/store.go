// Package store provides the publish/subscribe containers the engine
// exposes to consumers: one Store per concern, holding an immutable
// snapshot that is replaced, never mutated, on every transition.
package store

import (
	"log"
	"runtime/debug"
	"sort"
	"sync"
)

// Listener is notified with the new snapshot after every change.
type Listener[T any] func(T)

// Store holds a snapshot of T.
type Store[T any] struct {
	mu        sync.RWMutex
	value     T
	version   uint64
	listeners map[uint64]Listener[T]
	nextID    uint64
	changed   func(old, next T) bool
}

// New creates a Store holding initial. changed decides whether an Update
// produced a new snapshot; nil means every Update notifies.
func New[T any](initial T, changed func(old, next T) bool) *Store[T] {
	return &Store[T]{
		value:     initial,
		listeners: make(map[uint64]Listener[T]),
		changed:   changed,
	}
}

// Snapshot returns the current value.
func (s *Store[T]) Snapshot() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Version increments on every published change.
func (s *Store[T]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers l and returns a function that removes it.
func (s *Store[T]) Subscribe(l Listener[T]) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Update applies fn to the current value. Listeners run after the lock is
// released, in subscription order, and only when the value changed. It
// reports whether a change was published.
func (s *Store[T]) Update(fn func(T) T) bool {
	s.mu.Lock()
	old := s.value
	next := fn(old)
	if s.changed != nil && !s.changed(old, next) {
		s.mu.Unlock()
		return false
	}
	s.value = next
	s.version++
	listeners := s.sortedListeners()
	s.mu.Unlock()

	for _, l := range listeners {
		safeNotify(l, next)
	}
	return true
}

// Set replaces the value.
func (s *Store[T]) Set(v T) bool {
	return s.Update(func(T) T { return v })
}

// ListenerCount returns the number of active subscriptions.
func (s *Store[T]) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *Store[T]) sortedListeners() []Listener[T] {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener[T], len(ids))
	for i, id := range ids {
		out[i] = s.listeners[id]
	}
	return out
}

// safeNotify keeps one panicking consumer from breaking the others.
func safeNotify[T any](l Listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("store: listener panicked: %v\n%s", r, debug.Stack())
		}
	}()
	l(v)
}

// SliceChanged is the change detector for slice snapshots: a transition
// that returned the same slice instance is not a change.
func SliceChanged[E any](old, next []E) bool {
	if len(old) != len(next) {
		return true
	}
	if len(old) == 0 {
		return (old == nil) != (next == nil)
	}
	return &old[0] != &next[0]
}
