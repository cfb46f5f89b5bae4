// Package frameslot provides a single-value cell shared between a producer
// goroutine and a consumer loop.
//
// Philosophy: the newest value always wins. There is no queue, so a slow
// reader never causes buffered state to grow; overwriting is the pressure
// relief.
package frameslot

import "sync"

// Slot holds zero or one value of T.
//
// Thread-safety: Put and Get may be called concurrently from any number of
// goroutines. A single short-held mutex keeps every Put atomic with respect
// to Get, so a reader never observes a partially written value.
type Slot[T any] struct {
	mu         sync.Mutex
	value      T
	full       bool
	unread     bool
	version    uint64
	overwrites uint64
}

// New returns an empty slot.
func New[T any]() *Slot[T] {
	return &Slot[T]{}
}

// Put stores v, replacing whatever was there. It never blocks beyond the
// critical section and never fails.
func (s *Slot[T]) Put(v T) {
	s.mu.Lock()
	if s.unread {
		// Previous value was never read: it is dropped here.
		s.overwrites++
	}
	s.value = v
	s.full = true
	s.unread = true
	s.version++
	s.mu.Unlock()
}

// Get returns the current value without removing it. The same value is
// returned again until the next Put. ok is false while the slot is empty.
func (s *Slot[T]) Get() (v T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = false
	return s.value, s.full
}

// GetVersion is Get plus the Version of the returned value, read under the
// same lock.
func (s *Slot[T]) GetVersion() (v T, version uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = false
	return s.value, s.version, s.full
}

// Version counts Puts since creation.
func (s *Slot[T]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Overwrites counts values replaced before any Get observed them.
func (s *Slot[T]) Overwrites() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overwrites
}
