package rcu

import (
	"sync/atomic"
)

// Snapshot is a lock-free snapshot container based on RCU
// (Read-Copy-Update):
//   - reads are lock-free, suited to read-mostly data
//   - writes replace the whole snapshot via an atomic pointer swap
//   - readers always observe a consistent snapshot
//
// Used for the degraded-mode status record and the runtime rate-limit
// override table, both of which are read on every request and written
// rarely.
type Snapshot[T any] struct {
	ptr atomic.Pointer[T]
}

// NewSnapshot creates a snapshot container holding init.
func NewSnapshot[T any](init *T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.ptr.Store(init)
	return s
}

// Load returns the current snapshot. The returned pointer must be
// treated as immutable.
func (s *Snapshot[T]) Load() *T {
	return s.ptr.Load()
}

// Replace swaps in a new snapshot. Callers must pass freshly allocated
// data and never mutate it afterwards.
func (s *Snapshot[T]) Replace(next *T) {
	s.ptr.Store(next)
}
