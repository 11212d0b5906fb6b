package poll

import (
	"sync"
	"time"
)

// Snapshot holds the last successfully loaded value of a polled read.
//
// A failed background refresh keeps the previous value and is otherwise
// ignored. A failed initial load is recorded so the view can show it.
type Snapshot[T any] struct {
	mu      sync.RWMutex
	value   T
	loaded  bool
	err     error
	updated time.Time
}

// Apply folds one read result into the snapshot. It returns the error that
// should be shown to the user, which is nil for background failures.
func (s *Snapshot[T]) Apply(v T, err error, background bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.value = v
		s.loaded = true
		s.err = nil
		s.updated = time.Now()
		return nil
	}
	if background {
		return nil
	}
	s.err = err
	return err
}

// Get returns the current value and whether any load has succeeded.
func (s *Snapshot[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.loaded
}

// Err returns the last initial-load error, cleared by the next success.
func (s *Snapshot[T]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// UpdatedAt returns when the value was last replaced.
func (s *Snapshot[T]) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}
