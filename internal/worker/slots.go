package worker

import (
	"context"
	"sync"
)

// slots is a resizable counting semaphore. Shrinking never preempts holders;
// new acquisitions wait until usage drops below the new limit.
type slots struct {
	mu    sync.Mutex
	limit int
	used  int
	wake  chan struct{}
}

func newSlots(limit int) *slots {
	if limit <= 0 {
		limit = 1
	}
	return &slots{limit: limit, wake: make(chan struct{})}
}

func (s *slots) acquire(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.used < s.limit {
			s.used++
			s.mu.Unlock()
			return true
		}
		w := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-w:
		}
	}
}

// broadcast must be called with mu held.
func (s *slots) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *slots) release() {
	s.mu.Lock()
	if s.used > 0 {
		s.used--
	}
	s.broadcast()
	s.mu.Unlock()
}

func (s *slots) resize(limit int) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	s.limit = limit
	s.broadcast()
	s.mu.Unlock()
}

func (s *slots) inUse() (used, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, s.limit
}
