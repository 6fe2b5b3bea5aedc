package stream

import (
	"sync"
	"time"
)

// scheduler runs at most one pending delayed call. Scheduling replaces
// whatever is pending; after stop nothing fires again.
type scheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (s *scheduler) schedule(delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, fn)
	return true
}

func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
