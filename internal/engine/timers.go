package engine

import (
	"sync"
	"time"
)

// timerSet tracks every outstanding timer the engine arms so teardown can
// cancel them deterministically. A callback scheduled before Stop but firing
// after it observes the closed flag and returns without running.
type timerSet struct {
	mu     sync.Mutex
	closed bool
	nextID int64
	timers map[int64]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[int64]*time.Timer)}
}

// After schedules fn after the delay and returns a cancel function.
func (s *timerSet) After(delay time.Duration, fn func()) func() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	id := s.nextID

	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = timer
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()
	}
}

// Stop cancels every outstanding timer and rejects future scheduling.
func (s *timerSet) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
