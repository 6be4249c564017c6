package clock

import (
	"sync"
	"time"
)

// Manual is a clock that only moves when told to. Timers created with After
// fire during Advance once their deadline is reached.
//
// Safe for concurrent use.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	timers  []manualTimer
	waiting chan struct{}
}

type manualTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, waiting: make(chan struct{}, 1024)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, manualTimer{deadline: m.now.Add(d), ch: ch})
	select {
	case m.waiting <- struct{}{}:
	default:
	}
	return ch
}

// Advance moves the clock forward by d and fires every due timer.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: negative advance")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = m.now.Add(d)
	pending := m.timers[:0]
	for _, t := range m.timers {
		if t.deadline.After(m.now) {
			pending = append(pending, t)
			continue
		}
		t.ch <- m.now
	}
	m.timers = pending
}

// Pending returns the number of timers that have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// WaitForTimer blocks until some goroutine calls After with a positive
// duration, or until timeout elapses. It reports whether a timer was created.
func (m *Manual) WaitForTimer(timeout time.Duration) bool {
	select {
	case <-m.waiting:
		return true
	case <-time.After(timeout):
		return false
	}
}
