package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Callbacks
// registered with AfterFunc run synchronously inside Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	m       *Manual
	at      time.Time
	ch      chan time.Time
	fn      func()
	stopped bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.schedule(d, ch, nil)
	return ch
}

// AfterFunc schedules f to run when the clock advances by d. A non-positive
// d runs f immediately on the caller's goroutine.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	return m.schedule(d, nil, f)
}

func (m *Manual) schedule(d time.Duration, ch chan time.Time, fn func()) *manualTimer {
	m.mu.Lock()
	t := &manualTimer{m: m, at: m.now.Add(d), ch: ch, fn: fn}
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		t.fire(now)
		return t
	}
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

// Advance moves time forward by d and fires any due timers in registration
// order.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []*manualTimer
	remaining := m.timers[:0]
	for _, t := range m.timers {
		if t.at.After(now) {
			remaining = append(remaining, t)
			continue
		}
		due = append(due, t)
	}
	m.timers = remaining
	m.mu.Unlock()
	for _, t := range due {
		t.fire(now)
	}
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (t *manualTimer) fire(now time.Time) {
	if t.ch != nil {
		t.ch <- now
	}
	if t.fn != nil {
		t.fn()
	}
}

// Stop removes a pending timer.
func (t *manualTimer) Stop() bool {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.stopped {
		return false
	}
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			t.stopped = true
			return true
		}
	}
	return false
}
