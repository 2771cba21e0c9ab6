// Package clock provides an injectable monotonic time source so that
// queue ordering, retry backoff, and breaker timeouts can be driven by
// tests without real sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used throughout the dispatch engine.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
	Sleep(d time.Duration)
}

// Timer abstracts time.Timer so Mock can fire it deterministically.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Real is the production Clock backed by the standard library.
type Real struct{}

// NewReal returns the real, wall-clock backed Clock.
func NewReal() Real { return Real{} }

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }
func (Real) Sleep(d time.Duration)           { time.Sleep(d) }

func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Stop() bool               { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// Mock is a manually advanced Clock for deterministic tests.
type Mock struct {
	mu   sync.Mutex
	now  time.Time
	wake []*mockTimer
}

// NewMock returns a Mock clock starting at the given time.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Mock) Sleep(d time.Duration) {
	m.Advance(d)
}

// Advance moves the mock clock forward and fires any timers whose
// deadline has elapsed.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var fire []*mockTimer
	remaining := m.wake[:0]
	for _, w := range m.wake {
		if !w.deadline.After(now) {
			fire = append(fire, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.wake = remaining
	m.mu.Unlock()

	for _, w := range fire {
		select {
		case w.ch <- now:
		default:
		}
	}
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{
		ch:       make(chan time.Time, 1),
		deadline: m.now.Add(d),
		clock:    m,
	}
	m.wake = append(m.wake, t)
	return t
}

type mockTimer struct {
	ch       chan time.Time
	deadline time.Time
	clock    *Mock
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, w := range t.clock.wake {
		if w == t {
			t.clock.wake = append(t.clock.wake[:i], t.clock.wake[i+1:]...)
			return true
		}
	}
	return false
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.Stop()
	t.clock.mu.Lock()
	t.deadline = t.clock.now.Add(d)
	t.clock.wake = append(t.clock.wake, t)
	t.clock.mu.Unlock()
	return true
}
