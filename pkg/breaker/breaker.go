// Package breaker implements a per-origin circuit breaker: once an
// origin's consecutive failures cross a threshold the breaker opens
// and rejects dispatch to that origin until a cooldown elapses, then
// allows a bounded number of half-open probes before fully closing or
// re-opening.
package breaker

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dispatchkit/dispatchkit/internal/clock"
)

// State is the breaker's current phase for a single origin.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow when the breaker is rejecting dispatch.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes a single breaker's thresholds.
type Config struct {
	FailureThreshold uint64        // consecutive failures before tripping
	ResetTimeout     time.Duration // how long OPEN lasts before probing
	HalfOpenMaxCalls int64         // concurrent probes allowed while HALF_OPEN
	SuccessThreshold uint64        // consecutive probe successes before CLOSED
}

// DefaultConfig matches the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 2,
	}
}

// Counts tracks the running tallies behind a trip/reset decision.
type Counts struct {
	Requests             uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint64
	ConsecutiveFailures  uint64
}

// Breaker guards dispatch to a single origin.
type Breaker struct {
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time

	probes *semaphore.Weighted
}

// New builds a Breaker starting CLOSED.
func New(cfg Config, c clock.Clock) *Breaker {
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &Breaker{
		cfg:    cfg,
		clock:  c,
		state:  Closed,
		probes: semaphore.NewWeighted(cfg.HalfOpenMaxCalls),
	}
}

// Allow decides whether a call may proceed. On OPEN it reports
// ErrOpen unless the reset timeout has elapsed, in which case it
// transitions to HALF_OPEN and tries to acquire a probe slot. The
// caller MUST invoke the returned done func exactly once with the
// outcome, and only if Allow returned a nil error.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()

	switch b.state {
	case Closed:
		b.mu.Unlock()
		return b.release, nil

	case Open:
		if b.clock.Since(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return nil, ErrOpen
		}
		b.state = HalfOpen
		b.counts = Counts{}
		b.mu.Unlock()
		return b.acquireProbe()

	case HalfOpen:
		b.mu.Unlock()
		return b.acquireProbe()

	default:
		b.mu.Unlock()
		return nil, ErrOpen
	}
}

func (b *Breaker) acquireProbe() (func(success bool), error) {
	if !b.probes.TryAcquire(1) {
		return nil, ErrOpen
	}
	return func(success bool) {
		b.probes.Release(1)
		b.record(success)
	}, nil
}

func (b *Breaker) release(success bool) {
	b.record(success)
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Requests++
	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0

		if b.state == HalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.counts = Counts{}
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0

	if b.state == HalfOpen {
		b.trip()
		return
	}
	if b.state == Closed && b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.clock.Now()
}

// State returns the breaker's current phase.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a copy of the current statistics.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset manually forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.counts = Counts{}
}

// Trip manually forces the breaker OPEN, e.g. from an operator action.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}
