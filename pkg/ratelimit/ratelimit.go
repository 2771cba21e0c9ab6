// Package ratelimit throttles outbound dispatch to a configured
// requests-per-second ceiling using a token bucket.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Result mirrors the decision a caller needs to act on: whether the
// request may proceed now, and if not, how long until it may.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter throttles dispatch attempts to a single global rate; the
// spec scopes rate limiting per-engine, not per-origin, so there is
// exactly one Limiter per Coordinator.
type Limiter struct {
	bucket *rate.Limiter
}

// New builds a Limiter admitting ratePerSecond tokens per second, with
// burst capacity burst (at least 1).
func New(ratePerSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a single token is available right now without
// blocking, consuming it if so.
func (l *Limiter) Allow() Result {
	if l.bucket.Allow() {
		return Result{Allowed: true}
	}
	r := l.bucket.Reserve()
	delay := r.Delay()
	r.Cancel()
	return Result{Allowed: false, RetryAfter: delay}
}

// Wait blocks until a token is available or ctx is done, consuming the
// token on success. Dispatcher worker loops use this rather than Allow
// so a throttled worker parks instead of busy-polling.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// SetLimit updates the sustained rate at runtime, e.g. from a config
// reload.
func (l *Limiter) SetLimit(ratePerSecond float64) {
	l.bucket.SetLimit(rate.Limit(ratePerSecond))
}

// SetBurst updates the burst capacity at runtime.
func (l *Limiter) SetBurst(burst int) {
	if burst < 1 {
		burst = 1
	}
	l.bucket.SetBurst(burst)
}
