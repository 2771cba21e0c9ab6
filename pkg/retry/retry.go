// Package retry is a pure decision function for whether and when a
// failed dispatch attempt should be retried, isolated from the queue
// and transport so it can be tested without any I/O.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/dispatchkit/dispatchkit/pkg/model"
)

// Policy is the global retry configuration; a RequestDescriptor's
// RetryOverrides narrow it per-request.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy matches the spec's suggested defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   60 * time.Second,
	}
}

// Resolve narrows a Policy with a single request's overrides.
func (p Policy) Resolve(o model.RetryOverrides) Policy {
	if o.MaxRetries != nil {
		p.MaxRetries = *o.MaxRetries
	}
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	return p
}

// Decision is the outcome of evaluating whether an attempt should be
// retried.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// ShouldRetry decides whether attempt (1-indexed, the attempt that
// just completed) should be followed by another, and after how long.
// retryAfter is the value of a Retry-After response header, if the
// transport parsed one; zero means none was present. A non-retryable
// outcome (success, 4xx, circuit-open, cache hit, cancellation, expiry,
// queue-full) never retries regardless of attempt count: a circuit-open
// rejection would immediately re-reject, so it goes straight to DeadLetter.
func (p Policy) ShouldRetry(outcome model.OutcomeKind, attempt int, retryAfter time.Duration, rng *rand.Rand) Decision {
	if !retryableOutcome(outcome) {
		return Decision{}
	}
	if attempt > p.MaxRetries {
		return Decision{}
	}

	if retryAfter > 0 {
		return Decision{Retry: true, Delay: capDelay(retryAfter, p.MaxDelay)}
	}

	return Decision{Retry: true, Delay: backoff(p.BaseDelay, p.MaxDelay, attempt, rng)}
}

func retryableOutcome(k model.OutcomeKind) bool {
	switch k {
	case model.TransportError, model.Timeout, model.RateLimited:
		return true
	case model.HTTPError:
		return true // caller has already narrowed this to retryable (5xx) status codes
	default:
		return false
	}
}

// backoff computes exponential backoff with full jitter: a uniform
// random delay between 0 and the exponential ceiling, capped at
// maxDelay. rng may be nil, in which case the top-level math/rand
// source is used (acceptable since jitter has no security
// requirement).
func backoff(base, maxDelay time.Duration, attempt int, rng *rand.Rand) time.Duration {
	ceiling := float64(base) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && ceiling > float64(maxDelay) {
		ceiling = float64(maxDelay)
	}
	if ceiling <= 0 {
		return 0
	}

	var jittered float64
	if rng != nil {
		jittered = rng.Float64() * ceiling
	} else {
		jittered = rand.Float64() * ceiling
	}
	return capDelay(time.Duration(jittered), maxDelay)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}
