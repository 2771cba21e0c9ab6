//go:build property

package ratelimit

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Property-based test for the token bucket's admission invariant.
// Run separately: go test -tags=property ./pkg/ratelimit -run TestProperty
//
// Limiter wraps golang.org/x/time/rate, which is driven by the real
// wall clock rather than the injectable internal/clock.Clock, so this
// property tolerates scheduling jitter instead of asserting an exact
// bound: over any observed window the number of tokens Allow grants
// can never exceed what the bucket's rate and burst could have
// produced, plus a small slack for the time the check itself takes.
func TestPropertyAllowNeverExceedsRatePlusBurst(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rps := rapid.Float64Range(5, 200).Draw(t, "ratePerSecond")
		burst := rapid.IntRange(1, 50).Draw(t, "burst")
		attempts := rapid.IntRange(1, 500).Draw(t, "attempts")

		l := New(rps, burst)

		start := time.Now()
		allowed := 0
		for i := 0; i < attempts; i++ {
			if l.Allow().Allowed {
				allowed++
			}
		}
		elapsed := time.Since(start)

		const slack = 1.25
		maxAllowed := int(rps*elapsed.Seconds()*slack) + burst + 1
		if allowed > maxAllowed {
			t.Fatalf("Allow granted %d tokens in %v at rate %.2f/s burst %d, exceeding the slack-bounded maximum %d",
				allowed, elapsed, rps, burst, maxAllowed)
		}
	})
}
