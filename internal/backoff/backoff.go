// Package backoff computes retry delays for the sync queue.
//
// Delays grow exponentially with the attempt number and are capped, then
// perturbed by bounded jitter so that many clients recovering from the same
// outage window do not retry in lockstep.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy controls how retry delays are computed.
type Policy struct {
	// Min is the delay for the first retry attempt.
	Min time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Factor is the exponential growth factor between attempts.
	Factor float64

	// Jitter enables a uniform random perturbation of up to ±25%.
	Jitter bool

	// MaxAttempts is the default attempt ceiling for queue items.
	MaxAttempts int

	// rand returns a value in [0, 1). Overridable in tests.
	rand func() float64
}

// Default returns the policy used by the sync queue: 500ms base, 30s cap,
// doubling per attempt, jitter on, 5 attempts.
func Default() Policy {
	return Policy{
		Min:         500 * time.Millisecond,
		Max:         30 * time.Second,
		Factor:      2,
		Jitter:      true,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before retry number attempt (1-based).
//
// delay = min(Min * Factor^(attempt-1), Max), then if jitter is enabled the
// result is shifted by a uniform draw in [-25%, +25%].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Min) * math.Pow(p.Factor, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		d += (r() - 0.5) * 2 * (d * 0.25)
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// NextRun returns the earliest time retry number attempt may be dispatched.
func (p Policy) NextRun(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
