// Package retry implements the per-chunk retry budget and backoff curve.
package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds retries of a single chunk. MaxRetries counts retries after
// the first attempt, so a chunk is fetched at most MaxRetries+1 times.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps a single delay. Zero leaves the curve uncapped.
	MaxDelay time.Duration
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d*(1+Jitter)]. Zero disables it.
	Jitter float64
}

// MaxAttempts returns the total number of fetches a chunk may receive.
func (p Policy) MaxAttempts() int {
	return p.MaxRetries + 1
}

// ShouldRetry reports whether a chunk that failed its attempt-th fetch
// (1-based) gets another one.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts()
}

// NewBackOff returns the delay sequence for the retries of one chunk:
// min(BaseDelay * 2^(retry-1), MaxDelay), then jittered. The budget is
// enforced by ShouldRetry, so the sequence itself never stops.
func (p Policy) NewBackOff() backoff.BackOff {
	if p.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = min(max(p.Jitter, 0), 1)
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0

	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
		b.InitialInterval = min(p.BaseDelay, p.MaxDelay)
	}

	b.Reset()

	return b
}
