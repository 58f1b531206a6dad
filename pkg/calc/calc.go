// Package calc provides progress arithmetic.
package calc

import "time"

// Fraction returns done/total clamped to [0,1].
func Fraction(done, total int) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}

	if done >= total {
		return 1
	}

	return float64(done) / float64(total)
}

// ETA extrapolates the remaining time from the rate observed over elapsed.
// It is zero until something is done and once everything is.
func ETA(done, total int, elapsed time.Duration) time.Duration {
	if total <= 0 || done <= 0 || done >= total || elapsed <= 0 {
		return 0
	}

	return time.Duration(float64(elapsed) * (float64(total)/float64(done) - 1))
}
