// ABOUTME: Exponential reconnection backoff with a delay cap and an attempt ceiling
// ABOUTME: Pure functions of the attempt index so the schedule is deterministic

package transport

import (
	"math"
	"time"
)

// Backoff is the reconnection policy.
type Backoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	GrowthFactor float64
	MaxAttempts  int
}

// DefaultBackoff returns 2s growing by 1.5x up to 30s, for 10 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:    2 * time.Second,
		MaxDelay:     30 * time.Second,
		GrowthFactor: 1.5,
		MaxAttempts:  10,
	}
}

// Delay returns min(BaseDelay * GrowthFactor^attempt, MaxDelay).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.BaseDelay) * math.Pow(b.GrowthFactor, float64(attempt))
	if math.IsNaN(d) || d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt may be scheduled after
// attempt failures.
func (b Backoff) ShouldRetry(attempt int) bool {
	return attempt < b.MaxAttempts
}
