package retry

import (
	"math/rand"
	"time"
)

// Backoff defaults.
const (
	DefaultBase   = 1 * time.Second
	DefaultMax    = 30 * time.Second
	DefaultJitter = 500 * time.Millisecond
)

// Backoff returns the delay before restart attempt n (0-based):
// min(base*2^attempt, max) plus a uniform random jitter in [0, jitter).
// The deterministic component is monotonically non-decreasing in
// attempt; the total never exceeds max+jitter.
func Backoff(attempt int, base, max, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay < 0 { // overflow guard
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}

// DefaultBackoff is Backoff with the package defaults.
func DefaultBackoff(attempt int) time.Duration {
	return Backoff(attempt, DefaultBase, DefaultMax, DefaultJitter)
}
