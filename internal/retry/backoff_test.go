package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesWithoutJitter(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	assert.Equal(t, 1*time.Second, Backoff(0, base, max, 0))
	assert.Equal(t, 2*time.Second, Backoff(1, base, max, 0))
	assert.Equal(t, 4*time.Second, Backoff(2, base, max, 0))
	assert.Equal(t, 8*time.Second, Backoff(3, base, max, 0))
}

func TestBackoffCapsAtMax(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	assert.Equal(t, max, Backoff(10, base, max, 0))
	assert.Equal(t, max, Backoff(63, base, max, 0))  // would overflow int64 without the guard
	assert.Equal(t, max, Backoff(500, base, max, 0)) // deep into overflow territory
}

func TestBackoffJitterBounds(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second
	jitter := 500 * time.Millisecond

	for i := 0; i < 100; i++ {
		d := Backoff(2, base, max, jitter)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 4*time.Second+jitter)
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	assert.Equal(t, 1*time.Second, Backoff(-5, 1*time.Second, 30*time.Second, 0))
}

func TestBackoffMonotoneDeterministicComponent(t *testing.T) {
	base := 250 * time.Millisecond
	max := 10 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := Backoff(attempt, base, max, 0)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, max)
		prev = d
	}
}

func TestDefaultBackoffWithinEnvelope(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		d := DefaultBackoff(attempt)
		assert.GreaterOrEqual(t, d, DefaultBase)
		assert.Less(t, d, DefaultMax+DefaultJitter)
	}
}
