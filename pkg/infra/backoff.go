package infra

import (
	"math/rand"
	"sync"
	"time"
)

// jitterSpread keeps retry storms from synchronizing: each wait is
// perturbed by up to ±20% of the current delay
const jitterSpread = 0.2

// Backoff produces jittered exponential wait durations. Safe for use from
// multiple goroutines; one instance tracks one failure streak
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64

	mu       sync.Mutex
	current  time.Duration
	attempts int
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
	}
}

// Next returns how long to wait before the next attempt and advances the
// exponential schedule
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	jitterFactor := rand.Float64()*(2*jitterSpread) - jitterSpread
	jitter := time.Duration(jitterFactor * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

// Reset rewinds the schedule after a success
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

// Attempts reports how many waits were handed out since the last Reset
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
