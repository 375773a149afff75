package queue

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff yields the delay before retry attempt n (0-indexed).
type Backoff interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay up to MaxDelay, with optional
// jitter in [0.5, 1.5).
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewExponentialBackoff creates a jittered exponential backoff.
func NewExponentialBackoff(base, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  base,
		MaxDelay:   max,
		Multiplier: 2,
		Jitter:     true,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the delay for attempt.
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(b.BaseDelay) * math.Pow(mult, float64(attempt))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter && b.rng != nil {
		b.mu.Lock()
		delay *= 0.5 + b.rng.Float64()
		b.mu.Unlock()
	}
	return time.Duration(delay)
}
