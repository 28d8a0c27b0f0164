package lifecycle

import (
	"context"
	"math/rand"
	"time"
)

// Backoff implements exponential backoff with optional jitter.
// The zero jitter form sleeps exactly initial, 2*initial, 4*initial, ...
// capped at max.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
	jitter  float64
}

// NewBackoff creates a new backoff with the given initial and max durations.
func NewBackoff(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{
		initial: initial,
		max:     max,
		current: initial,
	}
}

// WithJitter sets the jitter fraction (0.2 means ±20%).
func (b *Backoff) WithJitter(fraction float64) *Backoff {
	b.jitter = fraction
	return b
}

// Next returns the duration to sleep now and advances the backoff.
func (b *Backoff) Next() time.Duration {
	sleep := b.current
	if b.jitter > 0 {
		j := float64(b.current) * b.jitter * (rand.Float64()*2 - 1)
		sleep = time.Duration(float64(b.current) + j)
	}

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return sleep
}

// Sleep sleeps for the full current backoff duration and increases it.
// It returns early with the context error if ctx is done.
func (b *Backoff) Sleep(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reset resets the backoff to the initial duration.
func (b *Backoff) Reset() {
	b.current = b.initial
}

// SetMax changes the cap. The current interval is clamped to it.
func (b *Backoff) SetMax(max time.Duration) {
	if max < b.initial {
		max = b.initial
	}
	b.max = max
	if b.current > b.max {
		b.current = b.max
	}
}

// Current returns the current backoff duration.
func (b *Backoff) Current() time.Duration {
	return b.current
}
