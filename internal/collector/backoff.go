package collector

import (
	"math/rand"
	"time"
)

// Backoff holds exponential-backoff parameters as plain data (per the
// design note: "retry/backoff as values, not control flow"), so the
// delays can be tested deterministically by injecting a seeded rand
// source instead of asserting on wall-clock sleeps.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // fraction, e.g. 0.2 for +/-20%

	attempt int
	rng     *rand.Rand
}

// NewBackoff returns a Backoff seeded with the spec's defaults: 1s
// initial, doubling, capped at 60s, +/-20% jitter.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial: time.Second,
		Max:     60 * time.Second,
		Jitter:  0.2,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	shift := b.attempt
	if shift > 32 { // guards against overflow long before any real deployment backs off this many times
		shift = 32
	}
	d := b.Initial << shift
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	b.attempt++

	if b.Jitter > 0 {
		delta := float64(d) * b.Jitter
		offset := (b.rng.Float64()*2 - 1) * delta
		d = time.Duration(float64(d) + offset)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }
