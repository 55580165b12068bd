// ABOUTME: Exponential backoff schedule for realtime reconnection

package realtime

import (
	"math"
	"time"
)

// Backoff describes the reconnection schedule: delay grows as
// base * multiplier^attempt, capped, for at most MaxAttempts attempts.
type Backoff struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the client defaults: 1s base doubling up to 30s,
// giving up after 8 attempts.
var DefaultBackoff = Backoff{
	Base:        time.Second,
	Multiplier:  2,
	Cap:         30 * time.Second,
	MaxAttempts: 8,
}

// withDefaults fills unset fields from DefaultBackoff, so a partially
// configured schedule stays sane.
func (b Backoff) withDefaults() Backoff {
	if b.Base == 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Multiplier == 0 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.Cap == 0 {
		b.Cap = DefaultBackoff.Cap
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	return b
}

// Delay returns the wait before reconnection attempt n (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(float64(b.Base) * math.Pow(mult, float64(attempt)))
	if b.Cap > 0 && (d > b.Cap || d < 0) {
		d = b.Cap
	}
	return d
}
