package reconnect

import "time"

const (
	// DefaultBase is the first reconnect delay.
	DefaultBase = time.Second
	// DefaultMax caps the reconnect delay.
	DefaultMax = 30 * time.Second
)

// Backoff computes exponential reconnect delays: min(Base*2^attempt, Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Default is the backoff used when none is configured.
var Default = Backoff{Base: DefaultBase, Max: DefaultMax}

// Delay returns the backoff duration for the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Delay returns the default backoff duration for the given attempt.
func Delay(attempt int) time.Duration {
	return Default.Delay(attempt)
}
