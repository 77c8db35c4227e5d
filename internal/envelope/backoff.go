package envelope

import "time"

// Backoff is an exponential retry schedule with a ceiling. Next is
// monotonically non-decreasing in the attempt number.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used when no schedule is configured.
var DefaultBackoff = Backoff{Base: 15 * time.Second, Max: 2 * time.Minute}

// Next returns the delay before the attempt following the given retry count.
func (b Backoff) Next(retryCount int) time.Duration {
	base, ceiling := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	if ceiling < base {
		ceiling = base
	}
	if retryCount < 0 {
		retryCount = 0
	}

	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return d
}
