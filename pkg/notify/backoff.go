package notify

import (
	"math/rand"
	"time"
)

// jitterFraction is the maximum random perturbation added to a reconnect
// delay, as a fraction of the capped delay.
const jitterFraction = 0.2

// Delay computes the reconnect delay for the given 0-based attempt:
// min(base * 2^attempt, cap) plus up to 20% random jitter. The random source
// is injected so tests can supply a deterministic one.
func Delay(attempt int, base, cap time.Duration, r *rand.Rand) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}

	jitter := time.Duration(r.Float64() * jitterFraction * float64(d))
	return d + jitter
}
