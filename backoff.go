package workers

import (
	"fmt"
	"math"
	"math/rand"
)

// DelayFunc produces a delay in milliseconds for a given attempt number,
// allowing arbitrary backoff curves in place of the exponential default.
type DelayFunc func(attempt int) float64

// calculateDelay computes base * 2^attempt milliseconds, capped at maxDelay,
// plus jitter. When no explicit jitter is given a fresh random 0-100ms draw
// is added per call; tests pass an explicit 0.
func calculateDelay(base float64, attempt int, maxDelay float64, jitter ...float64) float64 {
	return capAndJitter(base*math.Pow(2, float64(attempt)), maxDelay, jitter)
}

// calculateDelayFrom evaluates an arbitrary backoff curve for attempt. The
// curve's result must be finite and non-negative; it is then capped and
// jittered like the exponential default.
func calculateDelayFrom(curve DelayFunc, attempt int, maxDelay float64, jitter ...float64) (float64, error) {
	d := curve(attempt)
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return 0, fmt.Errorf("delay curve returned invalid delay %v for attempt %d; must be finite and non-negative", d, attempt)
	}
	return capAndJitter(d, maxDelay, jitter), nil
}

func capAndJitter(delay, maxDelay float64, jitter []float64) float64 {
	if delay > maxDelay {
		delay = maxDelay
	}
	if len(jitter) > 0 {
		return delay + jitter[0]
	}
	return delay + rand.Float64()*100
}
