package session

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay returns how long to wait before the given retry attempt (attempt 0 is the first retry):
// exponential in attempt, capped at cfg.MaxBackoff, and scaled by a random factor in [1-jitter, 1+jitter].
func backoffDelay(cfg *Config, attempt int) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	if jitter := cfg.BackoffJitter; jitter > 0 {
		delay *= 1 - jitter + rand.Float64()*2*jitter
	}

	return time.Duration(delay)
}
