package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// retryDelay is how long a chunk sent `attempts` times waits for its ACK before the
// next action. It never drops below ackTimeout.
func retryDelay(cfg Config, attempts int, rng *rand.Rand) time.Duration {
	b := cfg.Backoff
	b.InitialDelay = cfg.AckTimeout
	d := NextBackoffDelay(b, attempts, rng)
	if d < cfg.AckTimeout {
		return cfg.AckTimeout
	}
	return d
}
