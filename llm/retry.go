package llm

import (
	"math/rand/v2"
	"time"
)

// RetryConfig controls how often the client repeats a request against one
// endpoint before moving down the fallback chain.
type RetryConfig struct {
	MaxAttempts int

	// BackoffBase is the wait after the first failure. Each further
	// failure multiplies it by BackoffMultiplier, up to MaxBackoff.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig makes one attempt per endpoint. Scoring agents retry
// under their own policy, so the client only walks the fallback chain.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// backoff returns the wait after the given failed attempt, jittered by up
// to a quarter in either direction.
func (r RetryConfig) backoff(attempt int) time.Duration {
	d := float64(r.BackoffBase)
	for range attempt - 1 {
		d *= r.BackoffMultiplier
	}
	if r.MaxBackoff > 0 && d > float64(r.MaxBackoff) {
		d = float64(r.MaxBackoff)
	}
	return time.Duration(d * (1 + 0.25*(rand.Float64()*2-1)))
}
