package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines backoff behavior for transient step failures.
type RetryConfig struct {
	// MaxTransientRetries is how many times a transient failure is retried
	// before the next one escalates (0 = no retries).
	MaxTransientRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Multiplier is the factor by which backoff grows per retry.
	Multiplier float64
	// Jitter randomizes each delay by ±50% to avoid thundering herd
	// against shared capability quotas.
	Jitter bool
}

// DefaultRetryConfig returns the conservative defaults; all values are
// overridable in the orchestrator configuration block.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTransientRetries: 3,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          30 * time.Second,
		Multiplier:          2.0,
		Jitter:              true,
	}
}

// Delay computes the backoff before retry number retry (1-based). A
// server-suggested delay takes precedence over the computed one, still
// subject to the cap.
func (c RetryConfig) Delay(retry int, suggested time.Duration) time.Duration {
	if suggested > 0 {
		if suggested > c.MaxBackoff {
			return c.MaxBackoff
		}
		return suggested
	}

	backoff := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(retry-1))
	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	if c.Jitter {
		// ±50% jitter.
		backoff = backoff/2 + rand.Float64()*backoff
	}
	return time.Duration(backoff)
}
