package queue

import (
	"math"
	"time"
)

// BackoffConfig controls the delay before a failed item is retried.
type BackoffConfig struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps every retry delay.
	MaxDelay time.Duration

	// Multiplier is the growth factor per retry.
	Multiplier float64
}

// DefaultBackoffConfig returns the default retry backoff.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// Delay returns the backoff before retry number retryCount (1-based):
// BaseDelay * Multiplier^(retryCount-1), capped at MaxDelay. The result is
// non-decreasing in retryCount.
func (c BackoffConfig) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(retryCount-1))
	if d >= float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}
