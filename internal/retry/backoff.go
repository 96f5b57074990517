// Package retry computes retry delays and sorts error messages into
// retry-safety tiers. Everything here is a pure function of its inputs.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy is a capped exponential backoff schedule.
type Policy struct {
	BaseDelay  time.Duration `yaml:"base_delay" mapstructure:"base_delay" json:"baseDelay"`
	MaxDelay   time.Duration `yaml:"max_delay" mapstructure:"max_delay" json:"maxDelay"`
	Multiplier float64       `yaml:"multiplier" mapstructure:"multiplier" json:"multiplier"`
}

// DefaultPolicy starts at one second and doubles up to thirty seconds.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the delay before the given zero-based retry.
func (p Policy) Delay(retryCount int) time.Duration {
	return Backoff(retryCount, p.BaseDelay, p.MaxDelay, p.Multiplier)
}

// Wait blocks for Delay(retryCount) or until ctx is done.
func (p Policy) Wait(ctx context.Context, retryCount int) error {
	timer := time.NewTimer(p.Delay(retryCount))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns min(base * multiplier^retryCount, maxDelay).
//
// retryCount is untrusted: negative values count as zero and very large
// values saturate at maxDelay instead of overflowing. A multiplier below 1
// (or NaN) is treated as 1 so the schedule never shrinks. Non-positive
// base or maxDelay yield zero.
func Backoff(retryCount int, base, maxDelay time.Duration, multiplier float64) time.Duration {
	if base <= 0 || maxDelay <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if math.IsNaN(multiplier) || multiplier < 1 {
		multiplier = 1
	}

	delay := float64(base) * math.Pow(multiplier, float64(retryCount))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}
