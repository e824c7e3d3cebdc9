package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy controls retry spacing, both for in-process fetch
// retries and for the persistent retry queue's next-attempt schedule.
type BackoffPolicy struct {
	// MaxAttempts is the total number of attempts including the first
	// try. Also serves as the retry queue's abandon ceiling.
	MaxAttempts int

	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed
	// delay (0.25 = ±25%). Zero disables jitter, which the retry queue
	// uses so scheduled next-attempt times stay deterministic.
	JitterFraction float64
}

// DefaultBackoff returns the policy used for endpoint fetches.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:    3,
		InitialDelay:   2 * time.Second,
		MaxDelay:       2 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Minute
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// Delay returns the backoff before retry number attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()

	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		jitterRange := d * p.JitterFraction
		d += (rand.Float64()*2 - 1) * jitterRange
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry executes fn under the policy, retrying only errors that
// IsRetryable accepts. Context cancellation stops retries immediately.
func Retry(ctx context.Context, p BackoffPolicy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= p.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
