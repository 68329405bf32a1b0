package hosting

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultBaseDelay     = 1 * time.Second
	defaultMaxDelay      = 60 * time.Second
)

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int           // Maximum number of attempts, including the first
	BaseDelay   time.Duration // Base delay between attempts
	MaxDelay    time.Duration // Maximum delay between attempts
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultRetryAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

// Delay calculates the delay before retry number attempt (0-based) with
// exponential backoff and +/-10% jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<uint(attempt))

	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	delay += jitter

	if delay < 0 {
		delay = p.BaseDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do calls fn until it succeeds, returns a non-transient error, or the attempt
// budget is spent. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.Delay(attempt)
		if ra := retryAfter(err); ra > delay {
			delay = ra
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
