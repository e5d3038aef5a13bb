package google

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
)

// RetryPolicy bounds the retry-with-backoff wrapper around API calls
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes up to 4 attempts, backing off exponentially from 500ms
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    8 * time.Second,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// caller wraps every API call in rate limiting and retries
type caller struct {
	limiter *RateLimiter
	policy  RetryPolicy
	logger  arbor.ILogger
}

// do runs fn until it succeeds, fails permanently, or the attempts run out.
// The returned error is classified by WrapError.
func (c *caller) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := c.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if waitErr := c.limiter.Wait(ctx); waitErr != nil {
			return waitErr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			break
		}

		delay := c.policy.delay(attempt)
		if retryAfter := RetryAfter(err); retryAfter > 0 && IsRateLimited(err) {
			c.limiter.RecordRateLimitError(retryAfter)
		}

		c.logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Google API call failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return WrapError(op, err)
}
