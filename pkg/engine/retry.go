package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `json:"base_delay" mapstructure:"base_delay" yaml:"base_delay"`

	// Factor multiplies the delay after every attempt.
	Factor float64 `json:"factor" mapstructure:"factor" yaml:"factor"`

	// MaxAttempts is the total number of attempts, the first one included.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`

	// MaxDelay caps a single delay.
	MaxDelay time.Duration `json:"max_delay" mapstructure:"max_delay" yaml:"max_delay"`

	// Jitter is the relative spread applied to every delay (0.2 means ±20%).
	Jitter float64 `json:"jitter" mapstructure:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns the policy used for driver calls: base 1s, factor 2,
// five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		Factor:      2,
		MaxAttempts: 5,
		MaxDelay:    time.Minute,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Minute
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		spread := delay * p.Jitter
		delay = delay - spread + rand.Float64()*2*spread
	}

	return time.Duration(delay)
}

// RetryObserver is notified before every retry.
type RetryObserver func(attempt int, err error, delay time.Duration)

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The last error is returned on exhaustion.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, observe RetryObserver) error {
	p = p.normalized()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == p.MaxAttempts {
			return err
		}

		delay := p.Backoff(attempt)
		if observe != nil {
			observe(attempt, err, delay)
		}
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			return err
		}
	}
	return err
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
