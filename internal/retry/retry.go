package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teemow/expensebridge/internal/failure"
)

// Policy bounds retries of transient provider failures.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each interval.
	Jitter      float64
	MaxInterval time.Duration
	// MaxElapsed bounds the whole retry loop including waits.
	MaxElapsed time.Duration
	// MaxRetryAfter is the longest provider-requested delay that is waited
	// out locally. Longer delays surface to the caller immediately.
	MaxRetryAfter time.Duration
}

// DefaultPolicy returns three attempts with exponential backoff starting at
// 500ms, doubling each time, with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.2,
		MaxInterval:     8 * time.Second,
		MaxElapsed:      2 * time.Minute,
		MaxRetryAfter:   30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	if p.MaxRetryAfter <= 0 {
		p.MaxRetryAfter = d.MaxRetryAfter
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxInterval
	return b
}

// Op is one attempt. attempt starts at 1.
type Op[T any] func(ctx context.Context, attempt int) (T, error)

// Notify is called before waiting for the next attempt.
type Notify func(attempt int, err error, next time.Duration)

// Do runs op until it succeeds, fails with an error that is not a transient
// provider failure, or the policy is exhausted. It returns the number of
// attempts made and the error of the last attempt. When ctx ends while
// waiting between attempts the context error is returned instead.
func Do[T any](ctx context.Context, policy Policy, op Op[T], notify Notify) (T, int, error) {
	policy = policy.withDefaults()

	var (
		attempt int
		lastErr error
	)
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx, attempt)
		lastErr = err
		if err == nil {
			return v, nil
		}
		if !failure.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		if fe, ok := failure.As(err); ok && fe.RetryAfter > 0 {
			if fe.RetryAfter > policy.MaxRetryAfter {
				return v, backoff.Permanent(err)
			}
			return v, &backoff.RetryAfterError{Duration: fe.RetryAfter}
		}
		return v, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
		backoff.WithNotify(func(_ error, next time.Duration) {
			if notify != nil {
				notify(attempt, lastErr, next)
			}
		}),
	)
	if err == nil {
		return res, attempt, nil
	}
	if cerr := context.Cause(ctx); cerr != nil && errors.Is(err, cerr) && !errors.Is(lastErr, cerr) {
		return res, attempt, err
	}
	return res, attempt, lastErr
}
