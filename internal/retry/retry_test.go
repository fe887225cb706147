package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/provider"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: 2 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.0001,
		MaxInterval:     time.Second,
	}
}

func transient(status int) error {
	fe := failure.Newf(failure.KindProviderTransient, provider.Gmail, "upstream returned %d", status)
	fe.Status = status
	return fe
}

func TestDo_ExhaustsAttemptsOnTransientFailures(t *testing.T) {
	calls := 0
	_, attempts, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (string, error) {
		calls++
		return "", transient(http.StatusServiceUnavailable)
	}, nil)

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindProviderTransient, fe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
}

func TestDo_SucceedsAfterRateLimitsWithIncreasingDelays(t *testing.T) {
	var delays []time.Duration
	res, attempts, err := Do(context.Background(), fastPolicy(4), func(ctx context.Context, attempt int) (string, error) {
		if attempt <= 3 {
			return "", transient(http.StatusTooManyRequests)
		}
		return "ok", nil
	}, func(attempt int, err error, next time.Duration) {
		assert.Equal(t, failure.KindProviderTransient, failure.KindOf(err))
		delays = append(delays, next)
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 4, attempts)
	require.Len(t, delays, 3)
	assert.Less(t, delays[0], delays[1])
	assert.Less(t, delays[1], delays[2])
}

func TestDo_DoesNotRetryFatalErrors(t *testing.T) {
	for _, kind := range []failure.Kind{
		failure.KindProviderFatal,
		failure.KindUnauthenticated,
		failure.KindInsufficientScope,
		failure.KindRateLimitTimeout,
	} {
		t.Run(string(kind), func(t *testing.T) {
			calls := 0
			_, attempts, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (int, error) {
				calls++
				return 0, failure.New(kind, provider.Sheets, errors.New("boom"))
			}, nil)

			assert.Equal(t, 1, calls)
			assert.Equal(t, 1, attempts)
			assert.Equal(t, kind, failure.KindOf(err))
		})
	}
}

func TestDo_UnclassifiedErrorsAreNotRetried(t *testing.T) {
	sentinel := errors.New("plain")
	_, attempts, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (int, error) {
		return 0, sentinel
	}, nil)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, sentinel)
}

func TestDo_HonoursRetryAfter(t *testing.T) {
	var delays []time.Duration
	_, attempts, err := Do(context.Background(), fastPolicy(2), func(ctx context.Context, attempt int) (int, error) {
		if attempt == 1 {
			fe := transient(http.StatusTooManyRequests).(*failure.Error)
			fe.RetryAfter = 30 * time.Millisecond
			return 0, fe
		}
		return 1, nil
	}, func(attempt int, err error, next time.Duration) {
		delays = append(delays, next)
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{30 * time.Millisecond}, delays)
}

func TestDo_LongRetryAfterSurfaces(t *testing.T) {
	p := fastPolicy(3)
	p.MaxRetryAfter = time.Second
	_, attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		fe := transient(http.StatusTooManyRequests).(*failure.Error)
		fe.RetryAfter = time.Minute
		return 0, fe
	}, nil)

	assert.Equal(t, 1, attempts)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, fe.RetryAfter)
}

func TestDo_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(5)
	p.InitialInterval = time.Minute

	_, attempts, err := Do(ctx, p, func(ctx context.Context, attempt int) (int, error) {
		return 0, transient(http.StatusBadGateway)
	}, func(int, error, time.Duration) {
		cancel()
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialInterval)
	assert.Equal(t, 2.0, p.Multiplier)

	d := DefaultPolicy()
	assert.Equal(t, 3, d.MaxAttempts)
	assert.Equal(t, 0.2, d.Jitter)
}
