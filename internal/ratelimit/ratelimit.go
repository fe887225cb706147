package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/instrumentation"
	"github.com/teemow/expensebridge/internal/provider"
)

const (
	// DefaultAcquireTimeout bounds how long Acquire waits for a permit.
	DefaultAcquireTimeout = 10 * time.Second

	// DefaultIdleTTL is how long an unused bucket is kept.
	DefaultIdleTTL = 10 * time.Minute
)

// Config configures a Limiter.
type Config struct {
	// Timeout bounds each Acquire. Zero uses DefaultAcquireTimeout.
	Timeout time.Duration
	// IdleTTL drops buckets unused for this long. Zero uses DefaultIdleTTL.
	IdleTTL time.Duration
	// Classes overrides the provider rate classes.
	Classes map[provider.Provider]provider.RateClass
	Metrics *instrumentation.Metrics
}

type bucketKey struct {
	provider  provider.Provider
	principal string
}

// bucket is a token bucket plus an optional pause requested by the provider
// through a 429 Retry-After.
type bucket struct {
	limiter  *rate.Limiter
	retryAt  time.Time
	lastUsed time.Time
}

// Limiter hands out request permits per (provider, principal). Buckets are
// independent: draining one never delays another.
type Limiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	classes map[provider.Provider]provider.RateClass
	timeout time.Duration
	idleTTL time.Duration
	metrics *instrumentation.Metrics

	stop chan struct{}
	once sync.Once
}

// New creates a limiter and starts its idle-bucket cleanup loop. Call Close
// to stop it.
func New(cfg Config) *Limiter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAcquireTimeout
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	l := &Limiter{
		buckets: make(map[bucketKey]*bucket),
		classes: cfg.Classes,
		timeout: cfg.Timeout,
		idleTTL: cfg.IdleTTL,
		metrics: cfg.Metrics,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop(cfg.IdleTTL / 2)
	return l
}

func (l *Limiter) class(p provider.Provider) provider.RateClass {
	if c, ok := l.classes[p]; ok {
		return c
	}
	c := p.Info().RateClass
	if c.PerSecond <= 0 {
		c = provider.RateClass{Name: "default", PerSecond: 5, Burst: 10}
	}
	return c
}

func (l *Limiter) bucket(p provider.Provider, principal string) *bucket {
	key := bucketKey{provider: p, principal: principal}

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		c := l.class(p)
		burst := c.Burst
		if burst < 1 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(c.PerSecond), burst)}
		l.buckets[key] = b
	}
	b.lastUsed = time.Now()
	return b
}

// Acquire waits for a permit for (p, principal). It fails with a
// RateLimitTimeout error when no permit is available within the configured
// timeout, and returns the context error when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, p provider.Provider, principal string) error {
	start := time.Now()
	b := l.bucket(p, principal)

	wctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	err := l.waitPause(wctx, b)
	if err == nil {
		err = b.limiter.Wait(wctx)
	}
	waited := time.Since(start)

	switch {
	case err == nil:
		l.metrics.RecordRateLimitWait(ctx, string(p), instrumentation.RateLimitAcquired, waited)
		return nil
	case ctx.Err() != nil:
		l.metrics.RecordRateLimitWait(ctx, string(p), instrumentation.RateLimitCancelled, waited)
		return ctx.Err()
	}

	l.metrics.RecordRateLimitWait(ctx, string(p), instrumentation.RateLimitTimeout, waited)
	fe := failure.New(failure.KindRateLimitTimeout, p, err)
	fe.Reason = "no permit within " + l.timeout.String()
	fe.RetryAfter = l.retryAfter(b)
	return fe
}

// waitPause blocks until a pause set by Penalize has elapsed.
func (l *Limiter) waitPause(ctx context.Context, b *bucket) error {
	l.mu.Lock()
	wait := time.Until(b.retryAt)
	l.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(deadline) {
		return errors.New("provider pause exceeds the wait deadline")
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) retryAfter(b *bucket) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := time.Until(b.retryAt); d > 0 {
		return d
	}
	return time.Second
}

// Penalize pauses the bucket for (p, principal) for d. Use it when the
// provider answers 429 with a Retry-After.
func (l *Limiter) Penalize(p provider.Provider, principal string, d time.Duration) {
	if d <= 0 {
		return
	}
	b := l.bucket(p, principal)

	l.mu.Lock()
	defer l.mu.Unlock()
	if until := time.Now().Add(d); until.After(b.retryAt) {
		b.retryAt = until
	}
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup(time.Now())
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastUsed) > l.idleTTL && !now.Before(b.retryAt) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
