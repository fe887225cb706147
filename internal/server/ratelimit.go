package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Callback rate limit defaults, per client IP.
const (
	DefaultCallbackRate  = 5
	DefaultCallbackBurst = 10
)

const (
	ipLimiterCleanupInterval = 5 * time.Minute
	ipLimiterIdleTTL         = 10 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter is a token bucket per client IP address.
type IPRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*ipEntry
	rate       rate.Limit
	burst      int
	trustProxy bool

	stop chan struct{}
	once sync.Once
}

// NewIPRateLimiter creates a limiter allowing perSecond requests with the
// given burst per IP, and starts its cleanup loop. When trustProxy is set the
// client IP is taken from X-Forwarded-For or X-Real-IP.
func NewIPRateLimiter(perSecond float64, burst int, trustProxy bool) *IPRateLimiter {
	if perSecond <= 0 {
		perSecond = DefaultCallbackRate
	}
	if burst <= 0 {
		burst = DefaultCallbackBurst
	}
	rl := &IPRateLimiter{
		limiters:   make(map[string]*ipEntry),
		rate:       rate.Limit(perSecond),
		burst:      burst,
		trustProxy: trustProxy,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip may proceed now.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	e, ok := rl.limiters[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	rl.mu.Unlock()

	return e.limiter.Allow()
}

// Middleware rejects requests over the limit with 429.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r, rl.trustProxy)
		if !rl.Allow(ip) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, fmt.Sprintf("rate limit exceeded for %s, try again later", ip), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Len returns the number of tracked IPs.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop ends the cleanup loop.
func (rl *IPRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(ipLimiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.cleanup(now)
		}
	}
}

func (rl *IPRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, e := range rl.limiters {
		if now.Sub(e.lastSeen) > ipLimiterIdleTTL {
			delete(rl.limiters, ip)
		}
	}
}

// getClientIP extracts the client IP address from the request. Proxy headers
// are only honoured when trustProxy is set.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
