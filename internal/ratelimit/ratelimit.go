// Package ratelimit is per-IP token bucket middleware. State is in memory
// and not shared between instances.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"s3zipper/internal/handlers"
)

// visitor tracks a single IP's limiter and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged is reset when the entry is evicted and re-created
	logged bool
}

// IPLimiter holds per-IP rate limiters with background eviction
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	onFirstDenied func(ip string)
	onDenied      func(ip string)
}

// Option configures an IPLimiter
type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle IP stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) {
		l.ttl = d
	}
}

// WithOnFirstDenied is called once per visitor when it is first limited
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.onFirstDenied = fn
	}
}

// WithOnDenied is called on every denied request
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.onDenied = fn
	}
}

// New creates an IPLimiter and starts the cleanup goroutine, which stops
// when ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:  make(map[string]*visitor),
		perSecond: 10,
		burst:     30,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	if l.burst < 1 {
		l.burst = 1
	}
	if l.ttl <= 0 {
		l.ttl = 5 * time.Minute
	}
	go l.cleanup(ctx)
	return l
}

// Allow reports whether ip is within its rate limit
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	first := !allowed && !v.logged
	if first {
		v.logged = true
	}
	// Hooks run without the lock held
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

// Len returns the number of tracked visitors
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *IPLimiter) cleanup(ctx context.Context) {
	interval := l.ttl / 2
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
}

// Middleware rejects requests over the per-IP limit with 429. It expects
// handlers.ClientIP to have run first and falls back to RemoteAddr.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := handlers.ClientIPFromContext(r.Context())
		if ip == "" {
			ip = r.RemoteAddr
		}

		if !l.Allow(ip) {
			w.Header().Set("Retry-After", "30")
			handlers.WriteJSONError(w, r, http.StatusTooManyRequests, handlers.CodeRateLimited, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
