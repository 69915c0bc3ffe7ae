// Package ratelimit implements the per-identity token-bucket limits:
// 100rpm default API traffic, 5rpm login attempts, 10rpm service-token
// auth failures, 60rpm sandbox invocation.
//
// Built on golang.org/x/time/rate, backing a single mutex-guarded map of
// per-key limiters instead of one process-wide limiter so one noisy client
// cannot consume the whole budget.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

// Limiter buckets rate.Limiters by an arbitrary string key (IP, service
// token, username), evicting entries that have been idle long enough that
// their bucket would be full again regardless.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New constructs a Limiter allowing rpm requests per minute per key, with
// a burst equal to rpm (one full minute's allowance available up front).
func New(rpm int) *Limiter {
	if rpm <= 0 {
		rpm = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rps:      rate.Limit(float64(rpm) / 60.0),
		burst:    rpm,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether key may proceed now, consuming one token if so.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).AllowN(time.Now(), 1)
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if e, ok := l.limiters[key]; ok {
		e.lastAccess = now
		return e.limiter
	}

	l.evictLocked(now)
	lim := rate.NewLimiter(l.rps, l.burst)
	l.limiters[key] = &entry{limiter: lim, lastAccess: now}
	return lim
}

// evictLocked drops buckets idle past idleTTL. Must be called with mu held.
func (l *Limiter) evictLocked(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.lastAccess) > l.idleTTL {
			delete(l.limiters, k)
		}
	}
}

// Middleware wraps an http.Handler, rejecting requests over the limit with
// KindRateLimited (HTTP 429) keyed by keyFunc(r).
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if !l.Allow(key) {
				writeRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter) {
	err := domainerr.New(domainerr.KindRateLimited, "rate limit exceeded, try again later")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Kind.HTTPStatus())
	_, _ = w.Write([]byte(`{"error":"` + err.Message + `"}`))
}

// RemoteAddrKey extracts the client IP from a request for use as a
// Middleware key function, preferring X-Forwarded-For's first hop.
func RemoteAddrKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i, c := range fwd {
			if c == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	return r.RemoteAddr
}
