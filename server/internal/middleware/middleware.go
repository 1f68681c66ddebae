// Package middleware carries the HTTP concerns shared by every route:
// response hardening for a JSON-only API and per-client request
// throttling on the unauthenticated surface.
package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// JSONAPIHeaders hardens responses for an API that serves nothing but
// JSON: no framing, no embedded content, no caching of report payloads.
func JSONAPIHeaders(next http.Handler) http.Handler {
	hardened := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Cache-Control":           "no-store",
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for name, value := range hardened {
			w.Header().Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}

// Throttle applies a token bucket per client key, so one noisy source
// cannot starve the register/login surface for everyone else.
type Throttle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewThrottle creates a throttle allowing limit requests per second with
// the given burst per client.
func NewThrottle(limit rate.Limit, burst int) *Throttle {
	return &Throttle{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (t *Throttle) allow(key string) bool {
	t.mu.Lock()
	bucket, ok := t.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(t.limit, t.burst)
		t.buckets[key] = bucket
	}
	t.mu.Unlock()
	return bucket.Allow()
}

// clientKey identifies the caller: the first X-Forwarded-For hop when
// proxied, otherwise the remote address without its port.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Wrap rate-limits next by client key, answering 429 with a Retry-After
// hint once a client's bucket is drained.
func (t *Throttle) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WrapFunc is Wrap for a bare handler func.
func (t *Throttle) WrapFunc(next http.HandlerFunc) http.Handler {
	return t.Wrap(next)
}
