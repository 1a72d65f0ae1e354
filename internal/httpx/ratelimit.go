package httpx

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/apperr"
	"golang.org/x/time/rate"
)

type ipLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

// RateLimiter keeps one token bucket per client IP. Idle buckets are dropped
// by Sweep.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu  sync.Mutex
	ips map[string]*ipLimiter
	now func() time.Time
}

func NewRateLimiter(rps, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = rps
	}
	return &RateLimiter{rps: rate.Limit(rps), burst: burst, ips: map[string]*ipLimiter{}, now: time.Now}
}

func (l *RateLimiter) allow(ip string) bool {
	l.mu.Lock()
	il, ok := l.ips[ip]
	if !ok {
		il = &ipLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.ips[ip] = il
	}
	il.last = l.now()
	l.mu.Unlock()
	return il.limiter.Allow()
}

// Sweep forgets clients idle for longer than idle.
func (l *RateLimiter) Sweep(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	for ip, il := range l.ips {
		if il.last.Before(cutoff) {
			delete(l.ips, ip)
		}
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	limited := apperr.New(apperr.CodeRateLimited, "Too many requests", http.StatusTooManyRequests)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(remoteIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, limited.ToHTTPError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteIP relies on middleware.RealIP having rewritten RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
