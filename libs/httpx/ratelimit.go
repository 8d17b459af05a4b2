package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window limiter keyed per tenant (falling back to the
// client address for unauthenticated paths). Suitable for single-instance
// deployments; use RedisRateLimiter when running more than one replica.
type RateLimiter struct {
	limit   int
	window  time.Duration
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, win time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if win <= 0 {
		win = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  win,
		windows: map[string]*window{},
	}
}

func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(limiterKey(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w := rl.windows[key]
	if w == nil || now.After(w.resetAt) {
		rl.windows[key] = &window{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

func limiterKey(r *http.Request) string {
	if tenant := TenantIDFromContext(r.Context()); tenant != "" {
		return "tenant:" + tenant
	}
	if tenant := strings.TrimSpace(r.Header.Get(TenantIDHeader)); tenant != "" {
		return "tenant:" + tenant
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return "ip:" + strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}
