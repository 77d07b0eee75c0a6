package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimiter applies a per-user sliding-window cap to the inference surface.
// Windows are one minute; expired windows are garbage-collected in the
// background.
type RateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	perMinute int
	burst     int
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter caps each principal at perMinute requests, tolerating bursts
// up to twice that.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	rl := &RateLimiter{
		windows:   make(map[string]*rateWindow),
		perMinute: perMinute,
		burst:     perMinute * 2,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether another request from key fits in the current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, exists := rl.windows[key]
	if !exists || now.Sub(window.windowStart) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	window.count++
	if window.count > rl.perMinute {
		slog.Warn("ratelimit: over limit", "key", key, "count", window.count, "limit", rl.perMinute)
	}
	return window.count <= rl.burst
}

// Middleware enforces the limit per authenticated principal. Requests without
// an identity (allowlisted paths) pass through untouched.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := GetIdentity(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.Allow(id.Username) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error","param":null,"code":"rate_limited"}}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
