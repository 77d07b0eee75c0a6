package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func requestAs(username string) *http.Request {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	if username != "" {
		r = r.WithContext(WithIdentity(r.Context(), &Identity{UserID: 1, Username: username}))
	}
	return r
}

func TestRateLimiterAllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(5)
	h := limitedHandler(rl)

	// Burst tolerance is twice the per-minute cap.
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestAs("alice"))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestAs("alice"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_error")
}

func TestRateLimiterIsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(2)
	h := limitedHandler(rl)

	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestAs("alice"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestAs("alice"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different user has a fresh window.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, requestAs("bob"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterSkipsAnonymousRequests(t *testing.T) {
	rl := NewRateLimiter(1)
	h := limitedHandler(rl)

	// Allowlisted paths carry no identity and are never throttled.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestAs(""))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiterExpiresWindows(t *testing.T) {
	rl := NewRateLimiter(3)
	for i := 0; i < 6; i++ {
		require.True(t, rl.Allow("carol"), fmt.Sprintf("request %d", i))
	}
	require.False(t, rl.Allow("carol"))

	// Backdate the window past a minute; the next request starts fresh.
	rl.mu.Lock()
	rl.windows["carol"].windowStart = rl.windows["carol"].windowStart.Add(-2 * time.Minute)
	rl.mu.Unlock()
	assert.True(t, rl.Allow("carol"))
}
