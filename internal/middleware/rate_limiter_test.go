package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(window time.Duration, max int, at time.Time) (*RateLimiter, *time.Time) {
	rl := &RateLimiter{
		entries: make(map[string]*rateLimitEntry),
		window:  window,
		max:     max,
		now:     time.Now,
	}
	clock := at
	rl.now = func() time.Time { return clock }
	return rl, &clock
}

func TestCheckFixedWindow(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl, clock := newTestLimiter(60*time.Second, 3, start)

	for i := 0; i < 3; i++ {
		allowed, retryAfter := rl.Check("1.2.3.4")
		assert.True(t, allowed, "request %d should pass", i+1)
		assert.Equal(t, 0, retryAfter)
	}

	// Fourth request inside the window is rejected.
	allowed, retryAfter := rl.Check("1.2.3.4")
	assert.False(t, allowed)
	assert.Equal(t, 60, retryAfter)

	// Another IP has its own window.
	allowed, _ = rl.Check("5.6.7.8")
	assert.True(t, allowed)

	// Partway through, retry seconds round up.
	*clock = start.Add(30500 * time.Millisecond)
	allowed, retryAfter = rl.Check("1.2.3.4")
	assert.False(t, allowed)
	assert.Equal(t, 30, retryAfter) // 29.5s remaining, ceil to 30
}

func TestCheckWindowReinstall(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl, clock := newTestLimiter(60*time.Second, 1, start)

	allowed, _ := rl.Check("1.2.3.4")
	require.True(t, allowed)
	allowed, _ = rl.Check("1.2.3.4")
	require.False(t, allowed)

	// Exactly at resetAt the window reinstalls with count 1.
	*clock = start.Add(60 * time.Second)
	allowed, retryAfter := rl.Check("1.2.3.4")
	assert.True(t, allowed)
	assert.Equal(t, 0, retryAfter)

	// And the fresh window enforces again.
	allowed, _ = rl.Check("1.2.3.4")
	assert.False(t, allowed)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded single", map[string]string{"X-Forwarded-For": "10.0.0.1"}, "10.0.0.1"},
		{"forwarded chain takes first", map[string]string{"X-Forwarded-For": "10.0.0.1, 172.16.0.1, 192.168.0.1"}, "10.0.0.1"},
		{"forwarded with spaces", map[string]string{"X-Forwarded-For": "  10.0.0.1 , 172.16.0.1"}, "10.0.0.1"},
		{"real ip fallback", map[string]string{"X-Real-IP": "10.0.0.9"}, "10.0.0.9"},
		{"forwarded beats real ip", map[string]string{"X-Forwarded-For": "10.0.0.1", "X-Real-IP": "10.0.0.9"}, "10.0.0.1"},
		{"no headers", nil, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl, _ := newTestLimiter(60*time.Second, 1, start)

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// First request passes.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Second is limited with the retry header and JSON body.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body.Error)
	assert.Equal(t, 60, body.RetryAfter)
}

func TestRateLimitSkipsBillingPaths(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl, _ := newTestLimiter(60*time.Second, 1, start)

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// The provider can call the webhook as often as it wants.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/webhook/stripe", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1")
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	// The same IP is still subject to the limit elsewhere.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStatsReportsWindows(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl, _ := newTestLimiter(60*time.Second, 100, start)

	rl.Check("1.1.1.1")
	rl.Check("2.2.2.2")

	stats := rl.Stats()
	assert.Equal(t, 2, stats["active_windows"])
	assert.Equal(t, 60, stats["window_seconds"])
	assert.Equal(t, 100, stats["max_per_window"])
}
