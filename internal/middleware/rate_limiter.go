package middleware

import (
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// billingPaths are reachable without a bearer token and sit outside the
// per-IP rate limit: the webhook authenticates with a provider signature,
// and the checkout/portal flows run before the caller has a key.
var billingPaths = map[string]bool{
	"/v1/checkout":         true,
	"/v1/portal":           true,
	"/v1/webhook/stripe":   true,
	"/v1/checkout/success": true,
}

// Limiter decides whether a request from the given client IP may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Check(ip string) (allowed bool, retryAfterSeconds int)
}

// RateLimiter is a fixed-window per-IP counter. Each IP gets a window of
// Window length and may issue at most Max requests inside it; the first
// request past resetAt reinstalls the window with count 1.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	window  time.Duration
	max     int
	logger  *log.Logger
	now     func() time.Time
}

type rateLimitEntry struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter and starts its background sweep of
// expired windows.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 100
	}

	rl := &RateLimiter{
		entries: make(map[string]*rateLimitEntry),
		window:  window,
		max:     max,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		now:     time.Now,
	}

	go rl.cleanup()

	return rl
}

// Check applies the fixed-window rule for one request from ip. When the
// window is exhausted it returns the whole seconds remaining until reset,
// rounded up.
func (rl *RateLimiter) Check(ip string) (bool, int) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[ip]
	if !ok || !now.Before(entry.resetAt) {
		rl.entries[ip] = &rateLimitEntry{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if entry.count >= rl.max {
		retryAfter := int(math.Ceil(entry.resetAt.Sub(now).Seconds()))
		return false, retryAfter
	}

	entry.count++
	return true, 0
}

// cleanup periodically removes windows whose reset time has passed so idle
// IPs do not pin memory.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := rl.now()
		for ip, entry := range rl.entries {
			if !now.Before(entry.resetAt) {
				delete(rl.entries, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats returns current limiter counters.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"active_windows": len(rl.entries),
		"window_seconds": int(rl.window.Seconds()),
		"max_per_window": rl.max,
	}
}

// ClientIP extracts the caller address for rate limiting: the first
// comma-separated token of X-Forwarded-For, then X-Real-IP, then the
// literal "unknown". Callers with no address headers share one bucket.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return "unknown"
}

// RateLimit returns middleware enforcing the limiter on every request
// except the billing paths, which the payments provider calls directly.
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if billingPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter := limiter.Check(ClientIP(r))
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"Rate limit exceeded","retryAfter":%d}`, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
