package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/auth"
)

type window struct {
	count    int
	resetsAt time.Time
}

// RateLimiter is a fixed-window in-memory limiter. It protects the
// service from a misbehaving client hammering the consume path; per-user
// correctness never depends on it.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
	}
}

// Allow reports whether key is still under limit for the current window.
func (rl *RateLimiter) Allow(key string, limit int, span time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetsAt) {
		rl.windows[key] = &window{count: 1, resetsAt: now.Add(span)}
		return true
	}
	w.count++
	return w.count <= limit
}

// Cleanup removes expired windows; run it periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, w := range rl.windows {
		if now.After(w.resetsAt) {
			delete(rl.windows, key)
		}
	}
}

// RateLimitPerUser limits requests per (client, user) pair so one noisy
// user cannot starve a client's other traffic.
func RateLimitPerUser(limiter *RateLimiter, limit int, span time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, _ := auth.FromContext(r.Context())
			key := ac.ClientName + "/" + ac.UserID
			if !limiter.Allow(key, limit, span) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
