// Package middleware carries the HTTP-layer defenses that run before the
// shield pipeline sees a request.
package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ecoshield/proxy/internal/identity"
)

// RateLimiter enforces a per-fingerprint sliding one-minute window ahead of
// the pipeline, so abusive callers burn no downstream budget at all.
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*window
	maxPerMinute int
	burst        int
	logger       *log.Logger
	stopCleanup  chan struct{}
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter. maxPerMinute <= 0 disables limiting.
func NewRateLimiter(maxPerMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = maxPerMinute * 2
	}

	rl := &RateLimiter{
		windows:      make(map[string]*window),
		maxPerMinute: maxPerMinute,
		burst:        burst,
		logger:       log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stopCleanup:  make(chan struct{}),
	}

	if maxPerMinute > 0 {
		go rl.cleanup()
	}

	return rl
}

// Allow reports whether another request from key fits in the current window.
func (rl *RateLimiter) Allow(key string, now time.Time) bool {
	if rl.maxPerMinute <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}

	w.count++
	if w.count > rl.burst {
		rl.logger.Printf("rate limit exceeded (burst) key=%s count=%d", key, w.count)
		return false
	}
	if w.count > rl.maxPerMinute {
		rl.logger.Printf("rate limit exceeded key=%s count=%d limit=%d", key, w.count, rl.maxPerMinute)
		return false
	}
	return true
}

// Middleware keys the limiter by caller fingerprint and rejects over-limit
// requests with 429 before any pipeline work happens.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp := identity.Fingerprint(identity.FromRequest(r))
		if !rl.Allow(fp, time.Now()) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"detail":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop signals the cleanup goroutine to exit.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.start) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}
