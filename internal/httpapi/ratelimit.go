package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftlabs/synccore/internal/auth"
)

// RateLimitConfig describes the per-user token bucket policy.
// Refill rate is MaxRequests / WindowSeconds tokens per second; Burst is the
// bucket capacity, so short interactive bursts pass while the long-term rate
// stays bounded.
type RateLimitConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
	Burst         int `json:"burst"`
}

// DefaultRateLimitConfig suits interactive sync clients: 600 req/min with a
// 120-request burst.
var DefaultRateLimitConfig = RateLimitConfig{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow consumes a token when available. Returns remaining tokens, when the
// next token arrives (for Retry-After), and when the bucket refills completely
// (for X-RateLimit-Reset).
func (tb *tokenBucket) allow() (bool, int, time.Time, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	fullReset := now.Add(time.Duration((tb.capacity - tb.tokens) / tb.refillRate * float64(time.Second)))

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullReset
	}

	next := now.Add(time.Duration((1.0 - tb.tokens) / tb.refillRate * float64(time.Second)))
	return false, 0, next, fullReset
}

type rateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	config  RateLimitConfig
}

func newRateLimiter(config RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  config,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) bucket(userID string) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[userID]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[userID]; ok {
		return b
	}
	refillRate := float64(rl.config.MaxRequests) / float64(rl.config.WindowSeconds)
	b = newTokenBucket(rl.config.Burst, refillRate)
	rl.buckets[userID] = b
	return b
}

// cleanupLoop drops buckets idle for over an hour
func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for userID, b := range rl.buckets {
			b.mu.Lock()
			if time.Since(b.lastRefill) > time.Hour {
				delete(rl.buckets, userID)
			}
			b.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware enforces the per-user token bucket. Unauthenticated
// requests pass through; auth rejects them downstream.
func RateLimitMiddleware(config RateLimitConfig) func(http.Handler) http.Handler {
	if config.WindowSeconds <= 0 || config.MaxRequests <= 0 || config.Burst <= 0 {
		config = DefaultRateLimitConfig
	}
	limiter := newRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, nextToken, fullReset := limiter.bucket(userID).allow()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullReset.Unix(), 10))

			if !allowed {
				retryAfter := int(time.Until(nextToken).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("userId", userID).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
