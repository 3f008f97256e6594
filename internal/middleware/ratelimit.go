// Package middleware holds the HTTP cross-cutting layers: per-client rate
// limiting, idempotent POST replay and request tracing.
package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter bounds request rates per client IP. With a redis client the
// limit is a fixed one-minute window shared across replicas; without one it
// degrades to an in-process token bucket. Redis errors fail open.
type RateLimiter struct {
	redis             *redis.Client
	logger            *zap.Logger
	requestsPerMinute int
	burst             int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates a rate limiter. redis may be nil.
func NewRateLimiter(rdb *redis.Client, requestsPerMinute, burst int, logger *zap.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	if burst < 0 {
		burst = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:             rdb,
		logger:            logger,
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
		buckets:           make(map[string]*rate.Limiter),
	}
}

// Middleware returns the HTTP middleware function.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)

		var allowed bool
		var remaining int
		var resetAt time.Time
		if rl.redis != nil {
			allowed, remaining, resetAt = rl.checkRedis(r, client)
		} else {
			allowed, remaining, resetAt = rl.checkLocal(client)
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.requestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client", client),
				zap.String("path", r.URL.Path),
			)
			retry := resetAt.Unix() - time.Now().Unix()
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"rate_limited","message":"too many requests, retry after the window resets"}}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkRedis counts the request against a fixed one-minute window.
func (rl *RateLimiter) checkRedis(r *http.Request, client string) (allowed bool, remaining int, resetAt time.Time) {
	ctx := r.Context()
	now := time.Now()
	window := now.Truncate(time.Minute)
	windowKey := fmt.Sprintf("observer:ratelimit:%s:%d", client, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	_, err := pipe.Exec(ctx)
	if err != nil {
		// Fail open: a broken redis must not take the observer down with it.
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		return true, rl.requestsPerMinute, window.Add(time.Minute)
	}

	count := incr.Val()
	limit := int64(rl.requestsPerMinute + rl.burst)
	remaining = int(limit - count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, remaining, window.Add(time.Minute)
}

// checkLocal uses a per-client token bucket when no redis is configured.
func (rl *RateLimiter) checkLocal(client string) (allowed bool, remaining int, resetAt time.Time) {
	rl.mu.Lock()
	bucket, ok := rl.buckets[client]
	if !ok {
		burst := rl.burst
		if burst < 1 {
			burst = 1
		}
		bucket = rate.NewLimiter(rate.Limit(float64(rl.requestsPerMinute)/60.0), burst)
		rl.buckets[client] = bucket
	}
	rl.mu.Unlock()

	allowed = bucket.Allow()
	remaining = int(bucket.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, time.Now().Add(time.Minute)
}

// clientIP resolves the client address, trusting proxy headers when set.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
