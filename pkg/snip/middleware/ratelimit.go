package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// KeyLimiter decides whether one more request for key may proceed
type KeyLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Limiter is an in-process per-key token bucket with fixed rate and burst
type Limiter struct {
	mu      sync.Mutex
	rps     float64
	burst   float64
	idle    time.Duration
	buckets map[string]*bucket
	now     func() time.Time
	sweptAt time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewLimiter creates a limiter refilling rps tokens per second up to burst
func NewLimiter(rps, burst int) *Limiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = rps
	}
	return &Limiter{
		rps:     float64(rps),
		burst:   float64(burst),
		idle:    10 * time.Minute,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for key if available
func (l *Limiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictIdle(now)

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, last: now}
		return true, nil
	}

	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed*l.rps)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// evictIdle drops buckets untouched for the idle window. Caller holds mu.
func (l *Limiter) evictIdle(now time.Time) {
	if now.Sub(l.sweptAt) < l.idle {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.last) >= l.idle {
			delete(l.buckets, key)
		}
	}
	l.sweptAt = now
}

// RateLimit rejects requests once the client IP has spent its tokens. A
// limiter error lets the request through.
func RateLimit(lim KeyLimiter, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := lim.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Warn("rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}
		if !ok {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":  "error",
				"message": "Too many requests",
			})
			return
		}
		c.Next()
	}
}

// WhenQuery runs h only for requests that carry the query parameter key
func WhenQuery(key string, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.GetQuery(key); ok {
			h(c)
			return
		}
		c.Next()
	}
}
