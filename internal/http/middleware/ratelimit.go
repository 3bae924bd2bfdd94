// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory, per-identity token-bucket rate limiter
// built on golang.org/x/time/rate. It is process-local; idle buckets are
// evicted opportunistically. Idempotent replays bypass it (see
// IdempotencyValidator).
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to a bucket identity.
type keyFunc func(*gin.Context) string

// KeyByClientOrIP keys buckets by X-Client-ID when the caller sent one and by
// client IP otherwise. Anonymous callers never share a bucket across IPs.
func KeyByClientOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id := ClientIDFrom(c); id != AnonymousClient {
			return "client:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter. Safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	sweepN   uint64
	now      func() time.Time
}

// NewRateLimiter builds a limiter refilling rps tokens per second with the
// given burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

// limiterFor returns the bucket for key. Every 1024 lookups idle buckets are
// dropped first, so a stale bucket is never refreshed by the lookup itself.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.sweepN++
	if rl.sweepN >= 1024 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.sweepN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay that should not consume tokens.
func IsRateBypass(c *gin.Context) bool {
	b, _ := c.Value(ctxKeyRateBypass).(bool)
	return b
}

// Handler enforces the limit. Rejected requests get 429 with Retry-After set
// to the whole seconds until the next token.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		lim := rl.limiterFor(rl.keyFn(c))
		now := rl.now()
		r := lim.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		if r.OK() && delay == 0 {
			c.Next()
			return
		}
		r.CancelAt(now)

		secs := 1
		if r.OK() {
			secs = max(1, int(math.Ceil(delay.Seconds())))
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
