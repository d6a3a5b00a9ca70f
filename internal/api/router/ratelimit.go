package router

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ipRateLimiter keeps one token bucket per client IP. Idle buckets are
// swept during Allow once per half TTL.
type ipRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSeen  map[string]time.Time
	limit     rate.Limit
	burst     int
	evictTTL  time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newIPRateLimiter(limit rate.Limit, burst int, evictTTL time.Duration) *ipRateLimiter {
	if evictTTL <= 0 {
		evictTTL = 10 * time.Minute
	}
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		limit:    limit,
		burst:    burst,
		evictTTL: evictTTL,
		now:      time.Now,
	}
}

// Allow reports whether the given IP is within its rate limit
func (rl *ipRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.evictTTL/2 {
		rl.sweep(now)
	}

	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[ip] = l
	}
	rl.lastSeen[ip] = now
	return l.AllowN(now, 1)
}

func (rl *ipRateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-rl.evictTTL)
	for ip, last := range rl.lastSeen {
		if last.Before(cutoff) {
			delete(rl.limiters, ip)
			delete(rl.lastSeen, ip)
		}
	}
	rl.lastSweep = now
}

func (rl *ipRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// RateLimit configures per-IP request limiting
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
	EvictTTL          time.Duration
}

// Enabled reports whether a limit is configured
func (r RateLimit) Enabled() bool {
	return r.RequestsPerSecond > 0 && r.Burst > 0
}

// RateLimitMiddleware rejects requests over the per-IP limit with 429
func RateLimitMiddleware(cfg RateLimit) gin.HandlerFunc {
	return rateLimit(newIPRateLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst, cfg.EvictTTL))
}

func rateLimit(rl *ipRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
