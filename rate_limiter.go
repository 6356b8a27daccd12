package main

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a per-key sliding window limiter.
type RateLimiter struct {
	mutex       sync.Mutex
	requests    map[string][]time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

// NewRateLimiter allows maxRequests per key within window. A background goroutine
// drops idle keys every two windows until Stop.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:    make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanup(window * 2)
	return rl
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	valid := rl.prune(key, now)
	if len(valid) >= rl.maxRequests {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}

// prune must be called with the mutex held.
func (rl *RateLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	reqs := rl.requests[key]
	i := 0
	for i < len(reqs) && !reqs[i].After(cutoff) {
		i++
	}
	return reqs[i:]
}

// Remaining returns the number of requests left in the current window
func (rl *RateLimiter) Remaining(key string) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	left := rl.maxRequests - len(rl.prune(key, rl.now()))
	if left < 0 {
		return 0
	}
	return left
}

// ResetTime returns when the oldest request of key leaves the window
func (rl *RateLimiter) ResetTime(key string) time.Time {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	valid := rl.prune(key, rl.now())
	if len(valid) == 0 {
		return rl.now()
	}
	return valid[0].Add(rl.window)
}

func (rl *RateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mutex.Lock()
			now := rl.now()
			for key := range rl.requests {
				if valid := rl.prune(key, now); len(valid) == 0 {
					delete(rl.requests, key)
				} else {
					rl.requests[key] = valid
				}
			}
			rl.mutex.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() error {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
	return nil
}

// GetStats returns statistics about the rate limiter
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	return map[string]interface{}{
		"total_keys":     len(rl.requests),
		"max_requests":   rl.maxRequests,
		"window_seconds": rl.window.Seconds(),
	}
}

// RateLimitMiddleware rejects clients that exceed the per-IP budget with 429.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if !rl.Allow(key) {
			GetLogger().LogRateLimit(c.Request.Context(), key, rl.maxRequests, rl.window)
			GetMetricsCollector().RecordRateLimitReject("per_ip")
			c.Header("Retry-After", strconv.Itoa(int(time.Until(rl.ResetTime(key)).Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining(key)))
		c.Next()
	}
}
