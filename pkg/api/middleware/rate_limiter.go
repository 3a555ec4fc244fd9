package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig allows 10 requests per second per client.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 600,
		BurstSize:         100,
		CleanupInterval:   5 * time.Minute,
	}
}

// clientBucket tracks rate limit state for a single client
type clientBucket struct {
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// RateLimiter implements a token bucket rate limiter with per-client tracking
type RateLimiter struct {
	clients   map[string]*clientBucket
	mu        sync.RWMutex
	config    RateLimiterConfig
	rate      float64 // tokens per second
	maxTokens float64
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimiterConfig().CleanupInterval
	}
	rl := &RateLimiter{
		clients:   make(map[string]*clientBucket),
		config:    config,
		rate:      float64(config.RequestsPerMinute) / 60.0,
		maxTokens: float64(config.BurstSize),
		stop:      make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// cleanup removes stale client entries periodically
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.config.CleanupInterval)
		for key, bucket := range rl.clients {
			bucket.mu.Lock()
			if bucket.lastRefill.Before(cutoff) {
				delete(rl.clients, key)
			}
			bucket.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// Stop ends the cleanup goroutine. The limiter keeps answering Allow.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.clients)
}

// Allow checks if a request from the given client should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	bucket, exists := rl.clients[clientID]
	if !exists {
		bucket = &clientBucket{
			tokens:     rl.maxTokens,
			lastRefill: time.Now(),
		}
		rl.clients[clientID] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	// Refill tokens based on time elapsed
	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens += elapsed * rl.rate
	if bucket.tokens > rl.maxTokens {
		bucket.tokens = rl.maxTokens
	}
	bucket.lastRefill = now

	// Check if we have tokens available
	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}

	return false
}

// Middleware returns a Gin middleware handler for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.ClientIP()

		if !rl.Allow(clientID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": rl.retryAfter().String(),
			})
			return
		}

		c.Next()
	}
}

// retryAfter is the time one token takes to refill.
func (rl *RateLimiter) retryAfter() time.Duration {
	if rl.rate <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / rl.rate).Round(time.Second)
}
