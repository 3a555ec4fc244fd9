package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "coordkit/pkg/api/middleware"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newLimiter(t *testing.T, config RateLimiterConfig) *RateLimiter {
	limiter := NewRateLimiter(config)
	t.Cleanup(limiter.Stop)
	return limiter
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := newLimiter(t, RateLimiterConfig{
		RequestsPerMinute: 10,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})

	for i := 0; i < 5; i++ {
		if !limiter.Allow("client1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
}

func TestRateLimiter_BlocksExcessRequests(t *testing.T) {
	limiter := newLimiter(t, RateLimiterConfig{
		RequestsPerMinute: 60, // 1 per second
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})

	limiter.Allow("client1")
	limiter.Allow("client1")

	if limiter.Allow("client1") {
		t.Error("third request should be blocked after burst exhausted")
	}
}

func TestRateLimiter_SeparatesClients(t *testing.T) {
	limiter := newLimiter(t, RateLimiterConfig{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	limiter.Allow("client1")

	if !limiter.Allow("client2") {
		t.Error("different client should have separate quota")
	}
	if limiter.Clients() != 2 {
		t.Errorf("expected 2 tracked clients, got %d", limiter.Clients())
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	limiter := newLimiter(t, RateLimiterConfig{
		RequestsPerMinute: 6000, // 100 per second for quick test
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	limiter.Allow("client1")
	time.Sleep(20 * time.Millisecond)

	if !limiter.Allow("client1") {
		t.Error("token should have refilled after waiting")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1})
	limiter.Stop()
	limiter.Stop()

	if !limiter.Allow("client1") {
		t.Error("stopped limiter should still answer Allow")
	}
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	limiter := newLimiter(t, RateLimiterConfig{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("first request expected 200, got %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request expected 429, got %d", w2.Code)
	}
}
