// Package api exposes the coordination primitives of a coordinator.Service
// over HTTP for operators and scripts.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"coordkit/pkg/api/middleware"
	"coordkit/pkg/coordinator"
	"coordkit/pkg/resilience"
)

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	validator  *middleware.Validator

	svc     *coordinator.Service
	breaker *resilience.CircuitBreaker
	log     *zap.Logger

	mu      sync.Mutex
	members map[string]*member
}

// Config holds API server configuration.
type Config struct {
	Port        string
	ServiceName string
	Service     *coordinator.Service
	// Breaker is reported by /health when set.
	Breaker    *resilience.CircuitBreaker
	Logger     *zap.Logger
	RateLimit  middleware.RateLimiterConfig
	Validation middleware.ValidatorConfig
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "coordd"
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}
	if cfg.Validation.MaxBodySize == 0 {
		cfg.Validation = middleware.DefaultValidatorConfig()
	}

	s := &Server{
		router:    gin.New(),
		limiter:   middleware.NewRateLimiter(cfg.RateLimit),
		validator: middleware.NewValidator(cfg.Validation),
		svc:       cfg.Service,
		breaker:   cfg.Breaker,
		log:       cfg.Logger,
		members:   map[string]*member{},
	}

	// Order matters: the request id must exist before tracing and logging read it.
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestIDMiddleware())
	s.router.Use(middleware.SecurityHeadersMiddleware())
	s.router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	s.router.Use(middleware.MetricsMiddleware())
	s.router.Use(requestLogger(s.log))
	s.router.Use(s.limiter.Middleware())
	s.router.Use(middleware.BodySizeLimitMiddleware(cfg.Validation.MaxBodySize))

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
		// Barrier waits and blocking dequeues hold the response open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and makes the
// members joined through the API leave their groups.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("api server shutting down")
	err := s.httpServer.Shutdown(ctx)
	s.limiter.Stop()

	s.mu.Lock()
	members := s.members
	s.members = map[string]*member{}
	s.mu.Unlock()
	for _, m := range members {
		err = errors.Join(err, m.group.Leave(ctx))
	}
	return err
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		counters := v1.Group("/counters/:id")
		{
			counters.GET("", s.getCounter)
			counters.POST("/increment", s.incrementCounter)
			counters.DELETE("", s.deleteCounter)
		}

		queues := v1.Group("/queues/:id")
		{
			queues.GET("", s.queueSize)
			queues.POST("/items", s.enqueue)
			queues.POST("/dequeue", s.dequeue)
			queues.DELETE("", s.closeQueue)
		}

		barriers := v1.Group("/barriers/:id")
		{
			barriers.POST("/wait", s.waitOnBarrier)
		}

		groups := v1.Group("/groups/:id")
		{
			groups.GET("", s.groupStatus)
			groups.POST("/members", s.joinGroup)
			groups.DELETE("/members", s.leaveGroup)
			groups.GET("/messages", s.groupMessages)
			groups.POST("/messages", s.broadcast)
			groups.DELETE("/messages", s.clearGroupMessages)
			groups.POST("/requests", s.sendReceive)
		}
	}
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
		}
		if kind := c.GetString(middleware.ErrorKindKey); kind != "" {
			fields = append(fields, zap.String("error_kind", kind))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

// healthCheck pings the store and reports the breaker state.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := gin.H{}
	healthy := true
	if err := s.svc.Ping(ctx); err != nil {
		healthy = false
		deps["store"] = gin.H{"ok": false, "error": err.Error()}
	} else {
		deps["store"] = gin.H{"ok": true}
	}
	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		deps["breaker"] = snap
		if snap.State == resilience.CircuitOpen.String() {
			healthy = false
		}
	}

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":          status,
		"dependencies":    deps,
		"janitor_pending": s.svc.Janitor().Pending(),
		"timestamp":       time.Now().UTC(),
	})
}
