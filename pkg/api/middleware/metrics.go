package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrorKindKey is the gin context key a handler sets to the error kind it
// answered with, e.g. "wait_timeout".
const ErrorKindKey = "error_kind"

var (
	// HTTPRequestsTotal counts total HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks request latency. Blocking routes
	// (barrier wait, blocking dequeue) land in the upper buckets.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordkit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordkit",
			Subsystem: "http",
			Name:      "request_size_bytes",
			Help:      "HTTP request body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"method", "route"},
	)

	// HTTPErrorsTotal counts error responses by primitive error kind.
	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Error responses by route and error kind",
		},
		[]string{"route", "kind"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coordkit",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		start := time.Now()
		route := routeLabel(c.FullPath())
		method := c.Request.Method

		HTTPActiveRequests.Inc()
		defer HTTPActiveRequests.Dec()

		if c.Request.ContentLength > 0 {
			HTTPRequestSize.WithLabelValues(method, route).Observe(float64(c.Request.ContentLength))
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if kind := c.GetString(ErrorKindKey); kind != "" {
			HTTPErrorsTotal.WithLabelValues(route, kind).Inc()
		}
	}
}

// routeLabel uses the route template so ids do not explode label
// cardinality; unmatched routes share one label.
func routeLabel(route string) string {
	if route == "" {
		return "unmatched"
	}
	return route
}
