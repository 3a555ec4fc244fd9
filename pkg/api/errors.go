package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"coordkit/pkg/api/middleware"
	"coordkit/pkg/coordinator"
	"coordkit/pkg/primitives"
	"coordkit/pkg/resilience"
)

// classify maps an error onto an HTTP status and a short kind label.
func classify(err error) (int, string) {
	var verr *middleware.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, coordinator.ErrServiceClosed):
		return http.StatusServiceUnavailable, "service_closed"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, primitives.ErrInvalidConfiguration):
		return http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, primitives.ErrWaitTimeout):
		return http.StatusGatewayTimeout, "wait_timeout"
	case errors.Is(err, primitives.ErrPeerUnreachable):
		return http.StatusNotFound, "peer_unreachable"
	case errors.Is(err, primitives.ErrPeerError):
		return http.StatusBadGateway, "peer_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "canceled"
	default:
		return http.StatusInternalServerError, "store"
	}
}

// respondError writes the JSON error body and tags the request with the
// error kind for the metrics and tracing middleware.
func (s *Server) respondError(c *gin.Context, err error) {
	status, kind := classify(err)
	c.Set(middleware.ErrorKindKey, kind)
	if status >= http.StatusInternalServerError && kind != "wait_timeout" {
		s.log.Warn("primitive operation failed",
			zap.String("route", c.FullPath()),
			zap.String("kind", kind),
			zap.Error(err))
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	var pe *primitives.Error
	if errors.As(err, &pe) && pe.Message != "" {
		body["message"] = pe.Message
	}
	c.AbortWithStatusJSON(status, body)
}

// bindJSON binds the body and answers 400 on failure.
func (s *Server) bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.Set(middleware.ErrorKindKey, "bad_request")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "bad_request"})
		return false
	}
	return true
}

// pathID validates the :id parameter.
func (s *Server) pathID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := s.validator.ValidateID(id); err != nil {
		s.respondError(c, err)
		return "", false
	}
	return id, true
}
