package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidatorConfig holds validation configuration
type ValidatorConfig struct {
	MaxBodySize    int64 // Maximum request body size in bytes
	MaxIDLength    int   // Maximum primitive id length
	MaxPayloadSize int   // Maximum queue item or message size in bytes
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize:    1 << 20, // 1MB
		MaxIDLength:    128,
		MaxPayloadSize: 512 * 1024,
	}
}

// Validator checks request parameters before they reach the store.
type Validator struct {
	config ValidatorConfig
}

// NewValidator creates a new validator with the given config
func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateID checks a primitive id taken from the URL. Ids become a single
// path segment in the store, so separators are refused.
func (v *Validator) ValidateID(id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if len(id) > v.config.MaxIDLength {
		return &ValidationError{Field: "id", Message: "id exceeds maximum length"}
	}
	if strings.ContainsAny(id, "/\x00") || id == "." || id == ".." {
		return &ValidationError{Field: "id", Message: "id must be a single path segment"}
	}
	return nil
}

// ValidatePayload checks the size of data that will be stored as node data.
func (v *Validator) ValidatePayload(data []byte) error {
	if len(data) > v.config.MaxPayloadSize {
		return &ValidationError{Field: "data", Message: "data exceeds maximum size"}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// RequestIDMiddleware propagates X-Request-ID or assigns a new one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
