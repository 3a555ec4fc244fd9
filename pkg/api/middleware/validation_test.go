package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "coordkit/pkg/api/middleware"

	"github.com/gin-gonic/gin"
)

func TestValidator_ValidateID_AcceptsSegments(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	for _, id := range []string{"jobs", "worker-pool_1", "a.b"} {
		if err := v.ValidateID(id); err != nil {
			t.Errorf("expected id '%s' to be valid, got error: %v", id, err)
		}
	}
}

func TestValidator_ValidateID_RejectsBadIDs(t *testing.T) {
	config := DefaultValidatorConfig()
	config.MaxIDLength = 8
	v := NewValidator(config)

	for _, id := range []string{"", "a/b", "..", ".", "waytoolongid"} {
		if err := v.ValidateID(id); err == nil {
			t.Errorf("expected id '%s' to be rejected", id)
		}
	}
}

func TestValidator_ValidatePayload_RejectsTooLarge(t *testing.T) {
	config := DefaultValidatorConfig()
	config.MaxPayloadSize = 4
	v := NewValidator(config)

	if err := v.ValidatePayload([]byte("ok")); err != nil {
		t.Errorf("expected small payload to be valid, got %v", err)
	}
	if err := v.ValidatePayload([]byte("too large")); err == nil {
		t.Error("expected large payload to be rejected")
	}
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Field:   "id",
		Message: "is required",
	}

	expected := "id: is required"
	if err.Error() != expected {
		t.Errorf("expected '%s', got '%s'", expected, err.Error())
	}
}

func TestBodySizeLimitMiddleware_Rejects413(t *testing.T) {
	router := gin.New()
	router.Use(BodySizeLimitMiddleware(8))
	router.POST("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/test", strings.NewReader("this body is too long")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/test", strings.NewReader("short")))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(RequestIDKey))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	generated := w.Header().Get("X-Request-ID")
	if len(generated) != 36 {
		t.Errorf("expected a generated uuid, got '%s'", generated)
	}
	if w.Body.String() != generated {
		t.Errorf("context id '%s' differs from header '%s'", w.Body.String(), generated)
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "upstream-42")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "upstream-42" {
		t.Errorf("expected propagated id, got '%s'", got)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(SecurityHeadersMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
}
