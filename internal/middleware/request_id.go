// Package middleware provides HTTP middleware for the actor-kit router.
// This file implements request ID generation and correlation.
//
// Each request gets a UUIDv4 (or keeps one supplied by an upstream proxy via
// X-Request-ID), stored in the Gin context and echoed in the response header
// so callers can reference it when reporting problems.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the header name for request ID
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the Gin context key for request ID
	RequestIDKey = "request_id"
)

// RequestID generates or propagates a per-request correlation id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Request.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(RequestIDKey, requestID)
		c.Writer.Header().Set(RequestIDHeader, requestID)

		c.Next()
	}
}

// GetRequestID returns the request ID from the Gin context.
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(RequestIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
