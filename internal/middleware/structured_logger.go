package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonmumm/actor-kit/internal/logger"
)

// StructuredLogger logs every request with request id, method, path, status,
// duration and client IP. Successful requests log at info, client errors at
// warn, server errors at error.
func StructuredLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		event := logger.HTTP().Info()
		switch {
		case status >= 500:
			event = logger.HTTP().Error()
		case status >= 400:
			event = logger.HTTP().Warn()
		}

		event.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Int64("duration_ms", duration.Milliseconds()).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent())

		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}

		event.Msg("Request completed")
	}
}
