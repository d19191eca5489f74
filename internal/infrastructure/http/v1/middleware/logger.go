package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"consecutive/pkg/logger"
)

// Logger middleware logs HTTP requests with timing and status. Requests rejected
// as busy are logged at debug level: contention is expected under load.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		write := log.WithContext(c.Request.Context()).Infow
		if c.GetBool(busyKey) {
			write = log.WithContext(c.Request.Context()).Debugw
		}
		write("http request",
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
			"error", c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)
	}
}
