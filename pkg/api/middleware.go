package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/collabcore/pkg/observability"
)

// RequestLogger logs one line per request
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := map[string]interface{}{
			"client_ip": c.ClientIP(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"method":    c.Request.Method,
			"path":      path,
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
			logger.Warn("Request failed", fields)
			return
		}
		logger.Debug("Request handled", fields)
	}
}
