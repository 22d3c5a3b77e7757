package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/block-directory/block-directory/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request.
//
// The path label is the matched route template from c.FullPath(), so query
// strings and unknown paths do not create new series. Requests that match no
// route use "<no-route>".
//
// Register after gin.Recovery() and RequestIDMiddleware so the final status
// written by error handlers is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
