package middleware

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request ID string.
	RequestIDKey = "request_id"

	// maxRequestIDLen caps identifiers accepted from upstream proxies
	maxRequestIDLen = 128
)

// RequestIDMiddleware reuses an inbound X-Request-ID or generates a UUID v4,
// stores it under RequestIDKey and echoes it on the response.
//
// Inbound IDs longer than 128 bytes are replaced so a client cannot inflate
// every log line written for its request.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// RequestID returns the identifier stored by RequestIDMiddleware.
func RequestID(c *gin.Context) string {
	id, _ := c.Get(RequestIDKey)
	s, _ := id.(string)
	return s
}

// RequestLogger returns the default logger annotated with the request ID.
func RequestLogger(c *gin.Context) *slog.Logger {
	if id := RequestID(c); id != "" {
		return slog.Default().With("request_id", id)
	}
	return slog.Default()
}
