// Package middleware provides Gin HTTP middleware for caller resolution, rate
// limiting, security headers, request IDs and metrics.
//
// Middleware ordering is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → Auth → RateLimit → Handler
//
// Auth runs before rate limiting so limits are keyed by caller identity where
// one exists, and by client IP otherwise.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/block-directory/block-directory/internal/auth"
	"github.com/block-directory/block-directory/internal/config"
)

// CallerKey is the gin.Context key holding the resolved auth.Caller
const CallerKey = "caller"

// AuthMiddleware resolves the caller from the Authorization header.
//
// No header means an anonymous caller; whether that is enough is decided by the
// handler's capability check. A bearer token starting with the configured API
// key prefix is matched against the configured key hashes. Any other token is
// validated as a JWT. Credentials that are present but invalid are rejected
// with 401 without reaching the handler.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	keys := make([]auth.KeyRecord, 0, len(cfg.Auth.APIKeys.Keys))
	for _, k := range cfg.Auth.APIKeys.Keys {
		keys = append(keys, auth.KeyRecord{Name: k.Name, Hash: k.Hash, Scopes: k.Scopes})
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Set(CallerKey, auth.Anonymous())
			c.Next()
			return
		}

		token, err := auth.ExtractBearerToken(authHeader)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		prefix := cfg.Auth.APIKeys.Prefix
		if cfg.Auth.APIKeys.Enabled && prefix != "" && strings.HasPrefix(token, prefix) {
			record, ok := auth.MatchAPIKey(token, keys)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid API key",
				})
				return
			}
			c.Set(CallerKey, auth.Caller{
				ID:            "apikey:" + record.Name,
				Method:        "api_key",
				Scopes:        record.Scopes,
				Authenticated: true,
			})
			c.Next()
			return
		}

		if !cfg.Auth.JWT.Enabled {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		claims, err := auth.ValidateJWT(token, cfg.Auth.JWT.Issuer)
		if err != nil {
			slog.Debug("rejected bearer token", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		c.Set(CallerKey, auth.Caller{
			ID:            "user:" + claims.Subject,
			Method:        "jwt",
			Scopes:        claims.Scopes,
			Authenticated: true,
		})
		c.Next()
	}
}

// CallerFromContext returns the caller stored by AuthMiddleware, or an anonymous
// caller when none was stored.
func CallerFromContext(c *gin.Context) auth.Caller {
	if v, ok := c.Get(CallerKey); ok {
		if caller, ok := v.(auth.Caller); ok {
			return caller
		}
	}
	return auth.Anonymous()
}
