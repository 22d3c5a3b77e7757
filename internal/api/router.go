// Package api wires together all HTTP routes for the block directory service.
//
// Route layout:
//   - /health, /ready and /version are unauthenticated operational endpoints.
//   - /api/v1/block-directory/search resolves the caller but never requires
//     credentials at the middleware level; the search service decides whether
//     the caller may browse, so an anonymous request gets the directory's own
//     401 error envelope rather than a generic one.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/block-directory/block-directory/internal/api/blocks"
	"github.com/block-directory/block-directory/internal/auth"
	"github.com/block-directory/block-directory/internal/catalog"
	"github.com/block-directory/block-directory/internal/config"
	"github.com/block-directory/block-directory/internal/directory"
	"github.com/block-directory/block-directory/internal/installs"
	"github.com/block-directory/block-directory/internal/middleware"
)

// Version is reported by /version and overridden at build time.
var Version = "0.1.0"

// SearchPath is the route of the block directory search endpoint
const SearchPath = "/api/v1/block-directory/search"

// Dependencies are the collaborators the router serves.
type Dependencies struct {
	Search blocks.Searcher
	Index  installs.Index
	// Redis is optional; when set it is probed by /ready
	Redis *redis.Client
	// Limiter is optional; nil disables rate limiting
	Limiter middleware.Limiter
}

// BackgroundServices holds resources that must be released during graceful
// shutdown. The caller (cmd/server) calls Shutdown after the HTTP server has
// drained in-flight requests.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
	redis        *redis.Client
}

// Shutdown stops background goroutines and closes shared clients.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter builds every collaborator described by cfg and returns the
// configured engine.
func NewRouter(cfg *config.Config) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		var err error
		rdb, err = catalog.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		bg.redis = rdb
		slog.Info("connected to redis")
	}

	index, err := installs.New(&cfg.Install)
	if err != nil {
		bg.Shutdown()
		return nil, nil, fmt.Errorf("failed to initialize install index: %w", err)
	}
	slog.Info("initialized install index", "backend", cfg.Install.Backend, "main_file_ext", cfg.Install.MainFileExt)

	cache, err := catalog.NewCache(cfg.Cache, rdb)
	if err != nil {
		bg.Shutdown()
		return nil, nil, fmt.Errorf("failed to initialize catalog cache: %w", err)
	}
	searcher := catalog.NewCachedSearcher(catalog.NewClient(cfg.Catalog), cache)
	slog.Info("catalog client ready", "base_url", cfg.Catalog.BaseURL, "cache", cfg.Cache.Backend)

	svc := directory.NewService(directory.Options{
		Checker:    auth.ScopeChecker{},
		Catalog:    searcher,
		Index:      index,
		Normalizer: directory.NewNormalizer(cfg.Catalog.CDNBase, time.Now),
		Links:      directory.NewLinkBuilder(cfg.LinkBaseURL(), cfg.Links),
		Workers:    cfg.Search.Workers,
	})

	limiter, err := middleware.NewLimiterFromConfig(cfg.Security.RateLimiting, rdb)
	if err != nil {
		bg.Shutdown()
		return nil, nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	if rl, ok := limiter.(*middleware.RateLimiter); ok {
		bg.rateLimiters = append(bg.rateLimiters, rl)
	}

	router := newEngine(cfg, Dependencies{
		Search:  svc,
		Index:   index,
		Redis:   rdb,
		Limiter: limiter,
	})
	return router, bg, nil
}

// newEngine registers middleware and routes over deps.
func newEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(deps.Index, deps.Redis))
	router.GET("/version", versionHandler())

	search := router.Group("")
	search.Use(middleware.AuthMiddleware(cfg))
	if deps.Limiter != nil {
		search.Use(middleware.RateLimitMiddleware(deps.Limiter))
	}
	search.GET(SearchPath, blocks.SearchHandler(deps.Search, cfg.Catalog))

	return router
}

// @Summary      Health check
// @Description  Liveness probe. Does not touch any dependency.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Router       /health [get]
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler fails when the install index is unreachable. The remote
// catalog is not probed; its failures surface per request.
//
// @Summary      Readiness check
// @Description  Returns whether the service can answer searches. Probes the install index and, when configured, Redis.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
func readinessHandler(index installs.Index, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := gin.H{}

		if err := index.Ping(ctx); err != nil {
			checks["install_index"] = "unhealthy"
			slog.Warn("readiness: install index probe failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "install index not ready",
			})
			return
		}
		checks["install_index"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				checks["redis"] = "unhealthy"
				slog.Warn("readiness: redis probe failed", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware emits one structured record per request. The output format
// follows the handler installed by telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.RequestID(c)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}
