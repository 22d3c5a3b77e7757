// @title           Block Directory API
// @version         0.1.0
// @description     Searches a remote plugin catalog for installable blocks, filters out what is already installed and returns normalized results with install links.
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "JWT token or API key. For JWT: 'Bearer {token}'. For API Key: 'Bearer {api_key}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090), separate from the main API server. Configure it with BDS_TELEMETRY_METRICS_PROMETHEUS_PORT. The path is always GET /metrics and is not part of the OpenAPI spec.

// Package main is the entry point for the block directory server binary.
// Subcommands (serve, token, version) are dispatched with a switch on os.Args.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/block-directory/block-directory/internal/api"
	"github.com/block-directory/block-directory/internal/auth"
	"github.com/block-directory/block-directory/internal/config"
	"github.com/block-directory/block-directory/internal/safego"
	"github.com/block-directory/block-directory/internal/telemetry"

	// Install index backends register themselves in init().
	_ "github.com/block-directory/block-directory/internal/installs/azure"
	_ "github.com/block-directory/block-directory/internal/installs/gcs"
	_ "github.com/block-directory/block-directory/internal/installs/local"
	_ "github.com/block-directory/block-directory/internal/installs/s3"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("Block Directory v%s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "token":
		return issueToken(cfg, os.Args[2:])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, token, version", command)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Auth.JWT.Enabled {
		if err := auth.ValidateJWTSecret(); err != nil {
			return fmt.Errorf("security configuration error: %w", err)
		}
		slog.Info("jwt secret validated")
	}

	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router, bgServices, err := api.NewRouter(cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.LinkBaseURL(),
			"install_backend", cfg.Install.Backend,
			"tls", cfg.Security.TLS.Enabled,
		)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// issueToken prints a signed bearer token for local testing:
//
//	server token <subject> [scope,scope] [ttl]
func issueToken(cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s token <subject> [scopes] [ttl]", os.Args[0])
	}
	subject := args[0]

	scopes := []string{string(auth.ScopeBlocksInstall), string(auth.ScopeBlocksActivate)}
	if len(args) > 1 && args[1] != "" {
		scopes = strings.Split(args[1], ",")
	}
	if err := auth.ValidateScopes(scopes); err != nil {
		return err
	}

	ttl := time.Hour
	if len(args) > 2 {
		d, err := time.ParseDuration(args[2])
		if err != nil {
			return fmt.Errorf("invalid ttl %q: %w", args[2], err)
		}
		ttl = d
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return err
	}
	token, err := auth.GenerateJWT(subject, cfg.Auth.JWT.Issuer, scopes, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}
