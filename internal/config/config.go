// Package config loads and validates the block directory configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the BDS_ prefix (e.g., BDS_CATALOG_BASE_URL
// overrides catalog.base_url in the YAML), so the same binary runs from a
// config.yaml locally and from pure environment variables in a container.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Links     LinksConfig     `mapstructure:"links"`
	Install   InstallConfig   `mapstructure:"install"`
	Search    SearchConfig    `mapstructure:"search"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// CatalogConfig describes the remote module catalog that searches are forwarded to.
type CatalogConfig struct {
	// BaseURL is the catalog API root, e.g. https://api.wordpress.org
	BaseURL string `mapstructure:"base_url"`
	// CDNBase is the host (optionally with a path) serving relative block assets
	CDNBase string `mapstructure:"cdn_base"`
	// Timeout bounds a single catalog query. There are no retries.
	Timeout        time.Duration `mapstructure:"timeout"`
	DefaultPerPage int           `mapstructure:"default_per_page"`
	MaxPerPage     int           `mapstructure:"max_per_page"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// LinksConfig controls the hypermedia links attached to every search result.
type LinksConfig struct {
	// BaseURL prefixes every link; falls back to server.base_url when empty
	BaseURL     string `mapstructure:"base_url"`
	InstallPath string `mapstructure:"install_path"`
	PluginPath  string `mapstructure:"plugin_path"`
}

// InstallConfig selects where the local installation index reads from.
type InstallConfig struct {
	Backend     string             `mapstructure:"backend"`
	MainFileExt string             `mapstructure:"main_file_ext"`
	Local       LocalInstallConfig `mapstructure:"local"`
	S3          S3InstallConfig    `mapstructure:"s3"`
	GCS         GCSInstallConfig   `mapstructure:"gcs"`
	Azure       AzureInstallConfig `mapstructure:"azure"`
}

// LocalInstallConfig points at the host's plugin directory on disk
type LocalInstallConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3InstallConfig holds S3-compatible configuration for a plugin tree kept in a bucket
type S3InstallConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO and friends)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	// Prefix is prepended to "<slug>/" when listing
	Prefix string `mapstructure:"prefix"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN              string `mapstructure:"role_arn"`
	RoleSessionName      string `mapstructure:"role_session_name"`
	ExternalID           string `mapstructure:"external_id"`
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSInstallConfig holds Google Cloud Storage configuration
type GCSInstallConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`

	// Authentication method: "default", "service_account", "workload_identity"
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// AzureInstallConfig holds Azure Blob Storage configuration
type AzureInstallConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	Prefix        string `mapstructure:"prefix"`
	// ServiceURL overrides https://<account>.blob.core.windows.net/ (Azurite)
	ServiceURL string `mapstructure:"service_url"`
}

// SearchConfig tunes the per-request pipeline
type SearchConfig struct {
	// Workers bounds how many catalog records are checked and normalized at once
	Workers int `mapstructure:"workers"`
}

// CacheConfig controls the optional catalog response cache
type CacheConfig struct {
	// Backend is one of "none", "memory" or "redis"
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// RedisConfig is shared by the redis cache and the distributed rate limiter
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKeys APIKeyConfig `mapstructure:"api_keys"`
	JWT     JWTConfig    `mapstructure:"jwt"`
}

// APIKeyConfig holds API key authentication configuration
type APIKeyConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Prefix  string         `mapstructure:"prefix"`
	Keys    []APIKeyRecord `mapstructure:"keys"`
}

// APIKeyRecord is one statically provisioned key. Only the bcrypt hash is stored.
type APIKeyRecord struct {
	Name   string   `mapstructure:"name"`
	Hash   string   `mapstructure:"hash"`
	Scopes []string `mapstructure:"scopes"`
}

// JWTConfig holds bearer token verification settings. The signing secret is
// read from BDS_JWT_SECRET, never from the config file.
type JWTConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Issuer  string `mapstructure:"issuer"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// Distributed shares buckets across instances through Redis
	Distributed bool `mapstructure:"distributed"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Catalog
		"catalog.base_url",
		"catalog.cdn_base",
		"catalog.timeout",
		"catalog.default_per_page",
		"catalog.max_per_page",
		"catalog.user_agent",

		// Links
		"links.base_url",
		"links.install_path",
		"links.plugin_path",

		// Installation index
		"install.backend",
		"install.main_file_ext",
		"install.local.base_path",
		"install.s3.endpoint",
		"install.s3.region",
		"install.s3.bucket",
		"install.s3.prefix",
		"install.s3.auth_method",
		"install.s3.access_key_id",
		"install.s3.secret_access_key",
		"install.s3.role_arn",
		"install.s3.role_session_name",
		"install.s3.external_id",
		"install.s3.web_identity_token_file",
		"install.gcs.bucket",
		"install.gcs.prefix",
		"install.gcs.auth_method",
		"install.gcs.credentials_file",
		"install.gcs.credentials_json",
		"install.gcs.endpoint",
		"install.azure.account_name",
		"install.azure.account_key",
		"install.azure.container_name",
		"install.azure.prefix",
		"install.azure.service_url",

		// Search / cache / redis
		"search.workers",
		"cache.backend",
		"cache.ttl",
		"cache.max_entries",
		"redis.url",
		"redis.password",
		"redis.db",

		// Auth
		"auth.api_keys.enabled",
		"auth.api_keys.prefix",
		"auth.jwt.enabled",
		"auth.jwt.issuer",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.distributed",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/block-directory")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("BDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Install.S3.AccessKeyID = expandEnv(cfg.Install.S3.AccessKeyID)
	cfg.Install.S3.SecretAccessKey = expandEnv(cfg.Install.S3.SecretAccessKey)
	cfg.Install.GCS.CredentialsJSON = expandEnv(cfg.Install.GCS.CredentialsJSON)
	cfg.Install.Azure.AccountKey = expandEnv(cfg.Install.Azure.AccountKey)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	// API key hashes are bcrypt strings ("$2a$...") and must not be expanded.

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Catalog defaults
	v.SetDefault("catalog.base_url", "https://api.wordpress.org")
	v.SetDefault("catalog.cdn_base", "ps.w.org")
	v.SetDefault("catalog.timeout", "10s")
	v.SetDefault("catalog.default_per_page", 10)
	v.SetDefault("catalog.max_per_page", 100)
	v.SetDefault("catalog.user_agent", "block-directory/0.1.0")

	// Link defaults
	v.SetDefault("links.base_url", "")
	v.SetDefault("links.install_path", "/api/v1/plugins")
	v.SetDefault("links.plugin_path", "/api/v1/plugins")

	// Installation index defaults
	v.SetDefault("install.backend", "local")
	v.SetDefault("install.main_file_ext", ".php")
	v.SetDefault("install.local.base_path", "./plugins")

	// Pipeline defaults
	v.SetDefault("search.workers", 8)

	// Cache defaults
	v.SetDefault("cache.backend", "none")
	v.SetDefault("cache.ttl", "1m")
	v.SetDefault("cache.max_entries", 512)

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.db", 0)

	// Auth defaults
	v.SetDefault("auth.api_keys.enabled", true)
	v.SetDefault("auth.api_keys.prefix", "bds_")
	v.SetDefault("auth.jwt.enabled", true)
	v.SetDefault("auth.jwt.issuer", "block-directory")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.rate_limiting.distributed", false)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "block-directory")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Catalog
	u, err := url.Parse(c.Catalog.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("catalog.base_url must be an absolute URL: %q", c.Catalog.BaseURL)
	}
	if c.Catalog.CDNBase == "" {
		return fmt.Errorf("catalog.cdn_base is required")
	}
	if c.Catalog.Timeout <= 0 {
		return fmt.Errorf("catalog.timeout must be positive")
	}
	if c.Catalog.MaxPerPage < 1 {
		return fmt.Errorf("catalog.max_per_page must be at least 1")
	}
	if c.Catalog.DefaultPerPage < 1 || c.Catalog.DefaultPerPage > c.Catalog.MaxPerPage {
		return fmt.Errorf("catalog.default_per_page must be between 1 and %d", c.Catalog.MaxPerPage)
	}

	if len(c.Install.MainFileExt) != 4 || !strings.HasPrefix(c.Install.MainFileExt, ".") {
		// The plugin link strips a fixed four-character suffix from the main file.
		return fmt.Errorf("install.main_file_ext must be a dot and three characters, got %q", c.Install.MainFileExt)
	}

	switch c.Install.Backend {
	case "local":
		if c.Install.Local.BasePath == "" {
			return fmt.Errorf("install.local.base_path is required when using local backend")
		}
	case "s3":
		if c.Install.S3.Bucket == "" {
			return fmt.Errorf("install.s3.bucket is required when using S3 backend")
		}
		if c.Install.S3.Region == "" {
			return fmt.Errorf("install.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Install.GCS.Bucket == "" {
			return fmt.Errorf("install.gcs.bucket is required when using GCS backend")
		}
	case "azure":
		if c.Install.Azure.AccountName == "" {
			return fmt.Errorf("install.azure.account_name is required when using Azure backend")
		}
		if c.Install.Azure.AccountKey == "" {
			return fmt.Errorf("install.azure.account_key is required when using Azure backend")
		}
		if c.Install.Azure.ContainerName == "" {
			return fmt.Errorf("install.azure.container_name is required when using Azure backend")
		}
	default:
		return fmt.Errorf("invalid install backend: %s (must be local, s3, gcs, or azure)", c.Install.Backend)
	}

	if c.Search.Workers < 1 {
		return fmt.Errorf("search.workers must be at least 1")
	}

	validCaches := map[string]bool{"none": true, "memory": true, "redis": true}
	if !validCaches[c.Cache.Backend] {
		return fmt.Errorf("invalid cache backend: %s (must be none, memory, or redis)", c.Cache.Backend)
	}
	if c.Cache.Backend != "none" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when caching is enabled")
	}
	if c.Cache.Backend == "memory" && c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1 for the memory cache")
	}
	if c.NeedsRedis() && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when the redis cache or distributed rate limiting is enabled")
	}

	if c.Auth.APIKeys.Enabled {
		for i, k := range c.Auth.APIKeys.Keys {
			if k.Hash == "" {
				return fmt.Errorf("auth.api_keys.keys[%d] (%s) has no hash", i, k.Name)
			}
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// NeedsRedis reports whether any enabled component talks to Redis
func (c *Config) NeedsRedis() bool {
	return c.Cache.Backend == "redis" ||
		(c.Security.RateLimiting.Enabled && c.Security.RateLimiting.Distributed)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LinkBaseURL returns the prefix for hypermedia links
func (c *Config) LinkBaseURL() string {
	if c.Links.BaseURL != "" {
		return strings.TrimRight(c.Links.BaseURL, "/")
	}
	return strings.TrimRight(c.Server.BaseURL, "/")
}
