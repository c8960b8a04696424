// Package config provides configuration management for the CMR tiler service.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the complete application configuration loaded from environment variables.
type Config struct {
	Server     ServerConfig     `envPrefix:"SERVER_"`
	API        APIConfig        `envPrefix:"API_"`
	CMR        CMRConfig        `envPrefix:"CMR_"`
	Cache      CacheConfig      `envPrefix:"CACHE_"`
	Retry      RetryConfig      `envPrefix:"RETRY_"`
	Auth       AuthConfig       `envPrefix:"AUTH_"`
	Mosaic     MosaicConfig     `envPrefix:"MOSAIC_"`
	Timeseries TimeseriesConfig `envPrefix:"TIMESERIES_"`
	Logging    LoggingConfig    `envPrefix:"LOG_"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// APIConfig contains the public API surface settings.
type APIConfig struct {
	Name         string   `env:"NAME" envDefault:"cmr-tiler"`
	RootPath     string   `env:"ROOT_PATH" envDefault:""`
	CORSOrigins  []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	CacheControl string   `env:"CACHE_CONTROL" envDefault:"public, max-age=3600"`
	Debug        bool     `env:"DEBUG" envDefault:"false"`
}

// CMRConfig contains CMR API client configuration.
type CMRConfig struct {
	BaseURL  string        `env:"BASE_URL" envDefault:"https://cmr.earthdata.nasa.gov/search"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"30s"`
	PageSize int           `env:"PAGE_SIZE" envDefault:"100"`
	SortKey  string        `env:"SORT_KEY" envDefault:"-start_date"`
}

// CacheConfig controls the asset discovery cache.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend       string        `env:"BACKEND" envDefault:"memory"`
	TTL           time.Duration `env:"TTL" envDefault:"300s"`
	MaxSize       int           `env:"MAXSIZE" envDefault:"512"`
	Disable       bool          `env:"DISABLE" envDefault:"false"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix     string        `env:"KEY_PREFIX" envDefault:"cmr-tiler:assets:"`
}

// RetryConfig controls discovery retries.
type RetryConfig struct {
	Tries int           `env:"TRIES" envDefault:"3"`
	Delay time.Duration `env:"DELAY" envDefault:"0s"`
}

// AuthConfig selects how Earthdata identity and S3 credentials are obtained.
type AuthConfig struct {
	// Strategy is "environment" or "iam".
	Strategy string `env:"STRATEGY" envDefault:"environment"`
	// Access is "direct" (in-region S3) or "external" (HTTPS).
	Access              string            `env:"ACCESS" envDefault:"external"`
	Region              string            `env:"REGION" envDefault:"us-west-2"`
	Timeout             time.Duration     `env:"TIMEOUT" envDefault:"10s"`
	CredentialTTL       time.Duration     `env:"CREDENTIAL_TTL" envDefault:"50s"`
	CredentialCacheSize int               `env:"CREDENTIAL_CACHE_SIZE" envDefault:"128"`
	CredentialEndpoints map[string]string `env:"CREDENTIAL_ENDPOINTS" envDefault:"" envKeyValSeparator:"="`
	// TrustedDomains receive the Earthdata identity on HTTPS asset reads.
	TrustedDomains []string `env:"TRUSTED_DOMAINS" envDefault:"earthdata.nasa.gov,earthdatacloud.nasa.gov,asf.alaska.edu" envSeparator:","`
}

// MosaicConfig controls concurrent per-asset reads.
type MosaicConfig struct {
	// Concurrency of 0 means 4 x NumCPU.
	Concurrency int           `env:"CONCURRENCY" envDefault:"0"`
	ReadTimeout time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	MaxSize     int           `env:"MAX_SIZE" envDefault:"1024"`
	// MaxDimension caps any requested output width or height.
	MaxDimension int `env:"MAX_DIMENSION" envDefault:"4096"`
	// AllowLocalFiles lets catalog URLs name file:// or bare local paths.
	AllowLocalFiles bool `env:"ALLOW_LOCAL_FILES" envDefault:"false"`
}

// TimeseriesConfig controls the timeseries fan-out.
type TimeseriesConfig struct {
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"60s"`
	BaseURL    string        `env:"BASE_URL" envDefault:""`
	MaxWindows int           `env:"MAX_WINDOWS" envDefault:"500"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load parses configuration from environment variables.
// It returns an error if required fields are missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}

	opts := env.Options{
		RequiredIfNoDef: true,
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.Cache.Disable {
		cfg.Cache.TTL = 0
		cfg.Cache.MaxSize = 0
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive, got %s", c.Server.ReadTimeout)
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive, got %s", c.Server.WriteTimeout)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}

	if c.CMR.BaseURL == "" {
		return fmt.Errorf("CMR base URL is required")
	}

	if c.CMR.Timeout <= 0 {
		return fmt.Errorf("CMR timeout must be positive, got %s", c.CMR.Timeout)
	}

	if c.CMR.PageSize < 1 || c.CMR.PageSize > 2000 {
		return fmt.Errorf("CMR page size must be between 1 and 2000, got %d", c.CMR.PageSize)
	}

	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache backend must be 'memory' or 'redis', got %q", c.Cache.Backend)
	}

	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache ttl must not be negative, got %s", c.Cache.TTL)
	}

	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("cache maxsize must not be negative, got %d", c.Cache.MaxSize)
	}

	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("redis address is required for the redis cache backend")
	}

	if c.Retry.Tries < 0 {
		return fmt.Errorf("retry tries must not be negative, got %d", c.Retry.Tries)
	}

	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", c.Retry.Delay)
	}

	if c.Auth.Strategy != "environment" && c.Auth.Strategy != "iam" {
		return fmt.Errorf("auth strategy must be 'environment' or 'iam', got %q", c.Auth.Strategy)
	}

	if c.Auth.Access != "direct" && c.Auth.Access != "external" {
		return fmt.Errorf("auth access must be 'direct' or 'external', got %q", c.Auth.Access)
	}

	if c.Auth.CredentialTTL <= 0 {
		return fmt.Errorf("credential ttl must be positive, got %s", c.Auth.CredentialTTL)
	}

	// S3 credentials issued by DAAC endpoints live for one hour.
	if c.Auth.CredentialTTL >= time.Hour {
		return fmt.Errorf("credential ttl must be below the 1h credential lifetime, got %s", c.Auth.CredentialTTL)
	}

	if c.Mosaic.Concurrency < 0 {
		return fmt.Errorf("mosaic concurrency must not be negative, got %d", c.Mosaic.Concurrency)
	}

	if c.Mosaic.ReadTimeout <= 0 {
		return fmt.Errorf("mosaic read timeout must be positive, got %s", c.Mosaic.ReadTimeout)
	}

	if c.Mosaic.MaxSize < 1 {
		return fmt.Errorf("mosaic max size must be at least 1, got %d", c.Mosaic.MaxSize)
	}

	if c.Mosaic.MaxDimension < c.Mosaic.MaxSize {
		return fmt.Errorf("mosaic max dimension %d must not be below max size %d", c.Mosaic.MaxDimension, c.Mosaic.MaxSize)
	}

	if c.Timeseries.Timeout <= 0 {
		return fmt.Errorf("timeseries timeout must be positive, got %s", c.Timeseries.Timeout)
	}

	if c.Timeseries.MaxWindows < 1 {
		return fmt.Errorf("timeseries max windows must be at least 1, got %d", c.Timeseries.MaxWindows)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, text", c.Logging.Format)
	}

	return nil
}

// Address returns the server listen address in the format "host:port".
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CacheEnabled reports whether discovery results should be cached at all.
func (c *CacheConfig) CacheEnabled() bool {
	return !c.Disable && c.TTL > 0 && c.MaxSize > 0
}
