// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// ADMIN_API_KEY is the only strictly required variable; everything else has a
// usable default for a single-host deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Host is the address the HTTP server binds to. Default: "0.0.0.0".
	Host string

	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// AdminAPIKey authenticates /admin endpoints via the X-API-Key header.
	// Required, minimum 16 characters. Never logged.
	AdminAPIKey string

	// DatabaseURL is the SQLite file path holding the server registry.
	// Default: "gateway.db" in the working directory.
	DatabaseURL string

	// Health controls the background monitoring loop.
	Health HealthConfig

	// Proxy controls request forwarding and failover.
	Proxy ProxyConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AllowPrivateEndpoints relaxes the SSRF checks on registration so that
	// loopback and RFC 1918 backends can register. For local development only.
	// Default: false.
	AllowPrivateEndpoints bool
}

// HealthConfig controls backend health monitoring.
type HealthConfig struct {
	// Interval between probe cycles. Default: 60s, minimum 10s.
	Interval time.Duration

	// ProbeTimeout bounds each individual probe. Default: 10s.
	ProbeTimeout time.Duration

	// MaxConsecutiveFailures is the auto-deregistration threshold. Default: 3.
	MaxConsecutiveFailures int

	// AutoDeregister removes servers that reach the threshold. Default: true.
	AutoDeregister bool
}

// ProxyConfig controls request forwarding.
type ProxyConfig struct {
	// RequestTimeout is the total deadline for buffered forwards. Default: 300s.
	RequestTimeout time.Duration

	// StreamIdleTimeout is the maximum gap between chunks on a streaming
	// forward. Streams have no total deadline. Default: 60s.
	StreamIdleTimeout time.Duration

	// MaxRetryAttempts is the number of additional backends tried after the
	// first attempt fails before any response byte is sent. Default: 2.
	MaxRetryAttempts int

	// MaxRequestBodySize is the request body cap in bytes; larger requests
	// are rejected with 413. Default: 1 MiB.
	MaxRequestBodySize int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "gateway.db")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("ALLOW_PRIVATE_ENDPOINTS", false)

	v.SetDefault("HEALTH_CHECK_INTERVAL_SECONDS", 60)
	v.SetDefault("HEALTH_CHECK_TIMEOUT_SECONDS", 10)
	v.SetDefault("MAX_CONSECUTIVE_FAILURES", 3)
	v.SetDefault("AUTO_DEREGISTER_AFTER_FAILURES", true)

	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 300)
	v.SetDefault("STREAM_IDLE_TIMEOUT_SECONDS", 60)
	v.SetDefault("MAX_RETRY_ATTEMPTS", 2)
	v.SetDefault("MAX_REQUEST_BODY_SIZE", 1<<20)

	cfg := &Config{
		Host:        v.GetString("HOST"),
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		AdminAPIKey: v.GetString("ADMIN_API_KEY"),
		DatabaseURL: v.GetString("DATABASE_URL"),

		Health: HealthConfig{
			Interval:               time.Duration(v.GetInt("HEALTH_CHECK_INTERVAL_SECONDS")) * time.Second,
			ProbeTimeout:           time.Duration(v.GetInt("HEALTH_CHECK_TIMEOUT_SECONDS")) * time.Second,
			MaxConsecutiveFailures: v.GetInt("MAX_CONSECUTIVE_FAILURES"),
			AutoDeregister:         v.GetBool("AUTO_DEREGISTER_AFTER_FAILURES"),
		},

		Proxy: ProxyConfig{
			RequestTimeout:     time.Duration(v.GetInt("REQUEST_TIMEOUT_SECONDS")) * time.Second,
			StreamIdleTimeout:  time.Duration(v.GetInt("STREAM_IDLE_TIMEOUT_SECONDS")) * time.Second,
			MaxRetryAttempts:   v.GetInt("MAX_RETRY_ATTEMPTS"),
			MaxRequestBodySize: v.GetInt("MAX_REQUEST_BODY_SIZE"),
		},

		CORSOrigins:           v.GetStringSlice("CORS_ORIGINS"),
		AllowPrivateEndpoints: v.GetBool("ALLOW_PRIVATE_ENDPOINTS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.AdminAPIKey == "" {
		return fmt.Errorf("config: ADMIN_API_KEY is required")
	}
	if len(c.AdminAPIKey) < 16 {
		return fmt.Errorf("config: ADMIN_API_KEY must be at least 16 characters, got %d", len(c.AdminAPIKey))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL must not be empty")
	}

	if c.Health.Interval < 10*time.Second {
		return fmt.Errorf("config: HEALTH_CHECK_INTERVAL_SECONDS must be at least 10, got %s", c.Health.Interval)
	}
	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("config: HEALTH_CHECK_TIMEOUT_SECONDS must be positive")
	}
	if c.Health.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("config: MAX_CONSECUTIVE_FAILURES must be at least 1, got %d", c.Health.MaxConsecutiveFailures)
	}

	if c.Proxy.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT_SECONDS must be positive")
	}
	if c.Proxy.StreamIdleTimeout <= 0 {
		return fmt.Errorf("config: STREAM_IDLE_TIMEOUT_SECONDS must be positive")
	}
	if c.Proxy.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: MAX_RETRY_ATTEMPTS must not be negative, got %d", c.Proxy.MaxRetryAttempts)
	}
	if c.Proxy.MaxRequestBodySize < 1 {
		return fmt.Errorf("config: MAX_REQUEST_BODY_SIZE must be at least 1 byte, got %d", c.Proxy.MaxRequestBodySize)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
