// Package config provides configuration management for the signing
// service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/pgp-signing-service/internal/networking"
)

// Default configuration values.
const (
	DefaultServerPort        = 8080
	DefaultLogLevel          = "info"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultMetricsEnabled    = true
	DefaultKeyStorePath      = "data/keys.json"
	DefaultAuditDBPath       = "data/audit.db"
	DefaultRateLimitWindow   = 60 * time.Second
	DefaultRateLimitCapacity = 30
	DefaultKeyCacheTTL       = 5 * time.Minute
	DefaultMaxBodyBytes      = 1 << 20
)

// Environment variable names. The security-sensitive variables keep
// their conventional unprefixed names.
const (
	EnvServerPort        = "APP_SERVER_PORT"
	EnvLogLevel          = "APP_LOG_LEVEL"
	EnvShutdownTimeout   = "APP_SHUTDOWN_TIMEOUT"
	EnvMetricsEnabled    = "APP_METRICS_ENABLED"
	EnvTLSEnabled        = "APP_TLS_ENABLED"
	EnvTLSCertPath       = "APP_TLS_CERT_PATH"
	EnvTLSKeyPath        = "APP_TLS_KEY_PATH"
	EnvKeyStorePath      = "APP_KEY_STORE_PATH"
	EnvAuditDBPath       = "APP_AUDIT_DB_PATH"
	EnvRateLimitWindow   = "APP_RATE_LIMIT_WINDOW"
	EnvRateLimitCapacity = "APP_RATE_LIMIT_CAPACITY"
	EnvKeyCacheTTL       = "APP_KEY_CACHE_TTL"
	EnvMaxBodyBytes      = "APP_MAX_BODY_BYTES"
	EnvOIDCAudience      = "APP_OIDC_AUDIENCE"
	EnvAdminToken        = "ADMIN_TOKEN" //nolint:gosec // env var name, not a credential
	EnvKeyPassphrase     = "KEY_PASSPHRASE"
	EnvAllowedIssuers    = "ALLOWED_ISSUERS"
	EnvAllowedOrigins    = "ALLOWED_ORIGINS"
	EnvDefaultKeyID      = "KEY_ID"
)

// Config holds the application configuration.
type Config struct {
	// Server settings.
	ServerPort      int
	LogLevel        string
	ShutdownTimeout time.Duration
	MetricsEnabled  bool

	// TLS settings.
	TLSEnabled  bool
	TLSCertPath string
	TLSKeyPath  string

	// Authentication settings.
	AdminToken     string
	AllowedIssuers string
	OIDCAudience   string

	// Signing settings.
	KeyPassphrase string
	DefaultKeyID  string

	// Storage settings.
	KeyStorePath string
	AuditDBPath  string

	// Rate limit and cache settings.
	RateLimitWindow   time.Duration
	RateLimitCapacity int
	KeyCacheTTL       time.Duration

	// Request settings.
	MaxBodyBytes   int64
	AllowedOrigins string
}

// Validation errors.
var (
	ErrInvalidServerPort      = errors.New("server port must be between 1 and 65535")
	ErrInvalidLogLevel        = errors.New("log level must be one of: debug, info, warn, error")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
	ErrMissingAdminToken      = errors.New("ADMIN_TOKEN must be set")
	ErrMissingIssuers         = errors.New("ALLOWED_ISSUERS must list at least one issuer URL")
	ErrInvalidIssuer          = errors.New("allowed issuer is not an acceptable https URL")
	ErrInvalidTLSCertRequired = errors.New(
		"TLS cert path and key path must be set when TLS is enabled",
	)
	ErrInvalidRateLimit = errors.New(
		"rate limit window and capacity must be positive",
	)
	ErrInvalidKeyCacheTTL = errors.New("key cache TTL must be positive")
	ErrInvalidMaxBody     = errors.New("max body bytes must be positive")
)

// Load reads configuration from environment variables with defaults.
// Environment variables have priority over default values.
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort:        DefaultServerPort,
		LogLevel:          DefaultLogLevel,
		ShutdownTimeout:   DefaultShutdownTimeout,
		MetricsEnabled:    DefaultMetricsEnabled,
		KeyStorePath:      DefaultKeyStorePath,
		AuditDBPath:       DefaultAuditDBPath,
		RateLimitWindow:   DefaultRateLimitWindow,
		RateLimitCapacity: DefaultRateLimitCapacity,
		KeyCacheTTL:       DefaultKeyCacheTTL,
		MaxBodyBytes:      DefaultMaxBodyBytes,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration values from environment variables.
func (c *Config) loadFromEnv() error {
	if err := c.loadServerEnv(); err != nil {
		return err
	}

	if err := c.loadLimitEnv(); err != nil {
		return err
	}

	c.loadAuthEnv()
	c.loadStorageEnv()

	return nil
}

// loadServerEnv loads server-related environment variables.
func (c *Config) loadServerEnv() error {
	if val := os.Getenv(EnvServerPort); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvServerPort, err)
		}
		c.ServerPort = port
	}

	if val := os.Getenv(EnvLogLevel); val != "" {
		c.LogLevel = val
	}

	if val := os.Getenv(EnvShutdownTimeout); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvShutdownTimeout, err)
		}
		c.ShutdownTimeout = timeout
	}

	if val := os.Getenv(EnvMetricsEnabled); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvMetricsEnabled, err)
		}
		c.MetricsEnabled = enabled
	}

	if val := os.Getenv(EnvTLSEnabled); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvTLSEnabled, err)
		}
		c.TLSEnabled = enabled
	}

	if val := os.Getenv(EnvTLSCertPath); val != "" {
		c.TLSCertPath = val
	}

	if val := os.Getenv(EnvTLSKeyPath); val != "" {
		c.TLSKeyPath = val
	}

	if val := os.Getenv(EnvMaxBodyBytes); val != "" {
		size, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvMaxBodyBytes, err)
		}
		c.MaxBodyBytes = size
	}

	return nil
}

// loadLimitEnv loads rate-limit and cache environment variables.
func (c *Config) loadLimitEnv() error {
	if val := os.Getenv(EnvRateLimitWindow); val != "" {
		window, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvRateLimitWindow, err)
		}
		c.RateLimitWindow = window
	}

	if val := os.Getenv(EnvRateLimitCapacity); val != "" {
		capacity, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvRateLimitCapacity, err)
		}
		c.RateLimitCapacity = capacity
	}

	if val := os.Getenv(EnvKeyCacheTTL); val != "" {
		ttl, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvKeyCacheTTL, err)
		}
		c.KeyCacheTTL = ttl
	}

	return nil
}

// loadAuthEnv loads authentication environment variables.
func (c *Config) loadAuthEnv() {
	if val := os.Getenv(EnvAdminToken); val != "" {
		c.AdminToken = val
	}

	if val := os.Getenv(EnvAllowedIssuers); val != "" {
		c.AllowedIssuers = val
	}

	if val := os.Getenv(EnvOIDCAudience); val != "" {
		c.OIDCAudience = val
	}

	if val := os.Getenv(EnvAllowedOrigins); val != "" {
		c.AllowedOrigins = val
	}
}

// loadStorageEnv loads key and signing environment variables.
func (c *Config) loadStorageEnv() {
	if val := os.Getenv(EnvKeyPassphrase); val != "" {
		c.KeyPassphrase = val
	}

	if val := os.Getenv(EnvDefaultKeyID); val != "" {
		c.DefaultKeyID = val
	}

	if val := os.Getenv(EnvKeyStorePath); val != "" {
		c.KeyStorePath = val
	}

	if val := os.Getenv(EnvAuditDBPath); val != "" {
		c.AuditDBPath = val
	}
}

// Validate checks if the configuration values are valid.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.RateLimitWindow <= 0 || c.RateLimitCapacity <= 0 {
		return ErrInvalidRateLimit
	}

	if c.KeyCacheTTL <= 0 {
		return ErrInvalidKeyCacheTTL
	}

	if c.MaxBodyBytes <= 0 {
		return ErrInvalidMaxBody
	}

	return nil
}

// validateServer validates server-related configuration.
func (c *Config) validateServer() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return ErrInvalidServerPort
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return ErrInvalidLogLevel
	}

	if c.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}

	if c.TLSEnabled && (c.TLSCertPath == "" || c.TLSKeyPath == "") {
		return ErrInvalidTLSCertRequired
	}

	return nil
}

// validateAuth validates authentication configuration. Every allowed
// issuer must pass the outbound URL guard at startup, so a
// misconfigured private or non-HTTPS issuer fails fast.
func (c *Config) validateAuth() error {
	if c.AdminToken == "" {
		return ErrMissingAdminToken
	}

	issuers := c.IssuerList()
	if len(issuers) == 0 {
		return ErrMissingIssuers
	}

	for _, issuer := range issuers {
		if err := networking.ValidateURL(issuer); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidIssuer, issuer, err)
		}
	}

	return nil
}

// IssuerList returns the allowed issuer URLs.
func (c *Config) IssuerList() []string {
	return splitList(c.AllowedIssuers)
}

// OriginList returns the allowed CORS origins, defaulting to the
// wildcard origin.
func (c *Config) OriginList() []string {
	origins := splitList(c.AllowedOrigins)
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// splitList splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Address returns the server address in host:port format.
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.ServerPort)
}
