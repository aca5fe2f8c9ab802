package config

import (
	"errors"
	"testing"
	"time"
)

// setRequiredEnv sets the minimum environment for Load to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()

	t.Setenv(EnvAdminToken, "test-admin-token")
	t.Setenv(EnvAllowedIssuers, "https://token.actions.githubusercontent.com")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServerPort != DefaultServerPort {
		t.Errorf("ServerPort = %d", cfg.ServerPort)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.RateLimitWindow != DefaultRateLimitWindow {
		t.Errorf("RateLimitWindow = %v", cfg.RateLimitWindow)
	}
	if cfg.RateLimitCapacity != DefaultRateLimitCapacity {
		t.Errorf("RateLimitCapacity = %d", cfg.RateLimitCapacity)
	}
	if cfg.KeyCacheTTL != DefaultKeyCacheTTL {
		t.Errorf("KeyCacheTTL = %v", cfg.KeyCacheTTL)
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.KeyStorePath != DefaultKeyStorePath {
		t.Errorf("KeyStorePath = %s", cfg.KeyStorePath)
	}
	if cfg.AuditDBPath != DefaultAuditDBPath {
		t.Errorf("AuditDBPath = %s", cfg.AuditDBPath)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvServerPort, "9090")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvShutdownTimeout, "10s")
	t.Setenv(EnvRateLimitWindow, "30s")
	t.Setenv(EnvRateLimitCapacity, "5")
	t.Setenv(EnvKeyCacheTTL, "1m")
	t.Setenv(EnvKeyPassphrase, "hunter2")
	t.Setenv(EnvDefaultKeyID, "A1B2C3D4E5F67890")
	t.Setenv(EnvOIDCAudience, "pgp-signing-service")
	t.Setenv(EnvAllowedOrigins, "https://ci.example.com, https://ops.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d", cfg.ServerPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow = %v", cfg.RateLimitWindow)
	}
	if cfg.RateLimitCapacity != 5 {
		t.Errorf("RateLimitCapacity = %d", cfg.RateLimitCapacity)
	}
	if cfg.KeyPassphrase != "hunter2" {
		t.Errorf("KeyPassphrase = %s", cfg.KeyPassphrase)
	}
	if cfg.DefaultKeyID != "A1B2C3D4E5F67890" {
		t.Errorf("DefaultKeyID = %s", cfg.DefaultKeyID)
	}
	if cfg.OIDCAudience != "pgp-signing-service" {
		t.Errorf("OIDCAudience = %s", cfg.OIDCAudience)
	}

	origins := cfg.OriginList()
	if len(origins) != 2 || origins[0] != "https://ci.example.com" {
		t.Errorf("OriginList = %v", origins)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr error
	}{
		{
			name:    "missing admin token",
			env:     map[string]string{EnvAdminToken: "", EnvAllowedIssuers: "https://issuer.example.com"},
			wantErr: ErrMissingAdminToken,
		},
		{
			name:    "missing issuers",
			env:     map[string]string{EnvAdminToken: "tok", EnvAllowedIssuers: ""},
			wantErr: ErrMissingIssuers,
		},
		{
			name: "http issuer rejected",
			env: map[string]string{
				EnvAdminToken:     "tok",
				EnvAllowedIssuers: "http://issuer.example.com",
			},
			wantErr: ErrInvalidIssuer,
		},
		{
			name: "private issuer rejected",
			env: map[string]string{
				EnvAdminToken:     "tok",
				EnvAllowedIssuers: "https://10.0.0.5",
			},
			wantErr: ErrInvalidIssuer,
		},
		{
			name: "port out of range",
			env: map[string]string{
				EnvAdminToken:     "tok",
				EnvAllowedIssuers: "https://issuer.example.com",
				EnvServerPort:     "70000",
			},
			wantErr: ErrInvalidServerPort,
		},
		{
			name: "bad log level",
			env: map[string]string{
				EnvAdminToken:     "tok",
				EnvAllowedIssuers: "https://issuer.example.com",
				EnvLogLevel:       "verbose",
			},
			wantErr: ErrInvalidLogLevel,
		},
		{
			name: "zero rate limit capacity",
			env: map[string]string{
				EnvAdminToken:        "tok",
				EnvAllowedIssuers:    "https://issuer.example.com",
				EnvRateLimitCapacity: "0",
			},
			wantErr: ErrInvalidRateLimit,
		},
		{
			name: "negative cache TTL",
			env: map[string]string{
				EnvAdminToken:     "tok",
				EnvAllowedIssuers: "https://issuer.example.com",
				EnvKeyCacheTTL:    "-5m",
			},
			wantErr: ErrInvalidKeyCacheTTL,
		},
		{
			name: "TLS enabled without cert",
			env: map[string]string{
				EnvAdminToken:     "tok",
				EnvAllowedIssuers: "https://issuer.example.com",
				EnvTLSEnabled:     "true",
			},
			wantErr: ErrInvalidTLSCertRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIssuerList(t *testing.T) {
	t.Parallel()

	cfg := &Config{AllowedIssuers: "https://a.example.com, https://b.example.com ,,"}
	issuers := cfg.IssuerList()

	if len(issuers) != 2 {
		t.Fatalf("IssuerList = %v", issuers)
	}
	if issuers[0] != "https://a.example.com" || issuers[1] != "https://b.example.com" {
		t.Errorf("IssuerList = %v", issuers)
	}
}

func TestOriginList_DefaultsToWildcard(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	origins := cfg.OriginList()

	if len(origins) != 1 || origins[0] != "*" {
		t.Errorf("OriginList = %v", origins)
	}
}

func TestAddress(t *testing.T) {
	t.Parallel()

	cfg := &Config{ServerPort: 8443}
	if cfg.Address() != ":8443" {
		t.Errorf("Address = %s", cfg.Address())
	}
}
