// Package main is the entry point for the PGP signing service.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ProtonMail/go-crypto/openpgp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vyrodovalexey/pgp-signing-service/internal/audit"
	"github.com/vyrodovalexey/pgp-signing-service/internal/auth"
	"github.com/vyrodovalexey/pgp-signing-service/internal/config"
	"github.com/vyrodovalexey/pgp-signing-service/internal/keycache"
	"github.com/vyrodovalexey/pgp-signing-service/internal/keystore"
	"github.com/vyrodovalexey/pgp-signing-service/internal/ratelimit"
	"github.com/vyrodovalexey/pgp-signing-service/internal/server"
	"github.com/vyrodovalexey/pgp-signing-service/internal/signer"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use a basic logger for startup errors
		basicLogger, _ := zap.NewProduction()
		basicLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize logger
	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		basicLogger, _ := zap.NewProduction()
		basicLogger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("configuration loaded",
		zap.Int("server_port", cfg.ServerPort),
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("shutdown_timeout", cfg.ShutdownTimeout),
		zap.Bool("metrics_enabled", cfg.MetricsEnabled),
		zap.Bool("tls_enabled", cfg.TLSEnabled),
		zap.Strings("allowed_issuers", cfg.IssuerList()),
		zap.String("default_key_id", cfg.DefaultKeyID),
		zap.Duration("rate_limit_window", cfg.RateLimitWindow),
		zap.Int("rate_limit_capacity", cfg.RateLimitCapacity),
	)

	// Ensure the storage directories exist.
	for _, path := range []string{cfg.KeyStorePath, cfg.AuditDBPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				logger.Fatal("failed to create storage directory",
					zap.String("dir", dir), zap.Error(err))
			}
		}
	}

	// Open the key store.
	keys, err := keystore.NewFileStore(cfg.KeyStorePath)
	if err != nil {
		logger.Fatal("failed to open key store", zap.Error(err))
	}

	// Open the audit database.
	auditLog, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		logger.Fatal("failed to open audit database", zap.Error(err))
	}
	defer func() {
		_ = auditLog.Close()
	}()

	// Assemble the per-process services.
	cache := keycache.New[*openpgp.Entity](cfg.KeyCacheTTL)
	pgpSigner := signer.New(cfg.KeyPassphrase, cache)
	limiter := ratelimit.NewFixedWindow(cfg.RateLimitWindow, cfg.RateLimitCapacity)
	verifier := auth.NewOIDCVerifier(cfg.IssuerList(), cfg.OIDCAudience)

	srv := server.New(cfg, logger, server.Dependencies{
		Keys:     keys,
		Limiter:  limiter,
		Signer:   pgpSigner,
		Audit:    auditLog,
		Verifier: verifier,
	})

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", zap.Error(err))
		return 1
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Create shutdown context with timeout
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Graceful shutdown
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			return 1
		}
	}

	logger.Info("server stopped")
	return 0
}

// initLogger initializes a zap logger with the specified log level.
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapConfig.Build()
}
