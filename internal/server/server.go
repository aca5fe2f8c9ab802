// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/pgp-signing-service/internal/audit"
	"github.com/vyrodovalexey/pgp-signing-service/internal/auth"
	"github.com/vyrodovalexey/pgp-signing-service/internal/config"
	"github.com/vyrodovalexey/pgp-signing-service/internal/handler"
	"github.com/vyrodovalexey/pgp-signing-service/internal/keystore"
	"github.com/vyrodovalexey/pgp-signing-service/internal/middleware"
	"github.com/vyrodovalexey/pgp-signing-service/internal/ratelimit"
	"github.com/vyrodovalexey/pgp-signing-service/internal/signer"
)

// Dependencies are the assembled per-process services the server routes
// requests to. Everything is constructed at start and passed in
// explicitly; there are no package-global singletons.
type Dependencies struct {
	Keys     keystore.Store
	Limiter  ratelimit.Limiter
	Signer   *signer.Signer
	Audit    *audit.Log
	Verifier auth.TokenVerifier
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	logger     *zap.Logger
	initErr    error // deferred error from initialization (e.g. TLS config)
}

// New creates a new Server instance wired to the given dependencies.
// If TLS configuration fails, the error is deferred and returned by Start().
func New(cfg *config.Config, logger *zap.Logger, deps Dependencies) *Server {
	router := mux.NewRouter()

	s := &Server{
		router: router,
		config: cfg,
		logger: logger,
	}

	s.setupMiddleware()
	s.setupRoutes(deps)
	s.initErr = s.setupHTTPServer()

	return s
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware() {
	allowedMethods := []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
	}
	allowedHeaders := []string{
		"Content-Type",
		"Authorization",
		middleware.RequestIDHeader,
	}

	// Apply middleware in order (first applied = outermost)
	s.router.Use(mux.MiddlewareFunc(middleware.Recovery(s.logger)))
	s.router.Use(mux.MiddlewareFunc(middleware.RequestID()))

	if s.config.MetricsEnabled {
		s.router.Use(mux.MiddlewareFunc(middleware.Metrics()))
	}

	s.router.Use(mux.MiddlewareFunc(middleware.Logging(s.logger)))
	s.router.Use(mux.MiddlewareFunc(
		middleware.CORS(s.config.OriginList(), allowedMethods, allowedHeaders),
	))
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes(deps Dependencies) {
	oidcAuth := middleware.RequireAuth(auth.NewOIDCAuthenticator(deps.Verifier), s.logger)
	adminAuth := middleware.RequireAuth(auth.NewAdminAuthenticator(s.config.AdminToken), s.logger)

	// Signing pipeline.
	signHandler := handler.NewSignHandler(
		deps.Limiter,
		deps.Keys,
		deps.Signer,
		deps.Audit,
		s.logger,
		s.config.DefaultKeyID,
		s.config.MaxBodyBytes,
	)
	s.router.Handle("/sign", oidcAuth(http.HandlerFunc(signHandler.Sign))).
		Methods(http.MethodPost, http.MethodOptions)

	// Public endpoints.
	publicHandler := handler.NewPublicKeyHandler(deps.Keys, s.logger, s.config.DefaultKeyID)
	s.router.HandleFunc("/public-key", publicHandler.GetPublicKey).
		Methods(http.MethodGet, http.MethodOptions)

	healthHandler := handler.NewHealthHandler(deps.Keys, deps.Audit, s.logger)
	s.router.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.Ready).Methods(http.MethodGet)

	// Admin pipeline.
	adminHandler := handler.NewAdminHandler(
		deps.Keys,
		deps.Audit,
		deps.Audit,
		s.logger,
		s.config.KeyPassphrase,
	)

	adminRouter := s.router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(mux.MiddlewareFunc(adminAuth))
	adminRouter.HandleFunc("/keys", adminHandler.UploadKey).
		Methods(http.MethodPost, http.MethodOptions)
	adminRouter.HandleFunc("/keys", adminHandler.ListKeys).Methods(http.MethodGet)
	adminRouter.HandleFunc("/keys/{keyId}/public", adminHandler.GetPublicKey).
		Methods(http.MethodGet)
	adminRouter.HandleFunc("/keys/{keyId}", adminHandler.DeleteKey).
		Methods(http.MethodDelete, http.MethodOptions)
	adminRouter.HandleFunc("/audit", adminHandler.QueryAudit).Methods(http.MethodGet)

	// Metrics endpoint
	if s.config.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	// Unknown routes and known routes with the wrong method get the
	// structured error envelope; both still mint a request ID.
	s.router.NotFoundHandler = middleware.RequestID()(handler.NotFound(s.logger))
	s.router.MethodNotAllowedHandler = middleware.RequestID()(handler.MethodNotAllowed(s.logger))
}

// setupHTTPServer configures the HTTP server. It returns an error if TLS
// configuration is enabled but cannot be built.
func (s *Server) setupHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertPath, s.config.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return nil
}

// Start starts the HTTP server. It returns any deferred initialization error
// (e.g. TLS configuration failure) before attempting to listen.
func (s *Server) Start() error {
	if s.initErr != nil {
		return fmt.Errorf("server initialization: %w", s.initErr)
	}

	if s.config.TLSEnabled {
		s.logger.Info("starting server with TLS",
			zap.String("address", s.config.Address()),
		)
		err := s.httpServer.ListenAndServeTLS(
			s.config.TLSCertPath, s.config.TLSKeyPath,
		)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen and serve TLS: %w", err)
		}
	} else {
		s.logger.Info("starting server",
			zap.String("address", s.config.Address()),
		)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen and serve: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server shutdown complete")
	return nil
}

// Router returns the server's router for testing purposes.
func (s *Server) Router() *mux.Router {
	return s.router
}
