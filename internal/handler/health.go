package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/pgp-signing-service/internal/keystore"
)

// healthCheckTimeout bounds each dependency probe.
const healthCheckTimeout = 5 * time.Second

// Pinger verifies a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecks reports the state of each dependency.
type HealthChecks struct {
	KeyStorage string `json:"keyStorage"`
	Database   string `json:"database"`
}

// HealthResponse is the body of a health check.
type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Version   string       `json:"version"`
	Checks    HealthChecks `json:"checks"`
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	keys   keystore.Store
	db     Pinger
	logger *zap.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(keys keystore.Store, db Pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		keys:   keys,
		db:     db,
		logger: logger,
	}
}

// Health handles GET /health requests. The endpoint always answers 200;
// a failing dependency degrades the reported status.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := HealthChecks{
		KeyStorage: "ok",
		Database:   "ok",
	}

	status := "healthy"

	if _, err := h.keys.List(ctx); err != nil {
		h.logger.Warn("key storage health check failed", zap.Error(err))
		checks.KeyStorage = "error"
		status = "degraded"
	}

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks.Database = "error"
		status = "degraded"
	}

	writeJSON(h.logger, w, http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
		Checks:    checks,
	})
}

// Ready handles GET /ready requests.
func (h *HealthHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}
