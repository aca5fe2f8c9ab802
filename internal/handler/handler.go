// Package handler implements the HTTP handlers of the signing service:
// the signing pipeline, the public key endpoints, health checks, and the
// admin pipeline.
package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/pgp-signing-service/internal/middleware"
	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
)

// Version is the application version.
const Version = "1.0.0"

// DefaultMaxBodyBytes caps the size of request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Domain metrics.
var (
	signaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgp_signatures_total",
			Help: "Total number of signing requests by outcome",
		},
		[]string{"outcome"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of sign requests rejected by the rate limiter",
		},
	)
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeAppError writes the error envelope for err, tagging it with the
// request ID from the context.
func writeAppError(logger *zap.Logger, w http.ResponseWriter, r *http.Request, err *model.AppError) {
	requestID := middleware.GetRequestID(r.Context())

	if err.Status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.String("request_id", requestID),
			zap.Any("context", err.Context),
		)
	}

	writeJSON(logger, w, err.Status, model.NewErrorBody(err, requestID))
}

// appErrorFrom returns err as an *AppError, falling back to the given
// code with err's message when it is not one already.
func appErrorFrom(err error, fallback model.ErrorCode) *model.AppError {
	if appErr, ok := model.AsAppError(err); ok {
		return appErr
	}
	return model.NewAppError(fallback, err.Error())
}

// resolveKeyID picks the key ID from the keyId query parameter, falling
// back to the configured default. Absence of both is an invalid request.
func resolveKeyID(r *http.Request, defaultKeyID string) (string, *model.AppError) {
	raw := strings.TrimSpace(r.URL.Query().Get("keyId"))
	if raw == "" {
		raw = defaultKeyID
	}

	if raw == "" {
		return "", model.NewAppError(model.CodeInvalidRequest,
			"no keyId supplied and no default key configured")
	}

	keyID, err := model.NormalizeKeyID(raw)
	if err != nil {
		return "", model.NewAppError(model.CodeInvalidRequest, err.Error())
	}

	return keyID, nil
}

// NotFound is the catch-all handler for unknown routes.
func NotFound(logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAppError(logger, w, r, model.NewAppError(model.CodeNotFound, ""))
	})
}

// MethodNotAllowed handles known paths hit with the wrong method.
func MethodNotAllowed(logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appErr := model.NewAppError(model.CodeInvalidRequest, "Method not allowed")
		appErr.Status = http.StatusMethodNotAllowed
		writeAppError(logger, w, r, appErr)
	})
}
