package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/pgp-signing-service/internal/audit"
	"github.com/vyrodovalexey/pgp-signing-service/internal/auth"
	"github.com/vyrodovalexey/pgp-signing-service/internal/keystore"
	"github.com/vyrodovalexey/pgp-signing-service/internal/middleware"
	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
	"github.com/vyrodovalexey/pgp-signing-service/internal/ratelimit"
	"github.com/vyrodovalexey/pgp-signing-service/internal/signer"
)

// auditTimeout bounds the detached audit append.
const auditTimeout = 10 * time.Second

// SignatureContentType is the Content-Type of a successful sign response.
const SignatureContentType = "application/pgp-signature"

// SignHandler orchestrates the signing pipeline: rate limit, key
// materialization, signing, and the audit record. Authentication has
// already happened in the middleware by the time Sign runs.
type SignHandler struct {
	limiter      ratelimit.Limiter
	keys         keystore.Store
	signer       *signer.Signer
	audits       audit.Writer
	logger       *zap.Logger
	defaultKeyID string
	maxBodyBytes int64
}

// NewSignHandler creates a SignHandler.
func NewSignHandler(
	limiter ratelimit.Limiter,
	keys keystore.Store,
	pgpSigner *signer.Signer,
	audits audit.Writer,
	logger *zap.Logger,
	defaultKeyID string,
	maxBodyBytes int64,
) *SignHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &SignHandler{
		limiter:      limiter,
		keys:         keys,
		signer:       pgpSigner,
		audits:       audits,
		logger:       logger,
		defaultKeyID: defaultKeyID,
		maxBodyBytes: maxBodyBytes,
	}
}

// Sign handles POST /sign requests.
func (h *SignHandler) Sign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, ok := auth.FromContext(ctx)
	if !ok {
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeAuthMissing, ""))
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeInvalidRequest,
			"request body unreadable or too large"))
		return
	}

	if len(payload) == 0 {
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeInvalidRequest,
			"request body is empty"))
		return
	}

	result, err := h.limiter.Consume(ctx, info.Identity())
	if err != nil {
		h.logger.Error("rate limiter unavailable", zap.Error(err))
		appErr := model.NewAppError(model.CodeRateLimitError, "")
		h.recordAudit(ctx, info, "", false, appErr.Code)
		writeAppError(h.logger, w, r, appErr)
		return
	}

	if !result.Allowed {
		rateLimitRejections.Inc()
		retryAfter := int(time.Until(result.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

		appErr := model.NewAppError(model.CodeRateLimited, "")
		h.recordAudit(ctx, info, "", false, appErr.Code)
		writeAppError(h.logger, w, r, appErr)
		return
	}

	keyID, appErr := resolveKeyID(r, h.defaultKeyID)
	if appErr != nil {
		writeAppError(h.logger, w, r, appErr)
		return
	}

	stored, err := h.keys.Get(ctx, keyID)
	if err != nil {
		var appErr *model.AppError
		if errors.Is(err, keystore.ErrNotFound) {
			appErr = model.NewAppError(model.CodeKeyNotFound, "")
		} else {
			appErr = model.NewAppError(model.CodeInternalError, err.Error())
		}
		h.recordAudit(ctx, info, keyID, false, appErr.Code)
		writeAppError(h.logger, w, r, appErr)
		return
	}

	signed, err := h.signer.Sign(payload, stored)
	if err != nil {
		signaturesTotal.WithLabelValues("error").Inc()
		h.logger.Error("signing failed",
			zap.String("key_id", keyID),
			zap.Error(err),
		)
		appErr := model.NewAppError(model.CodeSignError, "")
		h.recordAudit(ctx, info, keyID, false, appErr.Code)
		writeAppError(h.logger, w, r, appErr)
		return
	}

	signaturesTotal.WithLabelValues("success").Inc()
	h.recordAudit(ctx, info, keyID, true, "")

	w.Header().Set("Content-Type", SignatureContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(signed.Signature)); err != nil {
		h.logger.Error("failed to write signature response", zap.Error(err))
	}
}

// recordAudit appends the audit row for a sign attempt as a detached
// background task. The append survives client cancellation, and a
// failure is logged without altering the response already chosen.
func (h *SignHandler) recordAudit(
	ctx context.Context,
	info *auth.AuthInfo,
	keyID string,
	success bool,
	errorCode model.ErrorCode,
) {
	event := &model.AuditEvent{
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(ctx),
		Action:    model.ActionSign,
		Issuer:    info.Issuer,
		Subject:   info.Subject,
		KeyID:     keyID,
		Success:   success,
		ErrorCode: string(errorCode),
	}

	detached := context.WithoutCancel(ctx)

	go func() {
		appendCtx, cancel := context.WithTimeout(detached, auditTimeout)
		defer cancel()

		if err := h.audits.Append(appendCtx, event); err != nil {
			h.logger.Error("audit append failed",
				zap.String("request_id", event.RequestID),
				zap.String("action", string(event.Action)),
				zap.Error(err),
			)
		}
	}()
}
