package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/pgp-signing-service/internal/audit"
	"github.com/vyrodovalexey/pgp-signing-service/internal/keystore"
	"github.com/vyrodovalexey/pgp-signing-service/internal/middleware"
	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
	"github.com/vyrodovalexey/pgp-signing-service/internal/signer"
)

// AdminHandler implements the admin pipeline: key upload, listing,
// public export, deletion, and the audit log query.
type AdminHandler struct {
	keys       keystore.Store
	audits     audit.Writer
	reader     audit.Reader
	logger     *zap.Logger
	passphrase string
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	keys keystore.Store,
	audits audit.Writer,
	reader audit.Reader,
	logger *zap.Logger,
	passphrase string,
) *AdminHandler {
	return &AdminHandler{
		keys:       keys,
		audits:     audits,
		reader:     reader,
		logger:     logger,
		passphrase: passphrase,
	}
}

// uploadKeyRequest is the body of POST /admin/keys.
type uploadKeyRequest struct {
	ArmoredPrivateKey string `json:"armoredPrivateKey"`
	KeyID             string `json:"keyId"`
}

// uploadKeyResponse is the body of a successful upload.
type uploadKeyResponse struct {
	Success     bool   `json:"success"`
	KeyID       string `json:"keyId"`
	Fingerprint string `json:"fingerprint"`
	Algorithm   string `json:"algorithm"`
}

// UploadKey handles POST /admin/keys requests. The armored material is
// parsed and validated, re-armored canonically, and persisted under its
// derived key ID.
func (h *AdminHandler) UploadKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req uploadKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes)).Decode(&req); err != nil {
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeInvalidRequest,
			"invalid request body"))
		return
	}

	if req.ArmoredPrivateKey == "" {
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeInvalidRequest,
			"armoredPrivateKey is required"))
		return
	}

	if err := model.ValidateArmoredPrivateKey(req.ArmoredPrivateKey); err != nil {
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeInvalidRequest, err.Error()))
		return
	}

	details, err := signer.ParseAndValidate(req.ArmoredPrivateKey, h.passphrase)
	if err != nil {
		h.logger.Error("key upload parse failed", zap.Error(err))
		appErr := model.NewAppError(model.CodeKeyUploadError, "")
		h.recordKeyEvent(ctx, model.ActionKeyUpload, req.KeyID, false, appErr.Code, nil)
		writeAppError(h.logger, w, r, appErr)
		return
	}

	if req.KeyID != "" {
		requested, err := model.NormalizeKeyID(req.KeyID)
		if err != nil {
			writeAppError(h.logger, w, r, model.NewAppError(model.CodeInvalidRequest, err.Error()))
			return
		}
		if requested != details.KeyID {
			writeAppError(h.logger, w, r, model.NewAppError(model.CodeInvalidRequest,
				"keyId does not match the uploaded key material"))
			return
		}
	}

	rearmored, err := signer.ReArmor(req.ArmoredPrivateKey)
	if err != nil {
		h.logger.Error("key re-armor failed", zap.Error(err))
		appErr := model.NewAppError(model.CodeKeyUploadError, "")
		h.recordKeyEvent(ctx, model.ActionKeyUpload, details.KeyID, false, appErr.Code, nil)
		writeAppError(h.logger, w, r, appErr)
		return
	}

	stored := &model.StoredKey{
		ArmoredPrivateKey: rearmored,
		KeyID:             details.KeyID,
		Fingerprint:       details.Fingerprint,
		CreatedAt:         time.Now().Format(time.RFC3339),
		Algorithm:         details.Algorithm,
	}

	if err := h.keys.Put(ctx, stored); err != nil {
		h.logger.Error("key upload persist failed",
			zap.String("key_id", details.KeyID),
			zap.Error(err),
		)
		appErr := model.NewAppError(model.CodeKeyUploadError, "")
		h.recordKeyEvent(ctx, model.ActionKeyUpload, details.KeyID, false, appErr.Code, nil)
		writeAppError(h.logger, w, r, appErr)
		return
	}

	h.recordKeyEvent(ctx, model.ActionKeyUpload, details.KeyID, true, "", map[string]any{
		"algorithm": details.Algorithm,
		"userId":    details.UserID,
	})

	writeJSON(h.logger, w, http.StatusCreated, uploadKeyResponse{
		Success:     true,
		KeyID:       details.KeyID,
		Fingerprint: details.Fingerprint,
		Algorithm:   details.Algorithm,
	})
}

// listKeysResponse is the body of GET /admin/keys.
type listKeysResponse struct {
	Keys []model.KeyInfo `json:"keys"`
}

// ListKeys handles GET /admin/keys requests.
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	infos, err := h.keys.List(r.Context())
	if err != nil {
		h.logger.Error("listing keys failed", zap.Error(err))
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeKeyListError, ""))
		return
	}

	writeJSON(h.logger, w, http.StatusOK, listKeysResponse{Keys: infos})
}

// GetPublicKey handles GET /admin/keys/{keyId}/public requests.
func (h *AdminHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	keyID := strings.ToUpper(strings.TrimSpace(mux.Vars(r)["keyId"]))

	stored, err := h.keys.Get(r.Context(), keyID)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			writeAppError(h.logger, w, r, model.NewAppError(model.CodeKeyNotFound, ""))
			return
		}
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeInternalError, err.Error()))
		return
	}

	publicKey, err := signer.ExtractPublicKey(stored.ArmoredPrivateKey)
	if err != nil {
		h.logger.Error("extracting public key failed",
			zap.String("key_id", keyID),
			zap.Error(err),
		)
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeKeyProcessingError, ""))
		return
	}

	w.Header().Set("Content-Type", PublicKeyContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(publicKey)); err != nil {
		h.logger.Error("failed to write public key response", zap.Error(err))
	}
}

// deleteKeyResponse is the body of DELETE /admin/keys/{keyId}.
type deleteKeyResponse struct {
	Success bool `json:"success"`
	Deleted bool `json:"deleted"`
}

// DeleteKey handles DELETE /admin/keys/{keyId} requests. Deletion is
// idempotent: a missing key reports deleted=false without an error.
func (h *AdminHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keyID := strings.ToUpper(strings.TrimSpace(mux.Vars(r)["keyId"]))

	deleted, err := h.keys.Delete(ctx, keyID)
	if err != nil {
		h.logger.Error("deleting key failed",
			zap.String("key_id", keyID),
			zap.Error(err),
		)
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeKeyDeleteError, ""))
		return
	}

	if deleted {
		h.recordKeyEvent(ctx, model.ActionKeyRotate, keyID, true, "", map[string]any{
			"operation": "delete",
		})
	}

	writeJSON(h.logger, w, http.StatusOK, deleteKeyResponse{
		Success: true,
		Deleted: deleted,
	})
}

// auditQueryResponse is the body of GET /admin/audit.
type auditQueryResponse struct {
	Logs  []model.AuditEvent `json:"logs"`
	Count int                `json:"count"`
}

// QueryAudit handles GET /admin/audit requests.
func (h *AdminHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	query, appErr := parseAuditQuery(r)
	if appErr != nil {
		writeAppError(h.logger, w, r, appErr)
		return
	}

	events, err := h.reader.Query(r.Context(), *query)
	if err != nil {
		h.logger.Error("audit query failed", zap.Error(err))
		writeAppError(h.logger, w, r, model.NewAppError(model.CodeAuditError, ""))
		return
	}

	writeJSON(h.logger, w, http.StatusOK, auditQueryResponse{
		Logs:  events,
		Count: len(events),
	})
}

// parseAuditQuery validates the query parameters of GET /admin/audit.
func parseAuditQuery(r *http.Request) (*audit.Query, *model.AppError) {
	params := r.URL.Query()
	query := &audit.Query{}

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > audit.MaxLimit {
			return nil, model.NewAppError(model.CodeInvalidRequest, audit.ErrInvalidLimit.Error())
		}
		query.Limit = limit
	}

	if raw := params.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, model.NewAppError(model.CodeInvalidRequest, audit.ErrInvalidOffset.Error())
		}
		query.Offset = offset
	}

	if raw := params.Get("action"); raw != "" {
		action := model.AuditAction(raw)
		if !model.ValidAuditAction(action) {
			return nil, model.NewAppError(model.CodeInvalidRequest, audit.ErrInvalidAction.Error())
		}
		query.Action = action
	}

	query.Subject = params.Get("subject")

	if raw := params.Get("startDate"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, model.NewAppError(model.CodeInvalidRequest, "startDate must be RFC3339")
		}
		query.StartDate = start
	}

	if raw := params.Get("endDate"); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, model.NewAppError(model.CodeInvalidRequest, "endDate must be RFC3339")
		}
		query.EndDate = end
	}

	if err := query.Validate(); err != nil {
		return nil, model.NewAppError(model.CodeInvalidRequest, err.Error())
	}

	return query, nil
}

// recordKeyEvent appends an audit row for an admin key operation as a
// detached background task; failures are logged only.
func (h *AdminHandler) recordKeyEvent(
	ctx context.Context,
	action model.AuditAction,
	keyID string,
	success bool,
	errorCode model.ErrorCode,
	metadata map[string]any,
) {
	event := &model.AuditEvent{
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(ctx),
		Action:    action,
		Subject:   "admin",
		KeyID:     keyID,
		Success:   success,
		ErrorCode: string(errorCode),
		Metadata:  metadata,
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
