package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/pgp-signing-service/internal/keystore"
	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
	"github.com/vyrodovalexey/pgp-signing-service/internal/signer"
)

// PublicKeyContentType is the Content-Type of armored public key
// responses.
const PublicKeyContentType = "application/pgp-keys"

// PublicKeyHandler serves the unauthenticated public key endpoint.
type PublicKeyHandler struct {
	keys         keystore.Store
	logger       *zap.Logger
	defaultKeyID string
}

// NewPublicKeyHandler creates a PublicKeyHandler.
func NewPublicKeyHandler(keys keystore.Store, logger *zap.Logger, defaultKeyID string) *PublicKeyHandler {
	return &PublicKeyHandler{
		keys:         keys,
		logger:       logger,
		defaultKeyID: defaultKeyID,
	}
}

// GetPublicKey handles GET /public-key requests.
func (h *PublicKeyHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keyID, appErr := resolveKeyID(r, h.defaultKeyID)
	if appErr != nil {
		writeAppError(h.logger, w, r, appErr)
		return
	}

	stored, err := h.keys.Get(ctx, keyID)
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
