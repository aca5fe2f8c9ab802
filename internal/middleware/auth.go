package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/pgp-signing-service/internal/auth"
	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
)

// RequireAuth returns a middleware that authenticates requests with the
// given authenticator and stores the resulting AuthInfo in the request
// context. CORS preflight requests pass through unauthenticated.
func RequireAuth(
	authenticator auth.Authenticator,
	logger *zap.Logger,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(
			w http.ResponseWriter,
			r *http.Request,
		) {
			// Skip auth for CORS preflight
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			info, err := authenticator.Authenticate(r)
			if err != nil {
				logger.Warn("authentication failed",
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("auth_method", string(authenticator.Method())),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeAuthError(w, r, err)
				return
			}

			logger.Debug("authentication successful",
				zap.String("subject", info.Subject),
				zap.String("method", string(info.Method)),
				zap.String("path", r.URL.Path),
			)

			ctx := auth.WithAuthInfo(r.Context(), info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes the 401 error envelope for an authentication
// failure, distinguishing a missing bearer from an invalid one.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.CodeAuthInvalid
	if errors.Is(err, auth.ErrNoBearer) {
		code = model.CodeAuthMissing
	}

	appErr := model.NewAppError(code, "")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.WriteHeader(appErr.Status)

	body := model.NewErrorBody(appErr, GetRequestID(r.Context()))
	_ = json.NewEncoder(w).Encode(body)
}
