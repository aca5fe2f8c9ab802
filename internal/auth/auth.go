// Package auth provides authentication for the signing service: OIDC
// bearer tokens for the signing pipeline and the static admin token for
// the admin pipeline.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// AuthMethod represents the authentication method used.
type AuthMethod string

const (
	// AuthMethodOIDC indicates OpenID Connect authentication.
	AuthMethodOIDC AuthMethod = "oidc"
	// AuthMethodAdmin indicates static admin bearer-token authentication.
	AuthMethodAdmin AuthMethod = "admin"
)

// AuthInfo holds authenticated identity information.
type AuthInfo struct {
	Method  AuthMethod
	Issuer  string
	Subject string
	Claims  map[string]any
}

// Identity returns the rate-limit identity "issuer:subject".
func (i *AuthInfo) Identity() string {
	return i.Issuer + ":" + i.Subject
}

// Authenticator validates a request and returns auth info.
type Authenticator interface {
	Authenticate(r *http.Request) (*AuthInfo, error)
	Method() AuthMethod
}

// Sentinel errors for authentication failures.
var (
	ErrNoBearer     = errors.New("no bearer token provided")
	ErrInvalidToken = errors.New("invalid token")
)

// contextKey is the type for context keys in this package.
type contextKey string

// authInfoKey is the context key for AuthInfo.
const authInfoKey contextKey = "auth_info"

// FromContext retrieves AuthInfo from the context.
func FromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok
}

// WithAuthInfo stores AuthInfo in the context.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}

// bearerToken extracts the token from the Authorization header. A missing
// header or a non-Bearer scheme yields ErrNoBearer.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoBearer
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrNoBearer
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrNoBearer
	}

	return token, nil
}
