package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// TokenVerifier verifies JWT/OIDC tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*TokenClaims, error)
}

// TokenClaims holds the claims from a verified token.
type TokenClaims struct {
	Subject  string
	Audience []string
	Issuer   string
	Expiry   time.Time
	IssuedAt time.Time
	Claims   map[string]any
}

// OIDCAuthenticator authenticates requests using OIDC/JWT bearer tokens.
type OIDCAuthenticator struct {
	verifier TokenVerifier
}

// NewOIDCAuthenticator creates a new OIDC authenticator with the given
// token verifier.
func NewOIDCAuthenticator(verifier TokenVerifier) *OIDCAuthenticator {
	return &OIDCAuthenticator{
		verifier: verifier,
	}
}

// Authenticate extracts a Bearer token from the Authorization header,
// verifies it using the configured TokenVerifier, and returns the
// authenticated identity.
func (a *OIDCAuthenticator) Authenticate(r *http.Request) (*AuthInfo, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	claims, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &AuthInfo{
		Method:  AuthMethodOIDC,
		Issuer:  claims.Issuer,
		Subject: claims.Subject,
		Claims:  claims.Claims,
	}, nil
}

// Method returns the authentication method type.
func (a *OIDCAuthenticator) Method() AuthMethod {
	return AuthMethodOIDC
}
