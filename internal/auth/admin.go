package auth

import (
	"crypto/subtle"
	"net/http"
)

// AdminAuthenticator authenticates requests against the static admin
// bearer token from configuration.
type AdminAuthenticator struct {
	token []byte
}

// NewAdminAuthenticator creates an authenticator for the given token.
func NewAdminAuthenticator(token string) *AdminAuthenticator {
	return &AdminAuthenticator{
		token: []byte(token),
	}
}

// Authenticate compares the presented bearer token against the configured
// admin token in constant time.
func (a *AdminAuthenticator) Authenticate(r *http.Request) (*AuthInfo, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	if len(a.token) == 0 {
		return nil, ErrInvalidToken
	}

	if subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return nil, ErrInvalidToken
	}

	return &AuthInfo{
		Method:  AuthMethodAdmin,
		Subject: "admin",
	}, nil
}

// Method returns the authentication method type.
func (a *AdminAuthenticator) Method() AuthMethod {
	return AuthMethodAdmin
}
