package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vyrodovalexey/pgp-signing-service/internal/auth"
)

// mockTokenVerifier is a test double for auth.TokenVerifier.
type mockTokenVerifier struct {
	claims *auth.TokenClaims
	err    error
}

func (m *mockTokenVerifier) Verify(
	_ context.Context,
	_ string,
) (*auth.TokenClaims, error) {
	return m.claims, m.err
}

func TestOIDCAuthenticator_Authenticate(t *testing.T) {
	t.Parallel()

	validClaims := &auth.TokenClaims{
		Subject:  "repo:user/repo:ref:refs/heads/main",
		Audience: []string{"pgp-signing-service"},
		Issuer:   "https://token.actions.githubusercontent.com",
		Expiry:   time.Now().Add(time.Hour),
		Claims: map[string]any{
			"repository": "user/repo",
		},
	}

	tests := []struct {
		name        string
		verifier    *mockTokenVerifier
		setupReq    func() *http.Request
		wantSubject string
		wantIssuer  string
		wantErr     bool
		wantErrIs   error
	}{
		{
			name:     "no Authorization header returns ErrNoBearer",
			verifier: &mockTokenVerifier{},
			setupReq: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/sign", nil)
			},
			wantErr:   true,
			wantErrIs: auth.ErrNoBearer,
		},
		{
			name:     "Basic auth header returns ErrNoBearer",
			verifier: &mockTokenVerifier{},
			setupReq: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/sign", nil)
				req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
				return req
			},
			wantErr:   true,
			wantErrIs: auth.ErrNoBearer,
		},
		{
			name:     "Bearer without token returns ErrNoBearer",
			verifier: &mockTokenVerifier{},
			setupReq: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/sign", nil)
				req.Header.Set("Authorization", "Bearer ")
				return req
			},
			wantErr:   true,
			wantErrIs: auth.ErrNoBearer,
		},
		{
			name: "invalid token returns ErrInvalidToken",
			verifier: &mockTokenVerifier{
				err: errors.New("token expired"),
			},
			setupReq: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/sign", nil)
				req.Header.Set("Authorization", "Bearer invalid-token")
				return req
			},
			wantErr:   true,
			wantErrIs: auth.ErrInvalidToken,
		},
		{
			name: "valid token returns AuthInfo with subject and issuer",
			verifier: &mockTokenVerifier{
				claims: validClaims,
			},
			setupReq: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/sign", nil)
				req.Header.Set("Authorization", "Bearer valid-token")
				return req
			},
			wantErr:     false,
			wantSubject: "repo:user/repo:ref:refs/heads/main",
			wantIssuer:  "https://token.actions.githubusercontent.com",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			authenticator := auth.NewOIDCAuthenticator(tt.verifier)
			info, err := authenticator.Authenticate(tt.setupReq())

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErrIs != nil && !errors.Is(err, tt.wantErrIs) {
					t.Errorf("expected %v, got %v", tt.wantErrIs, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.Subject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", info.Subject, tt.wantSubject)
			}
			if info.Issuer != tt.wantIssuer {
				t.Errorf("issuer = %q, want %q", info.Issuer, tt.wantIssuer)
			}
			if info.Method != auth.AuthMethodOIDC {
				t.Errorf("method = %q", info.Method)
			}
		})
	}
}

func TestAuthInfo_Identity(t *testing.T) {
	t.Parallel()

	info := &auth.AuthInfo{
		Issuer:  "https://token.actions.githubusercontent.com",
		Subject: "repo:user/repo:ref:refs/heads/main",
	}

	want := "https://token.actions.githubusercontent.com:repo:user/repo:ref:refs/heads/main"
	if got := info.Identity(); got != want {
		t.Errorf("Identity() = %q, want %q", got, want)
	}
}

func TestAdminAuthenticator_Authenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		token     string
		header    string
		wantErr   bool
		wantErrIs error
	}{
		{
			name:   "correct token",
			token:  "super-secret",
			header: "Bearer super-secret",
		},
		{
			name:      "wrong token",
			token:     "super-secret",
			header:    "Bearer wrong",
			wantErr:   true,
			wantErrIs: auth.ErrInvalidToken,
		},
		{
			name:      "missing header",
			token:     "super-secret",
			header:    "",
			wantErr:   true,
			wantErrIs: auth.ErrNoBearer,
		},
		{
			name:      "empty configured token rejects everything",
			token:     "",
			header:    "Bearer anything",
			wantErr:   true,
			wantErrIs: auth.ErrInvalidToken,
		},
		{
			name:      "token prefix is not enough",
			token:     "super-secret",
			header:    "Bearer super-secret-and-more",
			wantErr:   true,
			wantErrIs: auth.ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			authenticator := auth.NewAdminAuthenticator(tt.token)

			req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			info, err := authenticator.Authenticate(req)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, tt.wantErrIs) {
					t.Errorf("expected %v, got %v", tt.wantErrIs, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.Method != auth.AuthMethodAdmin {
				t.Errorf("method = %q", info.Method)
			}
			if info.Subject != "admin" {
				t.Errorf("subject = %q", info.Subject)
			}
		})
	}
}

func TestAuthInfoContextRoundTrip(t *testing.T) {
	t.Parallel()

	if _, ok := auth.FromContext(context.Background()); ok {
		t.Fatal("empty context should carry no AuthInfo")
	}

	info := &auth.AuthInfo{Method: auth.AuthMethodOIDC, Subject: "someone"}
	ctx := auth.WithAuthInfo(context.Background(), info)

	got, ok := auth.FromContext(ctx)
	if !ok {
		t.Fatal("AuthInfo should round-trip through the context")
	}
	if got.Subject != "someone" {
		t.Errorf("subject = %q", got.Subject)
	}
}
