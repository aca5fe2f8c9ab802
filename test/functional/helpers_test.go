//go:build functional

// Package functional provides black-box functional tests for the signing
// service HTTP surface.
package functional

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/pgp-signing-service/internal/audit"
	"github.com/vyrodovalexey/pgp-signing-service/internal/auth"
	"github.com/vyrodovalexey/pgp-signing-service/internal/config"
	"github.com/vyrodovalexey/pgp-signing-service/internal/keycache"
	"github.com/vyrodovalexey/pgp-signing-service/internal/keystore"
	"github.com/vyrodovalexey/pgp-signing-service/internal/ratelimit"
	"github.com/vyrodovalexey/pgp-signing-service/internal/server"
	"github.com/vyrodovalexey/pgp-signing-service/internal/signer"
)

// Test credentials.
const (
	AdminToken  = "functional-admin-token"
	ValidToken  = "functional-oidc-token"
	TestIssuer  = "https://token.actions.githubusercontent.com"
	TestSubject = "repo:user/repo:ref:refs/heads/main"
)

// DefaultRequestTimeout bounds each test request.
const DefaultRequestTimeout = 10 * time.Second

// staticVerifier accepts exactly ValidToken.
type staticVerifier struct{}

func (s *staticVerifier) Verify(_ context.Context, rawToken string) (*auth.TokenClaims, error) {
	if rawToken != ValidToken {
		return nil, errors.New("token rejected")
	}
	return &auth.TokenClaims{
		Subject:  TestSubject,
		Issuer:   TestIssuer,
		Audience: []string{"pgp-signing-service"},
		Expiry:   time.Now().Add(time.Hour),
	}, nil
}

// TestServer bundles a running service instance and its backing pieces.
type TestServer struct {
	BaseURL string
	Keys    keystore.Store
	Audit   *audit.Log

	httpServer *httptest.Server
}

// NewTestServer assembles the full service with a rate-limit capacity of
// rateCapacity and serves it over a loopback listener.
func NewTestServer(t *testing.T, rateCapacity int) *TestServer {
	t.Helper()

	dir := t.TempDir()

	keys, err := keystore.NewFileStore(filepath.Join(dir, "keys.json"))
	if err != nil {
		t.Fatalf("opening key store: %v", err)
	}

	auditLog, err := audit.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("opening audit db: %v", err)
	}
	t.Cleanup(func() {
		_ = auditLog.Close()
	})

	cfg := &config.Config{
		ServerPort:        8080,
		LogLevel:          "info",
		ShutdownTimeout:   5 * time.Second,
		MetricsEnabled:    false,
		AdminToken:        AdminToken,
		AllowedIssuers:    TestIssuer,
		RateLimitWindow:   time.Minute,
		RateLimitCapacity: rateCapacity,
		KeyCacheTTL:       5 * time.Minute,
		MaxBodyBytes:      1 << 20,
	}

	srv := server.New(cfg, zap.NewNop(), server.Dependencies{
		Keys:     keys,
		Limiter:  ratelimit.NewFixedWindow(cfg.RateLimitWindow, cfg.RateLimitCapacity),
		Signer:   signer.New("", keycache.New[*openpgp.Entity](cfg.KeyCacheTTL)),
		Audit:    auditLog,
		Verifier: &staticVerifier{},
	})

	httpServer := httptest.NewServer(srv.Router())
	t.Cleanup(httpServer.Close)

	return &TestServer{
		BaseURL:    httpServer.URL,
		Keys:       keys,
		Audit:      auditLog,
		httpServer: httpServer,
	}
}

// GenerateArmoredKey mints a fresh EdDSA key pair and returns the entity
// with its armored private block.
func GenerateArmoredKey(t *testing.T) (*openpgp.Entity, string) {
	t.Helper()

	entity, err := openpgp.NewEntity(
		"Functional Test", "", "functional@example.com",
		&packet.Config{Algorithm: packet.PubKeyAlgoEdDSA},
	)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	var buf bytes.Buffer
	enc, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := entity.SerializePrivateWithoutSigning(enc, nil); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	return entity, buf.String()
}

// Do performs one request against the test server.
func (ts *TestServer) Do(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, method, ts.BaseURL+path, body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.httpServer.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})

	return resp
}

// UploadKey pushes the armored private key through the admin API and
// returns the derived key ID.
func (ts *TestServer) UploadKey(t *testing.T, armored string) string {
	t.Helper()

	payload, err := json.Marshal(map[string]string{"armoredPrivateKey": armored})
	if err != nil {
		t.Fatal(err)
	}

	resp := ts.Do(t, http.MethodPost, "/admin/keys", AdminToken, bytes.NewReader(payload))
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d, body = %s", resp.StatusCode, body)
	}

	var uploaded struct {
		KeyID string `json:"keyId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		t.Fatalf("parsing upload response: %v", err)
	}
	if uploaded.KeyID == "" {
		t.Fatal("upload response missing keyId")
	}

	return uploaded.KeyID
}

// ReadBody drains the response body as a string.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(data)
}

// DecodeError parses the structured error envelope.
func DecodeError(t *testing.T, resp *http.Response) (code string, requestID string) {
	t.Helper()

	var body struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("parsing error body: %v", err)
	}
	return body.Code, body.RequestID
}

// VerifySignature checks an armored detached signature against the
// entity's public half.
func VerifySignature(t *testing.T, entity *openpgp.Entity, payload, signature string) {
	t.Helper()

	_, err := openpgp.CheckArmoredDetachedSignature(
		openpgp.EntityList{entity},
		strings.NewReader(payload),
		strings.NewReader(signature),
		nil,
	)
	if err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

// SignPath builds the sign endpoint path for a key.
func SignPath(keyID string) string {
	return fmt.Sprintf("/sign?keyId=%s", keyID)
}
