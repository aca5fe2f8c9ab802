package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/pgp-signing-service/internal/networking"
)

// OIDC verifier errors.
var (
	ErrJWKSFetch          = errors.New("failed to fetch JWKS")
	ErrTokenMalformed     = errors.New("malformed JWT token")
	ErrTokenExpired       = errors.New("token has expired")
	ErrIssuedInFuture     = errors.New("token issued in the future")
	ErrIssuerNotAllowed   = errors.New("token issuer is not in the allowed list")
	ErrSigningKeyNotFound = errors.New("signing key not found in JWKS")
	ErrUnsupportedAlgo    = errors.New("unsupported signing algorithm")
	ErrSignatureInvalid   = errors.New("token signature is invalid")
	ErrAudienceMismatch   = errors.New("token audience mismatch")
)

// jwksCacheTTL defines how long fetched JWKS documents stay cached per
// issuer.
const jwksCacheTTL = 5 * time.Minute

// maxIssuedAtSkew is the clock skew tolerated on the iat claim.
const maxIssuedAtSkew = 60 * time.Second

// oidcDiscoveryDocument represents the OpenID Connect discovery document.
type oidcDiscoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// jwksDocument represents a JSON Web Key Set document.
type jwksDocument struct {
	Keys []jwkKey `json:"keys"`
}

// jwkKey represents a single JSON Web Key. RSA keys carry N and E; EC
// keys carry Crv, X and Y.
type jwkKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// jwtHeader represents the header portion of a JWT.
type jwtHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// jwtPayload represents the payload portion of a JWT with standard claims.
type jwtPayload struct {
	Sub string   `json:"sub"`
	Iss string   `json:"iss"`
	Aud audience `json:"aud"`
	Exp float64  `json:"exp"`
	Iat float64  `json:"iat"`
}

// audience handles both string and []string JSON representations of the "aud" claim.
type audience []string

// UnmarshalJSON implements custom unmarshalling for the audience claim,
// which can be either a single string or an array of strings per RFC 7519.
func (a *audience) UnmarshalJSON(data []byte) error {
	// Try single string first.
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = []string{single}
		return nil
	}

	// Try array of strings.
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("audience must be a string or array of strings: %w", err)
	}

	*a = multi

	return nil
}

// jwksEntry is one cached JWKS keyed by issuer.
type jwksEntry struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// OIDCVerifier implements the TokenVerifier interface by validating JWT
// tokens against the JWKS of their issuer, which must be in the allowed
// list. JWKS documents are discovered lazily per issuer and cached with a
// TTL; both the discovery URL and the jwks_uri are checked against the
// outbound URL guard before being fetched.
type OIDCVerifier struct {
	allowedIssuers map[string]struct{}
	audience       string
	client         *http.Client
	cacheTTL       time.Duration
	checkURL       func(string) error
	now            func() time.Time

	mu   sync.RWMutex
	jwks map[string]*jwksEntry

	group singleflight.Group
}

// NewOIDCVerifier creates a verifier accepting tokens from the given
// issuer URLs. An empty expectedAudience disables the audience check.
func NewOIDCVerifier(allowedIssuers []string, expectedAudience string) *OIDCVerifier {
	allowed := make(map[string]struct{}, len(allowedIssuers))
	for _, issuer := range allowedIssuers {
		allowed[strings.TrimRight(issuer, "/")] = struct{}{}
	}

	return &OIDCVerifier{
		allowedIssuers: allowed,
		audience:       expectedAudience,
		client:         &http.Client{Timeout: networking.DefaultFetchTimeout},
		cacheTTL:       jwksCacheTTL,
		checkURL:       networking.ValidateURL,
		now:            time.Now,
		jwks:           make(map[string]*jwksEntry),
	}
}

// Verify validates the given raw JWT token string and returns the
// extracted claims. It checks the issuer against the allowed list before
// any network activity, then the signature, expiry, issued-at skew and,
// when configured, the audience.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*TokenClaims, error) {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrTokenMalformed, len(parts))
	}

	header, err := parseHeader(parts[0])
	if err != nil {
		return nil, err
	}

	payload, err := parsePayload(parts[1])
	if err != nil {
		return nil, err
	}

	issuer := strings.TrimRight(payload.Iss, "/")
	if _, ok := v.allowedIssuers[issuer]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrIssuerNotAllowed, payload.Iss)
	}

	keys, err := v.keysFor(ctx, issuer)
	if err != nil {
		return nil, err
	}

	key, ok := keys[header.Kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid=%q", ErrSigningKeyNotFound, header.Kid)
	}

	signature, err := base64URLDecode(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding signature: %w", ErrTokenMalformed, err)
	}

	signingInput := parts[0] + "." + parts[1]
	if err := verifySignature(key, header.Alg, []byte(signingInput), signature); err != nil {
		return nil, err
	}

	now := v.now()

	expiry := time.Unix(int64(payload.Exp), 0)
	if !expiry.After(now) {
		return nil, fmt.Errorf("%w: expired at %v", ErrTokenExpired, expiry)
	}

	var issuedAt time.Time
	if payload.Iat > 0 {
		issuedAt = time.Unix(int64(payload.Iat), 0)
		if issuedAt.After(now.Add(maxIssuedAtSkew)) {
			return nil, fmt.Errorf("%w: iat %v", ErrIssuedInFuture, issuedAt)
		}
	}

	if v.audience != "" && !containsAudience(payload.Aud, v.audience) {
		return nil, fmt.Errorf(
			"%w: token audience %v does not contain %s",
			ErrAudienceMismatch, []string(payload.Aud), v.audience,
		)
	}

	allClaims, err := extractAllClaims(rawToken)
	if err != nil {
		return nil, fmt.Errorf("extracting claims: %w", err)
	}

	return &TokenClaims{
		Subject:  payload.Sub,
		Audience: []string(payload.Aud),
		Issuer:   payload.Iss,
		Expiry:   expiry,
		IssuedAt: issuedAt,
		Claims:   allClaims,
	}, nil
}

// keysFor returns the cached JWKS keys for issuer, fetching on a miss or
// after TTL expiry. Concurrent misses for the same issuer collapse into a
// single fetch; last writer wins on the cache entry.
func (v *OIDCVerifier) keysFor(ctx context.Context, issuer string) (map[string]crypto.PublicKey, error) {
	if keys, ok := v.cachedKeys(issuer); ok {
		return keys, nil
	}

	result, err, _ := v.group.Do(issuer, func() (any, error) {
		// Another waiter may have refreshed the entry already.
		if keys, ok := v.cachedKeys(issuer); ok {
			return keys, nil
		}

		keys, err := v.fetchKeys(ctx, issuer)
		if err != nil {
			return nil, err
		}

		v.mu.Lock()
		v.jwks[issuer] = &jwksEntry{keys: keys, fetchedAt: v.now()}
		v.mu.Unlock()

		return keys, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}

	return result.(map[string]crypto.PublicKey), nil
}

// cachedKeys returns the JWKS entry for issuer if it is still within TTL.
func (v *OIDCVerifier) cachedKeys(issuer string) (map[string]crypto.PublicKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entry, ok := v.jwks[issuer]
	if !ok || v.now().Sub(entry.fetchedAt) >= v.cacheTTL {
		return nil, false
	}

	return entry.keys, true
}

// fetchKeys performs OIDC discovery for issuer and retrieves its JWKS.
// Both URLs pass through the outbound URL guard first.
func (v *OIDCVerifier) fetchKeys(ctx context.Context, issuer string) (map[string]crypto.PublicKey, error) {
	discoveryURL := issuer + "/.well-known/openid-configuration"

	if err := v.checkURL(discoveryURL); err != nil {
		return nil, fmt.Errorf("discovery URL rejected: %w", err)
	}

	disc, err := networking.FetchJSON[oidcDiscoveryDocument](ctx, v.client, discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("fetching discovery document: %w", err)
	}

	if disc.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document missing jwks_uri")
	}

	if err := v.checkURL(disc.JWKSURI); err != nil {
		return nil, fmt.Errorf("jwks_uri rejected: %w", err)
	}

	doc, err := networking.FetchJSON[jwksDocument](ctx, v.client, disc.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS document: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))

	for _, jwk := range doc.Keys {
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}

		pubKey, err := parseJWK(jwk)
		if err != nil {
			continue // Skip keys that cannot be parsed.
		}

		keys[jwk.Kid] = pubKey
	}

	return keys, nil
}

// parseJWK constructs a public key from a JWK.
func parseJWK(jwk jwkKey) (crypto.PublicKey, error) {
	switch jwk.Kty {
	case "RSA":
		return parseRSAPublicKey(jwk)
	case "EC":
		return parseECPublicKey(jwk)
	default:
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}
}

// parseRSAPublicKey constructs an RSA public key from a JWK.
func parseRSAPublicKey(jwk jwkKey) (*rsa.PublicKey, error) {
	nBytes, err := base64URLDecode(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}

	eBytes, err := base64URLDecode(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{
		N: n,
		E: int(e.Int64()),
	}, nil
}

// parseECPublicKey constructs an ECDSA public key from a JWK.
func parseECPublicKey(jwk jwkKey) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch jwk.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", jwk.Crv)
	}

	xBytes, err := base64URLDecode(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("decoding x coordinate: %w", err)
	}

	yBytes, err := base64URLDecode(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("decoding y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// parseHeader decodes the base64url JWT header segment.
func parseHeader(segment string) (*jwtHeader, error) {
	headerBytes, err := base64URLDecode(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding header: %w", ErrTokenMalformed, err)
	}

	var header jwtHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: parsing header: %w", ErrTokenMalformed, err)
	}

	return &header, nil
}

// parsePayload decodes the base64url JWT payload segment.
func parsePayload(segment string) (*jwtPayload, error) {
	payloadBytes, err := base64URLDecode(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %w", ErrTokenMalformed, err)
	}

	var payload jwtPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("%w: parsing payload: %w", ErrTokenMalformed, err)
	}

	return &payload, nil
}

// verifySignature dispatches on the JWS algorithm.
func verifySignature(key crypto.PublicKey, alg string, signingInput, signature []byte) error {
	hashAlg, err := hashForAlgorithm(alg)
	if err != nil {
		return err
	}

	switch k := key.(type) {
	case *rsa.PublicKey:
		if !strings.HasPrefix(alg, "RS") {
			return fmt.Errorf("%w: %s with RSA key", ErrUnsupportedAlgo, alg)
		}
		if err := verifyRSASignature(k, hashAlg, signingInput, signature); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	case *ecdsa.PublicKey:
		if !strings.HasPrefix(alg, "ES") {
			return fmt.Errorf("%w: %s with EC key", ErrUnsupportedAlgo, alg)
		}
		if err := verifyECDSASignature(k, hashAlg, signingInput, signature); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrUnsupportedAlgo, key)
	}

	return nil
}

// base64URLDecode decodes a base64url-encoded string (without padding).
func base64URLDecode(s string) ([]byte, error) {
	// Add padding if necessary.
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}

	return base64.URLEncoding.DecodeString(s)
}

// extractAllClaims decodes the payload section of a JWT and returns all claims as a map.
func extractAllClaims(rawToken string) (map[string]any, error) {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format")
	}

	payloadBytes, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("parsing claims: %w", err)
	}

	return claims, nil
}

// containsAudience checks if the expected audience is present in the
// audience list.
func containsAudience(audiences []string, expected string) bool {
	for _, aud := range audiences {
		if aud == expected {
			return true
		}
	}
	return false
}

// hashForAlgorithm returns the crypto.Hash identifier for the given JWS
// signing algorithm.
func hashForAlgorithm(alg string) (crypto.Hash, error) {
	switch alg {
	case "RS256", "ES256":
		return crypto.SHA256, nil
	case "RS384", "ES384":
		return crypto.SHA384, nil
	case "RS512", "ES512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgo, alg)
	}
}

// newHashFunc creates a new hash.Hash for the given crypto.Hash.
func newHashFunc(h crypto.Hash) hash.Hash {
	switch h {
	case crypto.SHA256:
		return sha256.New()
	case crypto.SHA384:
		return sha512.New384()
	case crypto.SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// verifyRSASignature verifies an RSA PKCS#1 v1.5 signature.
func verifyRSASignature(
	key *rsa.PublicKey,
	hashAlg crypto.Hash,
	signingInput []byte,
	signature []byte,
) error {
	h := newHashFunc(hashAlg)
	h.Write(signingInput)
	digest := h.Sum(nil)

	return rsa.VerifyPKCS1v15(key, hashAlg, digest, signature)
}

// verifyECDSASignature verifies a JWS ECDSA signature, which is the raw
// concatenation of the r and s values.
func verifyECDSASignature(
	key *ecdsa.PublicKey,
	hashAlg crypto.Hash,
	signingInput []byte,
	signature []byte,
) error {
	byteLen := (key.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*byteLen {
		return fmt.Errorf("signature length %d does not match curve", len(signature))
	}

	r := new(big.Int).SetBytes(signature[:byteLen])
	s := new(big.Int).SetBytes(signature[byteLen:])

	h := newHashFunc(hashAlg)
	h.Write(signingInput)
	digest := h.Sum(nil)

	if !ecdsa.Verify(key, digest, r, s) {
		return fmt.Errorf("ecdsa verification failed")
	}

	return nil
}
