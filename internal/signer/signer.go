// Package signer wraps the OpenPGP operations of the service: parsing and
// unlocking armored private keys, producing armored detached signatures,
// and extracting public key blocks.
package signer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/vyrodovalexey/pgp-signing-service/internal/keycache"
	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
)

// Signer errors.
var (
	ErrKeyProcessing       = errors.New("unable to process key material")
	ErrSign                = errors.New("signing failed")
	ErrFingerprintMismatch = errors.New("key fingerprint does not match stored record")
	ErrPassphraseRequired  = errors.New("key is encrypted and no passphrase is configured")
)

// unknownUserID is returned when the key carries no user identity.
const unknownUserID = "Unknown"

// KeyDetails describes a parsed private key.
type KeyDetails struct {
	KeyID       string
	Fingerprint string
	Algorithm   string
	UserID      string
}

// Result is the outcome of a successful signing operation.
type Result struct {
	Signature   string
	KeyID       string
	Fingerprint string
	Algorithm   string
}

// Signer produces detached signatures using keys from the store,
// consulting the decrypted-key cache before parsing.
type Signer struct {
	passphrase []byte
	cache      *keycache.Cache[*openpgp.Entity]
}

// New creates a Signer. The passphrase is the service-wide secret used to
// unlock encrypted stored keys.
func New(passphrase string, cache *keycache.Cache[*openpgp.Entity]) *Signer {
	return &Signer{
		passphrase: []byte(passphrase),
		cache:      cache,
	}
}

// Sign produces an armored detached signature over payload with the key
// in stored. The unlocked handle is cached under the stored key ID; a
// cache miss re-parses and re-unlocks the armored material.
func (s *Signer) Sign(payload []byte, stored *model.StoredKey) (*Result, error) {
	entity, ok := s.cache.Get(stored.KeyID)
	if !ok {
		var err error
		entity, err = s.unlock(stored.ArmoredPrivateKey)
		if err != nil {
			return nil, err
		}
		s.cache.Set(stored.KeyID, entity)
	}

	fingerprint := fingerprintString(entity.PrimaryKey)
	if !strings.EqualFold(fingerprint, stored.Fingerprint) {
		return nil, fmt.Errorf("%w: have %s, stored %s",
			ErrFingerprintMismatch, fingerprint, stored.Fingerprint)
	}

	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, entity, bytes.NewReader(payload), nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSign, err)
	}

	return &Result{
		Signature:   buf.String(),
		KeyID:       entity.PrimaryKey.KeyIdString(),
		Fingerprint: fingerprint,
		Algorithm:   algorithmLabel(entity.PrimaryKey.PubKeyAlgo),
	}, nil
}

// Invalidate drops any cached unlocked handle for keyID.
func (s *Signer) Invalidate(keyID string) {
	s.cache.Invalidate(keyID)
}

// unlock parses the armored private key and decrypts it with the service
// passphrase. Parse failures map to ErrKeyProcessing; an encrypted key with
// no configured passphrase yields ErrPassphraseRequired; other decryption
// failures map to ErrSign, since the material itself is valid.
func (s *Signer) unlock(armored string) (*openpgp.Entity, error) {
	entity, err := readPrivateEntity(armored)
	if err != nil {
		return nil, err
	}

	if err := decryptEntity(entity, s.passphrase); err != nil {
		if errors.Is(err, ErrPassphraseRequired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSign, err)
	}

	return entity, nil
}

// ParseAndValidate parses armored private key material, verifies the
// passphrase if the key is encrypted, and returns the derived details.
// Used by the upload path before a key is persisted.
func ParseAndValidate(armored, passphrase string) (*KeyDetails, error) {
	entity, err := readPrivateEntity(armored)
	if err != nil {
		return nil, err
	}

	if err := decryptEntity(entity, []byte(passphrase)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyProcessing, err)
	}

	return &KeyDetails{
		KeyID:       entity.PrimaryKey.KeyIdString(),
		Fingerprint: fingerprintString(entity.PrimaryKey),
		Algorithm:   algorithmLabel(entity.PrimaryKey.PubKeyAlgo),
		UserID:      primaryUserID(entity),
	}, nil
}

// ReArmor decodes an armored private key block and re-encodes it with
// canonical armor, leaving the packet bytes untouched.
func ReArmor(armored string) (string, error) {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyProcessing, err)
	}

	if block.Type != openpgp.PrivateKeyType {
		return "", fmt.Errorf("%w: unexpected armor type %q", ErrKeyProcessing, block.Type)
	}

	var buf bytes.Buffer
	enc, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyProcessing, err)
	}

	if _, err := io.Copy(enc, block.Body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyProcessing, err)
	}

	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyProcessing, err)
	}

	return buf.String(), nil
}

// ExtractPublicKey returns the armored public key block for the given
// armored private key material.
func ExtractPublicKey(armored string) (string, error) {
	entity, err := readPrivateEntity(armored)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyProcessing, err)
	}

	if err := entity.Serialize(enc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyProcessing, err)
	}

	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyProcessing, err)
	}

	return buf.String(), nil
}

// readPrivateEntity parses armored material into the first entity of the
// key ring, requiring private key packets to be present.
func readPrivateEntity(armored string) (*openpgp.Entity, error) {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyProcessing, err)
	}

	if len(ring) == 0 {
		return nil, fmt.Errorf("%w: empty key ring", ErrKeyProcessing)
	}

	entity := ring[0]
	if entity.PrivateKey == nil {
		return nil, fmt.Errorf("%w: no private key packets", ErrKeyProcessing)
	}

	return entity, nil
}

// decryptEntity unlocks the primary key and every subkey in place.
// Unencrypted keys pass through untouched.
func decryptEntity(entity *openpgp.Entity, passphrase []byte) error {
	if entity.PrivateKey.Encrypted {
		if len(passphrase) == 0 {
			return ErrPassphraseRequired
		}
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("decrypting primary key: %w", err)
		}
	}

	for i := range entity.Subkeys {
		sub := &entity.Subkeys[i]
		if sub.PrivateKey == nil || !sub.PrivateKey.Encrypted {
			continue
		}
		if len(passphrase) == 0 {
			return ErrPassphraseRequired
		}
		if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("decrypting subkey: %w", err)
		}
	}

	return nil
}

// fingerprintString renders the key fingerprint as uppercase hex.
func fingerprintString(key *packet.PublicKey) string {
	return fmt.Sprintf("%X", key.Fingerprint)
}

// primaryUserID returns the first identity name on the key.
func primaryUserID(entity *openpgp.Entity) string {
	for _, identity := range entity.Identities {
		if identity.Name != "" {
			return identity.Name
		}
	}
	return unknownUserID
}

// algorithmLabel maps an OpenPGP public key algorithm to its display
// label.
func algorithmLabel(algo packet.PublicKeyAlgorithm) string {
	switch algo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly:
		return "RSA"
	case packet.PubKeyAlgoDSA:
		return "DSA"
	case packet.PubKeyAlgoElGamal:
		return "ElGamal"
	case packet.PubKeyAlgoECDH:
		return "ECDH"
	case packet.PubKeyAlgoECDSA:
		return "ECDSA"
	case packet.PubKeyAlgoEdDSA:
		return "EdDSA"
	case packet.PubKeyAlgoEd25519:
		return "Ed25519"
	case packet.PubKeyAlgoEd448:
		return "Ed448"
	case packet.PubKeyAlgoX25519:
		return "X25519"
	case packet.PubKeyAlgoX448:
		return "X448"
	default:
		return fmt.Sprintf("Unknown(%d)", int(algo))
	}
}
