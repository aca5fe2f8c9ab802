// Package keystore provides durable storage for uploaded private keys.
package keystore

import (
	"context"
	"errors"

	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
)

// Store errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrInvalidKey = errors.New("stored key record is invalid")
)

// Store defines the interface for key storage operations. Writes to a
// given key ID are last-writer-wins; implementations serialize mutations.
type Store interface {
	// Get retrieves a stored key by its ID.
	Get(ctx context.Context, keyID string) (*model.StoredKey, error)

	// List returns the listing view of every stored key, without the
	// armored private material.
	List(ctx context.Context) ([]model.KeyInfo, error)

	// Put inserts or replaces the record under its key ID.
	Put(ctx context.Context, key *model.StoredKey) error

	// Delete removes a key by its ID and reports whether it existed.
	Delete(ctx context.Context, keyID string) (bool, error)
}
