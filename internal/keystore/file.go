package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
)

// FileStore implements Store with an in-memory map persisted to a single
// JSON file. Every mutation rewrites the file atomically (temp file plus
// rename) under the write lock, so a successful Put happens-before any
// Get that observes it.
type FileStore struct {
	mu   sync.RWMutex
	path string
	keys map[string]model.StoredKey
}

// NewFileStore opens or creates the store backed by the JSON file at
// path. The parent directory must exist.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		keys: make(map[string]model.StoredKey),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading key store file: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.keys); err != nil {
			return nil, fmt.Errorf("parsing key store file: %w", err)
		}
	}

	return s, nil
}

// Get retrieves a stored key by its ID.
func (s *FileStore) Get(ctx context.Context, keyID string) (*model.StoredKey, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("get key: %w", ctx.Err())
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, exists := s.keys[keyID]
	if !exists {
		return nil, ErrNotFound
	}

	return &key, nil
}

// List returns the listing view of every stored key, ordered by key ID.
func (s *FileStore) List(ctx context.Context) ([]model.KeyInfo, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("list keys: %w", ctx.Err())
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]model.KeyInfo, 0, len(s.keys))
	for _, key := range s.keys {
		infos = append(infos, key.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].KeyID < infos[j].KeyID
	})

	return infos, nil
}

// Put inserts or replaces the record under its key ID and persists the
// map. A persistence failure leaves the previous on-disk state intact and
// rolls the in-memory map back.
func (s *FileStore) Put(ctx context.Context, key *model.StoredKey) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("put key: %w", ctx.Err())
	default:
	}

	if key == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidKey)
	}

	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.keys[key.KeyID]
	s.keys[key.KeyID] = *key

	if err := s.persistLocked(); err != nil {
		if existed {
			s.keys[key.KeyID] = previous
		} else {
			delete(s.keys, key.KeyID)
		}
		return fmt.Errorf("persisting key store: %w", err)
	}

	return nil
}

// Delete removes a key by its ID. Deleting a missing key is not an error.
func (s *FileStore) Delete(ctx context.Context, keyID string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("delete key: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.keys[keyID]
	if !existed {
		return false, nil
	}

	delete(s.keys, keyID)

	if err := s.persistLocked(); err != nil {
		s.keys[keyID] = previous
		return false, fmt.Errorf("persisting key store: %w", err)
	}

	return true, nil
}

// persistLocked writes the map to a temp file in the store directory and
// renames it over the target. Callers hold the write lock.
func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(s.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding key store: %w", err)
	}

	dir := filepath.Dir(s.path)

	tmp, err := os.CreateTemp(dir, ".keystore-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing key store file: %w", err)
	}

	return nil
}
