// Package auth manages API credentials: opaque bearer secrets whose
// one-way hashes are persisted alongside usage metadata. The broker
// core only consumes Verify; issuance happens through the CLI.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentd/internal/storage"
)

// ErrInvalidCredential is returned when no stored key matches the
// presented secret.
var ErrInvalidCredential = errors.New("invalid credential")

const secretPrefix = "agd_"

// Key is one stored API credential. The secret itself is never
// persisted, only its SHA-256 hash.
type Key struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"secretHash"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
}

// Store verifies and manages API keys on top of the storage layer.
type Store struct {
	storage *storage.Storage

	mu     sync.RWMutex
	byHash map[string]string // secret hash -> key id
}

// NewStore creates a key store and loads existing keys from disk.
func NewStore(ctx context.Context, st *storage.Storage) (*Store, error) {
	s := &Store{
		storage: st,
		byHash:  make(map[string]string),
	}
	err := st.Scan(ctx, []string{"keys"}, func(id string, data json.RawMessage) error {
		var key Key
		if err := json.Unmarshal(data, &key); err != nil {
			return fmt.Errorf("decode key %s: %w", id, err)
		}
		s.byHash[key.SecretHash] = key.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create issues a new key. The plaintext secret is returned exactly
// once; afterwards only the hash exists.
func (s *Store) Create(ctx context.Context, name string) (*Key, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	secret := secretPrefix + base64.RawURLEncoding.EncodeToString(raw)

	key := &Key{
		ID:         ulid.Make().String(),
		Name:       name,
		SecretHash: hashSecret(secret),
		CreatedAt:  time.Now(),
	}
	if err := s.storage.Put(ctx, []string{"keys", key.ID}, key); err != nil {
		return nil, "", fmt.Errorf("save key: %w", err)
	}

	s.mu.Lock()
	s.byHash[key.SecretHash] = key.ID
	s.mu.Unlock()

	return key, secret, nil
}

// Verify resolves a presented secret to a key id, or returns
// ErrInvalidCredential.
func (s *Store) Verify(ctx context.Context, secret string) (string, error) {
	hash := hashSecret(secret)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for stored, id := range s.byHash {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			return id, nil
		}
	}
	return "", ErrInvalidCredential
}

// RecordLastUsed stamps a key's last-use time. Failures here are not
// worth failing a request over, so the caller usually just logs them.
func (s *Store) RecordLastUsed(ctx context.Context, keyID string) error {
	var key Key
	if err := s.storage.Get(ctx, []string{"keys", keyID}, &key); err != nil {
		return err
	}
	key.LastUsedAt = time.Now()
	return s.storage.Put(ctx, []string{"keys", keyID}, key)
}

// Revoke deletes a key. Unknown ids are a no-op.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	var key Key
	err := s.storage.Get(ctx, []string{"keys", keyID}, &key)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.storage.Delete(ctx, []string{"keys", keyID}); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.byHash, key.SecretHash)
	s.mu.Unlock()
	return nil
}

// List returns all stored keys.
func (s *Store) List(ctx context.Context) ([]*Key, error) {
	var keys []*Key
	err := s.storage.Scan(ctx, []string{"keys"}, func(id string, data json.RawMessage) error {
		var key Key
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		keys = append(keys, &key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
