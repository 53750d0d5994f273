// Package secrets resolves per-org signing secrets. Backends are static config,
// AWS Secrets Manager and SSM Parameter Store, optionally KMS-enveloped and
// fronted by an expiring LRU.
package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrNotFound means no secret is registered for the org.
var ErrNotFound = errors.New("secrets: not found")

// Store returns the HMAC signing secret for an org.
type Store interface {
	SigningSecret(ctx context.Context, orgID string) ([]byte, error)
}

// Hash is the sha256 hex digest stored in the org registry to pin a secret.
func Hash(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}

// StaticStore serves secrets seeded from config.
type StaticStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

func NewStaticStore(seed map[string]string) *StaticStore {
	s := &StaticStore{secrets: make(map[string][]byte, len(seed))}
	for org, secret := range seed {
		if secret == "" {
			continue
		}
		s.secrets[org] = []byte(secret)
	}
	return s
}

func (s *StaticStore) SigningSecret(_ context.Context, orgID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return out, nil
}

// Put registers or rotates an org secret.
func (s *StaticStore) Put(orgID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[orgID] = []byte(secret)
}

// Wipe zeros a byte slice in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
