package secrets

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore fronts a remote store so the request path does not hit AWS per
// batch. Misses are not cached; a newly provisioned org is picked up on its
// next request.
type CachedStore struct {
	inner Store
	cache *expirable.LRU[string, []byte]
}

func NewCachedStore(inner Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		inner: inner,
		cache: expirable.NewLRU[string, []byte](size, func(_ string, v []byte) { Wipe(v) }, ttl),
	}
}

func (c *CachedStore) SigningSecret(ctx context.Context, orgID string) ([]byte, error) {
	if v, ok := c.cache.Get(orgID); ok {
		return clone(v), nil
	}
	secret, err := c.inner.SigningSecret(ctx, orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.cache.Add(orgID, clone(secret))
	return secret, nil
}

// Invalidate drops the cached secret, e.g. after rotation.
func (c *CachedStore) Invalidate(orgID string) {
	c.cache.Remove(orgID)
}

func (c *CachedStore) Len() int {
	return c.cache.Len()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
