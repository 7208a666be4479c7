package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/better-wallet/session-wallet/internal/storage"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// Cache persists authenticator material per network.
type Cache struct {
	kv storage.KV
}

// NewCache creates a cache over kv.
func NewCache(kv storage.KV) *Cache {
	return &Cache{kv: kv}
}

// CacheKey is the storage key for chainID.
func CacheKey(chainID int64) string {
	return fmt.Sprintf("webAuthnKey_%d", chainID)
}

// Get returns the cached material for chainID. ok is false when nothing is
// cached. The material is returned as stored; callers validate it.
func (c *Cache) Get(ctx context.Context, chainID int64) (types.KeyMaterial, bool, error) {
	data, err := c.kv.Get(ctx, CacheKey(chainID))
	if errors.Is(err, storage.ErrNotFound) {
		return types.KeyMaterial{}, false, nil
	}
	if err != nil {
		return types.KeyMaterial{}, false, err
	}

	var m types.KeyMaterial
	if err := json.Unmarshal(data, &m); err != nil {
		return types.KeyMaterial{}, false, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return m, true, nil
}

// Put stores material for chainID.
func (c *Cache) Put(ctx context.Context, chainID int64, m types.KeyMaterial) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, CacheKey(chainID), data)
}

// Delete removes material for chainID.
func (c *Cache) Delete(ctx context.Context, chainID int64) error {
	err := c.kv.Delete(ctx, CacheKey(chainID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
