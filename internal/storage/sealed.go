package storage

import (
	"context"
	"fmt"

	"github.com/better-wallet/session-wallet/internal/kms"
)

// Sealed encrypts every value through a KMS provider before it reaches the
// inner store. Keys are left in the clear.
type Sealed struct {
	inner    KV
	provider kms.Provider
}

// NewSealed wraps inner so values are sealed at rest.
func NewSealed(inner KV, provider kms.Provider) *Sealed {
	return &Sealed{inner: inner, provider: provider}
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	value, err := s.provider.Decrypt(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal %q with %s: %w", key, s.provider.Provider(), err)
	}
	return value, nil
}

func (s *Sealed) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.provider.Encrypt(ctx, value)
	if err != nil {
		return fmt.Errorf("failed to seal %q with %s: %w", key, s.provider.Provider(), err)
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) Close() error {
	return s.inner.Close()
}
