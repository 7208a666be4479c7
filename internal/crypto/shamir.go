package crypto

import (
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

const (
	// DefaultBackupThreshold is the minimum number of shares required to restore a backup.
	DefaultBackupThreshold = 2
	// DefaultBackupShares is the number of shares a backup is split into.
	DefaultBackupShares = 3

	// maxShares is the field limit of the underlying scheme
	maxShares = 255
)

// ShareSet is an owner key split with Shamir's Secret Sharing.
type ShareSet struct {
	Shares      [][]byte
	Threshold   int
	TotalShares int
}

// SplitKey splits key into totalShares shares, any threshold of which
// reconstruct it.
func SplitKey(key []byte, threshold, totalShares int) (*ShareSet, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("key cannot be empty")
	}
	if threshold < 2 {
		return nil, fmt.Errorf("threshold must be at least 2, got %d", threshold)
	}
	if totalShares < threshold {
		return nil, fmt.Errorf("totalShares (%d) must be >= threshold (%d)", totalShares, threshold)
	}
	if totalShares > maxShares {
		return nil, fmt.Errorf("totalShares must be at most %d, got %d", maxShares, totalShares)
	}

	shares, err := shamir.Split(key, totalShares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split key with Shamir's Secret Sharing: %w", err)
	}

	return &ShareSet{
		Shares:      shares,
		Threshold:   threshold,
		TotalShares: totalShares,
	}, nil
}

// CombineShares reconstructs the key. Passing fewer than threshold shares
// does not fail; it yields a wrong key, so callers validate the result.
func CombineShares(shares [][]byte) ([]byte, error) {
	if len(shares) < 2 {
		return nil, fmt.Errorf("at least 2 shares are required, got %d", len(shares))
	}

	for i, share := range shares {
		if err := ValidateShare(share); err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
	}

	key, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}

	return key, nil
}

// ValidateShare checks if a share appears to be valid
// Note: This only checks format, not cryptographic validity.
func ValidateShare(share []byte) error {
	if len(share) == 0 {
		return fmt.Errorf("share cannot be empty")
	}
	// a 32-byte key yields 32 bytes of share data plus a 1-byte x coordinate
	if len(share) < 33 {
		return fmt.Errorf("share too short: expected at least 33 bytes, got %d", len(share))
	}
	return nil
}
