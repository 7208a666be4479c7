package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// privateKeyHexPattern matches a 0x-prefixed 32-byte hex value.
var privateKeyHexPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ErrInvalidPrivateKey is returned when a value is not a well-formed secp256k1 key.
var ErrInvalidPrivateKey = errors.New("invalid private key")

// GenerateEthereumKey generates a new Ethereum private key.
func GenerateEthereumKey() (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return privateKey, nil
}

// GetEthereumAddress derives the Ethereum address from a private key.
func GetEthereumAddress(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// PrivateKeyToHex encodes a private key as 0x-prefixed hex.
func PrivateKeyToHex(privateKey *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSA(privateKey))
}

// ValidatePrivateKeyHex checks that s is structurally a usable key: 0x plus 64
// hex characters encoding a scalar in [1, n-1]. Decrypted values that fail this
// check must be treated as a wrong password.
func ValidatePrivateKeyHex(s string) error {
	if !privateKeyHexPattern.MatchString(s) {
		return ErrInvalidPrivateKey
	}
	if _, err := crypto.HexToECDSA(s[2:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return nil
}

// ParsePrivateKeyHex validates and decodes a 0x-prefixed private key.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	if !privateKeyHexPattern.MatchString(s) {
		return nil, ErrInvalidPrivateKey
	}
	key, err := crypto.HexToECDSA(s[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, nil
}

// ZeroKey overwrites the private scalar in place.
func ZeroKey(privateKey *ecdsa.PrivateKey) {
	if privateKey != nil && privateKey.D != nil {
		privateKey.D.SetInt64(0)
	}
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
