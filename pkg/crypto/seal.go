// Package crypto seals owner-key backup shares to an offline recipient key.
//
// A share is encrypted with an ephemeral P-256 ECDH agreement, HKDF-SHA256
// and AES-256-GCM. The share index is authenticated as associated data, so
// a ciphertext moved to another index fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SchemeP256 names the only sealing scheme.
const SchemeP256 = "p256-hkdf-sha256-aes256gcm"

const shareInfo = "session-wallet backup share v1"

var (
	// ErrUnsupportedScheme is returned for shares sealed with another scheme.
	ErrUnsupportedScheme = errors.New("unsupported share sealing scheme")
	// ErrOpenFailed means the key is wrong or the share was altered.
	ErrOpenFailed = errors.New("failed to open share: wrong recipient key or corrupted share")
)

// SealedShare is a backup share encrypted to a recipient key.
type SealedShare struct {
	Scheme          string `json:"scheme"`
	EncapsulatedKey string `json:"encapsulatedKey"` // base64 ephemeral public key
	Ciphertext      string `json:"ciphertext"`      // base64 nonce || sealed share
}

// GenerateRecipientKey creates a P-256 key to seal backups to.
func GenerateRecipientKey() (*ecdh.PrivateKey, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate recipient key: %w", err)
	}
	return key, nil
}

// ParseRecipientPublicKey accepts base64 of an uncompressed P-256 point or
// of a PEM "PUBLIC KEY" block.
func ParseRecipientPublicKey(b64 string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("recipient public key is not base64: %w", err)
	}

	if block, _ := pem.Decode(raw); block != nil {
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recipient public key: %w", err)
		}
		ecKey, ok := parsed.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("recipient public key is %T, want P-256", parsed)
		}
		pub, err := ecKey.ECDH()
		if err != nil || pub.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("recipient public key is not on P-256")
		}
		return pub, nil
	}

	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipient public key: %w", err)
	}
	return pub, nil
}

// ParseRecipientPrivateKey accepts base64 of a raw 32-byte P-256 scalar.
func ParseRecipientPrivateKey(b64 string) (*ecdh.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("recipient private key is not base64: %w", err)
	}
	key, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipient private key: %w", err)
	}
	return key, nil
}

// SealShare encrypts share number index to recipient.
func SealShare(recipient *ecdh.PublicKey, index int, share []byte) (*SealedShare, error) {
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to perform ECDH: %w", err)
	}

	enc := ephemeral.PublicKey().Bytes()
	aead, err := shareAEAD(shared, enc, recipient.Bytes())
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &SealedShare{
		Scheme:          SchemeP256,
		EncapsulatedKey: base64.StdEncoding.EncodeToString(enc),
		Ciphertext:      base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, share, indexAD(index))),
	}, nil
}

// OpenShare decrypts share number index with the recipient private key.
func OpenShare(recipient *ecdh.PrivateKey, index int, sealed *SealedShare) ([]byte, error) {
	if sealed.Scheme != SchemeP256 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, sealed.Scheme)
	}

	enc, err := base64.StdEncoding.DecodeString(sealed.EncapsulatedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encapsulated key: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	ephemeral, err := ecdh.P256().NewPublicKey(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse encapsulated key: %w", err)
	}
	shared, err := recipient.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("failed to perform ECDH: %w", err)
	}

	aead, err := shareAEAD(shared, enc, recipient.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, ErrOpenFailed
	}
	nonce, ct := data[:aead.NonceSize()], data[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, ct, indexAD(index))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plain, nil
}

// shareAEAD derives the share key, salted with both public keys.
func shareAEAD(shared, enc, recipient []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(enc)+len(recipient))
	salt = append(salt, enc...)
	salt = append(salt, recipient...)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(shareInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive share key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func indexAD(index int) []byte {
	ad := make([]byte, 4)
	binary.BigEndian.PutUint32(ad, uint32(index))
	return ad
}
