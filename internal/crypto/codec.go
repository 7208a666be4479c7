package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	codecVersion  = "v1"
	saltLen       = 32
	nonceLen      = 12
	derivedKeyLen = 32

	// maxScryptN bounds the work factor accepted from a stored envelope
	maxScryptN = 1 << 22
)

// codecAAD binds every ciphertext to the envelope version.
var codecAAD = []byte("session-wallet/" + codecVersion)

var (
	// ErrEmptyPassword is returned when encrypting or decrypting with an empty password.
	ErrEmptyPassword = errors.New("password must not be empty")

	// ErrMalformedSecret is returned when the envelope cannot be parsed.
	ErrMalformedSecret = errors.New("malformed encrypted secret")

	// ErrDecryptFailed is returned when authentication of the ciphertext fails,
	// which in practice means the password is wrong.
	ErrDecryptFailed = errors.New("decryption failed")
)

// KDFParams are the scrypt cost parameters.
type KDFParams struct {
	N int
	R int
	P int
}

// DefaultKDFParams favour brute-force resistance: N=2^18 needs ~256MB and
// 0.5-2s per derivation on commodity hardware.
var DefaultKDFParams = KDFParams{N: 1 << 18, R: 8, P: 1}

// Validate checks the parameters are acceptable for scrypt.
func (p KDFParams) Validate() error {
	if p.N <= 1 || p.N&(p.N-1) != 0 {
		return fmt.Errorf("scrypt N must be a power of two greater than 1, got %d", p.N)
	}
	if p.N > maxScryptN {
		return fmt.Errorf("scrypt N too large: %d > %d", p.N, maxScryptN)
	}
	if p.R <= 0 || p.P <= 0 {
		return fmt.Errorf("scrypt r and p must be positive")
	}
	return nil
}

// Codec encrypts a single string secret under a password.
//
// Envelope format (fields are raw standard base64 where binary):
//
//	v1$<N>$<r>$<p>$<salt>$<nonce>$<ciphertext>
//
// The KDF parameters travel with the ciphertext so the cost can be raised
// without breaking existing secrets.
type Codec struct {
	params KDFParams
	random io.Reader
}

// NewCodec creates a codec that encrypts with the given KDF parameters.
func NewCodec(params KDFParams) (*Codec, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Codec{params: params, random: rand.Reader}, nil
}

// Params returns the KDF parameters used for new ciphertexts.
func (c *Codec) Params() KDFParams {
	return c.params
}

// Encrypt encrypts plaintext under password. Output differs on every call.
func (c *Codec) Encrypt(plaintext, password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(c.random, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := deriveAEAD([]byte(password), salt, c.params)
	if err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), codecAAD)

	enc := base64.RawStdEncoding
	return strings.Join([]string{
		codecVersion,
		strconv.Itoa(c.params.N),
		strconv.Itoa(c.params.R),
		strconv.Itoa(c.params.P),
		enc.EncodeToString(salt),
		enc.EncodeToString(nonce),
		enc.EncodeToString(ciphertext),
	}, "$"), nil
}

// Decrypt reverses Encrypt. A wrong password yields ErrDecryptFailed.
func (c *Codec) Decrypt(secret, password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	parts := strings.Split(secret, "$")
	if len(parts) != 7 || parts[0] != codecVersion {
		return "", ErrMalformedSecret
	}

	var params KDFParams
	var err error
	if params.N, err = strconv.Atoi(parts[1]); err != nil {
		return "", fmt.Errorf("%w: N: %v", ErrMalformedSecret, err)
	}
	if params.R, err = strconv.Atoi(parts[2]); err != nil {
		return "", fmt.Errorf("%w: r: %v", ErrMalformedSecret, err)
	}
	if params.P, err = strconv.Atoi(parts[3]); err != nil {
		return "", fmt.Errorf("%w: p: %v", ErrMalformedSecret, err)
	}
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}

	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[4])
	if err != nil || len(salt) != saltLen {
		return "", fmt.Errorf("%w: salt", ErrMalformedSecret)
	}
	nonce, err := enc.DecodeString(parts[5])
	if err != nil || len(nonce) != nonceLen {
		return "", fmt.Errorf("%w: nonce", ErrMalformedSecret)
	}
	ciphertext, err := enc.DecodeString(parts[6])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext", ErrMalformedSecret)
	}

	gcm, err := deriveAEAD([]byte(password), salt, params)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, codecAAD)
	if err != nil {
		return "", ErrDecryptFailed
	}
	defer Zero(plaintext)

	return string(plaintext), nil
}

func deriveAEAD(password, salt []byte, params KDFParams) (cipher.AEAD, error) {
	key, err := scrypt.Key(password, salt, params.N, params.R, params.P, derivedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
