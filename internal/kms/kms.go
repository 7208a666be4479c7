// Package kms wraps the key management services that seal data at rest.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
)

// Provider encrypts and decrypts opaque blobs.
type Provider interface {
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error)

	// Provider returns the provider name (e.g., "local", "aws-kms", "vault")
	Provider() string
}

// ProviderType represents supported KMS providers.
type ProviderType string

const (
	// ProviderNone stores values unsealed.
	ProviderNone ProviderType = "none"

	// ProviderLocal uses a local master key (single-machine deployments).
	ProviderLocal ProviderType = "local"

	// ProviderAWSKMS uses AWS KMS.
	ProviderAWSKMS ProviderType = "aws-kms"

	// ProviderVault uses the HashiCorp Vault Transit engine.
	ProviderVault ProviderType = "vault"
)

// ErrDisabled is returned by New when the configured provider is "none".
var ErrDisabled = errors.New("kms disabled")

// Config contains configuration for KMS providers.
type Config struct {
	Provider string

	// LocalMasterKeyHex is a hex-encoded 32-byte key.
	LocalMasterKeyHex string

	AWSKeyID  string
	AWSRegion string

	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// LocalProvider seals data with AES-256-GCM under a local master key.
type LocalProvider struct {
	aead cipher.AEAD
}

// NewLocalProvider creates a local provider from a hex-encoded 32-byte key.
func NewLocalProvider(masterKeyHex string) (*LocalProvider, error) {
	if masterKeyHex == "" {
		return nil, fmt.Errorf("master key is required for local KMS provider")
	}

	masterKey, err := hex.DecodeString(strings.TrimPrefix(masterKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("master key must be hex: %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &LocalProvider{aead: gcm}, nil
}

// Encrypt returns nonce || ciphertext.
func (p *LocalProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return p.aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt reverses Encrypt.
func (p *LocalProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	nonceSize := p.aead.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func (p *LocalProvider) Provider() string {
	return string(ProviderLocal)
}

// AWSProvider implements Provider using AWS KMS.
type AWSProvider struct {
	keyID  string
	client *kms.Client
}

// NewAWSProvider creates an AWS KMS provider using the default credential chain.
func NewAWSProvider(ctx context.Context, keyID, region string) (*AWSProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSProvider{
		keyID:  keyID,
		client: kms.NewFromConfig(cfg),
	}, nil
}

func (p *AWSProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	output, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(p.keyID),
		Plaintext: data,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	return output.CiphertextBlob, nil
}

func (p *AWSProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	output, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.keyID),
		CiphertextBlob: encryptedData,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return output.Plaintext, nil
}

func (p *AWSProvider) Provider() string {
	return string(ProviderAWSKMS)
}

// VaultProvider implements Provider using the Vault Transit engine.
type VaultProvider struct {
	transitKey string
	client     *vault.Client
}

// NewVaultProvider creates a new Vault provider.
func NewVaultProvider(address, token, transitKey string) (*VaultProvider, error) {
	if address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if transitKey == "" {
		return nil, fmt.Errorf("vault transit key name is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = address
	// the transit API is not idempotent from the caller's view; fail fast
	vaultConfig.MaxRetries = 0

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultProvider{
		transitKey: transitKey,
		client:     client,
	}, nil
}

// Encrypt returns the vault:v1:... ciphertext as bytes.
func (p *VaultProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/encrypt/%s", p.transitKey)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit encrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault transit encrypt returned empty response")
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault transit encrypt: ciphertext not found in response")
	}
	return []byte(ciphertext), nil
}

func (p *VaultProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/decrypt/%s", p.transitKey)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(encryptedData),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault transit decrypt returned empty response")
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault transit decrypt: plaintext not found in response")
	}

	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

func (p *VaultProvider) Provider() string {
	return string(ProviderVault)
}

// New creates a Provider based on the configuration. It returns ErrDisabled
// for the "none" provider (the default).
func New(ctx context.Context, cfg *Config) (Provider, error) {
	switch ProviderType(cfg.Provider) {
	case ProviderNone, "":
		return nil, ErrDisabled

	case ProviderLocal:
		return NewLocalProvider(cfg.LocalMasterKeyHex)

	case ProviderAWSKMS:
		return NewAWSProvider(ctx, cfg.AWSKeyID, cfg.AWSRegion)

	case ProviderVault:
		return NewVaultProvider(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)

	default:
		return nil, fmt.Errorf("unsupported KMS provider: %s (supported: %s, %s, %s, %s)",
			cfg.Provider, ProviderNone, ProviderLocal, ProviderAWSKMS, ProviderVault)
	}
}

var (
	_ Provider = (*LocalProvider)(nil)
	_ Provider = (*AWSProvider)(nil)
	_ Provider = (*VaultProvider)(nil)
)
