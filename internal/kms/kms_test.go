package kms

import (
	"context"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewLocalProvider(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "valid key", key: testMasterKey},
		{name: "0x prefix accepted", key: "0x" + testMasterKey},
		{name: "empty key", key: "", wantErr: "master key is required"},
		{name: "not hex", key: strings.Repeat("z", 64), wantErr: "master key must be hex"},
		{name: "wrong length", key: "00ff", wantErr: "master key must be 32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewLocalProvider(tt.key)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Nil(t, provider)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "local", provider.Provider())
		})
	}
}

func TestLocalProvider_EncryptDecrypt(t *testing.T) {
	provider, err := NewLocalProvider(testMasterKey)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("encrypts and decrypts data", func(t *testing.T) {
		plaintext := []byte(`{"version":2,"address":"0xabc"}`)

		ciphertext, err := provider.Encrypt(ctx, plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := provider.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("encrypts and decrypts large data", func(t *testing.T) {
		plaintext := make([]byte, 64*1024)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		ciphertext, err := provider.Encrypt(ctx, plaintext)
		require.NoError(t, err)

		decrypted, err := provider.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("different encryptions produce different ciphertexts", func(t *testing.T) {
		c1, err := provider.Encrypt(ctx, []byte("same"))
		require.NoError(t, err)
		c2, err := provider.Encrypt(ctx, []byte("same"))
		require.NoError(t, err)
		assert.NotEqual(t, c1, c2)
	})
}

func TestLocalProvider_DecryptErrors(t *testing.T) {
	provider, err := NewLocalProvider(testMasterKey)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("ciphertext too short", func(t *testing.T) {
		_, err := provider.Decrypt(ctx, []byte("short"))
		assert.ErrorContains(t, err, "ciphertext too short")
	})

	t.Run("corrupted ciphertext", func(t *testing.T) {
		ciphertext, err := provider.Encrypt(ctx, []byte("Test data"))
		require.NoError(t, err)
		ciphertext[len(ciphertext)-1] ^= 0xFF

		_, err = provider.Decrypt(ctx, ciphertext)
		assert.ErrorContains(t, err, "failed to decrypt")
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewLocalProvider(strings.Repeat("ab", 32))
		require.NoError(t, err)

		ciphertext, err := provider.Encrypt(ctx, []byte("Test data"))
		require.NoError(t, err)

		_, err = other.Decrypt(ctx, ciphertext)
		assert.Error(t, err)
	})
}

func TestNewAWSProvider_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewAWSProvider(ctx, "", "us-east-1")
	assert.ErrorContains(t, err, "AWS KMS key ID is required")

	_, err = NewAWSProvider(ctx, "alias/wallet", "")
	assert.ErrorContains(t, err, "AWS region is required")
}

func TestNewVaultProvider_Validation(t *testing.T) {
	tests := []struct {
		name                string
		address, token, key string
		wantErr             string
	}{
		{name: "empty address", token: "t", key: "k", wantErr: "vault address is required"},
		{name: "empty token", address: "http://localhost:8200", key: "k", wantErr: "vault token is required"},
		{name: "empty transit key", address: "http://localhost:8200", token: "t", wantErr: "vault transit key name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewVaultProvider(tt.address, tt.token, tt.key)
			assert.Nil(t, provider)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("none is the default", func(t *testing.T) {
		_, err := New(ctx, &Config{})
		assert.ErrorIs(t, err, ErrDisabled)

		_, err = New(ctx, &Config{Provider: "none"})
		assert.ErrorIs(t, err, ErrDisabled)
	})

	t.Run("local", func(t *testing.T) {
		provider, err := New(ctx, &Config{Provider: "local", LocalMasterKeyHex: testMasterKey})
		require.NoError(t, err)
		assert.Equal(t, "local", provider.Provider())
	})

	t.Run("aws-kms without key ID", func(t *testing.T) {
		_, err := New(ctx, &Config{Provider: "aws-kms", AWSRegion: "us-east-1"})
		assert.ErrorContains(t, err, "AWS KMS key ID is required")
	})

	t.Run("vault without address", func(t *testing.T) {
		_, err := New(ctx, &Config{Provider: "vault", VaultToken: "t", VaultTransitKey: "k"})
		assert.ErrorContains(t, err, "vault address is required")
	})

	t.Run("unsupported provider", func(t *testing.T) {
		_, err := New(ctx, &Config{Provider: "gcp-kms"})
		assert.ErrorContains(t, err, "unsupported KMS provider")
	})
}
