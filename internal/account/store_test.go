package account

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/session-wallet/internal/crypto"
	"github.com/better-wallet/session-wallet/internal/storage"
	"github.com/better-wallet/session-wallet/internal/testutil"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

const password = "correct horse"

func newTestStore(t *testing.T) (*Store, *storage.Memory) {
	t.Helper()
	kv := storage.NewMemory()
	s := NewStore(kv, testutil.NewCodec(t))
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s, kv
}

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t)

	has, err := s.HasAccount(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	keys, err := s.CreateAccount(ctx, password, CreateOptions{})
	require.NoError(t, err)
	require.NotNil(t, keys.Owner)
	require.NotNil(t, keys.Session)
	assert.NotEqual(t, keys.Address(), crypto.GetEthereumAddress(keys.Session))
	assert.True(t, s.IsAuthenticated())

	has, err = s.HasAccount(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	raw, err := kv.Get(ctx, RecordKey)
	require.NoError(t, err)
	// plaintext keys never reach storage
	assert.NotContains(t, string(raw), strings.TrimPrefix(crypto.PrivateKeyToHex(keys.Owner), "0x"))
	assert.NotContains(t, string(raw), strings.TrimPrefix(crypto.PrivateKeyToHex(keys.Session), "0x"))

	record, err := s.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CredentialRecordVersion, record.Version)
	assert.Equal(t, keys.Address().Hex(), record.Address)
	require.NotNil(t, record.CreatedAt)
	assert.Equal(t, 2026, record.CreatedAt.Year())
}

func TestCreateAccount_ExistingAccountGuard(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	first, err := s.CreateAccount(ctx, password, CreateOptions{})
	require.NoError(t, err)

	_, err = s.CreateAccount(ctx, "other", CreateOptions{})
	assert.ErrorIs(t, err, apperrors.ErrAccountExists)

	// the original key still unlocks
	keys, err := s.Unlock(ctx, password)
	require.NoError(t, err)
	assert.Equal(t, first.Address(), keys.Address())

	replaced, err := s.CreateAccount(ctx, "other", CreateOptions{ReplaceExisting: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.Address(), replaced.Address())

	_, err = s.Unlock(ctx, password)
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailure)
}

func TestCreateAccount_EmptyPassword(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.CreateAccount(context.Background(), "", CreateOptions{})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	assert.False(t, s.IsAuthenticated())
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()

	t.Run("no account", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.Unlock(ctx, password)
		assert.ErrorIs(t, err, apperrors.ErrNoAccountExists)
		assert.False(t, s.IsAuthenticated())
	})

	t.Run("round trip is deterministic", func(t *testing.T) {
		s, _ := newTestStore(t)
		created, err := s.CreateAccount(ctx, password, CreateOptions{})
		require.NoError(t, err)
		s.Lock()
		assert.False(t, s.IsAuthenticated())

		a, err := s.Unlock(ctx, password)
		require.NoError(t, err)
		b, err := s.Unlock(ctx, password)
		require.NoError(t, err)

		assert.Equal(t, created.Address(), a.Address())
		assert.Equal(t, a.Address(), b.Address())
		assert.Equal(t, crypto.PrivateKeyToHex(created.Session), crypto.PrivateKeyToHex(a.Session))
		assert.True(t, s.IsAuthenticated())
	})

	t.Run("wrong password", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.CreateAccount(ctx, password, CreateOptions{})
		require.NoError(t, err)
		s.Lock()

		_, err = s.Unlock(ctx, "wrong")
		assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailure)
		assert.True(t, errors.Is(err, crypto.ErrDecryptFailed))
		assert.False(t, s.IsAuthenticated())
	})

	t.Run("empty password", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.CreateAccount(ctx, password, CreateOptions{})
		require.NoError(t, err)

		_, err = s.Unlock(ctx, "")
		assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailure)
	})

	t.Run("decrypts to something that is not a key", func(t *testing.T) {
		s, kv := newTestStore(t)
		garbage, err := s.codec.Encrypt("\x8f\x01 not a key", password)
		require.NoError(t, err)
		writeRecord(t, kv, types.CredentialRecord{Version: 2, EncryptedPrivateKey: garbage})

		_, err = s.Unlock(ctx, password)
		assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailure)
		assert.True(t, errors.Is(err, crypto.ErrInvalidPrivateKey))
	})

	t.Run("stored address mismatch", func(t *testing.T) {
		s, kv := newTestStore(t)
		key, err := crypto.GenerateEthereumKey()
		require.NoError(t, err)
		enc, err := s.codec.Encrypt(crypto.PrivateKeyToHex(key), password)
		require.NoError(t, err)
		writeRecord(t, kv, types.CredentialRecord{
			Version:             2,
			EncryptedPrivateKey: enc,
			Address:             "0x000000000000000000000000000000000000dEaD",
		})

		_, err = s.Unlock(ctx, password)
		assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailure)
	})
}

func TestUnlock_LegacyRecordGetsSessionKey(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t)

	owner, err := crypto.GenerateEthereumKey()
	require.NoError(t, err)
	enc, err := s.codec.Encrypt(crypto.PrivateKeyToHex(owner), password)
	require.NoError(t, err)

	legacy := map[string]any{
		"state": map[string]any{
			"encryptedPrivateKey": enc,
			"deployedChains": []map[string]any{
				{"chainId": 84532, "chainName": "Base Sepolia", "isDeployed": true},
			},
			"installedModules": []map[string]any{
				{"address": "0xD990393C670dCcE8b4d8F858FB98c9912dBFAa06", "name": "Passkey (WebAuthn) Validator"},
			},
		},
		"version": 0,
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, RecordKey, data))

	keys, err := s.Unlock(ctx, password)
	require.NoError(t, err)
	require.NotNil(t, keys.Session)
	assert.Equal(t, crypto.GetEthereumAddress(owner), keys.Address())

	record, err := s.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CredentialRecordVersion, record.Version)
	assert.NotEmpty(t, record.EncryptedSessionKey)
	assert.Equal(t, keys.Address().Hex(), record.Address)
	require.Len(t, record.DeployedChains, 1)
	assert.True(t, record.DeployedChains[0].IsDeployed)
	assert.Empty(t, record.InstalledModules)

	// the generated session key is stable across unlocks
	again, err := s.Unlock(ctx, password)
	require.NoError(t, err)
	assert.Equal(t, crypto.PrivateKeyToHex(keys.Session), crypto.PrivateKeyToHex(again.Session))
}

func TestVerifyPassword(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	assert.ErrorIs(t, s.VerifyPassword(ctx, password), apperrors.ErrNoAccountExists)

	_, err := s.CreateAccount(ctx, password, CreateOptions{})
	require.NoError(t, err)
	s.Lock()

	assert.NoError(t, s.VerifyPassword(ctx, password))
	assert.ErrorIs(t, s.VerifyPassword(ctx, "wrong password"), apperrors.ErrAuthenticationFailure)
	assert.False(t, s.IsAuthenticated())
}

func TestImportAccount(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const hardhat0 = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	keys, err := s.ImportAccount(ctx, password, hardhat0, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", keys.Address().Hex())

	_, err = s.ImportAccount(ctx, password, "0x1234", CreateOptions{ReplaceExisting: true})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestDeploymentStatuses(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	statuses, err := s.DeploymentStatuses(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)

	require.NoError(t, s.UpsertDeploymentStatus(ctx, types.DeploymentStatus{ChainID: 84532, IsDeployed: false}))
	require.NoError(t, s.UpsertDeploymentStatus(ctx, types.DeploymentStatus{ChainID: 421614, Error: "timeout"}))
	require.NoError(t, s.UpsertDeploymentStatus(ctx, types.DeploymentStatus{ChainID: 84532, IsDeployed: true}))

	statuses, err = s.DeploymentStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].IsDeployed)
	assert.Equal(t, "timeout", statuses[1].Error)
}

func TestInstalledModules(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	mods, err := s.InstalledModules(ctx, 84532)
	require.NoError(t, err)
	assert.Empty(t, mods)

	k1 := types.ModuleDescriptor{Address: "0x0000002D6DB27c52E3C11c1Cf24072004AC75cBa", Name: "K1 Validator"}
	require.NoError(t, s.UpsertInstalledModules(ctx, 84532, []types.ModuleDescriptor{k1}))
	require.NoError(t, s.UpsertInstalledModules(ctx, 11155111, nil))

	mods, err = s.InstalledModules(ctx, 84532)
	require.NoError(t, err)
	assert.Equal(t, []types.ModuleDescriptor{k1}, mods)

	mods, err = s.InstalledModules(ctx, 11155111)
	require.NoError(t, err)
	assert.NotNil(t, mods)
	assert.Empty(t, mods)

	require.NoError(t, s.UpsertInstalledModules(ctx, 84532, []types.ModuleDescriptor{}))
	mods, err = s.InstalledModules(ctx, 84532)
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestDecodeRecord_NewerVersion(t *testing.T) {
	_, err := decodeRecord([]byte(`{"version":9}`))
	assert.ErrorContains(t, err, "newer than supported")

	_, err = decodeRecord([]byte(`not json`))
	assert.Error(t, err)
}

func TestKeyPairZero(t *testing.T) {
	s, _ := newTestStore(t)
	keys, err := s.CreateAccount(context.Background(), password, CreateOptions{})
	require.NoError(t, err)

	keys.Zero()
	assert.Equal(t, 0, keys.Owner.D.Sign())
	assert.Equal(t, 0, keys.Session.D.Sign())

	var nilKeys *KeyPair
	nilKeys.Zero()
}

func writeRecord(t *testing.T, kv storage.KV, record types.CredentialRecord) {
	t.Helper()
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), RecordKey, data))
}
