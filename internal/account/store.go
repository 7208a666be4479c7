// Package account persists the password-encrypted credential record and
// unlocks it into in-memory key pairs.
package account

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/session-wallet/internal/crypto"
	"github.com/better-wallet/session-wallet/internal/storage"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// RecordKey is the KV key holding the credential record.
const RecordKey = "account-storage"

// KeyPair holds the unlocked keys. Owner controls the smart account; Session
// backs the smart-sessions validator.
type KeyPair struct {
	Owner   *ecdsa.PrivateKey
	Session *ecdsa.PrivateKey
}

// Address returns the owner EOA address.
func (k *KeyPair) Address() common.Address {
	return crypto.GetEthereumAddress(k.Owner)
}

// Zero overwrites both private scalars.
func (k *KeyPair) Zero() {
	if k == nil {
		return
	}
	crypto.ZeroKey(k.Owner)
	crypto.ZeroKey(k.Session)
}

// CreateOptions control account creation.
type CreateOptions struct {
	// ReplaceExisting allows overwriting a stored key, which makes the old
	// account unrecoverable unless it was backed up.
	ReplaceExisting bool
}

// Store is the credential store. It never caches plaintext keys; the caller
// owns the KeyPair returned by Create and Unlock.
type Store struct {
	kv    storage.KV
	codec *crypto.Codec
	now   func() time.Time

	// mu serialises read-modify-write of the record
	mu            sync.Mutex
	authenticated bool
}

// NewStore creates a credential store over kv.
func NewStore(kv storage.KV, codec *crypto.Codec) *Store {
	return &Store{
		kv:    kv,
		codec: codec,
		now:   time.Now,
	}
}

// HasAccount reports whether an encrypted key is stored.
func (s *Store) HasAccount(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	return record.HasKey(), nil
}

// Record returns a copy of the persisted record.
func (s *Store) Record(ctx context.Context) (*types.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(ctx)
}

// CreateAccount generates an owner key and a session key, encrypts both
// under password and persists them.
func (s *Store) CreateAccount(ctx context.Context, password string, opts CreateOptions) (*KeyPair, error) {
	owner, err := crypto.GenerateEthereumKey()
	if err != nil {
		return nil, err
	}
	return s.install(ctx, password, owner, opts)
}

// ImportAccount stores a supplied owner key, e.g. from a restored backup.
func (s *Store) ImportAccount(ctx context.Context, password, ownerKeyHex string, opts CreateOptions) (*KeyPair, error) {
	owner, err := crypto.ParsePrivateKeyHex(ownerKeyHex)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	return s.install(ctx, password, owner, opts)
}

func (s *Store) install(ctx context.Context, password string, owner *ecdsa.PrivateKey, opts CreateOptions) (*KeyPair, error) {
	if password == "" {
		crypto.ZeroKey(owner)
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, crypto.ErrEmptyPassword)
	}

	session, err := crypto.GenerateEthereumKey()
	if err != nil {
		crypto.ZeroKey(owner)
		return nil, err
	}
	keys := &KeyPair{Owner: owner, Session: session}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(ctx)
	if err != nil {
		keys.Zero()
		return nil, err
	}
	if existing.HasKey() && !opts.ReplaceExisting {
		keys.Zero()
		return nil, apperrors.ErrAccountExists
	}

	encOwner, err := s.codec.Encrypt(crypto.PrivateKeyToHex(owner), password)
	if err != nil {
		keys.Zero()
		return nil, fmt.Errorf("failed to encrypt owner key: %w", err)
	}
	encSession, err := s.codec.Encrypt(crypto.PrivateKeyToHex(session), password)
	if err != nil {
		keys.Zero()
		return nil, fmt.Errorf("failed to encrypt session key: %w", err)
	}

	created := s.now().UTC()
	record := &types.CredentialRecord{
		Version:             types.CredentialRecordVersion,
		EncryptedPrivateKey: encOwner,
		EncryptedSessionKey: encSession,
		Address:             keys.Address().Hex(),
		DeployedChains:      []types.DeploymentStatus{},
		InstalledModules:    []types.InstalledModuleSet{},
		CreatedAt:           &created,
	}
	if err := s.save(ctx, record); err != nil {
		keys.Zero()
		return nil, err
	}

	s.authenticated = true
	return keys, nil
}

// Unlock decrypts the stored keys. Records written before session keys
// existed get one generated and persisted on first unlock.
func (s *Store) Unlock(ctx context.Context, password string) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if !record.HasKey() {
		return nil, apperrors.ErrNoAccountExists
	}

	owner, err := s.decryptKey(record.EncryptedPrivateKey, password)
	if err != nil {
		return nil, err
	}
	keys := &KeyPair{Owner: owner}

	if record.Address != "" && !sameAddress(record.Address, keys.Address()) {
		keys.Zero()
		return nil, apperrors.WithDetail(apperrors.ErrAuthenticationFailure, "decrypted key does not match stored address")
	}

	if record.EncryptedSessionKey == "" {
		if err := s.attachSessionKey(ctx, record, keys, password); err != nil {
			keys.Zero()
			return nil, err
		}
	} else {
		session, err := s.decryptKey(record.EncryptedSessionKey, password)
		if err != nil {
			keys.Zero()
			return nil, err
		}
		keys.Session = session
	}

	s.authenticated = true
	return keys, nil
}

// VerifyPassword checks password against the stored owner key without
// changing the authenticated state.
func (s *Store) VerifyPassword(ctx context.Context, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return err
	}
	if !record.HasKey() {
		return apperrors.ErrNoAccountExists
	}
	owner, err := s.decryptKey(record.EncryptedPrivateKey, password)
	if err != nil {
		return err
	}
	crypto.ZeroKey(owner)
	return nil
}

func (s *Store) attachSessionKey(ctx context.Context, record *types.CredentialRecord, keys *KeyPair, password string) error {
	session, err := crypto.GenerateEthereumKey()
	if err != nil {
		return err
	}
	enc, err := s.codec.Encrypt(crypto.PrivateKeyToHex(session), password)
	if err != nil {
		crypto.ZeroKey(session)
		return fmt.Errorf("failed to encrypt session key: %w", err)
	}

	record.EncryptedSessionKey = enc
	record.Address = keys.Address().Hex()
	if err := s.save(ctx, record); err != nil {
		crypto.ZeroKey(session)
		return err
	}

	keys.Session = session
	return nil
}

// decryptKey maps every decrypt or structural failure to AuthenticationFailure.
func (s *Store) decryptKey(secret, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, apperrors.WithDetail(apperrors.ErrAuthenticationFailure, "empty password")
	}

	plaintext, err := s.codec.Decrypt(secret, password)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthenticationFailure, err)
	}

	if err := crypto.ValidatePrivateKeyHex(plaintext); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthenticationFailure, err)
	}

	key, err := crypto.ParsePrivateKeyHex(plaintext)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthenticationFailure, err)
	}
	return key, nil
}

// Lock clears the authenticated flag.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
}

// IsAuthenticated reports whether the last Create or Unlock succeeded and no
// Lock followed.
func (s *Store) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// UpsertDeploymentStatus replaces the status for status.ChainID.
func (s *Store) UpsertDeploymentStatus(ctx context.Context, status types.DeploymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range record.DeployedChains {
		if record.DeployedChains[i].ChainID == status.ChainID {
			record.DeployedChains[i] = status
			replaced = true
			break
		}
	}
	if !replaced {
		record.DeployedChains = append(record.DeployedChains, status)
	}

	return s.save(ctx, record)
}

// DeploymentStatuses returns the last known deployment state per chain.
func (s *Store) DeploymentStatuses(ctx context.Context) ([]types.DeploymentStatus, error) {
	record, err := s.Record(ctx)
	if err != nil {
		return nil, err
	}
	return record.DeployedChains, nil
}

// UpsertInstalledModules replaces the cached module list for chainID.
func (s *Store) UpsertInstalledModules(ctx context.Context, chainID int64, modules []types.ModuleDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return err
	}

	if modules == nil {
		modules = []types.ModuleDescriptor{}
	}
	set := types.InstalledModuleSet{ChainID: chainID, Modules: modules}

	replaced := false
	for i := range record.InstalledModules {
		if record.InstalledModules[i].ChainID == chainID {
			record.InstalledModules[i] = set
			replaced = true
			break
		}
	}
	if !replaced {
		record.InstalledModules = append(record.InstalledModules, set)
	}

	return s.save(ctx, record)
}

// InstalledModules returns the cached module list for chainID.
func (s *Store) InstalledModules(ctx context.Context, chainID int64) ([]types.ModuleDescriptor, error) {
	record, err := s.Record(ctx)
	if err != nil {
		return nil, err
	}
	for _, set := range record.InstalledModules {
		if set.ChainID == chainID {
			return set.Modules, nil
		}
	}
	return []types.ModuleDescriptor{}, nil
}

func (s *Store) load(ctx context.Context) (*types.CredentialRecord, error) {
	data, err := s.kv.Get(ctx, RecordKey)
	if errors.Is(err, storage.ErrNotFound) {
		return emptyRecord(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential record: %w", err)
	}
	return decodeRecord(data)
}

func (s *Store) save(ctx context.Context, record *types.CredentialRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode credential record: %w", err)
	}
	if err := s.kv.Set(ctx, RecordKey, data); err != nil {
		return fmt.Errorf("failed to persist credential record: %w", err)
	}
	return nil
}

func emptyRecord() *types.CredentialRecord {
	return &types.CredentialRecord{
		Version:          types.CredentialRecordVersion,
		DeployedChains:   []types.DeploymentStatus{},
		InstalledModules: []types.InstalledModuleSet{},
	}
}

func sameAddress(stored string, derived common.Address) bool {
	return common.IsHexAddress(stored) && common.HexToAddress(stored) == derived
}
