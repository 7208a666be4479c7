package passkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/storage"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// CredentialsKey is the storage key of registered credentials.
const CredentialsKey = "passkey-credentials"

// Ceremony is the WebAuthn provider the wallet core consumes.
type Ceremony interface {
	Signer

	// Register creates a new credential named label
	Register(ctx context.Context, label string) (types.KeyMaterial, error)

	// Login recovers the material of an existing credential for label
	Login(ctx context.Context, label string) (types.KeyMaterial, error)
}

// Authenticator carries ceremony options to a platform authenticator and
// returns its parsed response.
type Authenticator interface {
	Create(ctx context.Context, options *protocol.CredentialCreation) (*protocol.ParsedCredentialCreationData, error)
	Get(ctx context.Context, options *protocol.CredentialAssertion) (*protocol.ParsedCredentialAssertionData, error)
}

// Config configures the relying party.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// storedCredential is a registered credential. Only public data is kept.
type storedCredential struct {
	Label      string              `json:"label"`
	Credential webauthn.Credential `json:"credential"`
}

// WebAuthnCeremony runs registration and assertion ceremonies with
// go-webauthn and remembers registered credentials in storage.
type WebAuthnCeremony struct {
	web  *webauthn.WebAuthn
	auth Authenticator
	kv   storage.KV

	mu sync.Mutex
}

// NewWebAuthnCeremony creates a ceremony provider for the relying party.
func NewWebAuthnCeremony(cfg Config, auth Authenticator, kv storage.KV) (*WebAuthnCeremony, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
		AttestationPreference: protocol.PreferNoAttestation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}
	return &WebAuthnCeremony{web: web, auth: auth, kv: kv}, nil
}

// Register creates a credential for label and returns its key material.
func (c *WebAuthnCeremony) Register(ctx context.Context, label string) (types.KeyMaterial, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, err := c.load(ctx)
	if err != nil {
		return types.KeyMaterial{}, err
	}
	user := newUser(label, stored)

	options, session, err := c.web.BeginRegistration(user,
		webauthn.WithExclusions(user.descriptors()),
	)
	if err != nil {
		return types.KeyMaterial{}, fmt.Errorf("failed to begin registration: %w", err)
	}

	response, err := c.auth.Create(ctx, options)
	if err != nil {
		return types.KeyMaterial{}, err
	}

	credential, err := c.web.CreateCredential(user, *session, response)
	if err != nil {
		return types.KeyMaterial{}, fmt.Errorf("registration rejected: %w", err)
	}

	material, err := MaterialFromCredential(credential.ID, credential.PublicKey)
	if err != nil {
		return types.KeyMaterial{}, err
	}

	stored = append(stored, storedCredential{Label: label, Credential: *credential})
	if err := c.save(ctx, stored); err != nil {
		return types.KeyMaterial{}, err
	}

	logger.Info(ctx, "passkey registered", "label", label, "authenticator_id", material.AuthenticatorID)
	return material, nil
}

// Login asserts with any credential registered for label.
func (c *WebAuthnCeremony) Login(ctx context.Context, label string) (types.KeyMaterial, error) {
	credential, err := c.assert(ctx, label, nil, nil)
	if err != nil {
		return types.KeyMaterial{}, err
	}
	return MaterialFromCredential(credential.ID, credential.PublicKey)
}

// Sign asserts over challenge with the credential of key.
func (c *WebAuthnCeremony) Sign(ctx context.Context, key types.KeyMaterial, challenge []byte) (*Assertion, error) {
	id, err := base64.RawURLEncoding.DecodeString(key.AuthenticatorID)
	if err != nil {
		return nil, fmt.Errorf("%w: authenticatorId is not base64url", ErrInvalidKeyMaterial)
	}

	var assertion *Assertion
	_, err = c.assert(ctx, "", id, challenge, func(raw *protocol.ParsedCredentialAssertionData) {
		assertion = &Assertion{
			AuthenticatorData: []byte(raw.Raw.AssertionResponse.AuthenticatorData),
			ClientDataJSON:    []byte(raw.Raw.AssertionResponse.ClientDataJSON),
			Signature:         []byte(raw.Raw.AssertionResponse.Signature),
		}
	})
	if err != nil {
		return nil, err
	}
	return assertion, nil
}

// assert runs an assertion ceremony restricted to credentials of label, or
// to credentialID when it is set. A non-nil challenge replaces the random one
// go-webauthn generates so the signature commits to it.
func (c *WebAuthnCeremony) assert(ctx context.Context, label string, credentialID, challenge []byte, onSuccess ...func(*protocol.ParsedCredentialAssertionData)) (*webauthn.Credential, error) {
	c.mu.Lock()
	stored, err := c.load(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var owner *storedCredential
	for i := range stored {
		if credentialID != nil && bytes.Equal(stored[i].Credential.ID, credentialID) {
			owner = &stored[i]
			break
		}
		if credentialID == nil && stored[i].Label == label {
			owner = &stored[i]
			break
		}
	}
	if owner == nil {
		return nil, ErrNoCredential
	}
	user := newUser(owner.Label, stored)
	if len(user.credentials) == 0 {
		return nil, ErrNoCredential
	}

	allowed := user.descriptors()
	if credentialID != nil {
		allowed = []protocol.CredentialDescriptor{owner.Credential.Descriptor()}
	}

	options, session, err := c.web.BeginLogin(user, webauthn.WithAllowedCredentials(allowed))
	if err != nil {
		return nil, fmt.Errorf("failed to begin login: %w", err)
	}
	if challenge != nil {
		options.Response.Challenge = protocol.URLEncodedBase64(challenge)
		session.Challenge = base64.RawURLEncoding.EncodeToString(challenge)
	}

	response, err := c.auth.Get(ctx, options)
	if err != nil {
		return nil, err
	}

	credential, err := c.web.ValidateLogin(user, *session, response)
	if err != nil {
		return nil, fmt.Errorf("assertion rejected: %w", err)
	}

	for _, fn := range onSuccess {
		fn(response)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.updateSignCount(ctx, credential); err != nil {
		logger.Warn(ctx, "failed to persist passkey sign count", "error", err)
	}
	return credential, nil
}

// ErrNoCredential means no registered credential matches the request.
var ErrNoCredential = errors.New("no passkey registered for this account")

func (c *WebAuthnCeremony) updateSignCount(ctx context.Context, credential *webauthn.Credential) error {
	stored, err := c.load(ctx)
	if err != nil {
		return err
	}
	for i := range stored {
		if bytes.Equal(stored[i].Credential.ID, credential.ID) {
			stored[i].Credential.Authenticator.SignCount = credential.Authenticator.SignCount
			return c.save(ctx, stored)
		}
	}
	return nil
}

func (c *WebAuthnCeremony) load(ctx context.Context) ([]storedCredential, error) {
	data, err := c.kv.Get(ctx, CredentialsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load passkey credentials: %w", err)
	}
	var stored []storedCredential
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode passkey credentials: %w", err)
	}
	return stored, nil
}

func (c *WebAuthnCeremony) save(ctx context.Context, stored []storedCredential) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, CredentialsKey, data); err != nil {
		return fmt.Errorf("failed to save passkey credentials: %w", err)
	}
	return nil
}

// user is the go-webauthn view of one label's credentials.
type user struct {
	id          []byte
	name        string
	credentials []webauthn.Credential
}

func newUser(label string, stored []storedCredential) *user {
	u := &user{id: crypto.Keccak256([]byte(label)), name: label}
	for _, s := range stored {
		if s.Label == label {
			u.credentials = append(u.credentials, s.Credential)
		}
	}
	return u
}

func (u *user) WebAuthnID() []byte                         { return u.id }
func (u *user) WebAuthnName() string                       { return u.name }
func (u *user) WebAuthnDisplayName() string                { return u.name }
func (u *user) WebAuthnIcon() string                       { return "" }
func (u *user) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (u *user) descriptors() []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(u.credentials))
	for _, c := range u.credentials {
		out = append(out, c.Descriptor())
	}
	return out
}

var _ Ceremony = (*WebAuthnCeremony)(nil)
