package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/metrics"
	"github.com/better-wallet/session-wallet/internal/modules"
	"github.com/better-wallet/session-wallet/internal/passkey"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// SessionKeys supplies the unlocked per-account session key.
type SessionKeys interface {
	SessionKey() (*ecdsa.PrivateKey, error)
}

// Resolver maps a selected module to a Signer.
type Resolver struct {
	catalog  *modules.Catalog
	cache    *passkey.Cache
	ceremony passkey.Ceremony
	sessions SessionKeys
	metrics  *metrics.Metrics
}

// NewResolver creates a resolver. ceremony and sessions may be nil when the
// passkey or session paths are not available.
func NewResolver(catalog *modules.Catalog, cache *passkey.Cache, ceremony passkey.Ceremony, sessions SessionKeys, m *metrics.Metrics) *Resolver {
	if catalog == nil {
		catalog = modules.DefaultCatalog()
	}
	return &Resolver{catalog: catalog, cache: cache, ceremony: ceremony, sessions: sessions, metrics: m}
}

// Resolve returns the signer for module on base's account. A failure on the
// passkey or session path is returned as is; it never degrades to Default.
func (r *Resolver) Resolve(ctx context.Context, base aa.Client, module types.AuthorizationModule) (Signer, error) {
	ctx = logger.WithChainID(ctx, base.ChainID())

	var (
		s   Signer
		err error
	)
	switch module.Type {
	case types.ModuleTypePasskey:
		s, err = r.resolvePasskey(ctx, base, module)
	case types.ModuleTypeSession:
		s, err = r.resolveSession(base, module)
	default:
		s = Default{bound{client: base, module: module}}
	}

	kind := string(module.Type)
	if kind == "" {
		kind = string(types.ModuleTypeOther)
	}
	r.metrics.SignerResolution(kind, err == nil)
	if err != nil {
		logger.Warn(ctx, "failed to resolve signer", "module", module.Name, "type", module.Type, "error", err)
		return nil, err
	}
	return s, nil
}

func (r *Resolver) resolvePasskey(ctx context.Context, base aa.Client, module types.AuthorizationModule) (Signer, error) {
	if r.ceremony == nil || r.cache == nil {
		return nil, apperrors.WithDetail(apperrors.ErrCeremonyFailure, "passkey ceremonies are not configured")
	}

	material, ok, err := r.cache.Get(ctx, base.ChainID())
	if errors.Is(err, passkey.ErrInvalidKeyMaterial) {
		return nil, apperrors.Wrap(apperrors.ErrInvalidKeyMaterial, err)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
	}

	if !ok {
		material, err = r.ceremony.Login(ctx, base.Address().Hex())
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCeremonyFailure, err)
		}
	}

	key, err := passkey.ParseKeyMaterial(material)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidKeyMaterial, err)
	}

	if !ok {
		if err := r.cache.Put(ctx, base.ChainID(), key.Material()); err != nil {
			logger.Warn(ctx, "failed to cache passkey material", "error", err)
		}
	}

	validator := passkey.NewValidator(r.moduleAddress(module), key, r.ceremony)
	return PasskeyBound{
		bound:     bound{client: base.Extend(validator), module: module},
		validator: validator,
	}, nil
}

func (r *Resolver) resolveSession(base aa.Client, module types.AuthorizationModule) (Signer, error) {
	if r.sessions == nil {
		return nil, apperrors.ErrSessionLocked
	}
	key, err := r.sessions.SessionKey()
	if err != nil {
		return nil, err
	}
	validator, err := NewSessionValidator(r.moduleAddress(module), key, SessionSalt(base.Address()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
	}
	return SessionBound{
		bound:     bound{client: base.Extend(validator), module: module},
		validator: validator,
	}, nil
}

// moduleAddress prefers the installed address and falls back to the catalog
// entry for the module's type.
func (r *Resolver) moduleAddress(module types.AuthorizationModule) common.Address {
	if common.IsHexAddress(module.Address) {
		return common.HexToAddress(module.Address)
	}
	if entry, ok := r.catalog.ByType(module.Type); ok {
		return entry.Address
	}
	return common.Address{}
}
