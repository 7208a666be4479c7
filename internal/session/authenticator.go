// Package session holds the Locked/Unlocked state of the wallet. Keys exist
// in memory only between a successful create or login and the next logout.
package session

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/time/rate"

	"github.com/better-wallet/session-wallet/internal/account"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/metrics"
	"github.com/better-wallet/session-wallet/internal/registry"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
)

// Defaults for login throttling.
const (
	DefaultLoginRate  = rate.Limit(1)
	DefaultLoginBurst = 5
)

// ModuleCache is dropped on logout.
type ModuleCache interface {
	Clear()
}

// Options tune an Authenticator.
type Options struct {
	LoginRate  rate.Limit
	LoginBurst int
}

// Authenticator is the Locked/Unlocked state machine.
type Authenticator struct {
	store    *account.Store
	registry *registry.Registry
	modules  ModuleCache
	limiter  *rate.Limiter
	metrics  *metrics.Metrics

	// transition serialises create, login and logout
	transition sync.Mutex

	mu         sync.RWMutex
	keys       *account.KeyPair
	generation uint64

	feed event.Feed
}

// New creates a locked authenticator. modules may be nil.
func New(store *account.Store, reg *registry.Registry, modules ModuleCache, opts Options, m *metrics.Metrics) *Authenticator {
	if opts.LoginRate <= 0 {
		opts.LoginRate = DefaultLoginRate
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = DefaultLoginBurst
	}
	return &Authenticator{
		store:    store,
		registry: reg,
		modules:  modules,
		limiter:  rate.NewLimiter(opts.LoginRate, opts.LoginBurst),
		metrics:  m,
	}
}

// CreateAccount creates and unlocks a new account. The passwords are
// compared before any key is generated.
func (a *Authenticator) CreateAccount(ctx context.Context, password, confirm string, opts account.CreateOptions) ([]registry.NetworkStatus, error) {
	if password != confirm {
		return nil, apperrors.ErrPasswordMismatch
	}
	return a.unlockWith(ctx, "create", func() (*account.KeyPair, error) {
		return a.store.CreateAccount(ctx, password, opts)
	})
}

// ImportAccount stores ownerKeyHex as the account key and unlocks it.
func (a *Authenticator) ImportAccount(ctx context.Context, password, confirm, ownerKeyHex string, opts account.CreateOptions) ([]registry.NetworkStatus, error) {
	if password != confirm {
		return nil, apperrors.ErrPasswordMismatch
	}
	return a.unlockWith(ctx, "import", func() (*account.KeyPair, error) {
		return a.store.ImportAccount(ctx, password, ownerKeyHex, opts)
	})
}

// Login unlocks the stored account. Attempts are throttled.
func (a *Authenticator) Login(ctx context.Context, password string) ([]registry.NetworkStatus, error) {
	if !a.limiter.Allow() {
		a.metrics.Unlock("login", false)
		return nil, apperrors.ErrRateLimited
	}
	return a.unlockWith(ctx, "login", func() (*account.KeyPair, error) {
		return a.store.Unlock(ctx, password)
	})
}

// VerifyPassword checks password against the stored account without
// changing state. It shares the login throttle.
func (a *Authenticator) VerifyPassword(ctx context.Context, password string) error {
	if !a.limiter.Allow() {
		a.metrics.Unlock("verify", false)
		return apperrors.ErrRateLimited
	}
	err := a.store.VerifyPassword(ctx, password)
	a.metrics.Unlock("verify", err == nil)
	return err
}

// unlockWith locks any current session, obtains keys and builds the network
// clients. Client failures are reported per network and never fail the
// transition.
func (a *Authenticator) unlockWith(ctx context.Context, kind string, obtain func() (*account.KeyPair, error)) ([]registry.NetworkStatus, error) {
	a.transition.Lock()
	wasUnlocked := a.lockLocked()

	keys, err := obtain()
	if err != nil {
		a.store.Lock()
		a.transition.Unlock()
		a.metrics.Unlock(kind, false)
		logger.Warn(ctx, "unlock failed", "kind", kind, "error", err)
		if wasUnlocked {
			a.feed.Send(false)
		}
		return nil, err
	}

	a.mu.Lock()
	a.keys = keys
	a.generation++
	a.mu.Unlock()

	statuses := a.registry.Init(ctx, keys.Owner)
	a.transition.Unlock()

	a.metrics.Unlock(kind, true)
	logger.Info(ctx, "session unlocked", "kind", kind, "owner", keys.Address().Hex())
	a.feed.Send(true)
	return statuses, nil
}

// Logout zeroes the keys and drops every network client. The stored account
// is untouched.
func (a *Authenticator) Logout() {
	a.transition.Lock()
	wasUnlocked := a.lockLocked()
	a.transition.Unlock()

	if wasUnlocked {
		logger.Info(context.Background(), "session locked")
		a.feed.Send(false)
	}
}

// lockLocked performs the logout transition; the caller holds transition.
func (a *Authenticator) lockLocked() bool {
	a.mu.Lock()
	keys := a.keys
	a.keys = nil
	if keys != nil {
		a.generation++
	}
	a.mu.Unlock()

	a.registry.Clear()
	if a.modules != nil {
		a.modules.Clear()
	}
	a.store.Lock()
	keys.Zero()
	return keys != nil
}

// IsAuthenticated reports whether the session is unlocked.
func (a *Authenticator) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.keys != nil
}

// Subscribe delivers true on every unlock and false on every lock.
func (a *Authenticator) Subscribe(ch chan<- bool) event.Subscription {
	return a.feed.Subscribe(ch)
}

// Generation increases on every transition. Work started under one
// generation must stop once it changes.
func (a *Authenticator) Generation() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generation
}

// Active reports whether gen is the current generation of an unlocked session.
func (a *Authenticator) Active(gen uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.keys != nil && a.generation == gen
}

// Address returns the owner address of the unlocked account.
func (a *Authenticator) Address() (common.Address, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.keys == nil {
		return common.Address{}, apperrors.ErrSessionLocked
	}
	return a.keys.Address(), nil
}

// SessionKey returns the per-account session key.
func (a *Authenticator) SessionKey() (*ecdsa.PrivateKey, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.keys == nil || a.keys.Session == nil {
		return nil, apperrors.ErrSessionLocked
	}
	return a.keys.Session, nil
}

// WithOwnerKey runs fn with the unlocked owner key. fn must not retain it.
func (a *Authenticator) WithOwnerKey(fn func(*ecdsa.PrivateKey) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.keys == nil {
		return apperrors.ErrSessionLocked
	}
	return fn(a.keys.Owner)
}

// Registry returns the network clients of the session.
func (a *Authenticator) Registry() *registry.Registry {
	return a.registry
}
