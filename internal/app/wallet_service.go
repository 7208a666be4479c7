package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/internal/account"
	"github.com/better-wallet/session-wallet/internal/deploy"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/metrics"
	"github.com/better-wallet/session-wallet/internal/modules"
	"github.com/better-wallet/session-wallet/internal/passkey"
	"github.com/better-wallet/session-wallet/internal/registry"
	"github.com/better-wallet/session-wallet/internal/session"
	"github.com/better-wallet/session-wallet/internal/signer"
	"github.com/better-wallet/session-wallet/internal/validation"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// Deps wires a WalletService.
type Deps struct {
	Store    *account.Store
	Session  *session.Authenticator
	Registry *registry.Registry
	Modules  *modules.Manager
	Resolver *signer.Resolver
	Deploy   *deploy.Manager

	// Ceremony and Cache back passkey registration; nil disables it.
	Ceremony passkey.Ceremony
	Cache    *passkey.Cache

	// PollInterval enables the deployment poller while unlocked.
	PollInterval time.Duration

	Metrics *metrics.Metrics
}

// WalletService is the operation surface shared by the HTTP API and the CLI.
type WalletService struct {
	store    *account.Store
	session  *session.Authenticator
	registry *registry.Registry
	modules  *modules.Manager
	resolver *signer.Resolver
	deploy   *deploy.Manager
	ceremony passkey.Ceremony
	cache    *passkey.Cache
	metrics  *metrics.Metrics

	pollInterval time.Duration
	pollMu       sync.Mutex
	pollCancel   context.CancelFunc
}

// NewWalletService creates a new wallet service.
func NewWalletService(d Deps) *WalletService {
	return &WalletService{
		store:        d.Store,
		session:      d.Session,
		registry:     d.Registry,
		modules:      d.Modules,
		resolver:     d.Resolver,
		deploy:       d.Deploy,
		ceremony:     d.Ceremony,
		cache:        d.Cache,
		metrics:      d.Metrics,
		pollInterval: d.PollInterval,
	}
}

// Status is the wallet state as seen by a client.
type Status struct {
	HasAccount    bool                     `json:"hasAccount"`
	Authenticated bool                     `json:"authenticated"`
	Owner         string                   `json:"owner,omitempty"`
	Networks      []registry.NetworkStatus `json:"networks"`
}

// Status reports whether an account exists and the session is unlocked.
func (s *WalletService) Status(ctx context.Context) (*Status, error) {
	has, err := s.store.HasAccount(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
	}
	st := &Status{
		HasAccount:    has,
		Authenticated: s.session.IsAuthenticated(),
		Networks:      s.registry.Statuses(),
	}
	if owner, err := s.session.Address(); err == nil {
		st.Owner = owner.Hex()
	}
	return st, nil
}

// Owner returns the owner address of the unlocked account.
func (s *WalletService) Owner() (common.Address, error) {
	return s.session.Address()
}

// CreateAccountRequest creates a new account.
type CreateAccountRequest struct {
	Password        string
	ConfirmPassword string
	// ReplaceExisting overwrites a stored account. It must be backed by
	// CurrentPassword or, for callers holding a verified session token,
	// ReplaceAuthorized.
	ReplaceExisting   bool
	CurrentPassword   string
	ReplaceAuthorized bool
}

// CreateAccount creates and unlocks an account.
func (s *WalletService) CreateAccount(ctx context.Context, req *CreateAccountRequest) ([]registry.NetworkStatus, error) {
	if req.Password == req.ConfirmPassword {
		if err := validation.ValidatePassword(req.Password); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
		}
	}
	if err := s.authorizeReplace(ctx, req.ReplaceExisting, req.ReplaceAuthorized, req.CurrentPassword); err != nil {
		return nil, err
	}
	statuses, err := s.session.CreateAccount(ctx, req.Password, req.ConfirmPassword, account.CreateOptions{
		ReplaceExisting: req.ReplaceExisting,
	})
	if err != nil {
		return nil, err
	}
	s.afterUnlock(ctx)
	return statuses, nil
}

// authorizeReplace guards overwriting a stored key. Without an account there
// is nothing to destroy; otherwise the caller proves it controls the current
// one.
func (s *WalletService) authorizeReplace(ctx context.Context, replace, authorized bool, currentPassword string) error {
	if !replace || authorized {
		return nil
	}
	exists, err := s.store.HasAccount(ctx)
	if err != nil {
		if _, ok := apperrors.IsAppError(err); ok {
			return err
		}
		return apperrors.Wrap(apperrors.ErrInternalError, err)
	}
	if !exists {
		return nil
	}
	if currentPassword == "" {
		return apperrors.WithDetail(apperrors.ErrAuthenticationFailure,
			"replacing the stored account requires its current password or a session token")
	}
	return s.session.VerifyPassword(ctx, currentPassword)
}

// Login unlocks the stored account.
func (s *WalletService) Login(ctx context.Context, password string) ([]registry.NetworkStatus, error) {
	statuses, err := s.session.Login(ctx, password)
	if err != nil {
		return nil, err
	}
	s.afterUnlock(ctx)
	return statuses, nil
}

// Logout locks the session and stops background work.
func (s *WalletService) Logout() {
	s.stopPoller()
	s.session.Logout()
}

// afterUnlock refreshes the module view of every ready network and starts
// the deployment poller.
func (s *WalletService) afterUnlock(ctx context.Context) {
	for _, client := range s.registry.Clients() {
		s.modules.Refresh(ctx, client)
	}
	s.startPoller()
}

func (s *WalletService) startPoller() {
	if s.pollInterval <= 0 || s.deploy == nil {
		return
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.pollCancel != nil {
		s.pollCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	poller := deploy.NewPoller(s.deploy, s.session, s.pollInterval)
	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "deployment poller exited", "error", err)
		}
	}()
}

func (s *WalletService) stopPoller() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
}

// client returns the network client of an unlocked session.
func (s *WalletService) client(chainID int64) (aa.Client, error) {
	if !s.session.IsAuthenticated() {
		return nil, apperrors.ErrSessionLocked
	}
	if err := validation.ValidateChainID(chainID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	return s.registry.Client(chainID)
}

// Modules returns the authorization modules of the account on chainID,
// re-read from chain when refresh is set or nothing is cached yet.
func (s *WalletService) Modules(ctx context.Context, chainID int64, refresh bool) ([]types.AuthorizationModule, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	list := s.modules.Modules(chainID)
	if refresh || len(list) == 0 {
		list = s.modules.Refresh(ctx, client)
	}
	return list, nil
}

// InstallModuleRequest installs a validator module.
type InstallModuleRequest struct {
	ChainID  int64
	Address  string
	InitData string
}

// InstallModule installs a validator module and waits for inclusion.
func (s *WalletService) InstallModule(ctx context.Context, req *InstallModuleRequest) (*types.Receipt, error) {
	client, err := s.client(req.ChainID)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateAddress(req.Address); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	initData, err := validation.ParseHexData(req.InitData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	return s.modules.Install(ctx, client, common.HexToAddress(req.Address), initData)
}

// UninstallModule removes a validator module and waits for inclusion.
func (s *WalletService) UninstallModule(ctx context.Context, chainID int64, address string) (*types.Receipt, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateAddress(address); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	module := common.HexToAddress(address)
	if module == aa.DefaultK1Validator {
		return nil, apperrors.WithDetail(apperrors.ErrBadRequest, "the default validator cannot be removed")
	}
	if !s.modules.Has(chainID, module) {
		s.modules.Refresh(ctx, client)
		if !s.modules.Has(chainID, module) {
			return nil, apperrors.ModuleNotInstalled(module.Hex())
		}
	}
	return s.modules.Uninstall(ctx, client, module)
}

// PasskeyRegistration is the outcome of registering a passkey module.
type PasskeyRegistration struct {
	Material types.KeyMaterial `json:"material"`
	Receipt  *types.Receipt    `json:"receipt"`
}

// RegisterPasskey creates a passkey, installs the passkey validator bound to
// it and caches its material once the installation is included.
func (s *WalletService) RegisterPasskey(ctx context.Context, chainID int64) (*PasskeyRegistration, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	if s.ceremony == nil || s.cache == nil {
		return nil, apperrors.WithDetail(apperrors.ErrCeremonyFailure, "passkey ceremonies are not configured")
	}
	ctx = logger.WithChainID(ctx, chainID)

	material, err := s.ceremony.Register(ctx, client.Address().Hex())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCeremonyFailure, err)
	}
	key, err := passkey.ParseKeyMaterial(material)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidKeyMaterial, err)
	}
	initData, err := passkey.InitData(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
	}

	receipt, err := s.modules.Install(ctx, client, s.catalogAddress(types.ModuleTypePasskey, modules.PasskeyValidatorAddress), initData)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(ctx, chainID, key.Material()); err != nil {
		logger.Warn(ctx, "failed to cache passkey material", "error", err)
	}
	return &PasskeyRegistration{Material: key.Material(), Receipt: receipt}, nil
}

// SessionEnablement is the outcome of enabling smart sessions.
type SessionEnablement struct {
	SessionSigner string         `json:"sessionSigner"`
	PermissionID  string         `json:"permissionId"`
	Receipt       *types.Receipt `json:"receipt"`
}

// EnableSessions installs the Smart Sessions module with a sudo session for
// the account's session key.
func (s *WalletService) EnableSessions(ctx context.Context, chainID int64) (*SessionEnablement, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	key, err := s.session.SessionKey()
	if err != nil {
		return nil, err
	}

	grant := signer.SessionGrant{
		Signer: crypto.PubkeyToAddress(key.PublicKey),
		Salt:   signer.SessionSalt(client.Address()),
	}
	initData, err := grant.InstallData()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
	}
	permissionID, err := grant.PermissionID()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
	}

	receipt, err := s.modules.Install(ctx, client, s.catalogAddress(types.ModuleTypeSession, modules.SmartSessionsAddress), initData)
	if err != nil {
		return nil, err
	}
	return &SessionEnablement{
		SessionSigner: grant.Signer.Hex(),
		PermissionID:  permissionID.Hex(),
		Receipt:       receipt,
	}, nil
}

func (s *WalletService) catalogAddress(t types.ModuleType, fallback common.Address) common.Address {
	if entry, ok := s.modules.Catalog().ByType(t); ok {
		return entry.Address
	}
	return fallback
}

// selectModule finds the module an operation runs through. selector is a
// module address or type; empty selects the default module.
func (s *WalletService) selectModule(ctx context.Context, client aa.Client, selector string) (types.AuthorizationModule, error) {
	list := s.modules.Modules(client.ChainID())
	if len(list) == 0 {
		list = s.modules.Refresh(ctx, client)
	}

	catalog := s.modules.Catalog()
	k1 := catalog.Classify(catalog.Describe(aa.DefaultK1Validator))

	if selector == "" {
		if m, ok := modules.DefaultModule(list); ok {
			return m, nil
		}
		return k1, nil
	}

	if common.IsHexAddress(selector) {
		want := common.HexToAddress(selector)
		for _, m := range list {
			if common.HexToAddress(m.Address) == want {
				return m, nil
			}
		}
		if want == aa.DefaultK1Validator && len(list) == 0 {
			return k1, nil
		}
		return types.AuthorizationModule{}, apperrors.ModuleNotInstalled(want.Hex())
	}

	t := types.ParseModuleType(selector)
	if t == types.ModuleTypeOther && !strings.EqualFold(selector, string(types.ModuleTypeOther)) {
		return types.AuthorizationModule{}, apperrors.WithDetail(apperrors.ErrBadRequest, fmt.Sprintf("unknown module %q", selector))
	}
	for _, m := range list {
		if m.Type == t {
			return m, nil
		}
	}
	if t == types.ModuleTypeK1 && len(list) == 0 {
		return k1, nil
	}
	return types.AuthorizationModule{}, apperrors.ModuleNotInstalled(selector)
}

// resolve selects the module and returns its signer.
func (s *WalletService) resolve(ctx context.Context, chainID int64, selector string) (signer.Signer, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	module, err := s.selectModule(ctx, client, selector)
	if err != nil {
		return nil, err
	}
	return s.resolver.Resolve(ctx, client, module)
}

// SignMessageRequest signs a message through a selected module.
type SignMessageRequest struct {
	ChainID int64
	Module  string
	Message string
	// Encoding is "utf8" (default) or "hex".
	Encoding string
}

// SignedMessage is an ERC-1271 signature by the smart account.
type SignedMessage struct {
	Address   string                    `json:"address"`
	Module    types.AuthorizationModule `json:"module"`
	Signature string                    `json:"signature"`
}

// SignMessage signs a message as the smart account.
func (s *WalletService) SignMessage(ctx context.Context, req *SignMessageRequest) (*SignedMessage, error) {
	message, err := decodeMessage(req.Message, req.Encoding)
	if err != nil {
		return nil, err
	}
	sg, err := s.resolve(ctx, req.ChainID, req.Module)
	if err != nil {
		return nil, err
	}
	sig, err := sg.SignMessage(ctx, message)
	if err != nil {
		if _, ok := apperrors.IsAppError(err); ok {
			return nil, err
		}
		if sg.Kind() == signer.KindPasskey {
			return nil, apperrors.Wrap(apperrors.ErrCeremonyFailure, err)
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
	}
	return &SignedMessage{
		Address:   sg.Address().Hex(),
		Module:    sg.Module(),
		Signature: hexutil.Encode(sig),
	}, nil
}

// VerifyMessageRequest checks a signature against the smart account.
type VerifyMessageRequest struct {
	ChainID   int64
	Message   string
	Encoding  string
	Signature string
}

// VerifyMessage asks the account contract whether signature is valid.
func (s *WalletService) VerifyMessage(ctx context.Context, req *VerifyMessageRequest) (bool, error) {
	message, err := decodeMessage(req.Message, req.Encoding)
	if err != nil {
		return false, err
	}
	sig, err := validation.ParseHexData(req.Signature)
	if err != nil || len(sig) == 0 {
		return false, apperrors.WithDetail(apperrors.ErrBadRequest, "signature must be non-empty hex")
	}
	client, err := s.client(req.ChainID)
	if err != nil {
		return false, err
	}
	ok, err := client.VerifyMessage(ctx, message, sig)
	if err != nil {
		return false, apperrors.ChainQueryFailure(req.ChainID, err)
	}
	return ok, nil
}

func decodeMessage(message, encoding string) ([]byte, error) {
	var data []byte
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8":
		data = []byte(message)
	case "hex":
		decoded, err := hexutil.Decode(message)
		if err != nil {
			return nil, apperrors.WithDetail(apperrors.ErrBadRequest, "message is not valid hex")
		}
		data = decoded
	default:
		return nil, apperrors.WithDetail(apperrors.ErrBadRequest, "encoding must be utf8 or hex")
	}
	if err := validation.ValidateMessage(data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	return data, nil
}

// TransferRequest sends ERC-20 tokens.
type TransferRequest struct {
	ChainID  int64
	Module   string
	Token    string
	To       string
	Amount   string
	Decimals int
}

// Transfer sends an ERC-20 transfer through the selected module.
func (s *WalletService) Transfer(ctx context.Context, req *TransferRequest) (*types.Receipt, error) {
	if err := validation.ValidateAddress(req.Token); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, fmt.Errorf("token: %w", err))
	}
	if err := validation.ValidateRecipient(req.To); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, fmt.Errorf("recipient: %w", err))
	}
	amount, err := validation.ParseTokenAmount(req.Amount, req.Decimals)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	data, err := aa.EncodeERC20Transfer(common.HexToAddress(req.To), amount)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
	}

	sg, err := s.resolve(ctx, req.ChainID, req.Module)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	receipt, err := sg.SendOperation(ctx, []types.Call{{To: common.HexToAddress(req.Token).Hex(), Data: data}})
	s.metrics.ObserveOperation("transfer", started)
	if err != nil {
		return nil, err
	}
	logger.Info(logger.WithChainID(ctx, req.ChainID), "token transfer included",
		"token", req.Token,
		"to", req.To,
		"amount", amount.String(),
		"signer", string(sg.Kind()),
	)
	return receipt, nil
}

// Deployments returns the recorded deployment state.
func (s *WalletService) Deployments(ctx context.Context, refresh bool) ([]types.DeploymentStatus, error) {
	if refresh {
		if !s.session.IsAuthenticated() {
			return nil, apperrors.ErrSessionLocked
		}
		return s.deploy.Refresh(ctx), nil
	}
	return s.deploy.Statuses(ctx)
}

// Deploy deploys the account on chainIDs.
func (s *WalletService) Deploy(ctx context.Context, chainIDs []int64) ([]types.DeploymentStatus, error) {
	if !s.session.IsAuthenticated() {
		return nil, apperrors.ErrSessionLocked
	}
	statuses, err := s.deploy.Deploy(ctx, chainIDs)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st.IsDeployed {
			if client, err := s.registry.Client(st.ChainID); err == nil {
				s.modules.Refresh(ctx, client)
			}
		}
	}
	return statuses, nil
}
