package api

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/session-wallet/internal/app"
	"github.com/better-wallet/session-wallet/internal/passkey"
	"github.com/better-wallet/session-wallet/internal/registry"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// WalletService is the subset of app.WalletService used by the API layer.
// It is an interface to allow handler-level unit tests without a chain.
type WalletService interface {
	Status(ctx context.Context) (*app.Status, error)
	Owner() (common.Address, error)
	CreateAccount(ctx context.Context, req *app.CreateAccountRequest) ([]registry.NetworkStatus, error)
	Login(ctx context.Context, password string) ([]registry.NetworkStatus, error)
	Logout()

	Modules(ctx context.Context, chainID int64, refresh bool) ([]types.AuthorizationModule, error)
	InstallModule(ctx context.Context, req *app.InstallModuleRequest) (*types.Receipt, error)
	UninstallModule(ctx context.Context, chainID int64, address string) (*types.Receipt, error)
	RegisterPasskey(ctx context.Context, chainID int64) (*app.PasskeyRegistration, error)
	EnableSessions(ctx context.Context, chainID int64) (*app.SessionEnablement, error)

	SignMessage(ctx context.Context, req *app.SignMessageRequest) (*app.SignedMessage, error)
	VerifyMessage(ctx context.Context, req *app.VerifyMessageRequest) (bool, error)
	Transfer(ctx context.Context, req *app.TransferRequest) (*types.Receipt, error)

	Deployments(ctx context.Context, refresh bool) ([]types.DeploymentStatus, error)
	Deploy(ctx context.Context, chainIDs []int64) ([]types.DeploymentStatus, error)

	ExportBackup(ctx context.Context, req *app.ExportBackupRequest) (*app.Backup, error)
	RestoreBackup(ctx context.Context, req *app.RestoreBackupRequest) ([]registry.NetworkStatus, error)
}

// CeremonyBridge hands pending WebAuthn ceremonies to a browser page.
type CeremonyBridge interface {
	Pending() []passkey.Pending
	Complete(id string, body []byte) error
	Cancel(id, reason string) error
}

var (
	_ WalletService  = (*app.WalletService)(nil)
	_ CeremonyBridge = (*passkey.Bridge)(nil)
)
