// Package deploy tracks and performs smart-account deployment per network.
package deploy

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/metrics"
	"github.com/better-wallet/session-wallet/internal/registry"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// StatusStore persists deployment state.
type StatusStore interface {
	UpsertDeploymentStatus(ctx context.Context, status types.DeploymentStatus) error
	DeploymentStatuses(ctx context.Context) ([]types.DeploymentStatus, error)
}

// Manager checks and deploys the account on the registry's networks.
type Manager struct {
	registry *registry.Registry
	store    StatusStore
	metrics  *metrics.Metrics
}

// NewManager creates a deployment manager.
func NewManager(reg *registry.Registry, store StatusStore, m *metrics.Metrics) *Manager {
	return &Manager{registry: reg, store: store, metrics: m}
}

// Refresh checks every network concurrently and records the result. A
// failing network is recorded with its error and does not affect the others.
func (m *Manager) Refresh(ctx context.Context) []types.DeploymentStatus {
	networks := m.registry.Networks()
	out := make([]types.DeploymentStatus, len(networks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(registry.DefaultConcurrency)
	for i, network := range networks {
		g.Go(func() error {
			out[i] = m.check(logger.WithChainID(gctx, network.ChainID), network)
			return nil
		})
	}
	_ = g.Wait()

	m.persist(ctx, out)
	return out
}

func (m *Manager) check(ctx context.Context, network types.Network) types.DeploymentStatus {
	status := types.DeploymentStatus{ChainID: network.ChainID, ChainName: network.DisplayName()}

	client, err := m.registry.Client(network.ChainID)
	if err != nil {
		status.Error = errorDetail(err)
		return status
	}
	status.Address = client.Address().Hex()

	deployed, err := client.IsDeployed(ctx)
	if err != nil {
		logger.Warn(ctx, "failed to check deployment", "error", err)
		status.Error = err.Error()
		return status
	}
	status.IsDeployed = deployed
	return status
}

// Deploy deploys the account on each chain where it has no code yet by
// sending an empty call to the zero address. Chains are handled one at a
// time; a failure is recorded for that chain only.
func (m *Manager) Deploy(ctx context.Context, chainIDs []int64) ([]types.DeploymentStatus, error) {
	if len(chainIDs) == 0 {
		return nil, apperrors.WithDetail(apperrors.ErrBadRequest, "at least one chain is required")
	}

	out := make([]types.DeploymentStatus, 0, len(chainIDs))
	for _, chainID := range chainIDs {
		network, ok := m.registry.Network(chainID)
		if !ok {
			return nil, apperrors.ChainNotSupported(chainID)
		}
		out = append(out, m.deploy(logger.WithChainID(ctx, chainID), network))
	}

	m.persist(ctx, out)
	return out, nil
}

func (m *Manager) deploy(ctx context.Context, network types.Network) types.DeploymentStatus {
	status := types.DeploymentStatus{ChainID: network.ChainID, ChainName: network.DisplayName()}

	client, err := m.registry.Client(network.ChainID)
	if err != nil {
		status.Error = errorDetail(err)
		return status
	}
	status.Address = client.Address().Hex()

	deployed, err := client.IsDeployed(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	if deployed {
		logger.Debug(ctx, "account already deployed")
		status.IsDeployed = true
		return status
	}

	started := time.Now()
	receipt, err := sendDeployment(ctx, client)
	m.metrics.ObserveOperation("deploy", started)
	if err != nil {
		logger.Warn(ctx, "failed to deploy account", "error", err)
		status.Error = err.Error()
		return status
	}

	logger.Info(ctx, "account deployed", "transaction", receipt.TransactionHash)
	status.IsDeployed = true
	return status
}

func sendDeployment(ctx context.Context, client aa.Client) (*types.Receipt, error) {
	hash, err := client.SendUserOperation(ctx, []types.Call{{To: common.Address{}.Hex(), Value: big.NewInt(0)}})
	if err != nil {
		return nil, err
	}
	receipt, err := client.WaitForReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return nil, fmt.Errorf("deployment operation %s reverted", receipt.UserOpHash)
	}
	return receipt, nil
}

// persist records statuses unless the session is locked, in which case they
// only carry the lock error.
func (m *Manager) persist(ctx context.Context, statuses []types.DeploymentStatus) {
	if m.store == nil || len(m.registry.Statuses()) == 0 {
		return
	}
	for _, s := range statuses {
		if err := m.store.UpsertDeploymentStatus(ctx, s); err != nil {
			logger.Warn(ctx, "failed to persist deployment status", "chain_id", s.ChainID, "error", err)
		}
	}
}

// Statuses returns the last recorded deployment state.
func (m *Manager) Statuses(ctx context.Context) ([]types.DeploymentStatus, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.DeploymentStatuses(ctx)
}

func errorDetail(err error) string {
	if appErr, ok := apperrors.IsAppError(err); ok && appErr.Detail != "" {
		return appErr.Detail
	}
	return err.Error()
}
