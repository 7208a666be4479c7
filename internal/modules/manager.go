package modules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/metrics"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// Store persists the installed-module cache.
type Store interface {
	UpsertInstalledModules(ctx context.Context, chainID int64, modules []types.ModuleDescriptor) error
}

// Event is sent to subscribers after every refresh.
type Event struct {
	ChainID int64
	Modules []types.AuthorizationModule
}

// Manager reconciles the module view of each network with chain state.
type Manager struct {
	catalog *Catalog
	store   Store
	metrics *metrics.Metrics

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	mu      sync.RWMutex
	modules map[int64][]types.AuthorizationModule

	feed event.Feed
}

// NewManager creates a manager. store may be nil.
func NewManager(catalog *Catalog, store Store, m *metrics.Metrics) *Manager {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Manager{
		catalog: catalog,
		store:   store,
		metrics: m,
		locks:   make(map[int64]*sync.Mutex),
		modules: make(map[int64][]types.AuthorizationModule),
	}
}

// Catalog returns the module catalog.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

func (m *Manager) chainLock(chainID int64) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[chainID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[chainID] = l
	}
	return l
}

// Refresh reads the installed validators of the client's account. An
// undeployed account or a failed query yields an empty list and clears the
// cache; Refresh never fails. Refreshes of one chain run one at a time.
func (m *Manager) Refresh(ctx context.Context, client aa.Client) []types.AuthorizationModule {
	chainID := client.ChainID()
	ctx = logger.WithChainID(ctx, chainID)

	lock := m.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	descriptors, err := m.query(ctx, client)
	if err != nil {
		logger.Warn(ctx, "failed to fetch installed modules", "error", apperrors.ChainQueryFailure(chainID, err))
		descriptors = nil
	}
	m.metrics.ModuleOperation("refresh", chainID, err == nil)

	list := m.catalog.ClassifyAll(descriptors)

	m.mu.Lock()
	m.modules[chainID] = list
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpsertInstalledModules(ctx, chainID, descriptors); err != nil {
			logger.Error(ctx, "failed to persist installed modules", "error", err)
		}
	}

	m.feed.Send(Event{ChainID: chainID, Modules: cloneModules(list)})
	return cloneModules(list)
}

func (m *Manager) query(ctx context.Context, client aa.Client) ([]types.ModuleDescriptor, error) {
	deployed, err := client.IsDeployed(ctx)
	if err != nil {
		return nil, err
	}
	if !deployed {
		return nil, nil
	}

	addresses, err := client.GetInstalledValidators(ctx)
	if err != nil {
		return nil, err
	}

	descriptors := make([]types.ModuleDescriptor, 0, len(addresses))
	for _, address := range addresses {
		descriptors = append(descriptors, m.catalog.Describe(address))
	}
	return descriptors, nil
}

// Install installs a validator module, waits for inclusion and refreshes.
// Any failure, including a reverted operation, returns a nil receipt and
// ErrOperationNotCompleted.
func (m *Manager) Install(ctx context.Context, client aa.Client, module common.Address, initData []byte) (*types.Receipt, error) {
	return m.run(ctx, client, "install", module, func() (common.Hash, error) {
		return client.InstallModule(ctx, types.ModuleTypeIDValidator, module, initData)
	})
}

// Uninstall removes a validator module with empty de-init data.
func (m *Manager) Uninstall(ctx context.Context, client aa.Client, module common.Address) (*types.Receipt, error) {
	return m.run(ctx, client, "uninstall", module, func() (common.Hash, error) {
		return client.UninstallModule(ctx, types.ModuleTypeIDValidator, module, nil)
	})
}

func (m *Manager) run(ctx context.Context, client aa.Client, op string, module common.Address, submit func() (common.Hash, error)) (*types.Receipt, error) {
	chainID := client.ChainID()
	ctx = logger.WithChainID(ctx, chainID)
	started := time.Now()

	receipt, err := func() (*types.Receipt, error) {
		hash, err := submit()
		if err != nil {
			return nil, err
		}
		receipt, err := client.WaitForReceipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if !receipt.Success {
			return nil, fmt.Errorf("user operation %s reverted", hash.Hex())
		}
		return receipt, nil
	}()

	m.metrics.ModuleOperation(op, chainID, err == nil)
	if err != nil {
		logger.Error(ctx, "module operation failed",
			"operation", op,
			"module", module.Hex(),
			"error", err,
		)
		return nil, apperrors.Wrap(apperrors.ErrOperationNotCompleted, err)
	}

	m.metrics.ObserveOperation(op+"_module", started)
	logger.Info(ctx, "module operation completed",
		"operation", op,
		"module", module.Hex(),
		"user_op_hash", receipt.UserOpHash,
	)

	m.Refresh(ctx, client)
	return receipt, nil
}

// Modules returns the last refreshed list for chainID.
func (m *Manager) Modules(chainID int64) []types.AuthorizationModule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneModules(m.modules[chainID])
}

// Has reports whether the last refresh of chainID saw module.
func (m *Manager) Has(chainID int64, module common.Address) bool {
	for _, mod := range m.Modules(chainID) {
		if common.HexToAddress(mod.Address) == module {
			return true
		}
	}
	return false
}

// Clear drops every cached list.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules = make(map[int64][]types.AuthorizationModule)
}

// Subscribe delivers an Event after every refresh. Refresh blocks until
// every subscriber has received it, so ch must be drained.
func (m *Manager) Subscribe(ch chan<- Event) event.Subscription {
	return m.feed.Subscribe(ch)
}

func cloneModules(list []types.AuthorizationModule) []types.AuthorizationModule {
	if list == nil {
		return []types.AuthorizationModule{}
	}
	return append([]types.AuthorizationModule(nil), list...)
}
