// Package registry holds one account client per configured network for the
// unlocked key.
package registry

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/metrics"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// DefaultConcurrency bounds parallel client construction.
const DefaultConcurrency = 4

// NetworkStatus is the outcome of building one network's client.
type NetworkStatus struct {
	ChainID int64  `json:"chainId"`
	Name    string `json:"name"`
	Ready   bool   `json:"ready"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Registry builds and holds the per-network clients.
type Registry struct {
	factory     aa.Factory
	networks    []types.Network
	concurrency int
	metrics     *metrics.Metrics

	mu       sync.RWMutex
	clients  map[int64]aa.Client
	statuses map[int64]NetworkStatus
}

// New creates an empty registry. concurrency <= 0 uses DefaultConcurrency.
func New(factory aa.Factory, networks []types.Network, concurrency int, m *metrics.Metrics) *Registry {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Registry{
		factory:     factory,
		networks:    append([]types.Network(nil), networks...),
		concurrency: concurrency,
		metrics:     m,
		clients:     make(map[int64]aa.Client),
		statuses:    make(map[int64]NetworkStatus),
	}
}

// Init replaces all clients with ones built from key. A network that fails
// is recorded in its status and does not affect the others.
func (r *Registry) Init(ctx context.Context, key *ecdsa.PrivateKey) []NetworkStatus {
	r.Clear()

	built := make([]aa.Client, len(r.networks))
	statuses := make([]NetworkStatus, len(r.networks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, network := range r.networks {
		g.Go(func() error {
			nctx := logger.WithChainID(gctx, network.ChainID)
			status := NetworkStatus{ChainID: network.ChainID, Name: network.DisplayName()}

			client, err := r.factory.Build(nctx, key, network)
			if err != nil {
				logger.Warn(nctx, "failed to initialize network client",
					"network", network.DisplayName(),
					"error", err,
				)
				r.metrics.ClientInitFailure(network.ChainID)
				status.Error = err.Error()
			} else {
				status.Ready = true
				status.Address = client.Address().Hex()
				built[i] = client
			}
			statuses[i] = status
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, status := range statuses {
		r.statuses[status.ChainID] = status
		if built[i] != nil {
			r.clients[status.ChainID] = built[i]
		}
	}

	logger.Info(ctx, "network clients initialized",
		"ready", len(r.clients),
		"total", len(r.networks),
	)
	return statuses
}

// Client returns the client for chainID.
func (r *Registry) Client(chainID int64) (aa.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if client, ok := r.clients[chainID]; ok {
		return client, nil
	}
	if status, ok := r.statuses[chainID]; ok && status.Error != "" {
		return nil, apperrors.WithDetail(apperrors.ErrChainQueryFailure, status.Error)
	}
	if r.hasNetwork(chainID) && len(r.statuses) == 0 {
		return nil, apperrors.ErrSessionLocked
	}
	return nil, apperrors.ChainNotSupported(chainID)
}

// Clients returns the ready clients in network order.
func (r *Registry) Clients() []aa.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]aa.Client, 0, len(r.clients))
	for _, n := range r.networks {
		if client, ok := r.clients[n.ChainID]; ok {
			out = append(out, client)
		}
	}
	return out
}

// Statuses returns the last Init outcome per network in network order.
func (r *Registry) Statuses() []NetworkStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NetworkStatus, 0, len(r.statuses))
	for _, n := range r.networks {
		if status, ok := r.statuses[n.ChainID]; ok {
			out = append(out, status)
		}
	}
	return out
}

// Networks returns the configured networks.
func (r *Registry) Networks() []types.Network {
	return append([]types.Network(nil), r.networks...)
}

// Network returns the configuration for chainID.
func (r *Registry) Network(chainID int64) (types.Network, bool) {
	for _, n := range r.networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return types.Network{}, false
}

// Clear closes and drops every client.
func (r *Registry) Clear() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[int64]aa.Client)
	r.statuses = make(map[int64]NetworkStatus)
	r.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// Len returns the number of ready clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) hasNetwork(chainID int64) bool {
	_, ok := r.Network(chainID)
	return ok
}
