package deploy

import (
	"context"
	"time"

	"github.com/better-wallet/session-wallet/internal/logger"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
)

// DefaultPollInterval is used when the poller has no interval.
const DefaultPollInterval = 30 * time.Second

// Gate reports whether the session that started a poller is still unlocked.
type Gate interface {
	Generation() uint64
	Active(generation uint64) bool
}

// Poller refreshes deployment state while one session stays unlocked.
type Poller struct {
	manager  *Manager
	gate     Gate
	interval time.Duration
}

// NewPoller creates a poller.
func NewPoller(manager *Manager, gate Gate, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{manager: manager, gate: gate, interval: interval}
}

// Run refreshes immediately and then on every tick. It returns nil once the
// session it started under locks or is replaced, and ctx.Err() when ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	gen := p.gate.Generation()
	if !p.gate.Active(gen) {
		return apperrors.ErrSessionLocked
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if !p.gate.Active(gen) {
			logger.Debug(ctx, "deployment poller stopped", "generation", gen)
			return nil
		}
		p.manager.Refresh(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
