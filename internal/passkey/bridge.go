package passkey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
)

// Ceremony kinds.
const (
	KindCreate = "create"
	KindGet    = "get"
)

var (
	// ErrUnknownCeremony is returned for a completion without a waiting ceremony.
	ErrUnknownCeremony = errors.New("no pending ceremony with this id")
	// ErrCeremonyCancelled is returned when the browser reports an abort.
	ErrCeremonyCancelled = errors.New("ceremony cancelled")
	// ErrCeremonyTimeout is returned when nobody completes the ceremony in time.
	ErrCeremonyTimeout = errors.New("ceremony timed out")
)

// Pending is a ceremony waiting for a browser to run it.
type Pending struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Options   json.RawMessage `json:"options"`
	CreatedAt time.Time       `json:"createdAt"`
}

type outcome struct {
	body []byte
	err  error
}

type parked struct {
	Pending
	done chan outcome
}

// Bridge is an Authenticator that parks ceremonies until a browser page
// fetches them, runs navigator.credentials and posts the response back.
type Bridge struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*parked
}

// NewBridge creates a bridge whose ceremonies expire after timeout.
func NewBridge(timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Bridge{timeout: timeout, pending: make(map[string]*parked)}
}

func (b *Bridge) Create(ctx context.Context, options *protocol.CredentialCreation) (*protocol.ParsedCredentialCreationData, error) {
	body, err := b.park(ctx, KindCreate, options)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid registration response: %w", err)
	}
	return parsed, nil
}

func (b *Bridge) Get(ctx context.Context, options *protocol.CredentialAssertion) (*protocol.ParsedCredentialAssertionData, error) {
	body, err := b.park(ctx, KindGet, options)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid assertion response: %w", err)
	}
	return parsed, nil
}

func (b *Bridge) park(ctx context.Context, kind string, options any) ([]byte, error) {
	raw, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}

	p := &parked{
		Pending: Pending{
			ID:        uuid.NewString(),
			Kind:      kind,
			Options:   raw,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan outcome, 1),
	}

	b.mu.Lock()
	b.pending[p.ID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, p.ID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.body, out.err
	case <-timer.C:
		return nil, ErrCeremonyTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending lists waiting ceremonies, oldest first.
func (b *Bridge) Pending() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Pending, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.Pending)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Complete delivers the browser's PublicKeyCredential JSON for ceremony id.
func (b *Bridge) Complete(id string, body []byte) error {
	return b.resolve(id, outcome{body: append([]byte(nil), body...)})
}

// Cancel aborts ceremony id with the browser's reason.
func (b *Bridge) Cancel(id, reason string) error {
	err := ErrCeremonyCancelled
	if reason != "" {
		err = fmt.Errorf("%w: %s", ErrCeremonyCancelled, reason)
	}
	return b.resolve(id, outcome{err: err})
}

func (b *Bridge) resolve(id string, out outcome) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownCeremony
	}
	p.done <- out
	return nil
}

var _ Authenticator = (*Bridge)(nil)
