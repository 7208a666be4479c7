// Package storage provides the durable key-value stores that hold the
// credential record, cached authenticator material and registered passkeys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// KV is a namespaced durable key-value store. Implementations are safe for
// concurrent use.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend   string
	Namespace string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string
}

// Open creates the configured backend.
func Open(ctx context.Context, opts Options) (KV, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	switch strings.ToLower(opts.Backend) {
	case BackendMemory:
		return NewMemory(), nil
	case BackendSQLite, "":
		return OpenSQLite(opts.SQLitePath, ns)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.PostgresDSN, ns)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}

// DefaultNamespace isolates this application's keys in a shared store.
const DefaultNamespace = "session-wallet"
