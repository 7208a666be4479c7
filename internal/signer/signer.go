// Package signer turns a selected authorization module into the signer an
// operation runs through.
package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/internal/passkey"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// Kind tags the Signer variants.
type Kind string

// Signer kinds.
const (
	KindDefault Kind = "default"
	KindPasskey Kind = "passkey"
	KindSession Kind = "session"
)

// Signer is an operation-ready client bound to one authorization module.
// The variants are Default, PasskeyBound and SessionBound.
type Signer interface {
	Kind() Kind
	Module() types.AuthorizationModule
	Address() common.Address
	Client() aa.Client

	SignMessage(ctx context.Context, message []byte) ([]byte, error)

	// SendOperation submits calls and waits for inclusion. Anything short of
	// a successful receipt is OperationNotCompleted.
	SendOperation(ctx context.Context, calls []types.Call) (*types.Receipt, error)
}

type bound struct {
	client aa.Client
	module types.AuthorizationModule
}

func (b bound) Module() types.AuthorizationModule { return b.module }

func (b bound) Address() common.Address { return b.client.Address() }

func (b bound) Client() aa.Client { return b.client }

func (b bound) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	return b.client.SignMessage(ctx, message)
}

func (b bound) SendOperation(ctx context.Context, calls []types.Call) (*types.Receipt, error) {
	hash, err := b.client.SendUserOperation(ctx, calls)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrOperationNotCompleted, err)
	}
	receipt, err := b.client.WaitForReceipt(ctx, hash)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrOperationNotCompleted, err)
	}
	if !receipt.Success {
		return nil, apperrors.Wrap(apperrors.ErrOperationNotCompleted,
			fmt.Errorf("user operation %s reverted: %s", receipt.UserOpHash, receipt.Reason))
	}
	return receipt, nil
}

// Default signs with the owner key through the base client.
type Default struct{ bound }

func (Default) Kind() Kind { return KindDefault }

// PasskeyBound signs through the passkey validator.
type PasskeyBound struct {
	bound
	validator *passkey.Validator
}

func (PasskeyBound) Kind() Kind { return KindPasskey }

// Key returns the authenticator key the signer asserts with.
func (p PasskeyBound) Key() *passkey.Key { return p.validator.Key() }

// SessionBound signs through the Smart Sessions module with the session key.
type SessionBound struct {
	bound
	validator *SessionValidator
}

func (SessionBound) Kind() Kind { return KindSession }

// PermissionID returns the session the signer uses.
func (s SessionBound) PermissionID() common.Hash { return s.validator.PermissionID() }

var (
	_ Signer = Default{}
	_ Signer = PasskeyBound{}
	_ Signer = SessionBound{}
)
