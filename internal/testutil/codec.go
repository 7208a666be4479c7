// Package testutil holds fakes and fixtures shared by package tests.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/better-wallet/session-wallet/internal/crypto"
)

// FastKDFParams keep scrypt cheap enough for unit tests.
var FastKDFParams = crypto.KDFParams{N: 1 << 10, R: 8, P: 1}

// NewCodec returns a codec using FastKDFParams.
func NewCodec(t testing.TB) *crypto.Codec {
	t.Helper()
	codec, err := crypto.NewCodec(FastKDFParams)
	require.NoError(t, err)
	return codec
}
