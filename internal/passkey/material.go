// Package passkey binds WebAuthn credentials to the smart account's passkey
// validator module.
package passkey

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/better-wallet/session-wallet/pkg/types"
)

// ErrInvalidKeyMaterial is returned for coordinates that are not a P-256
// point or an identifier hash that is not 32 bytes.
var ErrInvalidKeyMaterial = errors.New("invalid passkey key material")

// Key is validated key material.
type Key struct {
	X               *big.Int
	Y               *big.Int
	AuthenticatorID string
	IDHash          [32]byte
}

// ParseKeyMaterial validates cached or ceremony-produced material. The
// coordinates must be canonical decimals below the field prime and name a
// point on P-256.
func ParseKeyMaterial(m types.KeyMaterial) (*Key, error) {
	x, err := parseCoordinate("pubX", m.PubX)
	if err != nil {
		return nil, err
	}
	y, err := parseCoordinate("pubY", m.PubY)
	if err != nil {
		return nil, err
	}

	// ecdh rejects points off the curve and the point at infinity
	point := make([]byte, 65)
	point[0] = 0x04
	x.FillBytes(point[1:33])
	y.FillBytes(point[33:])
	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("%w: point is not on P-256", ErrInvalidKeyMaterial)
	}

	hash, err := hexutil.Decode(m.AuthenticatorIDHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("%w: authenticatorIdHash must be 32 bytes of hex", ErrInvalidKeyMaterial)
	}
	if m.AuthenticatorID == "" {
		return nil, fmt.Errorf("%w: authenticatorId is required", ErrInvalidKeyMaterial)
	}

	k := &Key{X: x, Y: y, AuthenticatorID: m.AuthenticatorID}
	copy(k.IDHash[:], hash)
	return k, nil
}

func parseCoordinate(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || s == "" || s[0] == '+' || s[0] == '-' {
		return nil, fmt.Errorf("%w: %s is not a decimal integer", ErrInvalidKeyMaterial, name)
	}
	if v.Cmp(elliptic.P256().Params().P) >= 0 {
		return nil, fmt.Errorf("%w: %s is out of range", ErrInvalidKeyMaterial, name)
	}
	return v, nil
}

// Material returns the persisted form of k.
func (k *Key) Material() types.KeyMaterial {
	return types.KeyMaterial{
		PubX:                k.X.String(),
		PubY:                k.Y.String(),
		AuthenticatorID:     k.AuthenticatorID,
		AuthenticatorIDHash: "0x" + common.Bytes2Hex(k.IDHash[:]),
	}
}

// CredentialID decodes the raw WebAuthn credential ID.
func (k *Key) CredentialID() ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(k.AuthenticatorID)
}

// MaterialFromCredential derives key material from a credential ID and its
// COSE-encoded public key.
func MaterialFromCredential(credentialID, cosePublicKey []byte) (types.KeyMaterial, error) {
	parsed, err := webauthncose.ParsePublicKey(cosePublicKey)
	if err != nil {
		return types.KeyMaterial{}, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	var ec2 webauthncose.EC2PublicKeyData
	switch k := parsed.(type) {
	case webauthncose.EC2PublicKeyData:
		ec2 = k
	case *webauthncose.EC2PublicKeyData:
		ec2 = *k
	}
	if len(ec2.XCoord) == 0 || len(ec2.YCoord) == 0 {
		return types.KeyMaterial{}, fmt.Errorf("%w: credential is not an EC2 key", ErrInvalidKeyMaterial)
	}

	m := types.KeyMaterial{
		PubX:                new(big.Int).SetBytes(ec2.XCoord).String(),
		PubY:                new(big.Int).SetBytes(ec2.YCoord).String(),
		AuthenticatorID:     base64.RawURLEncoding.EncodeToString(credentialID),
		AuthenticatorIDHash: crypto.Keccak256Hash(credentialID).Hex(),
	}
	if _, err := ParseKeyMaterial(m); err != nil {
		return types.KeyMaterial{}, err
	}
	return m, nil
}
