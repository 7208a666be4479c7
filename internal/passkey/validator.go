package passkey

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// Assertion is the authenticator output of a signing ceremony.
type Assertion struct {
	AuthenticatorData []byte
	ClientDataJSON    []byte
	// Signature is the ASN.1 DER ECDSA signature.
	Signature []byte
}

// Signer produces assertions over a challenge with one credential.
type Signer interface {
	Sign(ctx context.Context, key types.KeyMaterial, challenge []byte) (*Assertion, error)
}

var (
	uint256Type = mustType("uint256")
	bytes32Type = mustType("bytes32")
	bytesType   = mustType("bytes")
	stringType  = mustType("string")
	boolType    = mustType("bool")

	initDataArgs  = abi.Arguments{{Type: uint256Type}, {Type: uint256Type}, {Type: bytes32Type}}
	signatureArgs = abi.Arguments{
		{Type: bytesType},
		{Type: stringType},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: boolType},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	p256N     = elliptic.P256().Params().N
	p256HalfN = new(big.Int).Rsh(p256N, 1)
)

// Validator routes account operations through the passkey validator module.
// Every signature runs an assertion ceremony with the bound credential.
type Validator struct {
	address common.Address
	key     *Key
	signer  Signer
}

// NewValidator binds key to the passkey module at address.
func NewValidator(address common.Address, key *Key, signer Signer) *Validator {
	return &Validator{address: address, key: key, signer: signer}
}

func (v *Validator) Address() common.Address { return v.address }

func (v *Validator) Type() types.ModuleType { return types.ModuleTypePasskey }

// Key returns the bound key.
func (v *Validator) Key() *Key { return v.key }

// InitData is the module install payload abi.encode(pubX, pubY, idHash).
func (v *Validator) InitData() ([]byte, error) {
	return InitData(v.key)
}

// InitData encodes the install payload for key.
func InitData(key *Key) ([]byte, error) {
	return initDataArgs.Pack(key.X, key.Y, key.IDHash)
}

// SignUserOpHash asserts over the raw operation hash.
func (v *Validator) SignUserOpHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	return v.sign(ctx, hash.Bytes())
}

// SignMessage asserts over the EIP-191 hash of message.
func (v *Validator) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	return v.sign(ctx, accounts.TextHash(message))
}

func (v *Validator) sign(ctx context.Context, challenge []byte) ([]byte, error) {
	assertion, err := v.signer.Sign(ctx, v.key.Material(), challenge)
	if err != nil {
		return nil, err
	}
	return EncodeSignature(assertion)
}

// DummySignature matches the shape of a real assertion for gas estimation.
func (v *Validator) DummySignature() []byte {
	sig, err := encodeSignature(
		bytes.Repeat([]byte{0x49}, 37),
		[]byte(`{"type":"webauthn.get","challenge":"`+string(bytes.Repeat([]byte{'A'}, 43))+`","origin":"https://localhost","crossOrigin":false}`),
		new(big.Int).Sub(p256N, big.NewInt(1)),
		new(big.Int).Set(p256HalfN),
	)
	if err != nil {
		panic(err)
	}
	return sig
}

// EncodeSignature converts an assertion into the validator's signature
// format abi.encode(authData, clientDataJSON, typeIndex, r, s, false).
// s is normalised to the lower half of the curve order.
func EncodeSignature(a *Assertion) ([]byte, error) {
	r, s, err := parseDERSignature(a.Signature)
	if err != nil {
		return nil, err
	}
	if s.Cmp(p256HalfN) > 0 {
		s = new(big.Int).Sub(p256N, s)
	}
	return encodeSignature(a.AuthenticatorData, a.ClientDataJSON, r, s)
}

func encodeSignature(authData, clientDataJSON []byte, r, s *big.Int) ([]byte, error) {
	return signatureArgs.Pack(
		authData,
		string(clientDataJSON),
		big.NewInt(typeIndex(clientDataJSON)),
		r,
		s,
		false,
	)
}

// typeIndex locates the "type" member the on-chain verifier checks.
func typeIndex(clientDataJSON []byte) int64 {
	if i := bytes.Index(clientDataJSON, []byte(`"type":"webauthn.get"`)); i >= 0 {
		return int64(i)
	}
	return 1
}

func parseDERSignature(der []byte) (*big.Int, *big.Int, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, nil, fmt.Errorf("malformed DER signature")
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || r.Cmp(p256N) >= 0 || s.Cmp(p256N) >= 0 {
		return nil, nil, fmt.Errorf("signature scalar out of range")
	}
	return r, s, nil
}

var _ aa.Validator = (*Validator)(nil)
