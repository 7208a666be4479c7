package aa

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/session-wallet/pkg/types"
)

// Validator is the module that authorises operations for the account. The
// client embeds its address in the nonce key and in ERC-1271 signatures.
type Validator interface {
	Address() common.Address
	Type() types.ModuleType

	// SignUserOpHash produces the user operation signature
	SignUserOpHash(ctx context.Context, hash common.Hash) ([]byte, error)

	// DummySignature has the shape of a real signature for gas estimation
	DummySignature() []byte

	// SignMessage signs message for verification through isValidSignature.
	// The result excludes the validator address prefix.
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// K1Validator is the default ECDSA owner validator.
type K1Validator struct {
	address common.Address
	owner   *ecdsa.PrivateKey
}

// NewK1Validator binds the owner key to the K1 validator at address.
func NewK1Validator(address common.Address, owner *ecdsa.PrivateKey) *K1Validator {
	return &K1Validator{address: address, owner: owner}
}

func (v *K1Validator) Address() common.Address { return v.address }

func (v *K1Validator) Type() types.ModuleType { return types.ModuleTypeK1 }

// Owner returns the signer address.
func (v *K1Validator) Owner() common.Address {
	return crypto.PubkeyToAddress(v.owner.PublicKey)
}

// SignUserOpHash signs the EIP-191 digest of the hash.
func (v *K1Validator) SignUserOpHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	return PersonalSign(v.owner, hash.Bytes())
}

func (v *K1Validator) DummySignature() []byte {
	return dummyECDSASignature()
}

func (v *K1Validator) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	return PersonalSign(v.owner, message)
}

// PersonalSign signs the EIP-191 digest of message with a 27/28 recovery id.
func PersonalSign(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverPersonal returns the signer of an EIP-191 signature.
func RecoverPersonal(message, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	s := append([]byte(nil), sig...)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// dummyECDSASignature recovers to some address without reverting in
// simulation; its s value is below the malleability bound.
var dummyECDSA = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

func dummyECDSASignature() []byte {
	return append([]byte(nil), dummyECDSA...)
}

var _ Validator = (*K1Validator)(nil)
