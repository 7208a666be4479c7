package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// Smart Sessions collaborators.
var (
	OwnableValidatorAddress = common.HexToAddress("0x2483DA3A338895199E5e538530213157e931Bf06")
	SudoPolicyAddress       = common.HexToAddress("0x0000003111cD8e92337C100F22B7A9dbf8DEE301")

	fallbackTarget         = common.HexToAddress("0x0000000000000000000000000000000000000001")
	fallbackTargetSelector = [4]byte{0x00, 0x00, 0x00, 0x01}
)

// smart session signature modes.
const sessionModeUse byte = 0x00

type policyData struct {
	Policy   common.Address
	InitData []byte
}

type actionData struct {
	ActionTargetSelector [4]byte
	ActionTarget         common.Address
	ActionPolicies       []policyData
}

type erc7739Data struct {
	AllowedERC7739Content []string
	Erc1271Policies       []policyData
}

type session struct {
	SessionValidator         common.Address
	SessionValidatorInitData []byte
	Salt                     [32]byte
	UserOpPolicies           []policyData
	Erc7739Policies          erc7739Data
	Actions                  []actionData
	PermitERC4337Paymaster   bool
}

var (
	policyComponents = []abi.ArgumentMarshaling{
		{Name: "policy", Type: "address"},
		{Name: "initData", Type: "bytes"},
	}

	sessionsType = mustType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "sessionValidator", Type: "address"},
		{Name: "sessionValidatorInitData", Type: "bytes"},
		{Name: "salt", Type: "bytes32"},
		{Name: "userOpPolicies", Type: "tuple[]", Components: policyComponents},
		{Name: "erc7739Policies", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "allowedERC7739Content", Type: "string[]"},
			{Name: "erc1271Policies", Type: "tuple[]", Components: policyComponents},
		}},
		{Name: "actions", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "actionTargetSelector", Type: "bytes4"},
			{Name: "actionTarget", Type: "address"},
			{Name: "actionPolicies", Type: "tuple[]", Components: policyComponents},
		}},
		{Name: "permitERC4337Paymaster", Type: "bool"},
	})

	permissionArgs = abi.Arguments{
		{Type: mustType("address", nil)},
		{Type: mustType("bytes", nil)},
		{Type: mustType("bytes32", nil)},
	}

	ownableInitArgs = abi.Arguments{
		{Type: mustType("uint256", nil)},
		{Type: mustType("address[]", nil)},
	}
)

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

// SessionSalt derives the per-account session salt.
func SessionSalt(account common.Address) [32]byte {
	return crypto.Keccak256Hash([]byte("session-wallet/session"), account.Bytes())
}

// SessionGrant is a sudo session for one session key.
type SessionGrant struct {
	Signer common.Address
	Salt   [32]byte
}

func (g SessionGrant) validatorInitData() ([]byte, error) {
	return ownableInitArgs.Pack(big.NewInt(1), []common.Address{g.Signer})
}

// PermissionID identifies the session on the Smart Sessions module.
func (g SessionGrant) PermissionID() (common.Hash, error) {
	initData, err := g.validatorInitData()
	if err != nil {
		return common.Hash{}, err
	}
	encoded, err := permissionArgs.Pack(OwnableValidatorAddress, initData, g.Salt)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// InstallData is the Smart Sessions install payload enabling the session
// with sudo policies on every target.
func (g SessionGrant) InstallData() ([]byte, error) {
	initData, err := g.validatorInitData()
	if err != nil {
		return nil, err
	}
	sudo := []policyData{{Policy: SudoPolicyAddress, InitData: []byte{}}}
	s := session{
		SessionValidator:         OwnableValidatorAddress,
		SessionValidatorInitData: initData,
		Salt:                     g.Salt,
		UserOpPolicies:           sudo,
		Erc7739Policies:          erc7739Data{AllowedERC7739Content: []string{}, Erc1271Policies: []policyData{}},
		Actions: []actionData{{
			ActionTargetSelector: fallbackTargetSelector,
			ActionTarget:         fallbackTarget,
			ActionPolicies:       sudo,
		}},
		PermitERC4337Paymaster: true,
	}
	return abi.Arguments{{Type: sessionsType}}.Pack([]session{s})
}

// SessionValidator signs through the Smart Sessions module with the
// account's session key.
type SessionValidator struct {
	address      common.Address
	key          *ecdsa.PrivateKey
	permissionID common.Hash
}

// NewSessionValidator binds key to the Smart Sessions module at address.
func NewSessionValidator(address common.Address, key *ecdsa.PrivateKey, salt [32]byte) (*SessionValidator, error) {
	grant := SessionGrant{Signer: crypto.PubkeyToAddress(key.PublicKey), Salt: salt}
	id, err := grant.PermissionID()
	if err != nil {
		return nil, err
	}
	return &SessionValidator{address: address, key: key, permissionID: id}, nil
}

func (v *SessionValidator) Address() common.Address { return v.address }

func (v *SessionValidator) Type() types.ModuleType { return types.ModuleTypeSession }

// PermissionID returns the session this validator uses.
func (v *SessionValidator) PermissionID() common.Hash { return v.permissionID }

// SignUserOpHash returns mode || permissionId || signature.
func (v *SessionValidator) SignUserOpHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	sig, err := aa.PersonalSign(v.key, hash.Bytes())
	if err != nil {
		return nil, err
	}
	return v.wrap(sig), nil
}

func (v *SessionValidator) DummySignature() []byte {
	dummy, _ := aa.NewK1Validator(common.Address{}, v.key).SignUserOpHash(context.Background(), common.Hash{})
	return v.wrap(dummy)
}

func (v *SessionValidator) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	sig, err := aa.PersonalSign(v.key, message)
	if err != nil {
		return nil, err
	}
	return v.wrap(sig), nil
}

func (v *SessionValidator) wrap(sig []byte) []byte {
	out := make([]byte, 0, 1+32+len(sig))
	out = append(out, sessionModeUse)
	out = append(out, v.permissionID.Bytes()...)
	return append(out, sig...)
}

var _ aa.Validator = (*SessionValidator)(nil)
