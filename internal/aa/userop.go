package aa

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is an ERC-4337 v0.7 user operation in its unpacked form.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	Factory              *common.Address
	FactoryData          []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	Signature []byte
}

var (
	bytes32Type = mustType("bytes32", nil)
	uint256Type = mustType("uint256", nil)

	packedUserOpArgs = abi.Arguments{
		{Type: addressType}, // sender
		{Type: uint256Type}, // nonce
		{Type: bytes32Type}, // keccak(initCode)
		{Type: bytes32Type}, // keccak(callData)
		{Type: bytes32Type}, // accountGasLimits
		{Type: uint256Type}, // preVerificationGas
		{Type: bytes32Type}, // gasFees
		{Type: bytes32Type}, // keccak(paymasterAndData)
	}

	userOpHashArgs = abi.Arguments{
		{Type: bytes32Type},
		{Type: addressType},
		{Type: uint256Type},
	}
)

// InitCode is factory || factoryData, empty for deployed accounts.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

// PaymasterAndData is paymaster || verificationGas(16) || postOpGas(16) || data.
func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == nil {
		return nil
	}
	out := append([]byte(nil), op.Paymaster.Bytes()...)
	out = append(out, uint128(op.PaymasterVerificationGasLimit)...)
	out = append(out, uint128(op.PaymasterPostOpGasLimit)...)
	return append(out, op.PaymasterData...)
}

// Hash computes the EntryPoint v0.7 user operation hash.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	var accountGasLimits, gasFees [32]byte
	copy(accountGasLimits[:16], uint128(op.VerificationGasLimit))
	copy(accountGasLimits[16:], uint128(op.CallGasLimit))
	copy(gasFees[:16], uint128(op.MaxPriorityFeePerGas))
	copy(gasFees[16:], uint128(op.MaxFeePerGas))

	packed, err := packedUserOpArgs.Pack(
		op.Sender,
		valueOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		accountGasLimits,
		valueOrZero(op.PreVerificationGas),
		gasFees,
		crypto.Keccak256Hash(op.PaymasterAndData()),
	)
	if err != nil {
		return common.Hash{}, err
	}

	outer, err := userOpHashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(outer), nil
}

func uint128(v *big.Int) []byte {
	return common.LeftPadBytes(valueOrZero(v).Bytes(), 16)
}

// rpcUserOperation is the bundler JSON form.
type rpcUserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func (op *UserOperation) toRPC() *rpcUserOperation {
	out := &rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		Factory:              op.Factory,
		FactoryData:          op.FactoryData,
		CallData:             op.CallData,
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		Signature:            op.Signature,
	}
	if op.Paymaster != nil {
		out.Paymaster = op.Paymaster
		out.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
		out.PaymasterData = op.PaymasterData
	}
	if out.CallData == nil {
		out.CallData = hexutil.Bytes{}
	}
	if out.Signature == nil {
		out.Signature = hexutil.Bytes{}
	}
	return out
}

func hexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(valueOrZero(v))
}

// NonceKey builds the Nexus nonce key selecting validator for validation:
// 3 zero bytes, the validation mode byte and the 20-byte validator address.
func NonceKey(validator common.Address) *big.Int {
	var key [24]byte
	copy(key[4:], validator.Bytes())
	return new(big.Int).SetBytes(key[:])
}
