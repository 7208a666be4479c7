package aa

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/session-wallet/pkg/types"
)

// Canonical deployments shared by every supported network. Networks may
// override the factory and K1 validator.
var (
	EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

	DefaultK1Validator        = common.HexToAddress("0x0000002D6DB27c52E3C11c1Cf24072004AC75cBa")
	DefaultK1ValidatorFactory = common.HexToAddress("0x2828A0E0f36d8d8BeAE95F00E2BbF235e4230fAc")

	// DefaultAttesters is the module registry attester set passed to the factory.
	DefaultAttesters = []common.Address{
		common.HexToAddress("0x000000333034E9f539ce08819E12c1b8Cb29084d"),
		common.HexToAddress("0xDE8FD2dBcC0CA847d11599AF5964fe2AEa153699"),
	}
	DefaultAttesterThreshold uint8 = 1

	// SentinelAddress heads the validator linked list on a Nexus account.
	SentinelAddress = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

// ERC1271MagicValue is returned by isValidSignature for a valid signature.
var ERC1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

const nexusABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"mode","type":"bytes32"},{"name":"executionCalldata","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"installModule","stateMutability":"payable","inputs":[{"name":"moduleTypeId","type":"uint256"},{"name":"module","type":"address"},{"name":"initData","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"uninstallModule","stateMutability":"payable","inputs":[{"name":"moduleTypeId","type":"uint256"},{"name":"module","type":"address"},{"name":"deInitData","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"isModuleInstalled","stateMutability":"view","inputs":[{"name":"moduleTypeId","type":"uint256"},{"name":"module","type":"address"},{"name":"additionalContext","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getValidatorsPaginated","stateMutability":"view","inputs":[{"name":"cursor","type":"address"},{"name":"size","type":"uint256"}],"outputs":[{"name":"array","type":"address[]"},{"name":"next","type":"address"}]},
	{"type":"function","name":"isValidSignature","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"","type":"bytes4"}]}
]`

const entryPointABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

const factoryABIJSON = `[
	{"type":"function","name":"createAccount","stateMutability":"payable","inputs":[{"name":"eoaOwner","type":"address"},{"name":"index","type":"uint256"},{"name":"attesters","type":"address[]"},{"name":"threshold","type":"uint8"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"computeAccountAddress","stateMutability":"view","inputs":[{"name":"eoaOwner","type":"address"},{"name":"index","type":"uint256"},{"name":"attesters","type":"address[]"},{"name":"threshold","type":"uint8"}],"outputs":[{"name":"","type":"address"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	NexusABI      = mustParseABI(nexusABIJSON)
	EntryPointABI = mustParseABI(entryPointABIJSON)
	FactoryABI    = mustParseABI(factoryABIJSON)
	ERC20ABI      = mustParseABI(erc20ABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// ERC-7579 execution mode call types.
const (
	callTypeSingle byte = 0x00
	callTypeBatch  byte = 0x01
)

var executionTupleType = mustType("tuple[]", []abi.ArgumentMarshaling{
	{Name: "target", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "callData", Type: "bytes"},
})

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("invalid ABI type %s: %v", t, err))
	}
	return typ
}

type execution struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// EncodeExecute builds the account's execute calldata for one or more calls.
func EncodeExecute(calls []types.Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("at least one call is required")
	}

	var mode [32]byte
	if len(calls) == 1 {
		call := calls[0]
		if !common.IsHexAddress(call.To) {
			return nil, fmt.Errorf("invalid call target %q", call.To)
		}
		mode[0] = callTypeSingle

		// single executions are abi.encodePacked(target, value, data).
		packed := make([]byte, 0, 20+32+len(call.Data))
		packed = append(packed, common.HexToAddress(call.To).Bytes()...)
		packed = append(packed, common.LeftPadBytes(valueOrZero(call.Value).Bytes(), 32)...)
		packed = append(packed, call.Data...)
		return NexusABI.Pack("execute", mode, packed)
	}

	mode[0] = callTypeBatch
	executions := make([]execution, len(calls))
	for i, call := range calls {
		if !common.IsHexAddress(call.To) {
			return nil, fmt.Errorf("invalid call target %q at index %d", call.To, i)
		}
		executions[i] = execution{
			Target:   common.HexToAddress(call.To),
			Value:    valueOrZero(call.Value),
			CallData: call.Data,
		}
	}
	encoded, err := abi.Arguments{{Type: executionTupleType}}.Pack(executions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return NexusABI.Pack("execute", mode, encoded)
}

// EncodeERC20Transfer builds transfer(to, amount) calldata.
func EncodeERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("transfer", to, amount)
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

var (
	addressType = mustType("address", nil)
	bytesType   = mustType("bytes", nil)
)

// encodeUninstallValidator wraps de-init data with the linked-list predecessor
// Nexus needs to unlink a validator.
func encodeUninstallValidator(prev common.Address, deInitData []byte) ([]byte, error) {
	return abi.Arguments{{Type: addressType}, {Type: bytesType}}.Pack(prev, deInitData)
}
