package aa

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/session-wallet/pkg/types"
)

// fakeNode simulates one Nexus account behind a node, a bundler and a
// paymaster. Bundler and paymaster are served by an in-process JSON-RPC server.
type fakeNode struct {
	mu sync.Mutex

	chainID    int64
	account    common.Address
	owner      common.Address
	k1         common.Address
	deployed   bool
	validators []common.Address
	nonce      int64

	sent         []*rpcUserOperation
	receipts     map[common.Hash]*rpcReceipt
	pendingPolls int
	revertNext   bool
	closed       int
	pmCalls      []string
}

func newFakeNode(chainID int64, owner common.Address) *fakeNode {
	return &fakeNode{
		chainID:  chainID,
		account:  common.HexToAddress("0x00000000000000000000000000000000000A11CE"),
		owner:    owner,
		k1:       DefaultK1Validator,
		receipts: make(map[common.Hash]*rpcReceipt),
	}
}

// ChainReader

func (n *fakeNode) ChainID() int64 { return n.chainID }

func (n *fakeNode) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if address == n.account && n.deployed {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

func (n *fakeNode) GasFees(ctx context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(3_000_000_000), big.NewInt(1_000_000_000), nil
}

func (n *fakeNode) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed++
}

func (n *fakeNode) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(data) < 4 {
		return nil, errors.New("short calldata")
	}
	method, err := methodByID(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "getNonce":
		return method.Outputs.Pack(big.NewInt(n.nonce))
	case "computeAccountAddress":
		return method.Outputs.Pack(n.account)
	case "getValidatorsPaginated":
		if !n.deployed {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(append([]common.Address{}, n.validators...), SentinelAddress)
	case "isValidSignature":
		hash := args[0].([32]byte)
		sig := args[1].([]byte)
		result := [4]byte{0xff, 0xff, 0xff, 0xff}
		if len(sig) == 85 && common.BytesToAddress(sig[:20]) == n.k1 {
			s := append([]byte(nil), sig[20:]...)
			s[64] -= 27
			if pub, err := crypto.SigToPub(hash[:], s); err == nil && crypto.PubkeyToAddress(*pub) == n.owner {
				result = ERC1271MagicValue
			}
		}
		return method.Outputs.Pack(result)
	default:
		return nil, fmt.Errorf("unexpected call %s", method.Name)
	}
}

func methodByID(id []byte) (*abi.Method, error) {
	for _, parsed := range []abi.ABI{NexusABI, EntryPointABI, FactoryABI, ERC20ABI} {
		if m, err := parsed.MethodById(id); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", id)
}

// bundler namespace "eth"

type bundlerAPI struct{ n *fakeNode }

func (b *bundlerAPI) EstimateUserOperationGas(op rpcUserOperation, entryPoint common.Address) (*gasEstimate, error) {
	return &gasEstimate{
		PreVerificationGas:            (*hexutil.Big)(big.NewInt(50_000)),
		VerificationGasLimit:          (*hexutil.Big)(big.NewInt(150_000)),
		CallGasLimit:                  (*hexutil.Big)(big.NewInt(80_000)),
		PaymasterVerificationGasLimit: (*hexutil.Big)(big.NewInt(40_000)),
		PaymasterPostOpGasLimit:       (*hexutil.Big)(big.NewInt(10_000)),
	}, nil
}

func (b *bundlerAPI) SendUserOperation(op rpcUserOperation, entryPoint common.Address) (common.Hash, error) {
	n := b.n
	n.mu.Lock()
	defer n.mu.Unlock()

	unpacked := fromRPC(&op)
	hash, err := unpacked.Hash(entryPoint, big.NewInt(n.chainID))
	if err != nil {
		return common.Hash{}, err
	}
	signer, err := RecoverPersonal(hash.Bytes(), op.Signature)
	if err != nil || signer != n.owner {
		return common.Hash{}, errors.New("AA24 signature error")
	}

	n.sent = append(n.sent, &op)
	success := !n.revertNext
	n.revertNext = false

	if success {
		if op.Factory != nil {
			n.deployed = true
			n.validators = []common.Address{n.k1}
		}
		n.apply(op.CallData)
		n.nonce++
	}

	n.receipts[hash] = &rpcReceipt{
		UserOpHash:    hash,
		Sender:        op.Sender,
		Success:       success,
		ActualGasCost: (*hexutil.Big)(big.NewInt(21_000)),
	}
	n.receipts[hash].Receipt.TransactionHash = crypto.Keccak256Hash(hash.Bytes())
	n.receipts[hash].Receipt.BlockNumber = (*hexutil.Big)(big.NewInt(100))
	return hash, nil
}

func (b *bundlerAPI) GetUserOperationReceipt(hash common.Hash) (*rpcReceipt, error) {
	n := b.n
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pendingPolls > 0 {
		n.pendingPolls--
		return nil, nil
	}
	return n.receipts[hash], nil
}

// apply executes the effect of a single-call execute on the account
func (n *fakeNode) apply(callData []byte) {
	args, err := NexusABI.Methods["execute"].Inputs.Unpack(callData[4:])
	if err != nil {
		return
	}
	mode := args[0].([32]byte)
	exec := args[1].([]byte)
	if mode[0] != callTypeSingle || len(exec) < 52 {
		return
	}
	target := common.BytesToAddress(exec[:20])
	inner := exec[52:]
	if target != n.account || len(inner) < 4 {
		return
	}

	method, err := NexusABI.MethodById(inner[:4])
	if err != nil {
		return
	}
	in, err := method.Inputs.Unpack(inner[4:])
	if err != nil {
		return
	}
	module := in[1].(common.Address)

	switch method.Name {
	case "installModule":
		n.validators = append(n.validators, module)
	case "uninstallModule":
		dec, err := abi.Arguments{{Type: addressType}, {Type: bytesType}}.Unpack(in[2].([]byte))
		if err != nil {
			return
		}
		prev := dec[0].(common.Address)
		for i, v := range n.validators {
			if v == module {
				expected := SentinelAddress
				if i > 0 {
					expected = n.validators[i-1]
				}
				if prev != expected {
					return
				}
				n.validators = append(n.validators[:i], n.validators[i+1:]...)
				return
			}
		}
	}
}

func fromRPC(op *rpcUserOperation) *UserOperation {
	out := &UserOperation{
		Sender:               op.Sender,
		Nonce:                op.Nonce.ToInt(),
		Factory:              op.Factory,
		FactoryData:          op.FactoryData,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit.ToInt(),
		VerificationGasLimit: op.VerificationGasLimit.ToInt(),
		PreVerificationGas:   op.PreVerificationGas.ToInt(),
		MaxFeePerGas:         op.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas.ToInt(),
		Paymaster:            op.Paymaster,
		PaymasterData:        op.PaymasterData,
		Signature:            op.Signature,
	}
	if op.PaymasterVerificationGasLimit != nil {
		out.PaymasterVerificationGasLimit = op.PaymasterVerificationGasLimit.ToInt()
	}
	if op.PaymasterPostOpGasLimit != nil {
		out.PaymasterPostOpGasLimit = op.PaymasterPostOpGasLimit.ToInt()
	}
	return out
}

// paymaster namespace "pm"

type paymasterAPI struct{ n *fakeNode }

var testPaymaster = common.HexToAddress("0x00000000000000000000000000000000000BEEF0")

func (p *paymasterAPI) GetPaymasterStubData(op rpcUserOperation, entryPoint common.Address, chainID string, ctx map[string]any) (*paymasterResult, error) {
	p.record("stub")
	return &paymasterResult{
		Paymaster:                     &testPaymaster,
		PaymasterData:                 hexutil.Bytes{0x00},
		PaymasterVerificationGasLimit: (*hexutil.Big)(big.NewInt(30_000)),
		PaymasterPostOpGasLimit:       (*hexutil.Big)(big.NewInt(5_000)),
	}, nil
}

func (p *paymasterAPI) GetPaymasterData(op rpcUserOperation, entryPoint common.Address, chainID string, ctx map[string]any) (*paymasterResult, error) {
	p.record("final")
	return &paymasterResult{
		Paymaster:     &testPaymaster,
		PaymasterData: hexutil.Bytes{0xca, 0xfe},
	}, nil
}

func (p *paymasterAPI) record(call string) {
	p.n.mu.Lock()
	defer p.n.mu.Unlock()
	p.n.pmCalls = append(p.n.pmCalls, call)
}

type testAccount struct {
	node   *fakeNode
	owner  *ecdsa.PrivateKey
	client *NexusClient
}

func newTestAccount(t *testing.T, withPaymaster bool) *testAccount {
	t.Helper()

	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := newFakeNode(84532, crypto.PubkeyToAddress(owner.PublicKey))

	bundlerServer := rpc.NewServer()
	require.NoError(t, bundlerServer.RegisterName("eth", &bundlerAPI{n: node}))
	t.Cleanup(bundlerServer.Stop)

	var paymaster RPCCaller
	if withPaymaster {
		pmServer := rpc.NewServer()
		require.NoError(t, pmServer.RegisterName("pm", &paymasterAPI{n: node}))
		t.Cleanup(pmServer.Stop)
		paymaster = rpc.DialInProc(pmServer)
	}

	client, err := NewAccount(context.Background(), AccountParams{
		Network:        types.Network{ChainID: 84532, Name: "Base Sepolia"},
		Chain:          node,
		Bundler:        rpc.DialInProc(bundlerServer),
		Paymaster:      paymaster,
		Owner:          owner,
		PollInterval:   5 * time.Millisecond,
		ReceiptTimeout: time.Second,
	})
	require.NoError(t, err)

	return &testAccount{node: node, owner: owner, client: client}
}

func (a *testAccount) sentOps() []*rpcUserOperation {
	a.node.mu.Lock()
	defer a.node.mu.Unlock()
	return append([]*rpcUserOperation(nil), a.node.sent...)
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if bytes.Equal(a.Bytes(), addr.Bytes()) {
			return true
		}
	}
	return false
}
