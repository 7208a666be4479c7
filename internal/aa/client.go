// Package aa is the account-abstraction client for ERC-7579 Nexus smart
// accounts on an ERC-4337 v0.7 EntryPoint.
package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/better-wallet/session-wallet/pkg/types"
)

// Client is the per-network smart account client.
type Client interface {
	ChainID() int64
	Network() types.Network
	Address() common.Address

	IsDeployed(ctx context.Context) (bool, error)

	// SendUserOperation submits calls and returns the user operation hash
	SendUserOperation(ctx context.Context, calls []types.Call) (common.Hash, error)

	// WaitForReceipt blocks until the operation is included, the receipt
	// timeout elapses or ctx is done
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	GetInstalledValidators(ctx context.Context) ([]common.Address, error)
	InstallModule(ctx context.Context, typeID uint64, module common.Address, initData []byte) (common.Hash, error)
	UninstallModule(ctx context.Context, typeID uint64, module common.Address, deInitData []byte) (common.Hash, error)

	SignMessage(ctx context.Context, message []byte) ([]byte, error)
	VerifyMessage(ctx context.Context, message, signature []byte) (bool, error)

	// Validator returns the validator operations are routed through
	Validator() Validator

	// Extend returns a client for the same account that authorises with v.
	// It shares connections with the receiver.
	Extend(v Validator) Client

	Close()
}

// ChainReader is the node access the client needs.
type ChainReader interface {
	ChainID() int64
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	GasFees(ctx context.Context) (maxFee, maxPriorityFee *big.Int, err error)
	Close()
}

// RPCCaller is a JSON-RPC connection to a bundler or paymaster.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// ErrReceiptTimeout is returned when no receipt appears in time.
var ErrReceiptTimeout = errors.New("timed out waiting for user operation receipt")

// ErrNotDeployed is returned for reads that need account code.
var ErrNotDeployed = errors.New("smart account is not deployed")

// NexusConfig wires a NexusClient.
type NexusConfig struct {
	Network   types.Network
	Chain     ChainReader
	Bundler   RPCCaller
	Paymaster RPCCaller

	EntryPoint  common.Address
	Factory     common.Address
	FactoryData []byte
	Address     common.Address
	Validator   Validator

	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

// NexusClient implements Client.
type NexusClient struct {
	cfg   NexusConfig
	owned bool
}

// NewNexusClient creates a client that owns its connections.
func NewNexusClient(cfg NexusConfig) *NexusClient {
	if cfg.EntryPoint == (common.Address{}) {
		cfg.EntryPoint = EntryPointV07
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	return &NexusClient{cfg: cfg, owned: true}
}

func (c *NexusClient) ChainID() int64 { return c.cfg.Network.ChainID }

func (c *NexusClient) Network() types.Network { return c.cfg.Network }

func (c *NexusClient) Address() common.Address { return c.cfg.Address }

func (c *NexusClient) Validator() Validator { return c.cfg.Validator }

func (c *NexusClient) Extend(v Validator) Client {
	cfg := c.cfg
	cfg.Validator = v
	return &NexusClient{cfg: cfg, owned: false}
}

// Close releases connections. Extended clients leave them to their parent.
func (c *NexusClient) Close() {
	if !c.owned {
		return
	}
	c.cfg.Chain.Close()
	c.cfg.Bundler.Close()
	if c.cfg.Paymaster != nil {
		c.cfg.Paymaster.Close()
	}
}

func (c *NexusClient) IsDeployed(ctx context.Context) (bool, error) {
	code, err := c.cfg.Chain.CodeAt(ctx, c.cfg.Address)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

func (c *NexusClient) SendUserOperation(ctx context.Context, calls []types.Call) (common.Hash, error) {
	callData, err := EncodeExecute(calls)
	if err != nil {
		return common.Hash{}, err
	}

	op, err := c.prepare(ctx, callData)
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := op.Hash(c.cfg.EntryPoint, big.NewInt(c.cfg.Network.ChainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash user operation: %w", err)
	}

	sig, err := c.cfg.Validator.SignUserOpHash(ctx, hash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign user operation: %w", err)
	}
	op.Signature = sig

	var submitted common.Hash
	if err := c.cfg.Bundler.CallContext(ctx, &submitted, "eth_sendUserOperation", op.toRPC(), c.cfg.EntryPoint); err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendUserOperation failed: %w", err)
	}
	return submitted, nil
}

// prepare fills nonce, init code, fees, gas limits and paymaster fields.
func (c *NexusClient) prepare(ctx context.Context, callData []byte) (*UserOperation, error) {
	op := &UserOperation{
		Sender:    c.cfg.Address,
		CallData:  callData,
		Signature: c.cfg.Validator.DummySignature(),
	}

	deployed, err := c.IsDeployed(ctx)
	if err != nil {
		return nil, err
	}
	if !deployed {
		factory := c.cfg.Factory
		op.Factory = &factory
		op.FactoryData = c.cfg.FactoryData
	}

	if op.Nonce, err = c.nonce(ctx); err != nil {
		return nil, err
	}

	if op.MaxFeePerGas, op.MaxPriorityFeePerGas, err = c.cfg.Chain.GasFees(ctx); err != nil {
		return nil, err
	}

	if c.cfg.Paymaster != nil {
		var stub paymasterResult
		if err := c.cfg.Paymaster.CallContext(ctx, &stub, "pm_getPaymasterStubData",
			op.toRPC(), c.cfg.EntryPoint, chainIDHex(c.cfg.Network.ChainID), map[string]any{}); err != nil {
			return nil, fmt.Errorf("pm_getPaymasterStubData failed: %w", err)
		}
		stub.apply(op)
	}

	var est gasEstimate
	if err := c.cfg.Bundler.CallContext(ctx, &est, "eth_estimateUserOperationGas", op.toRPC(), c.cfg.EntryPoint); err != nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas failed: %w", err)
	}
	est.apply(op)

	if c.cfg.Paymaster != nil {
		var final paymasterResult
		if err := c.cfg.Paymaster.CallContext(ctx, &final, "pm_getPaymasterData",
			op.toRPC(), c.cfg.EntryPoint, chainIDHex(c.cfg.Network.ChainID), map[string]any{}); err != nil {
			return nil, fmt.Errorf("pm_getPaymasterData failed: %w", err)
		}
		final.apply(op)
	}

	return op, nil
}

func (c *NexusClient) nonce(ctx context.Context) (*big.Int, error) {
	data, err := EntryPointABI.Pack("getNonce", c.cfg.Address, NonceKey(c.cfg.Validator.Address()))
	if err != nil {
		return nil, err
	}
	out, err := c.cfg.Chain.Call(ctx, c.cfg.EntryPoint, data)
	if err != nil {
		return nil, err
	}
	values, err := EntryPointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}
	return values[0].(*big.Int), nil
}

func (c *NexusClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var r *rpcReceipt
		if err := c.cfg.Bundler.CallContext(ctx, &r, "eth_getUserOperationReceipt", hash); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrReceiptTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("eth_getUserOperationReceipt failed: %w", err)
		}
		if r != nil {
			return r.toReceipt(), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrReceiptTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetInstalledValidators pages through the validator linked list.
func (c *NexusClient) GetInstalledValidators(ctx context.Context) ([]common.Address, error) {
	const pageSize = 100

	var all []common.Address
	cursor := SentinelAddress
	for {
		data, err := NexusABI.Pack("getValidatorsPaginated", cursor, big.NewInt(pageSize))
		if err != nil {
			return nil, err
		}
		out, err := c.cfg.Chain.Call(ctx, c.cfg.Address, data)
		if err != nil {
			return nil, err
		}
		values, err := NexusABI.Unpack("getValidatorsPaginated", out)
		if err != nil {
			return nil, fmt.Errorf("failed to decode validators: %w", err)
		}

		page := values[0].([]common.Address)
		next := values[1].(common.Address)
		all = append(all, page...)

		if next == SentinelAddress || next == (common.Address{}) || len(page) < pageSize {
			return all, nil
		}
		cursor = next
	}
}

func (c *NexusClient) InstallModule(ctx context.Context, typeID uint64, module common.Address, initData []byte) (common.Hash, error) {
	data, err := NexusABI.Pack("installModule", new(big.Int).SetUint64(typeID), module, orEmpty(initData))
	if err != nil {
		return common.Hash{}, err
	}
	return c.SendUserOperation(ctx, []types.Call{{To: c.cfg.Address.Hex(), Data: data}})
}

func (c *NexusClient) UninstallModule(ctx context.Context, typeID uint64, module common.Address, deInitData []byte) (common.Hash, error) {
	deInit := orEmpty(deInitData)
	if typeID == types.ModuleTypeIDValidator {
		prev, err := c.previousValidator(ctx, module)
		if err != nil {
			return common.Hash{}, err
		}
		if deInit, err = encodeUninstallValidator(prev, deInit); err != nil {
			return common.Hash{}, err
		}
	}

	data, err := NexusABI.Pack("uninstallModule", new(big.Int).SetUint64(typeID), module, deInit)
	if err != nil {
		return common.Hash{}, err
	}
	return c.SendUserOperation(ctx, []types.Call{{To: c.cfg.Address.Hex(), Data: data}})
}

func (c *NexusClient) previousValidator(ctx context.Context, module common.Address) (common.Address, error) {
	validators, err := c.GetInstalledValidators(ctx)
	if err != nil {
		return common.Address{}, err
	}
	prev := SentinelAddress
	for _, v := range validators {
		if v == module {
			return prev, nil
		}
		prev = v
	}
	return common.Address{}, fmt.Errorf("validator %s is not installed", module.Hex())
}

// SignMessage returns validator || signature as Nexus expects for ERC-1271.
func (c *NexusClient) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	sig, err := c.cfg.Validator.SignMessage(ctx, message)
	if err != nil {
		return nil, err
	}
	return append(c.cfg.Validator.Address().Bytes(), sig...), nil
}

// VerifyMessage checks an EIP-191 message signature through isValidSignature.
func (c *NexusClient) VerifyMessage(ctx context.Context, message, signature []byte) (bool, error) {
	deployed, err := c.IsDeployed(ctx)
	if err != nil {
		return false, err
	}
	if !deployed {
		return false, ErrNotDeployed
	}

	data, err := NexusABI.Pack("isValidSignature", common.BytesToHash(accounts.TextHash(message)), signature)
	if err != nil {
		return false, err
	}
	out, err := c.cfg.Chain.Call(ctx, c.cfg.Address, data)
	if err != nil {
		return false, err
	}
	values, err := NexusABI.Unpack("isValidSignature", out)
	if err != nil {
		return false, fmt.Errorf("failed to decode isValidSignature: %w", err)
	}
	return values[0].([4]byte) == ERC1271MagicValue, nil
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func chainIDHex(id int64) string {
	return hexutil.EncodeBig(big.NewInt(id))
}

type gasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit"`
}

func (e *gasEstimate) apply(op *UserOperation) {
	if e.PreVerificationGas != nil {
		op.PreVerificationGas = e.PreVerificationGas.ToInt()
	}
	if e.VerificationGasLimit != nil {
		op.VerificationGasLimit = e.VerificationGasLimit.ToInt()
	}
	if e.CallGasLimit != nil {
		op.CallGasLimit = e.CallGasLimit.ToInt()
	}
	if op.Paymaster != nil {
		if e.PaymasterVerificationGasLimit != nil {
			op.PaymasterVerificationGasLimit = e.PaymasterVerificationGasLimit.ToInt()
		}
		if e.PaymasterPostOpGasLimit != nil {
			op.PaymasterPostOpGasLimit = e.PaymasterPostOpGasLimit.ToInt()
		}
	}
}

type paymasterResult struct {
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit"`
}

func (p *paymasterResult) apply(op *UserOperation) {
	if p.Paymaster == nil {
		return
	}
	op.Paymaster = p.Paymaster
	op.PaymasterData = p.PaymasterData
	if p.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = p.PaymasterVerificationGasLimit.ToInt()
	}
	if p.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = p.PaymasterPostOpGasLimit.ToInt()
	}
}

type rpcReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Receipt       struct {
		TransactionHash common.Hash  `json:"transactionHash"`
		BlockNumber     *hexutil.Big `json:"blockNumber"`
	} `json:"receipt"`
}

func (r *rpcReceipt) toReceipt() *types.Receipt {
	out := &types.Receipt{
		UserOpHash:      r.UserOpHash.Hex(),
		TransactionHash: r.Receipt.TransactionHash.Hex(),
		Sender:          r.Sender.Hex(),
		Success:         r.Success,
		Reason:          r.Reason,
	}
	if r.Receipt.BlockNumber != nil {
		out.BlockNumber = r.Receipt.BlockNumber.ToInt().Uint64()
	}
	if r.ActualGasCost != nil {
		out.ActualGasCost = r.ActualGasCost.ToInt().String()
	}
	if r.ActualGasUsed != nil {
		out.ActualGasUsed = r.ActualGasUsed.ToInt().String()
	}
	return out
}

var _ Client = (*NexusClient)(nil)
