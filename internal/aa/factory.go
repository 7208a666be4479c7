package aa

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/better-wallet/session-wallet/internal/eth"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// Factory builds a client for one network from the owner key.
type Factory interface {
	Build(ctx context.Context, owner *ecdsa.PrivateKey, network types.Network) (Client, error)
}

// NexusFactory dials the network's node, bundler and paymaster and derives
// the counterfactual account address.
type NexusFactory struct {
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

func (f *NexusFactory) Build(ctx context.Context, owner *ecdsa.PrivateKey, network types.Network) (Client, error) {
	chain, err := eth.NewClient(ctx, network.RPCURL, network.ChainID)
	if err != nil {
		return nil, err
	}

	bundler, err := rpc.DialContext(ctx, network.BundlerURL)
	if err != nil {
		chain.Close()
		return nil, fmt.Errorf("failed to dial bundler: %w", err)
	}

	var paymaster RPCCaller
	if network.PaymasterURL != "" {
		pm, err := rpc.DialContext(ctx, network.PaymasterURL)
		if err != nil {
			chain.Close()
			bundler.Close()
			return nil, fmt.Errorf("failed to dial paymaster: %w", err)
		}
		paymaster = pm
	}

	client, err := NewAccount(ctx, AccountParams{
		Network:        network,
		Chain:          chain,
		Bundler:        bundler,
		Paymaster:      paymaster,
		Owner:          owner,
		PollInterval:   f.PollInterval,
		ReceiptTimeout: f.ReceiptTimeout,
	})
	if err != nil {
		chain.Close()
		bundler.Close()
		if paymaster != nil {
			paymaster.Close()
		}
		return nil, err
	}
	return client, nil
}

// AccountParams are the inputs to NewAccount.
type AccountParams struct {
	Network   types.Network
	Chain     ChainReader
	Bundler   RPCCaller
	Paymaster RPCCaller
	Owner     *ecdsa.PrivateKey

	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

// NewAccount resolves the account address through the K1 validator factory
// and returns a client routed through the K1 validator.
func NewAccount(ctx context.Context, p AccountParams) (*NexusClient, error) {
	factory := addressOr(p.Network.Factory, DefaultK1ValidatorFactory)
	k1 := addressOr(p.Network.K1Validator, DefaultK1Validator)
	entryPoint := addressOr(p.Network.EntryPoint, EntryPointV07)
	ownerAddr := crypto.PubkeyToAddress(p.Owner.PublicKey)
	index := new(big.Int).SetUint64(p.Network.AccountIndex)

	factoryData, err := FactoryABI.Pack("createAccount", ownerAddr, index, DefaultAttesters, DefaultAttesterThreshold)
	if err != nil {
		return nil, err
	}

	query, err := FactoryABI.Pack("computeAccountAddress", ownerAddr, index, DefaultAttesters, DefaultAttesterThreshold)
	if err != nil {
		return nil, err
	}
	out, err := p.Chain.Call(ctx, factory, query)
	if err != nil {
		return nil, fmt.Errorf("failed to compute account address: %w", err)
	}
	values, err := FactoryABI.Unpack("computeAccountAddress", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode account address: %w", err)
	}
	address := values[0].(common.Address)
	if address == (common.Address{}) {
		return nil, fmt.Errorf("factory %s returned the zero address", factory.Hex())
	}

	return NewNexusClient(NexusConfig{
		Network:        p.Network,
		Chain:          p.Chain,
		Bundler:        p.Bundler,
		Paymaster:      p.Paymaster,
		EntryPoint:     entryPoint,
		Factory:        factory,
		FactoryData:    factoryData,
		Address:        address,
		Validator:      NewK1Validator(k1, p.Owner),
		PollInterval:   p.PollInterval,
		ReceiptTimeout: p.ReceiptTimeout,
	}), nil
}

func addressOr(s string, fallback common.Address) common.Address {
	if common.IsHexAddress(s) {
		return common.HexToAddress(s)
	}
	return fallback
}

var _ Factory = (*NexusFactory)(nil)
