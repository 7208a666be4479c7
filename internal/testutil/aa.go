package testutil

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// FakeOp is a user operation submitted through a FakeClient.
type FakeOp struct {
	Hash      common.Hash
	Calls     []types.Call
	Validator common.Address
	Install   *common.Address
	Uninstall *common.Address
	InitData  []byte
}

// FakeAccount is the chain state behind every FakeClient built for one
// account on one network. Tests mutate the exported fields directly; hold Mu
// when clients may run concurrently.
type FakeAccount struct {
	Mu sync.Mutex

	Address    common.Address
	Deployed   bool
	Validators []common.Address

	// QueryErr fails IsDeployed and GetInstalledValidators.
	QueryErr error
	// SendErr fails SendUserOperation.
	SendErr error
	// ReceiptErr fails WaitForReceipt.
	ReceiptErr error
	// RevertNext makes the next operation revert on chain.
	RevertNext bool

	Ops      []FakeOp
	Queries  int
	Closed   int
	receipts map[common.Hash]*types.Receipt
	signed   map[string]bool
}

// NewFakeAccount returns an undeployed account at address.
func NewFakeAccount(address common.Address) *FakeAccount {
	return &FakeAccount{
		Address:  address,
		receipts: make(map[common.Hash]*types.Receipt),
		signed:   make(map[string]bool),
	}
}

// Install marks module as installed without an operation.
func (a *FakeAccount) Install(modules ...common.Address) {
	a.Mu.Lock()
	defer a.Mu.Unlock()
	a.Deployed = true
	a.Validators = append(a.Validators, modules...)
}

// Snapshot returns a copy of the submitted operations.
func (a *FakeAccount) Snapshot() []FakeOp {
	a.Mu.Lock()
	defer a.Mu.Unlock()
	return append([]FakeOp(nil), a.Ops...)
}

// FakeClient is an in-memory aa.Client.
type FakeClient struct {
	account   *FakeAccount
	network   types.Network
	validator aa.Validator
	owned     bool
}

// NewFakeClient returns a client for account that routes through validator.
func NewFakeClient(account *FakeAccount, network types.Network, validator aa.Validator) *FakeClient {
	return &FakeClient{account: account, network: network, validator: validator, owned: true}
}

// Account returns the shared chain state.
func (c *FakeClient) Account() *FakeAccount { return c.account }

func (c *FakeClient) ChainID() int64 { return c.network.ChainID }

func (c *FakeClient) Network() types.Network { return c.network }

func (c *FakeClient) Address() common.Address { return c.account.Address }

func (c *FakeClient) Validator() aa.Validator { return c.validator }

func (c *FakeClient) Extend(v aa.Validator) aa.Client {
	return &FakeClient{account: c.account, network: c.network, validator: v}
}

func (c *FakeClient) Close() {
	if !c.owned {
		return
	}
	c.account.Mu.Lock()
	defer c.account.Mu.Unlock()
	c.account.Closed++
}

func (c *FakeClient) IsDeployed(ctx context.Context) (bool, error) {
	c.account.Mu.Lock()
	defer c.account.Mu.Unlock()
	c.account.Queries++
	if c.account.QueryErr != nil {
		return false, c.account.QueryErr
	}
	return c.account.Deployed, nil
}

func (c *FakeClient) GetInstalledValidators(ctx context.Context) ([]common.Address, error) {
	c.account.Mu.Lock()
	defer c.account.Mu.Unlock()
	c.account.Queries++
	if c.account.QueryErr != nil {
		return nil, c.account.QueryErr
	}
	if !c.account.Deployed {
		return nil, errors.New("execution reverted")
	}
	return append([]common.Address(nil), c.account.Validators...), nil
}

func (c *FakeClient) SendUserOperation(ctx context.Context, calls []types.Call) (common.Hash, error) {
	if len(calls) == 0 {
		return common.Hash{}, errors.New("at least one call is required")
	}
	return c.submit(FakeOp{Calls: calls})
}

func (c *FakeClient) InstallModule(ctx context.Context, typeID uint64, module common.Address, initData []byte) (common.Hash, error) {
	return c.submit(FakeOp{Install: &module, InitData: initData})
}

func (c *FakeClient) UninstallModule(ctx context.Context, typeID uint64, module common.Address, deInitData []byte) (common.Hash, error) {
	c.account.Mu.Lock()
	installed := containsAddress(c.account.Validators, module)
	c.account.Mu.Unlock()
	if !installed {
		return common.Hash{}, fmt.Errorf("validator %s is not installed", module.Hex())
	}
	return c.submit(FakeOp{Uninstall: &module, InitData: deInitData})
}

func (c *FakeClient) submit(op FakeOp) (common.Hash, error) {
	if _, err := c.validator.SignUserOpHash(context.Background(), common.Hash{}); err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign user operation: %w", err)
	}

	a := c.account
	a.Mu.Lock()
	defer a.Mu.Unlock()

	if a.SendErr != nil {
		return common.Hash{}, a.SendErr
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(len(a.Ops)+1))
	op.Hash = crypto.Keccak256Hash(a.Address.Bytes(), big.NewInt(c.network.ChainID).Bytes(), seq[:])
	op.Validator = c.validator.Address()
	a.Ops = append(a.Ops, op)

	success := !a.RevertNext
	a.RevertNext = false
	if success {
		if !a.Deployed {
			a.Deployed = true
			a.Validators = append([]common.Address{aa.DefaultK1Validator}, a.Validators...)
		}
		switch {
		case op.Install != nil:
			a.Validators = append(a.Validators, *op.Install)
		case op.Uninstall != nil:
			a.Validators = removeAddress(a.Validators, *op.Uninstall)
		}
	}

	a.receipts[op.Hash] = &types.Receipt{
		UserOpHash:      op.Hash.Hex(),
		TransactionHash: crypto.Keccak256Hash(op.Hash.Bytes()).Hex(),
		BlockNumber:     uint64(len(a.Ops)),
		Sender:          a.Address.Hex(),
		Success:         success,
	}
	return op.Hash, nil
}

func (c *FakeClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.account.Mu.Lock()
	defer c.account.Mu.Unlock()
	if c.account.ReceiptErr != nil {
		return nil, c.account.ReceiptErr
	}
	r, ok := c.account.receipts[hash]
	if !ok {
		return nil, aa.ErrReceiptTimeout
	}
	out := *r
	return &out, nil
}

func (c *FakeClient) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	sig, err := c.validator.SignMessage(ctx, message)
	if err != nil {
		return nil, err
	}
	full := append(c.validator.Address().Bytes(), sig...)

	c.account.Mu.Lock()
	defer c.account.Mu.Unlock()
	c.account.signed[signedKey(message, full)] = true
	return full, nil
}

func (c *FakeClient) VerifyMessage(ctx context.Context, message, signature []byte) (bool, error) {
	c.account.Mu.Lock()
	defer c.account.Mu.Unlock()
	if c.account.QueryErr != nil {
		return false, c.account.QueryErr
	}
	if !c.account.Deployed {
		return false, aa.ErrNotDeployed
	}
	return c.account.signed[signedKey(message, signature)], nil
}

func signedKey(message, signature []byte) string {
	return common.Bytes2Hex(message) + ":" + common.Bytes2Hex(signature)
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func removeAddress(list []common.Address, addr common.Address) []common.Address {
	out := list[:0]
	for _, a := range list {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

// FakeFactory builds FakeClients. Accounts persist across builds so state
// survives logout and login.
type FakeFactory struct {
	mu sync.Mutex

	// Fail makes Build return the error for a chain.
	Fail map[int64]error

	Builds   int
	accounts map[int64]*FakeAccount
}

// NewFakeFactory returns a factory with no failures.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{
		Fail:     make(map[int64]error),
		accounts: make(map[int64]*FakeAccount),
	}
}

// Build derives the account address from the owner, the same on every chain.
func (f *FakeFactory) Build(ctx context.Context, owner *ecdsa.PrivateKey, network types.Network) (aa.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Builds++
	if err := f.Fail[network.ChainID]; err != nil {
		return nil, err
	}

	ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)
	address := common.BytesToAddress(crypto.Keccak256(ownerAddr.Bytes())[12:])

	account, ok := f.accounts[network.ChainID]
	if !ok || account.Address != address {
		account = NewFakeAccount(address)
		f.accounts[network.ChainID] = account
	}
	return NewFakeClient(account, network, aa.NewK1Validator(aa.DefaultK1Validator, owner)), nil
}

// Account returns the chain state for chainID, or nil before the first build.
func (f *FakeFactory) Account(chainID int64) *FakeAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[chainID]
}

// SetFailure sets or clears the build error for chainID.
func (f *FakeFactory) SetFailure(chainID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, chainID)
		return
	}
	f.Fail[chainID] = err
}

// BuildCount returns the number of Build calls.
func (f *FakeFactory) BuildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Builds
}

// TestNetworks are two networks with placeholder endpoints.
var TestNetworks = []types.Network{
	{ChainID: 84532, Name: "Base Sepolia", RPCURL: "http://127.0.0.1:0", BundlerURL: "http://127.0.0.1:0"},
	{ChainID: 11155111, Name: "Ethereum Sepolia", RPCURL: "http://127.0.0.1:0", BundlerURL: "http://127.0.0.1:0"},
}

var (
	_ aa.Client  = (*FakeClient)(nil)
	_ aa.Factory = (*FakeFactory)(nil)
)
