package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client wraps an Ethereum RPC client with the reads the account client needs.
type Client struct {
	client  *ethclient.Client
	chainID *big.Int
}

// NewClient connects to rpcURL and checks the node serves expectedChainID.
func NewClient(ctx context.Context, rpcURL string, expectedChainID int64) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Int64() != expectedChainID {
		client.Close()
		return nil, fmt.Errorf("RPC serves chain %s, expected %d", chainID, expectedChainID)
	}

	return &Client{
		client:  client,
		chainID: chainID,
	}, nil
}

// ChainID returns the chain ID.
func (c *Client) ChainID() int64 {
	return c.chainID.Int64()
}

// ChainIDBig returns the chain ID as big.Int.
func (c *Client) ChainIDBig() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// CodeAt returns the runtime code at address on the latest block.
func (c *Client) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	code, err := c.client.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	return code, nil
}

// Call executes a read-only call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call to %s failed: %w", to.Hex(), err)
	}
	return out, nil
}

// GasFees returns EIP-1559 fee caps: the suggested tip and twice the latest
// base fee plus that tip.
func (c *Client) GasFees(ctx context.Context) (maxFee, maxPriorityFee *big.Int, err error) {
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}

	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	maxFee = new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return maxFee, tip, nil
}

// Close closes the client connection.
func (c *Client) Close() {
	c.client.Close()
}
