// Package ethrpc implements the Chain Client port (component A) over
// go-ethereum's ethclient/rpc stack: latest-block, get-logs, and single
// view-function calls, each fallible with a transient/permanent/
// range-too-large classification.
package ethrpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/archon-research/sentinel/internal/ports/outbound"
)

var _ outbound.ChainClient = (*Client)(nil)

// Client is a go-ethereum-backed ChainClient.
type Client struct {
	eth         *ethclient.Client
	callTimeout time.Duration
}

// Dial connects to rpcURL and returns a Client wrapping it.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %q: %w", rpcURL, err)
	}
	return &Client{eth: eth}, nil
}

// NewClient wraps an already-constructed ethclient.Client, for tests and
// callers that need custom transport configuration.
func NewClient(eth *ethclient.Client) *Client {
	return &Client{eth: eth}
}

// WithCallTimeout returns a copy of c that bounds every RPC call with the
// given timeout (RPC_CALL_TIMEOUT), surfaced as a transient error on expiry.
func (c *Client) WithCallTimeout(d time.Duration) *Client {
	return &Client{eth: c.eth, callTimeout: d}
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (c *Client) GetLogs(ctx context.Context, fromBlock, toBlock uint64, topic0 common.Hash, address common.Address) ([]types.Log, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic0}},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	return logs, nil
}

func (c *Client) CallView(ctx context.Context, contract common.Address, data []byte, atBlock uint64) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	msg := ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}
	result, err := c.eth.CallContract(ctx, msg, new(big.Int).SetUint64(atBlock))
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}
