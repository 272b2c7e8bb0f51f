package outbound

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the Chain Client port: uniform access to RPC for the
// latest block, log ranges, and view-function calls. All operations
// are fallible with a transient/permanent distinction; no retry policy
// lives behind this interface, callers apply it.
type ChainClient interface {
	// LatestBlock returns the current chain head.
	LatestBlock(ctx context.Context) (uint64, error)

	// GetLogs fetches event logs in [fromBlock, toBlock] inclusive, filtered
	// by emitting contract and topic0 signature. Returns ErrRangeTooLarge if
	// the RPC rejects the range as too wide; callers handle by shrinking it.
	GetLogs(ctx context.Context, fromBlock, toBlock uint64, topic0 common.Hash, address common.Address) ([]types.Log, error)

	// CallView performs a single contract view-function call at a specific
	// historical block. data is already ABI-packed calldata.
	CallView(ctx context.Context, contract common.Address, data []byte, atBlock uint64) ([]byte, error)
}
