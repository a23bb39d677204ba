// Package sources reads the chain state the bundler needs: new heads, the
// operations they included, and fee market conditions.
package sources

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// UserOperationEventTopic is the topic of
// UserOperationEvent(bytes32 indexed userOpHash, address indexed sender, address indexed paymaster,
// uint256 nonce, bool success, uint256 actualGasCost, uint256 actualGasUsed).
var UserOperationEventTopic = common.HexToHash("0x49628fd1471006c1482da88028e9ce4dbb080b815c9b0344d39e5a8e6ec1419f")

// Client is the subset of ethclient.Client the sources use.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
}
