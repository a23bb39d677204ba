package sources

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// FeeSource reads priority fee suggestions and block usage from a node.
type FeeSource struct {
	client Client
	// blocks is the number of recent blocks UsageRatio averages over.
	blocks uint64
}

func NewFeeSource(client Client, blocks uint64) *FeeSource {
	if blocks == 0 {
		blocks = 1
	}
	return &FeeSource{client: client, blocks: blocks}
}

func (s *FeeSource) SuggestPriorityFee(ctx context.Context) (*big.Int, error) {
	tip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas tip cap: %w", err)
	}
	return tip, nil
}

// UsageRatio returns the mean gas used ratio of the most recent blocks.
func (s *FeeSource) UsageRatio(ctx context.Context) (float64, error) {
	hist, err := s.client.FeeHistory(ctx, s.blocks, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch fee history: %w", err)
	}
	if len(hist.GasUsedRatio) == 0 {
		return 0, errors.New("empty fee history")
	}
	var sum float64
	for _, r := range hist.GasUsedRatio {
		sum += r
	}
	return sum / float64(len(hist.GasUsedRatio)), nil
}
