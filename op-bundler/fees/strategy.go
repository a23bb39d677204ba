package fees

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
)

// ErrFeeUnavailable is returned when no priority fee can be produced.
// It is retryable: the scheduler aborts the cycle and tries again on the next trigger.
var ErrFeeUnavailable = errors.New("priority fee unavailable")

// escalationBps is the multiplier range, in basis points, applied to the suggested
// fee between the congestion threshold (1x) and completely full blocks (2x).
const escalationBps = 10_000

// FeeSource is the chain-state the strategies read.
type FeeSource interface {
	// SuggestPriorityFee returns the node's suggested priority fee per gas.
	SuggestPriorityFee(ctx context.Context) (*big.Int, error)
	// UsageRatio returns the recent average of gas used over gas limit, in [0, 1].
	UsageRatio(ctx context.Context) (float64, error)
}

// Strategy produces an unclamped-then-clamped priority fee for one scheduling cycle.
type Strategy interface {
	Type() chaincfg.PriorityFeeOracleType
	Quote(ctx context.Context, spec *chaincfg.ChainSpec) (*big.Int, error)
}

// NewStrategy selects the strategy named by the chain spec.
func NewStrategy(kind chaincfg.PriorityFeeOracleType, src FeeSource) (Strategy, error) {
	switch kind {
	case chaincfg.PriorityFeeOracleProvider:
		return &ProviderStrategy{src: src}, nil
	case chaincfg.PriorityFeeOracleUsageBased:
		return &UsageBasedStrategy{src: src}, nil
	default:
		return nil, fmt.Errorf("unknown priority fee oracle type %q", kind)
	}
}

// ProviderStrategy uses the node's suggestion as-is, within the chain's bounds.
type ProviderStrategy struct {
	src FeeSource
}

func (s *ProviderStrategy) Type() chaincfg.PriorityFeeOracleType {
	return chaincfg.PriorityFeeOracleProvider
}

func (s *ProviderStrategy) Quote(ctx context.Context, spec *chaincfg.ChainSpec) (*big.Int, error) {
	fee, err := s.src.SuggestPriorityFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeeUnavailable, err)
	}
	if fee == nil {
		return nil, fmt.Errorf("%w: no suggested fee", ErrFeeUnavailable)
	}
	return Clamp(fee, spec), nil
}

// UsageBasedStrategy pays the minimum fee while blocks have spare capacity and
// escalates once the usage ratio reaches the chain's congestion threshold.
//
// At or above the threshold t the suggested fee is scaled by 1 + (ratio-t)/(1-t),
// so it grows linearly from 1x at the threshold to 2x for full blocks.
type UsageBasedStrategy struct {
	src FeeSource
}

func (s *UsageBasedStrategy) Type() chaincfg.PriorityFeeOracleType {
	return chaincfg.PriorityFeeOracleUsageBased
}

func (s *UsageBasedStrategy) Quote(ctx context.Context, spec *chaincfg.ChainSpec) (*big.Int, error) {
	ratio, err := s.src.UsageRatio(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeeUnavailable, err)
	}
	if math.IsNaN(ratio) {
		return nil, fmt.Errorf("%w: usage ratio is NaN", ErrFeeUnavailable)
	}
	threshold := spec.CongestionTriggerUsageRatioThreshold
	if ratio < threshold {
		return spec.MinMaxPriorityFeePerGas.Big(), nil
	}

	suggested, err := s.src.SuggestPriorityFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeeUnavailable, err)
	}
	if suggested == nil {
		return nil, fmt.Errorf("%w: no suggested fee", ErrFeeUnavailable)
	}
	fee := new(big.Int).Mul(suggested, big.NewInt(int64(escalationMultiplierBps(ratio, threshold))))
	fee.Div(fee, big.NewInt(escalationBps))
	return Clamp(fee, spec), nil
}

// escalationMultiplierBps maps a usage ratio at or above the threshold to a multiplier in [1x, 2x].
func escalationMultiplierBps(ratio, threshold float64) uint64 {
	if ratio > 1 {
		ratio = 1
	}
	frac := 1.0
	if threshold < 1 {
		frac = (ratio - threshold) / (1 - threshold)
	}
	if frac < 0 {
		frac = 0
	}
	return escalationBps + uint64(frac*escalationBps)
}

// Clamp bounds fee to the chain's [min, max] priority fee range.
func Clamp(fee *big.Int, spec *chaincfg.ChainSpec) *big.Int {
	lo := spec.MinMaxPriorityFeePerGas.Big()
	hi := spec.MaxMaxPriorityFeePerGas.Big()
	switch {
	case fee.Cmp(lo) < 0:
		return lo
	case fee.Cmp(hi) > 0:
		return hi
	default:
		return new(big.Int).Set(fee)
	}
}
