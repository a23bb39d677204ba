package bundler

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/daoracle"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/gas"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/pool"
	"github.com/mantlenetworkio/mantle-bundler/op-service/eth"
)

// Reasons a candidate is left out of a cycle and handed back to the pool.
const (
	skipUnknownEntryPoint  = "unknown_entry_point"
	skipEntryPointMismatch = "entry_point_mismatch"
	skipUnknownAggregator  = "unknown_aggregator"
	skipUnknownProxy       = "unknown_proxy"
	skipProxyMismatch      = "proxy_mismatch"
	skipUnderpriced        = "underpriced"
	skipLowPreVerification = "pre_verification_gas_too_low"
	skipNoRoom             = "no_room"
	skipTrimmed            = "trimmed"

	rejectOversized = "oversized"
)

type pricedOp struct {
	op  *pool.Operation
	gas gas.Breakdown
}

// assemble runs the collecting, pricing, assembling and ready phases over the
// taken candidates. Candidates rejected for good are added to rejected.
func (s *Scheduler) assemble(ctx context.Context, spec *chaincfg.ChainSpec, head eth.BlockRef,
	candidates []*pool.Operation, rejected map[common.Hash]struct{}) (*Bundle, error) {
	eligible := s.collect(spec, candidates)
	if len(eligible) == 0 {
		return nil, nil
	}

	s.setState(StatePricing)
	quote, err := s.Fees.Quote(ctx, spec, head.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to quote priority fee: %w", err)
	}
	priced, err := s.price(ctx, spec, head, quote.PriorityFee, eligible)
	if err != nil {
		return nil, err
	}

	s.setState(StateAssembling)
	accepted := s.pack(spec, priced, rejected)
	if len(accepted) == 0 {
		return nil, nil
	}

	s.setState(StateReady)
	sizeLimit := spec.MaxTransactionSizeBytes
	for len(accepted) > 0 {
		ops := make([]*pool.Operation, len(accepted))
		breakdowns := make([]gas.Breakdown, len(accepted))
		for i, p := range accepted {
			ops[i], breakdowns[i] = p.op, p.gas
		}
		to, data, err := s.Encoder.Encode(spec, ops, s.beneficiary())
		if err != nil {
			return nil, err
		}
		if uint64(len(data)) > sizeLimit {
			last := accepted[len(accepted)-1]
			s.skip(last.op, skipTrimmed)
			accepted = accepted[:len(accepted)-1]
			continue
		}
		total := gas.Bundle(spec, breakdowns)
		return &Bundle{
			ID:          newBundleID(),
			Ops:         ops,
			Gas:         total,
			Fee:         quote,
			To:          to,
			CallData:    data,
			GasLimit:    total.GasLimitTotal(spec.IncludeDAGasInGasLimit).Uint64(),
			TargetBlock: head.Number + 1,
		}, nil
	}
	return nil, nil
}

func (s *Scheduler) skip(op *pool.Operation, reason string) {
	s.Metr.RecordCandidateSkipped(reason)
	s.Log.Debug("Skipping operation this cycle", "op", op.ID, "reason", reason)
}

// collect keeps the candidates that can share a bundle with the first accepted one:
// same entry point, same submission proxy, and only registered capabilities.
func (s *Scheduler) collect(spec *chaincfg.ChainSpec, candidates []*pool.Operation) []*pool.Operation {
	var (
		out   []*pool.Operation
		first *pool.Operation
	)
	for _, op := range candidates {
		if spec.EntryPointVersion(op.EntryPoint) == chaincfg.EntryPointUnknown {
			s.skip(op, skipUnknownEntryPoint)
			continue
		}
		if op.Aggregator != (common.Address{}) {
			if _, ok := spec.SignatureAggregator(op.Aggregator); !ok {
				s.Log.Warn("Operation uses an unregistered signature aggregator", "op", op.ID, "aggregator", op.Aggregator)
				s.skip(op, skipUnknownAggregator)
				continue
			}
		}
		if op.Proxy != (common.Address{}) {
			if _, ok := spec.SubmissionProxy(op.Proxy); !ok {
				s.Log.Warn("Operation uses an unregistered submission proxy", "op", op.ID, "proxy", op.Proxy)
				s.skip(op, skipUnknownProxy)
				continue
			}
		}
		if first != nil {
			if op.EntryPoint != first.EntryPoint {
				s.skip(op, skipEntryPointMismatch)
				continue
			}
			if op.Proxy != first.Proxy {
				s.skip(op, skipProxyMismatch)
				continue
			}
		} else {
			first = op
		}
		out = append(out, op)
	}
	return out
}

// price computes the gas of every candidate bidding at least the quoted priority fee.
// All candidates share the quote; DA gas is priced at the gas price it implies.
func (s *Scheduler) price(ctx context.Context, spec *chaincfg.ChainSpec, head eth.BlockRef, priorityFee *big.Int,
	candidates []*pool.Operation) ([]pricedOp, error) {
	var gasPrice *big.Int
	if daoracle.Active(spec) {
		var err error
		gasPrice, err = s.Txs.GasPrice(ctx, spec, priorityFee)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to fetch gas price: %w", daoracle.ErrOracleUnavailable, err)
		}
	}

	out := make([]pricedOp, 0, len(candidates))
	for _, op := range candidates {
		bid := op.FeeBid
		if bid == nil {
			bid = common.Big0
		}
		if bid.Cmp(priorityFee) < 0 {
			s.skip(op, skipUnderpriced)
			continue
		}
		b, err := gas.ComputeOp(spec, op.Shape())
		if err != nil {
			s.Log.Warn("Failed to compute operation gas", "op", op.ID, "err", err)
			s.skip(op, skipUnknownEntryPoint)
			continue
		}
		if gasPrice != nil {
			da, err := s.DA.PriceCalldata(ctx, spec, head.Number, op.CallData, gasPrice)
			if err != nil {
				return nil, err
			}
			b.DA.SetUint64(da)
		}
		// DA is charged here even when it stays out of the gas limit.
		if required := b.Total(); !required.IsUint64() || op.PreVerificationGas < required.Uint64() {
			s.Log.Debug("Pre-verification gas below required", "op", op.ID,
				"pre_verification_gas", op.PreVerificationGas, "required", required, "da_gas", &b.DA)
			s.skip(op, skipLowPreVerification)
			continue
		}
		out = append(out, pricedOp{op: op, gas: b})
	}
	return out, nil
}

// pack accepts candidates first-fit in priority order while the bundle stays
// within the gas and size limits. A candidate that exceeds a limit on its own is
// rejected from the pool.
func (s *Scheduler) pack(spec *chaincfg.ChainSpec, candidates []pricedOp, rejected map[common.Hash]struct{}) []pricedOp {
	includeDA := spec.IncludeDAGasInGasLimit
	gasLimit := uint256.NewInt(spec.BlockGasLimitMult(s.Config.GasLimitMargin))
	sizeLimit := spec.MaxTransactionSizeBytes

	total := gas.Bundle(spec, nil)
	size := gas.BundleSize()
	var accepted []pricedOp
	for _, p := range candidates {
		opSize := gas.SerializedSize(p.op.CallData)
		alone := gas.Bundle(spec, []gas.Breakdown{p.gas})
		if alone.GasLimitTotal(includeDA).Gt(gasLimit) || gas.BundleSize(opSize) > sizeLimit {
			rejected[p.op.ID] = struct{}{}
			s.Metr.RecordCandidateRejected(rejectOversized)
			s.Log.Warn("Rejecting oversized operation", "op", p.op.ID, "gas", alone.GasLimitTotal(includeDA),
				"gas_limit", gasLimit, "size", gas.BundleSize(opSize), "size_limit", sizeLimit)
			s.Pool.Reject(p.op.ID, fmt.Errorf("%w: gas %s, size %d", pool.ErrOversized, alone.GasLimitTotal(includeDA), opSize))
			continue
		}
		next := total
		next.Add(&p.gas)
		if next.GasLimitTotal(includeDA).Gt(gasLimit) || size+opSize > sizeLimit {
			s.skip(p.op, skipNoRoom)
			continue
		}
		total = next
		size += opSize
		accepted = append(accepted, p)
	}
	return accepted
}
