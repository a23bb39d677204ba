// Package daoracle prices the data-availability gas an operation's calldata costs on rollups
// that charge for posting data to their parent chain.
package daoracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/lmittmann/w3"
)

// ErrOracleUnavailable is returned when the DA gas of an operation cannot be determined.
var ErrOracleUnavailable = errors.New("DA gas oracle unavailable")

var (
	gasEstimateL1ComponentFn = w3.MustNewFunc("gasEstimateL1Component(address to, bool contractCreation, bytes data)",
		"uint64 gasEstimateForL1, uint256 baseFee, uint256 l1BaseFeeEstimate")
	getL1FeeFn = w3.MustNewFunc("getL1Fee(bytes data)", "uint256")

	l1BaseFeeFn         = w3.MustNewFunc("basefee()", "uint256")
	blobBaseFeeFn       = w3.MustNewFunc("blobBaseFee()", "uint256")
	baseFeeScalarFn     = w3.MustNewFunc("baseFeeScalar()", "uint32")
	blobBaseFeeScalarFn = w3.MustNewFunc("blobBaseFeeScalar()", "uint32")
)

// Ecotone L1 fee constants: the fixed signature overhead charged on top of the
// calldata, and the divisor applied to the scaled base fee.
var (
	ecotoneTxOverheadGas = big.NewInt(68 * 16)
	ecotoneFeeDivisor    = big.NewInt(16 * 1_000_000)
)

// RPC is the JSON-RPC client the pricers call the chain through.
type RPC interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// Pricer computes the DA gas of a piece of calldata at the given execution gas price.
type Pricer interface {
	PriceCalldata(ctx context.Context, head uint64, data []byte, gasPrice *big.Int) (uint64, error)
}

type callArgs struct {
	To   *common.Address `json:"to"`
	Data hexutil.Bytes   `json:"data"`
}

func callElem(to common.Address, data []byte, block uint64) rpc.BatchElem {
	return rpc.BatchElem{
		Method: "eth_call",
		Args:   []any{callArgs{To: &to, Data: data}, hexutil.EncodeUint64(block)},
		Result: new(hexutil.Bytes),
	}
}

func call(ctx context.Context, client RPC, to common.Address, data []byte, block uint64) ([]byte, error) {
	elem := callElem(to, data, block)
	if err := client.CallContext(ctx, elem.Result, elem.Method, elem.Args...); err != nil {
		return nil, err
	}
	return *elem.Result.(*hexutil.Bytes), nil
}

// gasForFee converts a fee in wei into gas at gasPrice, rounding up.
func gasForFee(fee *big.Int, gasPrice *big.Int) (uint64, error) {
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		return 0, fmt.Errorf("%w: non-positive gas price", ErrOracleUnavailable)
	}
	gas := new(big.Int).Add(fee, gasPrice)
	gas.Sub(gas, common.Big1)
	gas.Div(gas, gasPrice)
	if !gas.IsUint64() {
		return 0, fmt.Errorf("%w: DA gas overflows uint64", ErrOracleUnavailable)
	}
	return gas.Uint64(), nil
}

// NitroPricer asks the Arbitrum NodeInterface for the L1 component of a transaction's gas.
// The estimate is denominated at the node's current base fee and rescaled to gasPrice.
type NitroPricer struct {
	client    RPC
	node      common.Address
	recipient common.Address
}

func NewNitroPricer(client RPC, nodeInterface common.Address, recipient common.Address) *NitroPricer {
	return &NitroPricer{client: client, node: nodeInterface, recipient: recipient}
}

func (p *NitroPricer) PriceCalldata(ctx context.Context, head uint64, data []byte, gasPrice *big.Int) (uint64, error) {
	input, err := gasEstimateL1ComponentFn.EncodeArgs(p.recipient, false, data)
	if err != nil {
		return 0, fmt.Errorf("encode gasEstimateL1Component: %w", err)
	}
	out, err := call(ctx, p.client, p.node, input, head)
	if err != nil {
		return 0, fmt.Errorf("call gasEstimateL1Component: %w", err)
	}
	var (
		gasForL1  uint64
		baseFee   big.Int
		l1BaseFee big.Int
	)
	if err := gasEstimateL1ComponentFn.DecodeReturns(out, &gasForL1, &baseFee, &l1BaseFee); err != nil {
		return 0, fmt.Errorf("decode gasEstimateL1Component: %w", err)
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasForL1), &baseFee)
	return gasForFee(fee, gasPrice)
}

// BedrockPricer asks the OP stack GasPriceOracle for the L1 fee of the calldata.
type BedrockPricer struct {
	client RPC
	oracle common.Address
}

func NewBedrockPricer(client RPC, gasPriceOracle common.Address) *BedrockPricer {
	return &BedrockPricer{client: client, oracle: gasPriceOracle}
}

func (p *BedrockPricer) PriceCalldata(ctx context.Context, head uint64, data []byte, gasPrice *big.Int) (uint64, error) {
	input, err := getL1FeeFn.EncodeArgs(data)
	if err != nil {
		return 0, fmt.Errorf("encode getL1Fee: %w", err)
	}
	out, err := call(ctx, p.client, p.oracle, input, head)
	if err != nil {
		return 0, fmt.Errorf("call getL1Fee: %w", err)
	}
	var fee big.Int
	if err := getL1FeeFn.DecodeReturns(out, &fee); err != nil {
		return 0, fmt.Errorf("decode getL1Fee: %w", err)
	}
	return gasForFee(&fee, gasPrice)
}

// EcotoneParams are the L1 fee parameters published by the L1Block contract.
type EcotoneParams struct {
	L1BaseFee         *big.Int
	BlobBaseFee       *big.Int
	BaseFeeScalar     uint32
	BlobBaseFeeScalar uint32
}

// L1Fee returns the Ecotone L1 fee of data, in wei.
func (p *EcotoneParams) L1Fee(data []byte) *big.Int {
	var zeros int64
	for _, b := range data {
		if b == 0 {
			zeros++
		}
	}
	gasUsed := big.NewInt(zeros*4 + (int64(len(data))-zeros)*16)
	gasUsed.Add(gasUsed, ecotoneTxOverheadGas)

	scaled := new(big.Int).Mul(p.L1BaseFee, big.NewInt(16*int64(p.BaseFeeScalar)))
	blob := new(big.Int).Mul(p.BlobBaseFee, big.NewInt(int64(p.BlobBaseFeeScalar)))
	scaled.Add(scaled, blob)

	fee := gasUsed.Mul(gasUsed, scaled)
	return fee.Div(fee, ecotoneFeeDivisor)
}

// LocalBedrockPricer reads the L1 fee parameters once per block in a single batch
// and computes the L1 fee locally instead of calling the oracle for every operation.
type LocalBedrockPricer struct {
	client  RPC
	l1Block common.Address

	mu       sync.Mutex
	paramsAt uint64
	params   *EcotoneParams
}

func NewLocalBedrockPricer(client RPC, l1Block common.Address) *LocalBedrockPricer {
	return &LocalBedrockPricer{client: client, l1Block: l1Block}
}

func (p *LocalBedrockPricer) PriceCalldata(ctx context.Context, head uint64, data []byte, gasPrice *big.Int) (uint64, error) {
	params, err := p.Params(ctx, head)
	if err != nil {
		return 0, err
	}
	return gasForFee(params.L1Fee(data), gasPrice)
}

// Params returns the L1 fee parameters at head, reading them if head is new.
func (p *LocalBedrockPricer) Params(ctx context.Context, head uint64) (*EcotoneParams, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.params != nil && p.paramsAt == head {
		return p.params, nil
	}

	fns := []*w3.Func{l1BaseFeeFn, blobBaseFeeFn, baseFeeScalarFn, blobBaseFeeScalarFn}
	batch := make([]rpc.BatchElem, len(fns))
	for i, fn := range fns {
		batch[i] = callElem(p.l1Block, fn.Selector[:], head)
	}
	if err := p.client.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("batch call: %w", err)
	}
	for _, elem := range batch {
		if elem.Error != nil {
			return nil, fmt.Errorf("batch element error: %w", elem.Error)
		}
	}

	params := &EcotoneParams{L1BaseFee: new(big.Int), BlobBaseFee: new(big.Int)}
	if err := l1BaseFeeFn.DecodeReturns(*batch[0].Result.(*hexutil.Bytes), params.L1BaseFee); err != nil {
		return nil, fmt.Errorf("decode basefee: %w", err)
	}
	if err := blobBaseFeeFn.DecodeReturns(*batch[1].Result.(*hexutil.Bytes), params.BlobBaseFee); err != nil {
		return nil, fmt.Errorf("decode blobBaseFee: %w", err)
	}
	if err := baseFeeScalarFn.DecodeReturns(*batch[2].Result.(*hexutil.Bytes), &params.BaseFeeScalar); err != nil {
		return nil, fmt.Errorf("decode baseFeeScalar: %w", err)
	}
	if err := blobBaseFeeScalarFn.DecodeReturns(*batch[3].Result.(*hexutil.Bytes), &params.BlobBaseFeeScalar); err != nil {
		return nil, fmt.Errorf("decode blobBaseFeeScalar: %w", err)
	}
	p.params, p.paramsAt = params, head
	return params, nil
}
