// Package gas computes the gas an operation and a bundle are charged under a chain's parameter table.
// Every function here is pure: the same shape and parameters always produce the same breakdown.
package gas

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
)

const (
	// BundleOverheadBytes is the handleOps calldata that does not depend on the ops:
	// selector, ops array offset, beneficiary and ops array length.
	BundleOverheadBytes = 4 + 3*32
	// perOpHeadBytes is the offset and length words each op adds to the ops array.
	perOpHeadBytes = 2 * 32
)

// OpShape is everything the cost model needs to know about an operation.
type OpShape struct {
	// CallData is the packed operation as it appears in the bundle calldata.
	CallData       []byte
	EntryPoint     common.Address
	Deploy         bool
	TouchesDeposit bool
}

// Breakdown holds the gas of each category. Calldata and CalldataFloor are both
// recorded; only the larger of the two is charged.
type Breakdown struct {
	Intrinsic       uint256.Int
	PerOp           uint256.Int
	Deploy          uint256.Int
	Calldata        uint256.Int
	CalldataFloor   uint256.Int
	Word            uint256.Int
	DA              uint256.Int
	DepositTransfer uint256.Int
}

// ChargedCalldata returns max(Calldata, CalldataFloor).
func (b *Breakdown) ChargedCalldata() *uint256.Int {
	if b.CalldataFloor.Gt(&b.Calldata) {
		return new(uint256.Int).Set(&b.CalldataFloor)
	}
	return new(uint256.Int).Set(&b.Calldata)
}

// Total is the sum of all categories, with calldata charged at the larger of
// the standard and floor price.
func (b *Breakdown) Total() *uint256.Int {
	return b.GasLimitTotal(true)
}

// GasLimitTotal is the gas that counts against the execution gas limit.
// DA gas is only included when the chain charges it as execution gas.
func (b *Breakdown) GasLimitTotal(includeDA bool) *uint256.Int {
	out := new(uint256.Int).Set(&b.Intrinsic)
	out.Add(out, &b.PerOp)
	out.Add(out, &b.Deploy)
	out.Add(out, b.ChargedCalldata())
	out.Add(out, &b.Word)
	out.Add(out, &b.DepositTransfer)
	if includeDA {
		out.Add(out, &b.DA)
	}
	return out
}

// Add accumulates other into b, category by category.
// Calldata accumulates the charged calldata of other, so the charge of an
// aggregate is the sum of the charges of its parts.
func (b *Breakdown) Add(other *Breakdown) {
	b.Intrinsic.Add(&b.Intrinsic, &other.Intrinsic)
	b.PerOp.Add(&b.PerOp, &other.PerOp)
	b.Deploy.Add(&b.Deploy, &other.Deploy)
	b.Calldata.Add(&b.Calldata, other.ChargedCalldata())
	b.CalldataFloor.Add(&b.CalldataFloor, &other.CalldataFloor)
	b.Word.Add(&b.Word, &other.Word)
	b.DA.Add(&b.DA, &other.DA)
	b.DepositTransfer.Add(&b.DepositTransfer, &other.DepositTransfer)
}

// CalldataGas prices data at zeroCost per zero byte and nonZeroCost per other byte.
func CalldataGas(data []byte, zeroCost, nonZeroCost uint64) uint256.Int {
	var zeros uint64
	for _, b := range data {
		if b == 0 {
			zeros++
		}
	}
	nonZeros := uint64(len(data)) - zeros

	var out, tmp uint256.Int
	out.Mul(uint256.NewInt(zeros), uint256.NewInt(zeroCost))
	tmp.Mul(uint256.NewInt(nonZeros), uint256.NewInt(nonZeroCost))
	out.Add(&out, &tmp)
	return out
}

// Words is the number of 32-byte words the op occupies in the ops array,
// including its offset and length words.
func Words(data []byte) uint64 {
	return (uint64(len(data))+31)/32 + perOpHeadBytes/32
}

// SerializedSize is the number of bytes the op adds to the bundle calldata.
func SerializedSize(data []byte) uint64 {
	return Words(data) * 32
}

// ComputeOp returns the gas breakdown of a single operation, without the
// transaction intrinsic gas and without DA gas.
func ComputeOp(spec *chaincfg.ChainSpec, shape OpShape) (Breakdown, error) {
	perOp, err := spec.PerUserOpGas(shape.EntryPoint)
	if err != nil {
		return Breakdown{}, err
	}

	var b Breakdown
	b.PerOp.SetUint64(perOp)
	if shape.Deploy {
		b.Deploy.SetUint64(spec.PerUserOpDeployOverheadGas)
	}
	b.Calldata = CalldataGas(shape.CallData, spec.CalldataZeroByteGas, spec.CalldataNonZeroByteGas)
	b.CalldataFloor = CalldataGas(shape.CallData, spec.CalldataFloorZeroByteGas, spec.CalldataFloorNonZeroByteGas)
	b.Word.Mul(uint256.NewInt(Words(shape.CallData)), uint256.NewInt(spec.PerUserOpWordGas))
	if shape.TouchesDeposit {
		b.DepositTransfer.SetUint64(spec.DepositTransferOverhead)
	}
	return b, nil
}

// Bundle returns the breakdown of a bundle holding ops: intrinsic gas once,
// plus the sum of the per-op breakdowns.
func Bundle(spec *chaincfg.ChainSpec, ops []Breakdown) Breakdown {
	var out Breakdown
	out.Intrinsic.SetUint64(spec.TransactionIntrinsicGas)
	for i := range ops {
		out.Add(&ops[i])
	}
	return out
}

// BundleSize returns the calldata size of a bundle with the given op sizes.
func BundleSize(opSizes ...uint64) uint64 {
	out := uint64(BundleOverheadBytes)
	for _, s := range opSizes {
		out += s
	}
	return out
}
