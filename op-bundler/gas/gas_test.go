package gas

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
)

func testShape(zeros, nonZeros int) OpShape {
	data := append(make([]byte, zeros), bytes.Repeat([]byte{0xab}, nonZeros)...)
	return OpShape{CallData: data, EntryPoint: chaincfg.EntryPointV0_6Address}
}

func TestCalldataScenario(t *testing.T) {
	spec := chaincfg.Default()
	b, err := ComputeOp(&spec, testShape(100, 50))
	require.NoError(t, err)

	require.Equal(t, uint64(1200), b.Calldata.Uint64())
	require.Equal(t, uint64(0), b.CalldataFloor.Uint64())
	require.Equal(t, uint64(1200), b.ChargedCalldata().Uint64())
}

func TestChargedCalldataIsMax(t *testing.T) {
	spec := chaincfg.Default()
	spec.CalldataFloorZeroByteGas = 10
	spec.CalldataFloorNonZeroByteGas = 40

	b, err := ComputeOp(&spec, testShape(100, 50))
	require.NoError(t, err)
	require.Equal(t, uint64(1200), b.Calldata.Uint64())
	require.Equal(t, uint64(100*10+50*40), b.CalldataFloor.Uint64())
	require.Equal(t, b.CalldataFloor.Uint64(), b.ChargedCalldata().Uint64())

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		spec.CalldataFloorZeroByteGas = uint64(rng.Intn(20))
		spec.CalldataFloorNonZeroByteGas = uint64(rng.Intn(80))
		b, err := ComputeOp(&spec, testShape(rng.Intn(500), rng.Intn(500)))
		require.NoError(t, err)
		want := b.Calldata.Uint64()
		if f := b.CalldataFloor.Uint64(); f > want {
			want = f
		}
		require.Equal(t, want, b.ChargedCalldata().Uint64())
	}
}

func TestComputeOpCategories(t *testing.T) {
	spec := chaincfg.Default()
	spec.PerUserOpDeployOverheadGas = 5_000

	shape := testShape(0, 64)
	shape.EntryPoint = chaincfg.EntryPointV0_7Address
	shape.Deploy = true
	shape.TouchesDeposit = true

	b, err := ComputeOp(&spec, shape)
	require.NoError(t, err)
	require.Equal(t, uint64(19_500), b.PerOp.Uint64())
	require.Equal(t, uint64(5_000), b.Deploy.Uint64())
	require.Equal(t, uint64(64*16), b.Calldata.Uint64())
	// 2 data words + offset and length words
	require.Equal(t, uint64(4*4), b.Word.Uint64())
	require.Equal(t, uint64(30_000), b.DepositTransfer.Uint64())
	require.True(t, b.Intrinsic.IsZero())
	require.True(t, b.DA.IsZero())
	require.Equal(t, uint64(19_500+5_000+64*16+16+30_000), b.Total().Uint64())

	shape.Deploy = false
	shape.TouchesDeposit = false
	b, err = ComputeOp(&spec, shape)
	require.NoError(t, err)
	require.True(t, b.Deploy.IsZero())
	require.True(t, b.DepositTransfer.IsZero())
}

func TestComputeOpUnknownEntryPoint(t *testing.T) {
	spec := chaincfg.Default()
	shape := testShape(1, 1)
	shape.EntryPoint[0] = 0x01
	_, err := ComputeOp(&spec, shape)
	require.ErrorIs(t, err, chaincfg.ErrUnknownEntryPoint)
}

func TestDeterministic(t *testing.T) {
	spec := chaincfg.Default()
	spec.CalldataFloorNonZeroByteGas = 20
	shape := testShape(33, 77)

	first, err := ComputeOp(&spec, shape)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := ComputeOp(&spec, OpShape{CallData: bytes.Clone(shape.CallData), EntryPoint: shape.EntryPoint})
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(first, again))
	}
}

func TestGasLimitTotalExcludesDA(t *testing.T) {
	var b Breakdown
	b.PerOp.SetUint64(100)
	b.DA.SetUint64(50)
	require.Equal(t, uint64(100), b.GasLimitTotal(false).Uint64())
	require.Equal(t, uint64(150), b.GasLimitTotal(true).Uint64())
	require.Equal(t, uint64(150), b.Total().Uint64())
}

func TestBundleAggregate(t *testing.T) {
	spec := chaincfg.Default()
	spec.CalldataFloorNonZeroByteGas = 40

	// one op where the floor wins, one where the standard price wins
	floorHeavy, err := ComputeOp(&spec, testShape(0, 10))
	require.NoError(t, err)
	standardHeavy, err := ComputeOp(&spec, testShape(100, 0))
	require.NoError(t, err)

	agg := Bundle(&spec, []Breakdown{floorHeavy, standardHeavy})
	require.Equal(t, uint64(21_000), agg.Intrinsic.Uint64())
	want := 21_000 + floorHeavy.Total().Uint64() + standardHeavy.Total().Uint64()
	require.Equal(t, want, agg.Total().Uint64(), "aggregate charge is the sum of op charges")
}

func TestWideAccumulator(t *testing.T) {
	var b Breakdown
	var op Breakdown
	op.PerOp.SetUint64(^uint64(0))
	b.Add(&op)
	b.Add(&op)
	require.False(t, b.Total().IsUint64(), "sums above 2^64 must not wrap")
}

func TestSizes(t *testing.T) {
	require.Equal(t, uint64(2), Words(nil))
	require.Equal(t, uint64(3), Words(make([]byte, 1)))
	require.Equal(t, uint64(3), Words(make([]byte, 32)))
	require.Equal(t, uint64(4), Words(make([]byte, 33)))
	require.Equal(t, uint64(96), SerializedSize(make([]byte, 20)))
	require.Equal(t, uint64(BundleOverheadBytes+96+64), BundleSize(96, 64))
}
