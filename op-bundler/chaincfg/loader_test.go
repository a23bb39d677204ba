package chaincfg

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/mantlenetworkio/mantle-bundler/op-service/testlog"
)

const tomlSpecs = `
[1]
name = "ethereum"
id = 1
flashbots_enabled = true
flashbots_relay_url = "https://relay.flashbots.net"

[5000]
name = "mantle"
id = 5000
block_gas_limit = 200000000000
da_pre_verification_gas = true
da_gas_oracle_type = "OPTIMISM_BEDROCK"
da_gas_oracle_contract_address = "0x420000000000000000000000000000000000000F"
priority_fee_oracle_type = "USAGE_BASED"
min_max_priority_fee_per_gas = 100
max_max_priority_fee_per_gas = 1000000000
`

const yamlSpecs = `
"10":
  name: optimism
  id: 10
  chain_history_size: 128
  entry_point_address_v0_6: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
`

func TestDecodeWeiAboveInt64(t *testing.T) {
	const tomlSpec = `
[5000]
min_max_priority_fee_per_gas = 100
max_max_priority_fee_per_gas = "18446744073709551615"
`
	spec, err := Decode([]byte(tomlSpec), ".toml", 5000)
	require.NoError(t, err)
	require.Equal(t, Wei(100), spec.MinMaxPriorityFeePerGas)
	require.Equal(t, Wei(math.MaxUint64), spec.MaxMaxPriorityFeePerGas)

	const yml = `
"5000":
  min_max_priority_fee_per_gas: "100"
  max_max_priority_fee_per_gas: 18446744073709551615
`
	spec, err = Decode([]byte(yml), ".yaml", 5000)
	require.NoError(t, err)
	require.Equal(t, Wei(100), spec.MinMaxPriorityFeePerGas)
	require.Equal(t, Wei(math.MaxUint64), spec.MaxMaxPriorityFeePerGas)

	_, err = Decode([]byte("[5000]\nmax_max_priority_fee_per_gas = \"18446744073709551616\"\n"), ".toml", 5000)
	require.ErrorContains(t, err, "invalid wei amount")
}

func TestDecodeTOML(t *testing.T) {
	spec, err := Decode([]byte(tomlSpecs), ".toml", 5000)
	require.NoError(t, err)
	require.Equal(t, "mantle", spec.Name)
	require.Equal(t, uint64(200_000_000_000), spec.BlockGasLimit)
	require.True(t, spec.DAPreVerificationGas)
	require.Equal(t, DAGasOracleOptimismBedrock, spec.DAGasOracleType)
	require.Equal(t, common.HexToAddress("0x420000000000000000000000000000000000000F"), spec.DAGasOracleContractAddress)
	require.Equal(t, PriorityFeeOracleUsageBased, spec.PriorityFeeOracleType)
	// untouched fields keep their defaults
	require.Equal(t, uint64(21_000), spec.TransactionIntrinsicGas)
	require.Equal(t, EntryPointV0_7Address, spec.EntryPointV0_7)

	eth, err := Decode([]byte(tomlSpecs), ".toml", 1)
	require.NoError(t, err)
	require.True(t, eth.FlashbotsEnabled)
}

func TestDecodeYAML(t *testing.T) {
	spec, err := Decode([]byte(yamlSpecs), ".yaml", 10)
	require.NoError(t, err)
	require.Equal(t, "optimism", spec.Name)
	require.Equal(t, uint64(128), spec.ChainHistorySize)
	require.Equal(t, EntryPointV0_6Address, spec.EntryPointV0_6)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(tomlSpecs), ".toml", 42)
	require.ErrorContains(t, err, "not found")

	_, err = Decode([]byte(tomlSpecs), ".json", 1)
	require.ErrorContains(t, err, "unsupported")

	bad := "[7]\nid = 7\nda_pre_verification_gas = true\nda_gas_oracle_type = \"ARBITRUM_NITRO\"\n"
	_, err = Decode([]byte(bad), ".toml", 7)
	require.ErrorContains(t, err, "da_gas_oracle_contract_address")

	unknown := "[7]\nid = 7\nblock_gas_limt = 1\n"
	_, err = Decode([]byte(unknown), ".toml", 7)
	require.ErrorContains(t, err, "unknown chain spec field")

	mismatch := "[7]\nid = 8\n"
	_, err = Decode([]byte(mismatch), ".toml", 7)
	require.ErrorContains(t, err, "does not match")
}

func TestHolderSwap(t *testing.T) {
	proxies := NewContractRegistry[SubmissionProxy]()
	proxyAddr := common.HexToAddress("0x01")
	require.NoError(t, proxies.Register(proxyAddr, testProxy{proxyAddr}))

	base := Default()
	base.ID = 5000
	h, err := NewHolder(base.WithRegistries(nil, proxies))
	require.NoError(t, err)

	first := h.Get()
	next := Default()
	next.ID = 5000
	next.BlockGasLimit = 1_000
	require.NoError(t, h.Swap(&next))

	require.Equal(t, uint64(30_000_000), first.BlockGasLimit, "readers keep their snapshot")
	require.Equal(t, uint64(1_000), h.Get().BlockGasLimit)
	_, ok := h.Get().SubmissionProxy(proxyAddr)
	require.True(t, ok, "registries survive a swap")

	invalid := Default()
	invalid.ID = 5000
	invalid.ChainHistorySize = 0
	require.Error(t, h.Swap(&invalid))

	other := Default()
	other.ID = 1
	require.ErrorContains(t, h.Swap(&other), "cannot swap")
	require.Equal(t, uint64(1_000), h.Get().BlockGasLimit)
}

func TestHolderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlSpecs), 0o644))

	spec, err := LoadFile(path, 5000)
	require.NoError(t, err)
	h, err := NewHolder(spec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- h.Watch(ctx, path, testlog.Logger(t, log.LevelDebug))
	}()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	updated := "[5000]\nid = 5000\nname = \"mantle-updated\"\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return h.Get().Name == "mantle-updated"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
