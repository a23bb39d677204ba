// Package chaincfg holds the per-chain parameter table the bundler prices and
// assembles bundles against, together with its capability registries.
package chaincfg

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	EntryPointV0_6Address = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	EntryPointV0_7Address = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	Multicall3Address     = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
)

type PriorityFeeOracleType string

const (
	// PriorityFeeOracleProvider asks the node for its suggested priority fee.
	PriorityFeeOracleProvider PriorityFeeOracleType = "PROVIDER"
	// PriorityFeeOracleUsageBased escalates the fee when recent blocks are congested.
	PriorityFeeOracleUsageBased PriorityFeeOracleType = "USAGE_BASED"
)

var PriorityFeeOracleTypes = []PriorityFeeOracleType{
	PriorityFeeOracleProvider,
	PriorityFeeOracleUsageBased,
}

func ValidPriorityFeeOracleType(value PriorityFeeOracleType) bool {
	return slices.Contains(PriorityFeeOracleTypes, value)
}

type DAGasOracleType string

const (
	DAGasOracleNone            DAGasOracleType = "NONE"
	DAGasOracleArbitrumNitro   DAGasOracleType = "ARBITRUM_NITRO"
	DAGasOracleOptimismBedrock DAGasOracleType = "OPTIMISM_BEDROCK"
	DAGasOracleLocalBedrock    DAGasOracleType = "LOCAL_BEDROCK"
)

var DAGasOracleTypes = []DAGasOracleType{
	DAGasOracleNone,
	DAGasOracleArbitrumNitro,
	DAGasOracleOptimismBedrock,
	DAGasOracleLocalBedrock,
}

func ValidDAGasOracleType(value DAGasOracleType) bool {
	return slices.Contains(DAGasOracleTypes, value)
}

type EntryPointVersion int

const (
	EntryPointUnknown EntryPointVersion = iota
	EntryPointV0_6
	EntryPointV0_7
)

func (v EntryPointVersion) String() string {
	switch v {
	case EntryPointV0_6:
		return "v0.6"
	case EntryPointV0_7:
		return "v0.7"
	default:
		return "unknown"
	}
}

var ErrUnknownEntryPoint = errors.New("unknown entry point")

// ChainSpec is the immutable parameter table of a single chain.
// Once published through a Holder it must not be modified; build a new one instead.
type ChainSpec struct {
	Name string `toml:"name" yaml:"name"`
	ID   uint64 `toml:"id" yaml:"id"`

	EntryPointV0_6 common.Address `toml:"entry_point_address_v0_6" yaml:"entry_point_address_v0_6"`
	EntryPointV0_7 common.Address `toml:"entry_point_address_v0_7" yaml:"entry_point_address_v0_7"`
	Multicall3     common.Address `toml:"multicall3_address" yaml:"multicall3_address"`

	// Overhead charged when an operation moves value in or out of the entry point deposit.
	DepositTransferOverhead uint64 `toml:"deposit_transfer_overhead" yaml:"deposit_transfer_overhead"`

	EIP1559Enabled bool `toml:"eip1559_enabled" yaml:"eip1559_enabled"`
	EIP7702Enabled bool `toml:"eip7702_enabled" yaml:"eip7702_enabled"`

	CalldataZeroByteGas         uint64 `toml:"calldata_zero_byte_gas" yaml:"calldata_zero_byte_gas"`
	CalldataNonZeroByteGas      uint64 `toml:"calldata_non_zero_byte_gas" yaml:"calldata_non_zero_byte_gas"`
	CalldataFloorZeroByteGas    uint64 `toml:"calldata_floor_zero_byte_gas" yaml:"calldata_floor_zero_byte_gas"`
	CalldataFloorNonZeroByteGas uint64 `toml:"calldata_floor_non_zero_byte_gas" yaml:"calldata_floor_non_zero_byte_gas"`

	PerUserOpV0_6Gas           uint64 `toml:"per_user_op_v0_6_gas" yaml:"per_user_op_v0_6_gas"`
	PerUserOpV0_7Gas           uint64 `toml:"per_user_op_v0_7_gas" yaml:"per_user_op_v0_7_gas"`
	PerUserOpDeployOverheadGas uint64 `toml:"per_user_op_deploy_overhead_gas" yaml:"per_user_op_deploy_overhead_gas"`
	PerUserOpWordGas           uint64 `toml:"per_user_op_word_gas" yaml:"per_user_op_word_gas"`
	TransactionIntrinsicGas    uint64 `toml:"transaction_intrinsic_gas" yaml:"transaction_intrinsic_gas"`

	BlockGasLimit           uint64 `toml:"block_gas_limit" yaml:"block_gas_limit"`
	MaxTransactionSizeBytes uint64 `toml:"max_transaction_size_bytes" yaml:"max_transaction_size_bytes"`

	DAPreVerificationGas       bool            `toml:"da_pre_verification_gas" yaml:"da_pre_verification_gas"`
	DAGasOracleType            DAGasOracleType `toml:"da_gas_oracle_type" yaml:"da_gas_oracle_type"`
	DAGasOracleContractAddress common.Address  `toml:"da_gas_oracle_contract_address" yaml:"da_gas_oracle_contract_address"`
	IncludeDAGasInGasLimit     bool            `toml:"include_da_gas_in_gas_limit" yaml:"include_da_gas_in_gas_limit"`

	PriorityFeeOracleType                PriorityFeeOracleType `toml:"priority_fee_oracle_type" yaml:"priority_fee_oracle_type"`
	MinMaxPriorityFeePerGas              Wei                   `toml:"min_max_priority_fee_per_gas" yaml:"min_max_priority_fee_per_gas"`
	MaxMaxPriorityFeePerGas              Wei                   `toml:"max_max_priority_fee_per_gas" yaml:"max_max_priority_fee_per_gas"`
	CongestionTriggerUsageRatioThreshold float64               `toml:"congestion_trigger_usage_ratio_threshold" yaml:"congestion_trigger_usage_ratio_threshold"`

	BundleMaxSendIntervalMillis uint64 `toml:"bundle_max_send_interval_millis" yaml:"bundle_max_send_interval_millis"`

	FlashbotsEnabled  bool   `toml:"flashbots_enabled" yaml:"flashbots_enabled"`
	FlashbotsRelayURL string `toml:"flashbots_relay_url" yaml:"flashbots_relay_url"`
	BloxrouteEnabled  bool   `toml:"bloxroute_enabled" yaml:"bloxroute_enabled"`

	ChainHistorySize uint64 `toml:"chain_history_size" yaml:"chain_history_size"`

	signatureAggregators *ContractRegistry[SignatureAggregator]
	submissionProxies    *ContractRegistry[SubmissionProxy]
}

// Wei is an amount of wei that fits in 64 bits. TOML integers are signed 64-bit,
// so amounts above 2^63-1 must be written as a quoted decimal string;
// both forms are accepted in TOML and YAML.
type Wei uint64

func (w *Wei) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid wei amount %q: %w", text, err)
	}
	*w = Wei(v)
	return nil
}

func (w Wei) Big() *big.Int {
	return new(big.Int).SetUint64(uint64(w))
}

// Default returns the parameter table used for any field a chain does not override.
func Default() ChainSpec {
	return ChainSpec{
		Name:                                 "Unknown",
		EntryPointV0_6:                       EntryPointV0_6Address,
		EntryPointV0_7:                       EntryPointV0_7Address,
		Multicall3:                           Multicall3Address,
		DepositTransferOverhead:              30_000,
		EIP1559Enabled:                       true,
		CalldataZeroByteGas:                  4,
		CalldataNonZeroByteGas:               16,
		PerUserOpV0_6Gas:                     18_300,
		PerUserOpV0_7Gas:                     19_500,
		PerUserOpWordGas:                     4,
		TransactionIntrinsicGas:              21_000,
		BlockGasLimit:                        30_000_000,
		MaxTransactionSizeBytes:              131_072,
		DAGasOracleType:                      DAGasOracleNone,
		PriorityFeeOracleType:                PriorityFeeOracleProvider,
		MaxMaxPriorityFeePerGas:              math.MaxUint64,
		CongestionTriggerUsageRatioThreshold: 0.75,
		BundleMaxSendIntervalMillis:          1000,
		ChainHistorySize:                     64,
	}
}

// Check validates the parameter table. It is run once at startup and on every reload.
func (c *ChainSpec) Check() error {
	if !ValidPriorityFeeOracleType(c.PriorityFeeOracleType) {
		return fmt.Errorf("invalid priority fee oracle type %q, must be one of %v", c.PriorityFeeOracleType, PriorityFeeOracleTypes)
	}
	if !ValidDAGasOracleType(c.DAGasOracleType) {
		return fmt.Errorf("invalid DA gas oracle type %q, must be one of %v", c.DAGasOracleType, DAGasOracleTypes)
	}
	if c.DAPreVerificationGas {
		if c.DAGasOracleType == DAGasOracleNone {
			return errors.New("da_pre_verification_gas requires a da_gas_oracle_type")
		}
		if c.DAGasOracleContractAddress == (common.Address{}) {
			return errors.New("da_pre_verification_gas requires a non-zero da_gas_oracle_contract_address")
		}
	}
	if c.FlashbotsEnabled && c.FlashbotsRelayURL == "" {
		return errors.New("flashbots_enabled requires flashbots_relay_url")
	}
	if c.MinMaxPriorityFeePerGas > c.MaxMaxPriorityFeePerGas {
		return fmt.Errorf("min priority fee %d exceeds max priority fee %d", c.MinMaxPriorityFeePerGas, c.MaxMaxPriorityFeePerGas)
	}
	if t := c.CongestionTriggerUsageRatioThreshold; !(t > 0 && t <= 1) {
		return fmt.Errorf("congestion trigger usage ratio threshold must be in (0, 1], got %v", t)
	}
	if c.BlockGasLimit == 0 {
		return errors.New("block gas limit must be positive")
	}
	if c.MaxTransactionSizeBytes == 0 {
		return errors.New("max transaction size must be positive")
	}
	if c.BundleMaxSendIntervalMillis == 0 {
		return errors.New("bundle max send interval must be positive")
	}
	if c.ChainHistorySize == 0 {
		return errors.New("chain history size must be positive")
	}
	return nil
}

// BlockGasLimitMult returns the block gas limit scaled by mult, rounded down.
func (c *ChainSpec) BlockGasLimitMult(mult float64) uint64 {
	if mult <= 0 {
		return 0
	}
	limit := float64(c.BlockGasLimit) * mult
	if limit >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(limit)
}

func (c *ChainSpec) MaxSendInterval() time.Duration {
	return time.Duration(c.BundleMaxSendIntervalMillis) * time.Millisecond
}

func (c *ChainSpec) EntryPointVersion(entryPoint common.Address) EntryPointVersion {
	switch entryPoint {
	case c.EntryPointV0_6:
		return EntryPointV0_6
	case c.EntryPointV0_7:
		return EntryPointV0_7
	default:
		return EntryPointUnknown
	}
}

// PerUserOpGas returns the fixed per-operation overhead of the given entry point.
func (c *ChainSpec) PerUserOpGas(entryPoint common.Address) (uint64, error) {
	switch c.EntryPointVersion(entryPoint) {
	case EntryPointV0_6:
		return c.PerUserOpV0_6Gas, nil
	case EntryPointV0_7:
		return c.PerUserOpV0_7Gas, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntryPoint, entryPoint)
	}
}

// SupportsEIP7702 reports whether operations against entryPoint may carry an authorization.
func (c *ChainSpec) SupportsEIP7702(entryPoint common.Address) bool {
	return c.EIP7702Enabled || entryPoint == c.EntryPointV0_7
}

// SignatureAggregator looks up the aggregation capability registered at addr.
func (c *ChainSpec) SignatureAggregator(addr common.Address) (SignatureAggregator, bool) {
	return c.signatureAggregators.Get(addr)
}

// SubmissionProxy looks up the submission formatting capability registered at addr.
func (c *ChainSpec) SubmissionProxy(addr common.Address) (SubmissionProxy, bool) {
	return c.submissionProxies.Get(addr)
}

// KnownProxyAddresses returns the addresses of all registered submission proxies.
func (c *ChainSpec) KnownProxyAddresses() []common.Address {
	return c.submissionProxies.Addresses()
}

// WithRegistries returns a copy of the spec carrying the given registries.
// Nil registries are treated as empty.
func (c ChainSpec) WithRegistries(aggregators *ContractRegistry[SignatureAggregator], proxies *ContractRegistry[SubmissionProxy]) *ChainSpec {
	c.signatureAggregators = aggregators
	c.submissionProxies = proxies
	return &c
}
