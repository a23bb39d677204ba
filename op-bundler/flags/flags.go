package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/mantlenetworkio/mantle-bundler/op-service"
	oplog "github.com/mantlenetworkio/mantle-bundler/op-service/log"
	opmetrics "github.com/mantlenetworkio/mantle-bundler/op-service/metrics"
)

const EnvVarPrefix = "OP_BUNDLER"

func prefixEnvVars(name string) []string {
	return opservice.PrefixEnvVar(EnvVarPrefix, name)
}

var (
	// Required Flags
	L2EthRpcFlag = &cli.StringFlag{
		Name:    "l2-eth-rpc",
		Usage:   "HTTP provider URL for the chain the bundles are submitted to",
		EnvVars: prefixEnvVars("L2_ETH_RPC"),
	}
	ChainIDFlag = &cli.Uint64Flag{
		Name:    "chain-id",
		Usage:   "Chain ID of the chain the bundles are submitted to",
		EnvVars: prefixEnvVars("CHAIN_ID"),
	}
	ChainSpecFlag = &cli.PathFlag{
		Name:    "chain-spec",
		Usage:   "Path to the chain parameter file (.toml, .yaml or .yml)",
		EnvVars: prefixEnvVars("CHAIN_SPEC"),
	}
	PrivateKeyFlag = &cli.StringFlag{
		Name:    "private-key",
		Usage:   "Hex private key the bundle transactions are signed with",
		EnvVars: prefixEnvVars("PRIVATE_KEY"),
	}

	// Optional Flags
	WatchChainSpecFlag = &cli.BoolFlag{
		Name:    "chain-spec.watch",
		Usage:   "Reload the chain parameter file when it changes",
		EnvVars: prefixEnvVars("CHAIN_SPEC_WATCH"),
	}
	BeneficiaryFlag = &cli.StringFlag{
		Name:    "beneficiary",
		Usage:   "Address receiving the bundle fees. Defaults to the signer",
		EnvVars: prefixEnvVars("BENEFICIARY"),
	}
	MaxCandidatesFlag = &cli.IntFlag{
		Name:    "max-candidates",
		Usage:   "Maximum number of operations considered per scheduling cycle",
		Value:   256,
		EnvVars: prefixEnvVars("MAX_CANDIDATES"),
	}
	GasLimitMarginFlag = &cli.Float64Flag{
		Name:    "gas-limit-margin",
		Usage:   "Fraction of the block gas limit a bundle may use",
		Value:   0.9,
		EnvVars: prefixEnvVars("GAS_LIMIT_MARGIN"),
	}
	CycleTimeoutFlag = &cli.DurationFlag{
		Name:    "cycle-timeout",
		Usage:   "Timeout for the chain reads of one scheduling cycle",
		Value:   10 * time.Second,
		EnvVars: prefixEnvVars("CYCLE_TIMEOUT"),
	}
	PollIntervalFlag = &cli.DurationFlag{
		Name:    "poll-interval",
		Usage:   "How frequently to poll for new blocks",
		Value:   time.Second,
		EnvVars: prefixEnvVars("POLL_INTERVAL"),
	}
	MaxReorgDepthFlag = &cli.Uint64Flag{
		Name:    "max-reorg-depth",
		Usage:   "How far back a reorg or a gap in the block stream is followed. Must be at least the chain history size",
		Value:   128,
		EnvVars: prefixEnvVars("MAX_REORG_DEPTH"),
	}
	HistoryDirFlag = &cli.PathFlag{
		Name:    "history-dir",
		Usage:   "Directory persisting the block history window. Kept in memory when unset",
		EnvVars: prefixEnvVars("HISTORY_DIR"),
	}
	FeeHistoryBlocksFlag = &cli.Uint64Flag{
		Name:    "fee.history-blocks",
		Usage:   "Number of recent blocks the gas usage ratio is averaged over",
		Value:   10,
		EnvVars: prefixEnvVars("FEE_HISTORY_BLOCKS"),
	}
	FeeTimeoutFlag = &cli.DurationFlag{
		Name:    "fee.timeout",
		Usage:   "Timeout for a priority fee query",
		Value:   2 * time.Second,
		EnvVars: prefixEnvVars("FEE_TIMEOUT"),
	}
	FeeTTLFlag = &cli.DurationFlag{
		Name:    "fee.ttl",
		Usage:   "How long a priority fee quote is reused within the same block",
		Value:   12 * time.Second,
		EnvVars: prefixEnvVars("FEE_TTL"),
	}
	FeeMaxStalenessFlag = &cli.DurationFlag{
		Name:    "fee.max-staleness",
		Usage:   "Maximum age of the last good quote used when the fee source fails",
		Value:   30 * time.Second,
		EnvVars: prefixEnvVars("FEE_MAX_STALENESS"),
	}
	DATimeoutFlag = &cli.DurationFlag{
		Name:    "da.timeout",
		Usage:   "Timeout for a DA gas oracle read",
		Value:   2 * time.Second,
		EnvVars: prefixEnvVars("DA_TIMEOUT"),
	}
	DACacheSizeFlag = &cli.IntFlag{
		Name:    "da.cache-size",
		Usage:   "Number of DA gas prices cached",
		Value:   4096,
		EnvVars: prefixEnvVars("DA_CACHE_SIZE"),
	}
	DAMaxStaleBlocksFlag = &cli.Uint64Flag{
		Name:    "da.max-stale-blocks",
		Usage:   "Maximum age in blocks of the last good DA price used when the DA gas oracle fails. 0 disables the fallback",
		Value:   5,
		EnvVars: prefixEnvVars("DA_MAX_STALE_BLOCKS"),
	}
	PoolTTLFlag = &cli.DurationFlag{
		Name:    "pool.ttl",
		Usage:   "How long an operation may wait in the pool before it expires",
		Value:   30 * time.Minute,
		EnvVars: prefixEnvVars("POOL_TTL"),
	}
	PoolPruneIntervalFlag = &cli.DurationFlag{
		Name:    "pool.prune-interval",
		Usage:   "How frequently expired operations are dropped",
		Value:   time.Minute,
		EnvVars: prefixEnvVars("POOL_PRUNE_INTERVAL"),
	}
	MaxAttemptsFlag = &cli.IntFlag{
		Name:    "send.max-attempts",
		Usage:   "Maximum submission attempts per channel and bundle",
		Value:   5,
		EnvVars: prefixEnvVars("SEND_MAX_ATTEMPTS"),
	}
	BackoffMinFlag = &cli.DurationFlag{
		Name:    "send.backoff-min",
		Usage:   "Initial delay between submission attempts",
		Value:   200 * time.Millisecond,
		EnvVars: prefixEnvVars("SEND_BACKOFF_MIN"),
	}
	BackoffMaxFlag = &cli.DurationFlag{
		Name:    "send.backoff-max",
		Usage:   "Maximum delay between submission attempts",
		Value:   5 * time.Second,
		EnvVars: prefixEnvVars("SEND_BACKOFF_MAX"),
	}
	PendingBlocksFlag = &cli.Uint64Flag{
		Name:    "send.pending-blocks",
		Usage:   "Blocks past its target a submitted bundle may stay unconfirmed before its operations are returned",
		Value:   10,
		EnvVars: prefixEnvVars("SEND_PENDING_BLOCKS"),
	}
	FlashbotsSigningKeyFlag = &cli.StringFlag{
		Name:    "flashbots.signing-key",
		Usage:   "Hex private key identifying the bundler to the Flashbots relay",
		EnvVars: prefixEnvVars("FLASHBOTS_SIGNING_KEY"),
	}
	BloxrouteURLFlag = &cli.StringFlag{
		Name:    "bloxroute.url",
		Usage:   "bloXroute cloud API endpoint",
		Value:   "https://api.blxrbdn.com",
		EnvVars: prefixEnvVars("BLOXROUTE_URL"),
	}
	BloxrouteAuthHeaderFlag = &cli.StringFlag{
		Name:    "bloxroute.auth-header",
		Usage:   "bloXroute authorization header",
		EnvVars: prefixEnvVars("BLOXROUTE_AUTH_HEADER"),
	}
	RelayTimeoutFlag = &cli.DurationFlag{
		Name:    "relay.timeout",
		Usage:   "Timeout for a private relay request",
		Value:   5 * time.Second,
		EnvVars: prefixEnvVars("RELAY_TIMEOUT"),
	}
	RelayRateLimitFlag = &cli.Float64Flag{
		Name:    "relay.rate-limit",
		Usage:   "Maximum requests per second sent to each private relay. Zero disables the limit",
		Value:   10,
		EnvVars: prefixEnvVars("RELAY_RATE_LIMIT"),
	}
	RelayBurstFlag = &cli.IntFlag{
		Name:    "relay.burst",
		Usage:   "Request burst allowed above the relay rate limit",
		Value:   5,
		EnvVars: prefixEnvVars("RELAY_BURST"),
	}
)

var requiredFlags = []cli.Flag{
	L2EthRpcFlag,
	ChainIDFlag,
	ChainSpecFlag,
	PrivateKeyFlag,
}

var optionalFlags = []cli.Flag{
	WatchChainSpecFlag,
	BeneficiaryFlag,
	MaxCandidatesFlag,
	GasLimitMarginFlag,
	CycleTimeoutFlag,
	PollIntervalFlag,
	MaxReorgDepthFlag,
	HistoryDirFlag,
	FeeHistoryBlocksFlag,
	FeeTimeoutFlag,
	FeeTTLFlag,
	FeeMaxStalenessFlag,
	DATimeoutFlag,
	DACacheSizeFlag,
	DAMaxStaleBlocksFlag,
	PoolTTLFlag,
	PoolPruneIntervalFlag,
	MaxAttemptsFlag,
	BackoffMinFlag,
	BackoffMaxFlag,
	PendingBlocksFlag,
	FlashbotsSigningKeyFlag,
	BloxrouteURLFlag,
	BloxrouteAuthHeaderFlag,
	RelayTimeoutFlag,
	RelayRateLimitFlag,
	RelayBurstFlag,
}

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

// Flags contains the list of configuration options available to the binary.
var Flags []cli.Flag

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
