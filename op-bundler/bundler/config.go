package bundler

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/flags"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/sender"
	opservice "github.com/mantlenetworkio/mantle-bundler/op-service"
	oplog "github.com/mantlenetworkio/mantle-bundler/op-service/log"
	opmetrics "github.com/mantlenetworkio/mantle-bundler/op-service/metrics"
)

type CLIConfig struct {
	L2EthRpc       string
	ChainID        uint64
	ChainSpecPath  string
	WatchChainSpec bool
	PrivateKey     string
	Beneficiary    string

	MaxCandidates  int
	GasLimitMargin float64
	CycleTimeout   time.Duration
	PollInterval   time.Duration
	MaxReorgDepth  uint64
	HistoryDir     string

	FeeHistoryBlocks uint64
	FeeTimeout       time.Duration
	FeeTTL           time.Duration
	FeeMaxStaleness  time.Duration

	DATimeout        time.Duration
	DACacheSize      int
	DAMaxStaleBlocks uint64

	PoolTTL           time.Duration
	PoolPruneInterval time.Duration

	MaxAttempts   int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	PendingBlocks uint64

	FlashbotsSigningKey string
	BloxrouteURL        string
	BloxrouteAuthHeader string
	RelayTimeout        time.Duration
	RelayRateLimit      float64
	RelayBurst          int

	LogConfig     oplog.CLIConfig
	MetricsConfig opmetrics.CLIConfig
}

func (c *CLIConfig) Check() error {
	if err := c.MetricsConfig.Check(); err != nil {
		return err
	}
	if c.L2EthRpc == "" {
		return errors.New("l2 rpc url is required")
	}
	if c.ChainID == 0 {
		return errors.New("chain id is required")
	}
	if c.ChainSpecPath == "" {
		return errors.New("chain spec path is required")
	}
	if _, err := parseKey(c.PrivateKey); err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	if c.Beneficiary != "" {
		if _, err := opservice.ParseAddress(c.Beneficiary); err != nil {
			return fmt.Errorf("invalid beneficiary: %w", err)
		}
	}
	if c.FlashbotsSigningKey != "" {
		if _, err := parseKey(c.FlashbotsSigningKey); err != nil {
			return fmt.Errorf("invalid flashbots signing key: %w", err)
		}
	}
	if c.MaxCandidates <= 0 {
		return errors.New("max candidates must be positive")
	}
	if c.GasLimitMargin <= 0 || c.GasLimitMargin > 1 {
		return fmt.Errorf("gas limit margin %v out of range (0, 1]", c.GasLimitMargin)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.MaxReorgDepth == 0 {
		return errors.New("max reorg depth must be positive")
	}
	if c.FeeHistoryBlocks == 0 {
		return errors.New("fee history blocks must be positive")
	}
	if c.DACacheSize <= 0 {
		return errors.New("da cache size must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("invalid send backoff range [%v, %v]", c.BackoffMin, c.BackoffMax)
	}
	return nil
}

// CheckChainSpec validates the config against the chain it runs on.
// The head tracker must follow reorgs across the whole history window.
func (c *CLIConfig) CheckChainSpec(spec *chaincfg.ChainSpec) error {
	if c.MaxReorgDepth < spec.ChainHistorySize {
		return fmt.Errorf("max reorg depth %d is below the chain history size %d", c.MaxReorgDepth, spec.ChainHistorySize)
	}
	return nil
}

// SchedulerConfig returns the scheduling settings of the config.
// An invalid beneficiary has been rejected by Check.
func (c *CLIConfig) SchedulerConfig() SchedulerConfig {
	cfg := SchedulerConfig{
		MaxCandidates:  c.MaxCandidates,
		GasLimitMargin: c.GasLimitMargin,
		CycleTimeout:   c.CycleTimeout,
		PruneInterval:  c.PoolPruneInterval,
	}
	if c.Beneficiary != "" {
		cfg.Beneficiary, _ = opservice.ParseAddress(c.Beneficiary)
	}
	return cfg
}

func (c *CLIConfig) DispatcherConfig() sender.Config {
	return sender.Config{
		MaxAttempts:   c.MaxAttempts,
		BackoffMin:    c.BackoffMin,
		BackoffMax:    c.BackoffMax,
		PendingBlocks: c.PendingBlocks,
		OutcomeBuffer: sender.DefaultConfig().OutcomeBuffer,
	}
}

func (c *CLIConfig) ChannelConfig() (sender.ChannelConfig, error) {
	cfg := sender.ChannelConfig{
		BloxrouteURL:        c.BloxrouteURL,
		BloxrouteAuthHeader: c.BloxrouteAuthHeader,
		RelayTimeout:        c.RelayTimeout,
		RelayRateLimit:      c.RelayRateLimit,
		RelayBurst:          c.RelayBurst,
	}
	if c.FlashbotsSigningKey != "" {
		key, err := parseKey(c.FlashbotsSigningKey)
		if err != nil {
			return sender.ChannelConfig{}, err
		}
		cfg.FlashbotsKey = key
	}
	return cfg, nil
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
}

func NewConfig(ctx *cli.Context) *CLIConfig {
	return &CLIConfig{
		// Required Flags
		L2EthRpc:      ctx.String(flags.L2EthRpcFlag.Name),
		ChainID:       ctx.Uint64(flags.ChainIDFlag.Name),
		ChainSpecPath: ctx.Path(flags.ChainSpecFlag.Name),
		PrivateKey:    ctx.String(flags.PrivateKeyFlag.Name),

		// Optional Flags
		WatchChainSpec:      ctx.Bool(flags.WatchChainSpecFlag.Name),
		Beneficiary:         ctx.String(flags.BeneficiaryFlag.Name),
		MaxCandidates:       ctx.Int(flags.MaxCandidatesFlag.Name),
		GasLimitMargin:      ctx.Float64(flags.GasLimitMarginFlag.Name),
		CycleTimeout:        ctx.Duration(flags.CycleTimeoutFlag.Name),
		PollInterval:        ctx.Duration(flags.PollIntervalFlag.Name),
		MaxReorgDepth:       ctx.Uint64(flags.MaxReorgDepthFlag.Name),
		HistoryDir:          ctx.Path(flags.HistoryDirFlag.Name),
		FeeHistoryBlocks:    ctx.Uint64(flags.FeeHistoryBlocksFlag.Name),
		FeeTimeout:          ctx.Duration(flags.FeeTimeoutFlag.Name),
		FeeTTL:              ctx.Duration(flags.FeeTTLFlag.Name),
		FeeMaxStaleness:     ctx.Duration(flags.FeeMaxStalenessFlag.Name),
		DATimeout:           ctx.Duration(flags.DATimeoutFlag.Name),
		DACacheSize:         ctx.Int(flags.DACacheSizeFlag.Name),
		DAMaxStaleBlocks:    ctx.Uint64(flags.DAMaxStaleBlocksFlag.Name),
		PoolTTL:             ctx.Duration(flags.PoolTTLFlag.Name),
		PoolPruneInterval:   ctx.Duration(flags.PoolPruneIntervalFlag.Name),
		MaxAttempts:         ctx.Int(flags.MaxAttemptsFlag.Name),
		BackoffMin:          ctx.Duration(flags.BackoffMinFlag.Name),
		BackoffMax:          ctx.Duration(flags.BackoffMaxFlag.Name),
		PendingBlocks:       ctx.Uint64(flags.PendingBlocksFlag.Name),
		FlashbotsSigningKey: ctx.String(flags.FlashbotsSigningKeyFlag.Name),
		BloxrouteURL:        ctx.String(flags.BloxrouteURLFlag.Name),
		BloxrouteAuthHeader: ctx.String(flags.BloxrouteAuthHeaderFlag.Name),
		RelayTimeout:        ctx.Duration(flags.RelayTimeoutFlag.Name),
		RelayRateLimit:      ctx.Float64(flags.RelayRateLimitFlag.Name),
		RelayBurst:          ctx.Int(flags.RelayBurstFlag.Name),

		LogConfig:     oplog.ReadCLIConfig(ctx),
		MetricsConfig: opmetrics.ReadCLIConfig(ctx),
	}
}
