package daoracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
)

type Config struct {
	// Timeout bounds a single pricing call.
	Timeout time.Duration
	// CacheSize is the number of (block, calldata, gas price) results kept.
	CacheSize int
	// MaxStaleBlocks is how many blocks old the last good price of some calldata
	// may be to stand in for a failed read. Zero disables the fallback.
	MaxStaleBlocks uint64
}

func DefaultConfig() Config {
	return Config{
		Timeout:        2 * time.Second,
		CacheSize:      4096,
		MaxStaleBlocks: 5,
	}
}

type cacheKey struct {
	block    uint64
	data     common.Hash
	gasPrice common.Hash
}

// lastGood is the DA fee, in wei, of some calldata at the last block it was priced.
type lastGood struct {
	block uint64
	fee   *big.Int
}

type pricerKey struct {
	kind    chaincfg.DAGasOracleType
	address common.Address
}

// Oracle prices DA gas with the pricer the chain spec selects.
// It is inactive, and prices everything at zero, when the chain does not charge DA gas.
type Oracle struct {
	log    log.Logger
	metr   metrics.Metricer
	client RPC
	cfg    Config
	cache  *lru.Cache[cacheKey, uint64]
	good   *lru.Cache[common.Hash, lastGood]

	mu        sync.Mutex
	pricer    Pricer
	pricerKey pricerKey
}

func NewOracle(l log.Logger, m metrics.Metricer, client RPC, cfg Config) (*Oracle, error) {
	cache, err := lru.New[cacheKey, uint64](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create DA price cache: %w", err)
	}
	good, err := lru.New[common.Hash, lastGood](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create DA fallback cache: %w", err)
	}
	return &Oracle{
		log:    l,
		metr:   m,
		client: client,
		cfg:    cfg,
		cache:  cache,
		good:   good,
	}, nil
}

// Active reports whether spec charges DA gas.
func Active(spec *chaincfg.ChainSpec) bool {
	return spec.DAPreVerificationGas && spec.DAGasOracleType != chaincfg.DAGasOracleNone
}

// PriceCalldata returns the DA gas data costs at head when the bundle pays gasPrice per gas.
// When the read fails, the last good fee of data is rescaled to gasPrice and used instead,
// provided it was read at most MaxStaleBlocks before head.
func (o *Oracle) PriceCalldata(ctx context.Context, spec *chaincfg.ChainSpec, head uint64, data []byte, gasPrice *big.Int) (uint64, error) {
	if !Active(spec) {
		return 0, nil
	}
	if gasPrice == nil {
		return 0, fmt.Errorf("%w: no gas price", ErrOracleUnavailable)
	}
	dataHash := crypto.Keccak256Hash(data)
	key := cacheKey{block: head, data: dataHash, gasPrice: common.BigToHash(gasPrice)}
	if gas, ok := o.cache.Get(key); ok {
		return gas, nil
	}

	pricer, err := o.pricerForSpec(spec)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	cctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	gas, err := pricer.PriceCalldata(cctx, head, data, gasPrice)
	if err != nil {
		o.metr.RecordDAOracleError(string(spec.DAGasOracleType))
		if gas, ok := o.fallback(dataHash, head, gasPrice); ok {
			o.log.Warn("Failed to price DA gas, using last good price", "oracle", spec.DAGasOracleType,
				"block", head, "gas", gas, "err", err)
			return gas, nil
		}
		o.log.Warn("Failed to price DA gas", "oracle", spec.DAGasOracleType, "block", head, "err", err)
		return 0, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	o.cache.Add(key, gas)
	if prev, ok := o.good.Get(dataHash); !ok || prev.block <= head {
		fee := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
		o.good.Add(dataHash, lastGood{block: head, fee: fee})
	}
	return gas, nil
}

// fallback prices data from its last good fee, if that is recent enough.
func (o *Oracle) fallback(dataHash common.Hash, head uint64, gasPrice *big.Int) (uint64, bool) {
	if o.cfg.MaxStaleBlocks == 0 {
		return 0, false
	}
	prev, ok := o.good.Get(dataHash)
	if !ok || prev.block > head || head-prev.block > o.cfg.MaxStaleBlocks {
		return 0, false
	}
	gas, err := gasForFee(prev.fee, gasPrice)
	if err != nil {
		return 0, false
	}
	return gas, true
}

func (o *Oracle) pricerForSpec(spec *chaincfg.ChainSpec) (Pricer, error) {
	k := pricerKey{kind: spec.DAGasOracleType, address: spec.DAGasOracleContractAddress}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pricer != nil && o.pricerKey == k {
		return o.pricer, nil
	}
	p, err := NewPricer(spec, o.client)
	if err != nil {
		return nil, err
	}
	o.log.Info("Using DA gas oracle", "oracle", k.kind, "address", k.address)
	o.pricer, o.pricerKey = p, k
	return p, nil
}

// NewPricer builds the pricer named by the spec's DA oracle type.
func NewPricer(spec *chaincfg.ChainSpec, client RPC) (Pricer, error) {
	addr := spec.DAGasOracleContractAddress
	switch spec.DAGasOracleType {
	case chaincfg.DAGasOracleArbitrumNitro:
		return NewNitroPricer(client, addr, spec.EntryPointV0_7), nil
	case chaincfg.DAGasOracleOptimismBedrock:
		return NewBedrockPricer(client, addr), nil
	case chaincfg.DAGasOracleLocalBedrock:
		return NewLocalBedrockPricer(client, addr), nil
	default:
		return nil, fmt.Errorf("no DA gas pricer for oracle type %q", spec.DAGasOracleType)
	}
}
