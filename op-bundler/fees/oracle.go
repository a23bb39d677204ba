package fees

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
	"github.com/mantlenetworkio/mantle-bundler/op-service/locks"
)

// Quote is a priority fee observed at a specific block.
type Quote struct {
	PriorityFee *big.Int
	Min         *big.Int
	Max         *big.Int
	BlockNumber uint64
	ObservedAt  time.Time
	Strategy    chaincfg.PriorityFeeOracleType
}

// Fresh reports whether the quote may be used to price a bundle for head at now.
func (q Quote) Fresh(now time.Time, head uint64, ttl time.Duration) bool {
	if q.PriorityFee == nil || q.BlockNumber != head {
		return false
	}
	return now.Sub(q.ObservedAt) <= ttl
}

// Age returns how long ago the quote was observed.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

type OracleConfig struct {
	// Timeout bounds a single strategy query.
	Timeout time.Duration
	// TTL is how long a quote is reused within the block it was observed at.
	TTL time.Duration
	// MaxStaleness is the oldest last-known-good quote used when the strategy fails.
	MaxStaleness time.Duration
}

func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		Timeout:      2 * time.Second,
		TTL:          12 * time.Second,
		MaxStaleness: 30 * time.Second,
	}
}

// Oracle produces one priority fee quote per block for the scheduler.
// The strategy is picked from the chain spec and rebuilt if a reloaded spec changes it.
type Oracle struct {
	log  log.Logger
	metr metrics.Metricer
	src  FeeSource
	cfg  OracleConfig
	now  func() time.Time

	strategy locks.RWValue[Strategy]
	// lkg is the last quote the strategy produced successfully.
	lkg locks.RWValue[*Quote]
}

func NewOracle(l log.Logger, m metrics.Metricer, src FeeSource, cfg OracleConfig) *Oracle {
	return &Oracle{
		log:  l,
		metr: m,
		src:  src,
		cfg:  cfg,
		now:  time.Now,
	}
}

// WithClock replaces the oracle's time source.
func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	o.now = now
	return o
}

// Quote returns the priority fee to pay for a bundle targeting the block after head.
// A fresh quote of the same block is reused. If the strategy fails, the last known
// good quote is returned while it is younger than MaxStaleness.
func (o *Oracle) Quote(ctx context.Context, spec *chaincfg.ChainSpec, head uint64) (Quote, error) {
	now := o.now()
	lkg := o.lkg.Get()
	if lkg != nil && lkg.Strategy == spec.PriorityFeeOracleType && lkg.Fresh(now, head, o.cfg.TTL) {
		return *lkg, nil
	}

	strategy, err := o.strategyFor(spec)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrFeeUnavailable, err)
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	fee, err := strategy.Quote(cctx, spec)
	if err != nil {
		if lkg != nil && lkg.Age(now) <= o.cfg.MaxStaleness {
			o.log.Warn("Priority fee strategy failed, using last known good quote",
				"err", err, "fee", lkg.PriorityFee, "quote_block", lkg.BlockNumber, "age", lkg.Age(now))
			o.metr.RecordFeeFallback()
			return *lkg, nil
		}
		return Quote{}, err
	}

	q := &Quote{
		PriorityFee: fee,
		Min:         spec.MinMaxPriorityFeePerGas.Big(),
		Max:         spec.MaxMaxPriorityFeePerGas.Big(),
		BlockNumber: head,
		ObservedAt:  now,
		Strategy:    strategy.Type(),
	}
	o.lkg.Set(q)
	o.metr.RecordFeeQuote(string(q.Strategy), fee)
	o.log.Debug("Priority fee quoted", "strategy", q.Strategy, "fee", fee, "block", head)
	return *q, nil
}

// LastKnownGood returns the last successful quote, if any.
func (o *Oracle) LastKnownGood() (Quote, bool) {
	lkg := o.lkg.Get()
	if lkg == nil {
		return Quote{}, false
	}
	return *lkg, true
}

func (o *Oracle) strategyFor(spec *chaincfg.ChainSpec) (Strategy, error) {
	o.strategy.Lock()
	defer o.strategy.Unlock()
	if s := o.strategy.Value; s != nil && s.Type() == spec.PriorityFeeOracleType {
		return s, nil
	}
	s, err := NewStrategy(spec.PriorityFeeOracleType, o.src)
	if err != nil {
		return nil, err
	}
	if o.strategy.Value != nil {
		o.log.Info("Priority fee strategy changed", "from", o.strategy.Value.Type(), "to", s.Type())
	}
	o.strategy.Value = s
	return s, nil
}
