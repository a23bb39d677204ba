// Package bundler runs the scheduling loop that turns pooled operations into
// bundle transactions and hands them to the dispatcher.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/daoracle"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/fees"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/history"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/pool"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/sender"
	"github.com/mantlenetworkio/mantle-bundler/op-service/eth"
)

var (
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
	ErrNoHead              = errors.New("no head block observed yet")
)

type FeeOracle interface {
	Quote(ctx context.Context, spec *chaincfg.ChainSpec, head uint64) (fees.Quote, error)
}

type DAOracle interface {
	PriceCalldata(ctx context.Context, spec *chaincfg.ChainSpec, head uint64, data []byte, gasPrice *big.Int) (uint64, error)
}

type TxBuilder interface {
	From() common.Address
	GasPrice(ctx context.Context, spec *chaincfg.ChainSpec, priorityFee *big.Int) (*big.Int, error)
	Build(ctx context.Context, spec *chaincfg.ChainSpec, req sender.TxRequest) (*types.Transaction, error)
}

type Dispatcher interface {
	Send(sub *sender.Submission) error
	OnBlock(ev history.BlockEvent) error
	Outcomes() <-chan sender.Outcome
}

type BlockSource interface {
	SubscribeBlocks(ch chan<- history.BlockEvent) event.Subscription
}

// prunablePool is implemented by pools that expire operations by age.
type prunablePool interface {
	Prune(now time.Time) int
}

// sizedPool is implemented by pools that report their size.
type sizedPool interface {
	Len() (available, inBundle int)
}

type SchedulerConfig struct {
	// MaxCandidates bounds the operations taken from the pool per cycle.
	MaxCandidates int
	// GasLimitMargin scales the block gas limit into the bundle gas limit.
	GasLimitMargin float64
	// Beneficiary receives the bundle fees. The signer is used when unset.
	Beneficiary common.Address
	// CycleTimeout bounds the external reads of one cycle. Zero disables it.
	CycleTimeout time.Duration
	// PruneInterval is how often expired operations are dropped from the pool.
	PruneInterval time.Duration
}

// DriverSetup is the collection of collaborators and configuration the scheduler operates on.
type DriverSetup struct {
	Log        log.Logger
	Metr       metrics.Metricer
	Config     SchedulerConfig
	Chain      *chaincfg.Holder
	Pool       pool.Pool
	Fees       FeeOracle
	DA         DAOracle
	Txs        TxBuilder
	Dispatcher Dispatcher
	Blocks     BlockSource
	Encoder    CallEncoder
	Clock      mclock.Clock
}

// Scheduler runs one scheduling cycle per trigger. A trigger is a new block or
// the chain's max send interval elapsing without a send. A trigger arriving
// during a cycle is queued and runs right after it.
type Scheduler struct {
	DriverSetup

	state atomic.Int32
	head  atomic.Pointer[eth.BlockRef]

	trigger chan struct{}
	// lastSend is only used by the schedule loop.
	lastSend mclock.AbsTime

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mutex    sync.Mutex
	running  bool
	blockSub event.Subscription
}

func NewScheduler(setup DriverSetup) *Scheduler {
	if setup.Encoder == nil {
		setup.Encoder = EntryPointEncoder{}
	}
	if setup.Clock == nil {
		setup.Clock = mclock.System{}
	}
	return &Scheduler{
		DriverSetup: setup,
		trigger:     make(chan struct{}, 1),
	}
}

func (s *Scheduler) Start() error {
	s.Log.Info("Starting scheduler")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return errors.New("scheduler is already running")
	}
	s.running = true

	s.ctx, s.cancel = context.WithCancel(context.Background())
	blocks := make(chan history.BlockEvent, 64)
	s.blockSub = s.Blocks.SubscribeBlocks(blocks)

	s.wg.Add(3)
	go s.blockLoop(blocks)
	go s.outcomeLoop()
	go s.scheduleLoop()
	if _, ok := s.Pool.(prunablePool); ok && s.Config.PruneInterval > 0 {
		s.wg.Add(1)
		go s.pruneLoop()
	}

	s.Log.Info("Scheduler started")
	return nil
}

func (s *Scheduler) Stop() error {
	s.Log.Info("Stopping scheduler")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	s.running = false

	s.cancel()
	s.blockSub.Unsubscribe()
	s.wg.Wait()

	s.Log.Info("Scheduler stopped")
	return nil
}

// State returns the phase the current cycle is in.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(state State) {
	s.state.Store(int32(state))
	s.Metr.RecordSchedulerState(state.String())
}

// Head returns the last block the scheduler observed.
func (s *Scheduler) Head() (eth.BlockRef, bool) {
	head := s.head.Load()
	if head == nil {
		return eth.BlockRef{}, false
	}
	return *head, true
}

// trySignal queues a cycle. It does not block: at most one cycle is queued.
func trySignal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// HandleBlock reconciles the dispatcher with a new block and queues a cycle.
func (s *Scheduler) HandleBlock(ev history.BlockEvent) {
	if err := s.Dispatcher.OnBlock(ev); err != nil {
		s.Log.Error("Failed to reconcile block", "block", ev.Ref, "err", err)
	}
	ref := ev.Ref
	s.head.Store(&ref)
	trySignal(s.trigger)
}

func (s *Scheduler) blockLoop(blocks <-chan history.BlockEvent) {
	defer s.wg.Done()
	defer s.Log.Info("Block loop returning")

	for {
		select {
		case ev := <-blocks:
			s.HandleBlock(ev)
		case err := <-s.blockSub.Err():
			if err != nil {
				s.Log.Error("Block subscription failed", "err", err)
			}
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()
	defer s.Log.Info("Schedule loop returning")

	s.lastSend = s.Clock.Now()
	for {
		interval := s.Chain.Get().MaxSendInterval()
		wait := max(time.Duration(s.lastSend.Add(interval)-s.Clock.Now()), 0)
		elapsed := make(chan struct{}, 1)
		timer := s.Clock.AfterFunc(wait, func() { trySignal(elapsed) })

		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.trigger:
			timer.Stop()
			if s.runCycle(s.ctx, "block") {
				s.lastSend = s.Clock.Now()
			}
		case <-elapsed:
			s.runCycle(s.ctx, "interval")
			s.lastSend = s.Clock.Now()
		}
	}
}

func (s *Scheduler) outcomeLoop() {
	defer s.wg.Done()
	defer s.Log.Info("Outcome loop returning")

	for {
		select {
		case out := <-s.Dispatcher.Outcomes():
			s.applyOutcome(out)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) pruneLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Pool.(prunablePool).Prune(time.Now()); n > 0 {
				s.Log.Info("Pruned expired operations", "count", n)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// applyOutcome hands the operations of a settled bundle back to the pool, or removes them.
func (s *Scheduler) applyOutcome(out sender.Outcome) {
	switch out.Kind {
	case sender.OutcomeReorged:
		s.Pool.Reinstate(out.Ops)
		s.Log.Info("Reinstated reorged operations", "bundle", out.BundleID, "ops", len(out.Ops))
		trySignal(s.trigger)
	case sender.OutcomeSuperseded:
		included := make(map[common.Hash]struct{}, len(out.Included))
		for _, id := range out.Included {
			included[id] = struct{}{}
		}
		var back []common.Hash
		for _, op := range out.Ops {
			if _, ok := included[op.ID]; !ok {
				back = append(back, op.ID)
			}
		}
		s.Pool.ReturnCandidates(back)
		s.Log.Info("Returned operations of superseded bundle", "bundle", out.BundleID, "returned", len(back))
		trySignal(s.trigger)
	case sender.OutcomeExhausted, sender.OutcomeAbandoned:
		s.Pool.ReturnCandidates(opIDs(out.Ops))
		s.Log.Warn("Returned operations of failed bundle", "bundle", out.BundleID, "outcome", out.Kind,
			"ops", len(out.Ops), "err", out.Err)
		trySignal(s.trigger)
	case sender.OutcomeIncluded:
		s.Pool.RemoveConfirmed(out.Included)
	case sender.OutcomeConfirmed, sender.OutcomeFinalized:
		s.Log.Debug("Bundle settled", "bundle", out.BundleID, "outcome", out.Kind, "block", out.Block)
	}
	s.recordPoolSize()
}

func (s *Scheduler) recordPoolSize() {
	if p, ok := s.Pool.(sizedPool); ok {
		s.Metr.RecordPoolSize(p.Len())
	}
}

// runCycle runs one scheduling cycle and reports whether a bundle was sent.
// Errors end the cycle; the next trigger starts a fresh one.
func (s *Scheduler) runCycle(ctx context.Context, trigger string) bool {
	defer s.setState(StateIdle)
	defer s.recordPoolSize()

	head, ok := s.Head()
	if !ok {
		s.Log.Debug("Skipping cycle without a head block", "trigger", trigger)
		return false
	}
	spec := s.Chain.Get()
	if s.Config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.CycleTimeout)
		defer cancel()
	}

	bundle, err := s.buildBundle(ctx, spec, head)
	switch {
	case errors.Is(err, fees.ErrFeeUnavailable):
		s.Metr.RecordCycle(metrics.CycleFeeUnavailable)
		s.Log.Warn("Aborting cycle, priority fee unavailable", "trigger", trigger, "err", err)
		return false
	case errors.Is(err, daoracle.ErrOracleUnavailable):
		s.Metr.RecordCycle(metrics.CycleDAUnavailable)
		s.Log.Warn("Aborting cycle, DA gas unavailable", "trigger", trigger, "err", err)
		return false
	case err != nil:
		s.Metr.RecordCycle(metrics.CycleFailed)
		s.Log.Error("Scheduling cycle failed", "trigger", trigger, "err", err)
		return false
	case bundle == nil:
		s.Metr.RecordCycle(metrics.CycleEmpty)
		s.Log.Debug("No bundle this cycle", "trigger", trigger, "head", head)
		return false
	}

	if err := s.send(ctx, spec, bundle); err != nil {
		s.Pool.ReturnCandidates(bundle.OpIDs())
		s.Metr.RecordCycle(metrics.CycleFailed)
		s.Log.Error("Failed to send bundle", "bundle", bundle.ID, "err", err)
		return false
	}
	s.Metr.RecordCycle(metrics.CycleBundle)
	return true
}

func (s *Scheduler) send(ctx context.Context, spec *chaincfg.ChainSpec, b *Bundle) error {
	tx, err := s.Txs.Build(ctx, spec, sender.TxRequest{
		To:          b.To,
		Data:        b.CallData,
		GasLimit:    b.GasLimit,
		PriorityFee: b.Fee.PriorityFee,
	})
	if err != nil {
		return fmt.Errorf("failed to build bundle transaction: %w", err)
	}
	b.Tx = tx
	err = s.Dispatcher.Send(&sender.Submission{
		BundleID:    b.ID,
		Ops:         b.Ops,
		Tx:          tx,
		TargetBlock: b.TargetBlock,
	})
	if err != nil {
		return fmt.Errorf("failed to dispatch bundle: %w", err)
	}
	s.setState(StateSent)
	s.Metr.RecordBundleBuilt(len(b.Ops), b.GasLimit, b.Gas.DA.Uint64(), b.Size())
	s.Log.Info("Sent bundle", "bundle", b.ID, "tx", tx.Hash(), "ops", len(b.Ops), "gas_limit", b.GasLimit,
		"da_gas", b.Gas.DA.Uint64(), "size", b.Size(), "priority_fee", b.Fee.PriorityFee,
		"max_cost", eth.WeiBig(tx.Cost()), "target_block", b.TargetBlock)
	return nil
}

// AssembleOnce runs a cycle up to the assembled bundle without sending it.
// All taken operations are handed back to the pool, so assembling again from an
// unchanged pool and chain state yields the same bundle.
func (s *Scheduler) AssembleOnce(ctx context.Context) (*Bundle, error) {
	defer s.setState(StateIdle)
	head, ok := s.Head()
	if !ok {
		return nil, ErrNoHead
	}
	bundle, err := s.buildBundle(ctx, s.Chain.Get(), head)
	if bundle != nil {
		s.Pool.ReturnCandidates(bundle.OpIDs())
	}
	return bundle, err
}

// buildBundle takes candidates from the pool and assembles them. Every taken
// operation that neither made it into the bundle nor was rejected goes back to the pool.
func (s *Scheduler) buildBundle(ctx context.Context, spec *chaincfg.ChainSpec, head eth.BlockRef) (*Bundle, error) {
	s.setState(StateCollecting)
	candidates := s.Pool.TakeCandidates(s.Config.MaxCandidates)
	if len(candidates) == 0 {
		return nil, nil
	}

	rejected := make(map[common.Hash]struct{})
	bundle, err := s.assemble(ctx, spec, head, candidates, rejected)
	if err != nil {
		bundle = nil
	}
	members := make(map[common.Hash]struct{})
	if bundle != nil {
		for _, op := range bundle.Ops {
			members[op.ID] = struct{}{}
		}
	}
	var back []common.Hash
	for _, op := range candidates {
		_, isRejected := rejected[op.ID]
		_, isMember := members[op.ID]
		if !isRejected && !isMember {
			back = append(back, op.ID)
		}
	}
	if len(back) > 0 {
		s.Pool.ReturnCandidates(back)
	}
	return bundle, err
}

func (s *Scheduler) beneficiary() common.Address {
	if s.Config.Beneficiary != (common.Address{}) {
		return s.Config.Beneficiary
	}
	return s.Txs.From()
}

func opIDs(ops []*pool.Operation) []common.Hash {
	out := make([]common.Hash, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func newBundleID() uuid.UUID {
	return uuid.New()
}
