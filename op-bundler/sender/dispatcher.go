// Package sender submits bundle transactions through the enabled channels and
// tracks each submission until the chain settles it.
package sender

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/history"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/pool"
	"github.com/mantlenetworkio/mantle-bundler/op-service/locks"
)

// Tracker reconciles sent bundles against new blocks.
type Tracker interface {
	Track(bundleID uuid.UUID, ops []*pool.Operation) error
	Untrack(bundleID uuid.UUID)
	Observe(ev history.BlockEvent) (history.Reconciliation, error)
}

type Config struct {
	// MaxAttempts bounds the tries per channel, including the first one.
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	// PendingBlocks is how many blocks past its target a submitted bundle may
	// stay unconfirmed before it is abandoned.
	PendingBlocks uint64
	// OutcomeBuffer is the capacity of the outcome channel.
	OutcomeBuffer int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		BackoffMin:    200 * time.Millisecond,
		BackoffMax:    5 * time.Second,
		PendingBlocks: 10,
		OutcomeBuffer: 256,
	}
}

type inflight struct {
	sub    *Submission
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts []*Attempt
	// sending is true while channel attempts are still running.
	sending bool
	// resolved is set once the chain settled the bundle; late channel results are ignored.
	resolved bool
}

func (b *inflight) update(a *Attempt, fn func(a *Attempt)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(a)
}

func (b *inflight) setAll(state AttemptState, block uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolved = true
	for _, a := range b.attempts {
		if state == AttemptConfirmed && a.State != AttemptSubmitted {
			continue
		}
		if a.State == AttemptFailed {
			continue
		}
		a.State = state
		if state == AttemptConfirmed {
			a.ConfirmedAt = block
		}
	}
}

// Dispatcher fans each bundle out to every channel, retries transient failures
// per channel, and turns channel results and chain reconciliation into outcomes.
// Channels are independent: a failing channel never cancels another.
type Dispatcher struct {
	log      log.Logger
	metr     metrics.Metricer
	channels []Channel
	tracker  Tracker
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bundles  locks.RWMap[uuid.UUID, *inflight]
	outcomes chan Outcome
}

func NewDispatcher(l log.Logger, m metrics.Metricer, channels []Channel, tracker Tracker, cfg Config) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:      l,
		metr:     m,
		channels: channels,
		tracker:  tracker,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		outcomes: make(chan Outcome, cfg.OutcomeBuffer),
	}
}

// Outcomes delivers every pool change the dispatcher decides on, in order.
func (d *Dispatcher) Outcomes() <-chan Outcome {
	return d.outcomes
}

// Close cancels all submissions and waits for them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Send tracks the bundle and starts submitting it through every channel.
// It returns once the submissions are started.
func (d *Dispatcher) Send(sub *Submission) error {
	if err := d.tracker.Track(sub.BundleID, sub.Ops); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(d.ctx)
	b := &inflight{sub: sub, cancel: cancel, sending: true}
	for _, ch := range d.channels {
		b.attempts = append(b.attempts, &Attempt{
			ID:       uuid.NewString(),
			BundleID: sub.BundleID,
			Channel:  ch.Name(),
			State:    AttemptPending,
		})
	}
	d.bundles.Set(sub.BundleID, b)
	d.metr.RecordBundleStage(metrics.BundleSent)
	d.log.Info("Sending bundle", "bundle", sub.BundleID, "tx", sub.Tx.Hash(), "ops", len(sub.Ops),
		"target_block", sub.TargetBlock, "channels", len(d.channels))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		var g errgroup.Group
		for i, ch := range d.channels {
			a := b.attempts[i]
			g.Go(func() error {
				return d.submit(ctx, b, a, ch)
			})
		}
		_ = g.Wait()
		d.settleSend(b)
	}()
	return nil
}

// submit runs the attempt of one channel. Its error only reports the final
// state of the attempt; it never affects other channels.
func (d *Dispatcher) submit(ctx context.Context, b *inflight, a *Attempt, ch Channel) error {
	bo := &backoff.Backoff{Min: d.cfg.BackoffMin, Max: d.cfg.BackoffMax, Factor: 2, Jitter: true}
	lgr := d.log.New("bundle", b.sub.BundleID, "channel", ch.Name(), "attempt", a.ID)
	for {
		var tries int
		b.update(a, func(a *Attempt) {
			a.Tries++
			tries = a.Tries
		})
		ref, err := ch.Submit(ctx, b.sub)
		switch {
		case err == nil:
			b.update(a, func(a *Attempt) {
				a.State, a.TxRef, a.Err = AttemptSubmitted, ref, nil
			})
			d.metr.RecordSubmission(string(ch.Name()), "submitted")
			lgr.Info("Submitted bundle", "ref", ref, "tries", tries)
			return nil
		case ctx.Err() != nil:
			d.cancelAttempt(b, a)
			return nil
		case errors.Is(err, ErrStale):
			d.failAttempt(b, a, err)
			d.metr.RecordSubmission(string(ch.Name()), "stale")
			lgr.Warn("Bundle submission is stale", "err", err)
			return err
		case errors.Is(err, ErrTransient) && tries < d.cfg.MaxAttempts:
			d.metr.RecordSubmission(string(ch.Name()), "transient")
			wait := bo.Duration()
			lgr.Debug("Retrying bundle submission", "err", err, "tries", tries, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				d.cancelAttempt(b, a)
				return nil
			}
		default:
			d.failAttempt(b, a, err)
			d.metr.RecordSubmission(string(ch.Name()), "failed")
			lgr.Warn("Bundle submission failed", "err", err, "tries", tries)
			return err
		}
	}
}

func (d *Dispatcher) failAttempt(b *inflight, a *Attempt, err error) {
	b.update(a, func(a *Attempt) {
		a.State, a.Err = AttemptFailed, err
	})
}

func (d *Dispatcher) cancelAttempt(b *inflight, a *Attempt) {
	b.update(a, func(a *Attempt) {
		if a.State == AttemptPending {
			a.State = AttemptCancelled
		}
	})
}

// settleSend decides the bundle's fate once all channels returned.
// A bundle that any channel accepted waits for the chain; otherwise its ops go back.
func (d *Dispatcher) settleSend(b *inflight) {
	b.mu.Lock()
	b.sending = false
	if b.resolved {
		b.mu.Unlock()
		return
	}
	var (
		submitted bool
		stale     bool
		result    *multierror.Error
	)
	for _, a := range b.attempts {
		switch a.State {
		case AttemptSubmitted:
			submitted = true
		case AttemptFailed:
			if errors.Is(a.Err, ErrStale) {
				stale = true
			}
			result = multierror.Append(result, &ChannelError{Channel: a.Channel, Err: a.Err})
		}
	}
	if submitted || d.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	b.resolved = true
	b.mu.Unlock()

	d.bundles.Delete(b.sub.BundleID)
	d.tracker.Untrack(b.sub.BundleID)
	out := Outcome{BundleID: b.sub.BundleID, Ops: b.sub.Ops}
	switch {
	case result == nil:
		out.Kind = OutcomeAbandoned
		out.Err = context.Canceled
		d.metr.RecordBundleStage(metrics.BundleAbandoned)
		d.log.Info("Bundle cancelled before any channel accepted it", "bundle", b.sub.BundleID)
	case stale:
		out.Kind = OutcomeAbandoned
		out.Err = ErrStale
		d.metr.RecordBundleStage(metrics.BundleAbandoned)
		d.log.Warn("Abandoning stale bundle", "bundle", b.sub.BundleID, "err", result.ErrorOrNil())
	default:
		out.Kind = OutcomeExhausted
		out.Err = &ExhaustedError{Errs: result}
		d.metr.RecordBundleStage(metrics.BundleExhausted)
		d.log.Error("All channels failed bundle", "bundle", b.sub.BundleID, "err", out.Err)
	}
	d.emit(out)
}

// OnBlock reconciles a new block against the sent bundles and emits the resulting outcomes.
// Outcomes and expiry are applied even when the tracker reports an error.
func (d *Dispatcher) OnBlock(ev history.BlockEvent) error {
	rec, err := d.tracker.Observe(ev)
	block := ev.Ref.Number

	for _, r := range rec.Reorged {
		if b, ok := d.bundles.Get(r.ID); ok {
			b.setAll(AttemptReorged, 0)
			d.bundles.Delete(r.ID)
		}
		d.metr.RecordBundleStage(metrics.BundleReorged)
		d.log.Warn("Bundle reorged out", "bundle", r.ID, "ops", len(r.Ops))
		d.emit(Outcome{Kind: OutcomeReorged, BundleID: r.ID, Ops: r.Ops, Block: block})
	}
	for _, c := range rec.Confirmed {
		b, ok := d.bundles.Get(c.ID)
		var ops []*pool.Operation
		if ok {
			b.setAll(AttemptConfirmed, c.Block)
			b.cancel()
			ops = b.sub.Ops
		}
		d.metr.RecordBundleStage(metrics.BundleConfirmed)
		d.log.Info("Bundle confirmed", "bundle", c.ID, "block", c.Block)
		d.emit(Outcome{Kind: OutcomeConfirmed, BundleID: c.ID, Ops: ops, Block: c.Block})
	}
	for _, id := range rec.Superseded {
		b, ok := d.bundles.Get(id)
		var ops []*pool.Operation
		if ok {
			b.setAll(AttemptSuperseded, 0)
			b.cancel()
			d.bundles.Delete(id)
			ops = b.sub.Ops
		}
		d.metr.RecordBundleStage(metrics.BundleSuperseded)
		d.log.Info("Bundle superseded", "bundle", id, "block", block)
		d.emit(Outcome{Kind: OutcomeSuperseded, BundleID: id, Ops: ops, Included: rec.Included, Block: block})
	}
	for _, id := range rec.Finalized {
		d.bundles.Delete(id)
		d.metr.RecordBundleStage(metrics.BundleFinalized)
		d.emit(Outcome{Kind: OutcomeFinalized, BundleID: id, Block: block})
	}
	if len(rec.Included) > 0 {
		d.emit(Outcome{Kind: OutcomeIncluded, Included: rec.Included, Block: block})
	}
	d.expire(block)
	return err
}

// expire abandons submitted bundles that stayed unconfirmed for too long.
func (d *Dispatcher) expire(head uint64) {
	var expired []*inflight
	d.bundles.Range(func(_ uuid.UUID, b *inflight) bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.resolved && !b.sending && b.sub.TargetBlock+d.cfg.PendingBlocks < head {
			b.resolved = true
			expired = append(expired, b)
		}
		return true
	})
	for _, b := range expired {
		b.setAll(AttemptCancelled, 0)
		d.bundles.Delete(b.sub.BundleID)
		d.tracker.Untrack(b.sub.BundleID)
		d.metr.RecordBundleStage(metrics.BundleAbandoned)
		d.log.Warn("Abandoning unconfirmed bundle", "bundle", b.sub.BundleID, "target_block", b.sub.TargetBlock, "head", head)
		d.emit(Outcome{Kind: OutcomeAbandoned, BundleID: b.sub.BundleID, Ops: b.sub.Ops, Block: head})
	}
}

func (d *Dispatcher) emit(out Outcome) {
	select {
	case d.outcomes <- out:
	case <-d.ctx.Done():
	}
}

// Cancel stops the remaining submissions of a bundle. Its ops stay in flight
// until the chain or the expiry settles the bundle.
func (d *Dispatcher) Cancel(bundleID uuid.UUID) {
	if b, ok := d.bundles.Get(bundleID); ok {
		b.cancel()
	}
}

// Attempts returns a copy of the attempts of a bundle still in flight.
func (d *Dispatcher) Attempts(bundleID uuid.UUID) []Attempt {
	b, ok := d.bundles.Get(bundleID)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Attempt, len(b.attempts))
	for i, a := range b.attempts {
		out[i] = *a
	}
	return out
}

// InFlight returns the number of bundles not yet settled by the chain.
func (d *Dispatcher) InFlight() int {
	return d.bundles.Len()
}
