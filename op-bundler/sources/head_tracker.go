package sources

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/history"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
	"github.com/mantlenetworkio/mantle-bundler/op-service/eth"
)

type HeadTrackerConfig struct {
	PollInterval time.Duration
	// MaxDepth bounds how far back a reorg or a gap is followed.
	MaxDepth uint64
	// EntryPoints returns the entry points whose UserOperationEvents are collected.
	EntryPoints func() []common.Address
}

// HeadTracker polls the node for new heads and publishes them as block events,
// in order, with the IDs of the operations each block included.
// When the new head does not extend the last published one, it walks parent
// hashes back to the common ancestor and republishes the new branch from there.
type HeadTracker struct {
	log    log.Logger
	metr   metrics.Metricer
	client Client
	cfg    HeadTrackerConfig

	mu    sync.Mutex
	known map[uint64]common.Hash
	head  *eth.BlockRef

	feed event.FeedOf[history.BlockEvent]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewHeadTracker(l log.Logger, m metrics.Metricer, client Client, cfg HeadTrackerConfig) *HeadTracker {
	return &HeadTracker{
		log:    l,
		metr:   m,
		client: client,
		cfg:    cfg,
		known:  make(map[uint64]common.Hash),
	}
}

// SubscribeBlocks delivers every published block event to ch.
func (t *HeadTracker) SubscribeBlocks(ch chan<- history.BlockEvent) event.Subscription {
	return t.feed.Subscribe(ch)
}

// LatestBlock returns the last published head.
func (t *HeadTracker) LatestBlock() (eth.BlockRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.head == nil {
		return eth.BlockRef{}, false
	}
	return *t.head, true
}

func (t *HeadTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop(ctx)
}

func (t *HeadTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *HeadTracker) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := t.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Warn("Failed to poll chain head", "err", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Poll fetches the latest head and publishes every block not yet published.
func (t *HeadTracker) Poll(ctx context.Context) error {
	latest, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch latest header: %w", err)
	}
	events, err := t.advance(ctx, latest)
	if err != nil {
		return err
	}
	// Subscribers may read LatestBlock while handling an event, so send unlocked.
	for _, ev := range events {
		t.feed.Send(ev)
	}
	return nil
}

func (t *HeadTracker) advance(ctx context.Context, latest *types.Header) ([]history.BlockEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	branch, connected, err := t.newBranch(ctx, latest)
	if err != nil || len(branch) == 0 {
		return nil, err
	}

	// A branch that could not be linked to a published block is published as a
	// reorg onto its own parent, so consumers resync from it.
	ancestor := branch[0].Number.Uint64() - 1
	reorg := t.head != nil && (ancestor < t.head.Number || !connected)
	events := make([]history.BlockEvent, 0, len(branch))
	for i, h := range branch {
		ref := eth.HeaderBlockRef(h)
		included, err := t.includedOps(ctx, ref.Hash)
		if err != nil {
			return nil, err
		}
		ev := history.BlockEvent{Ref: ref, Included: included}
		if i == 0 && reorg {
			ev.Reorg, ev.CommonAncestor = true, ancestor
		}
		events = append(events, ev)
	}

	if reorg {
		for n := range t.known {
			if n > ancestor {
				delete(t.known, n)
			}
		}
		t.log.Warn("Detected reorg", "ancestor", ancestor, "old_head", t.head, "new_head", events[len(events)-1].Ref)
	}
	for _, ev := range events {
		t.known[ev.Ref.Number] = ev.Ref.Hash
	}
	head := events[len(events)-1].Ref
	t.head = &head
	t.prune()
	t.metr.RecordRef("chain_head", head.Number, head.Hash)
	return events, nil
}

// newBranch walks back from latest until it reaches a published block, and
// returns the unpublished blocks oldest first. connected is false when the walk
// stopped before reaching a published block.
func (t *HeadTracker) newBranch(ctx context.Context, latest *types.Header) (branch []*types.Header, connected bool, err error) {
	lowest := t.lowestKnown()
	for cur := latest; ; {
		n := cur.Number.Uint64()
		if h, ok := t.known[n]; ok && h == cur.Hash() {
			connected = true
			break
		}
		branch = append(branch, cur)
		if n == 0 || len(t.known) == 0 {
			break
		}
		parent, ok := t.known[n-1]
		if ok && parent == cur.ParentHash {
			connected = true
			break
		}
		if (!ok && n-1 < lowest) || uint64(len(branch)) >= t.cfg.MaxDepth {
			break
		}
		next, err := t.client.HeaderByHash(ctx, cur.ParentHash)
		if err != nil {
			return nil, false, fmt.Errorf("failed to fetch header %s: %w", cur.ParentHash, err)
		}
		cur = next
	}
	slices.Reverse(branch)
	return branch, connected, nil
}

// Seed marks restored history entries as published, so polling resumes from them.
func (t *HeadTracker) Seed(entries []history.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		t.known[e.Number] = e.Hash
		if t.head == nil || e.Number > t.head.Number {
			t.head = &eth.BlockRef{Number: e.Number, Hash: e.Hash, ParentHash: e.ParentHash}
		}
	}
}

func (t *HeadTracker) includedOps(ctx context.Context, block common.Hash) ([]common.Hash, error) {
	var addrs []common.Address
	if t.cfg.EntryPoints != nil {
		addrs = t.cfg.EntryPoints()
	}
	logs, err := t.client.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &block,
		Addresses: addrs,
		Topics:    [][]common.Hash{{UserOperationEventTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user operation events of %s: %w", block, err)
	}
	var out []common.Hash
	for _, l := range logs {
		if len(l.Topics) < 2 || l.Removed {
			continue
		}
		out = append(out, l.Topics[1])
	}
	return out, nil
}

func (t *HeadTracker) lowestKnown() uint64 {
	lowest := uint64(0)
	first := true
	for n := range t.known {
		if first || n < lowest {
			lowest, first = n, false
		}
	}
	return lowest
}

func (t *HeadTracker) prune() {
	if t.head == nil || t.head.Number < t.cfg.MaxDepth {
		return
	}
	floor := t.head.Number - t.cfg.MaxDepth
	for n := range t.known {
		if n < floor {
			delete(t.known, n)
		}
	}
}
