package sources

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/history"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/pool"
	"github.com/mantlenetworkio/mantle-bundler/op-service/testlog"
)

var entryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

type fakeClient struct {
	mu        sync.Mutex
	byHash    map[common.Hash]*types.Header
	canonical map[uint64]*types.Header
	head      uint64
	logs      map[common.Hash][]types.Log

	tip     *big.Int
	ratios  []float64
	feeErr  error
	queries []ethereum.FilterQuery
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		byHash:    make(map[common.Hash]*types.Header),
		canonical: make(map[uint64]*types.Header),
		logs:      make(map[common.Hash][]types.Log),
	}
}

// mine makes blocks from..to canonical on the given fork.
func (c *fakeClient) mine(fork byte, from, to uint64, included map[uint64][]common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := from; n <= to; n++ {
		h := &types.Header{
			Number:     new(big.Int).SetUint64(n),
			Extra:      []byte{fork},
			Difficulty: common.Big0,
		}
		if parent, ok := c.canonical[n-1]; ok && n > 0 {
			h.ParentHash = parent.Hash()
		}
		c.byHash[h.Hash()] = h
		c.canonical[n] = h
		for _, op := range included[n] {
			c.logs[h.Hash()] = append(c.logs[h.Hash()], types.Log{
				Address: entryPoint,
				Topics:  []common.Hash{UserOperationEventTopic, op, {}, {}},
			})
		}
	}
	for n := range c.canonical {
		if n > to {
			delete(c.canonical, n)
		}
	}
	c.head = to
}

func (c *fakeClient) hash(n uint64) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canonical[n].Hash()
}

func (c *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number == nil {
		return c.canonical[c.head], nil
	}
	h, ok := c.canonical[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (c *fakeClient) HeaderByHash(_ context.Context, hash common.Hash) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byHash[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (c *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	return c.logs[*q.BlockHash], nil
}

func (c *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return c.tip, c.feeErr
}

func (c *fakeClient) FeeHistory(context.Context, uint64, *big.Int, []float64) (*ethereum.FeeHistory, error) {
	if c.feeErr != nil {
		return nil, c.feeErr
	}
	return &ethereum.FeeHistory{GasUsedRatio: c.ratios}, nil
}

func newTestTracker(t *testing.T, client Client) (*HeadTracker, chan history.BlockEvent) {
	return newTestTrackerWithDepth(t, client, 16)
}

func newTestTrackerWithDepth(t *testing.T, client Client, maxDepth uint64) (*HeadTracker, chan history.BlockEvent) {
	tracker := NewHeadTracker(testlog.Logger(t, log.LevelDebug), metrics.NoopMetrics, client, HeadTrackerConfig{
		PollInterval: 10 * time.Millisecond,
		MaxDepth:     maxDepth,
		EntryPoints:  func() []common.Address { return []common.Address{entryPoint} },
	})
	ch := make(chan history.BlockEvent, 64)
	sub := tracker.SubscribeBlocks(ch)
	t.Cleanup(sub.Unsubscribe)
	return tracker, ch
}

func drain(ch chan history.BlockEvent) []history.BlockEvent {
	var out []history.BlockEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func numbers(evs []history.BlockEvent) []uint64 {
	out := make([]uint64, len(evs))
	for i, ev := range evs {
		out[i] = ev.Ref.Number
	}
	return out
}

func TestHeadTrackerFollowsChain(t *testing.T) {
	client := newFakeClient()
	client.mine(1, 0, 5, nil)
	tracker, ch := newTestTracker(t, client)

	require.NoError(t, tracker.Poll(context.Background()))
	evs := drain(ch)
	require.Equal(t, []uint64{5}, numbers(evs))
	require.False(t, evs[0].Reorg)

	require.NoError(t, tracker.Poll(context.Background()))
	require.Empty(t, drain(ch), "unchanged head publishes nothing")

	op := common.Hash{0xab}
	client.mine(1, 6, 8, map[uint64][]common.Hash{7: {op}})
	require.NoError(t, tracker.Poll(context.Background()))
	evs = drain(ch)
	require.Equal(t, []uint64{6, 7, 8}, numbers(evs))
	require.Equal(t, []common.Hash{op}, evs[1].Included)
	require.Empty(t, evs[0].Included)
	for i := 1; i < len(evs); i++ {
		require.Equal(t, evs[i-1].Ref.Hash, evs[i].Ref.ParentHash)
		require.False(t, evs[i].Reorg)
	}

	head, ok := tracker.LatestBlock()
	require.True(t, ok)
	require.Equal(t, client.hash(8), head.Hash)

	q := client.queries[len(client.queries)-1]
	require.Equal(t, []common.Address{entryPoint}, q.Addresses)
	require.Equal(t, [][]common.Hash{{UserOperationEventTopic}}, q.Topics)
}

func TestHeadTrackerReorg(t *testing.T) {
	client := newFakeClient()
	client.mine(1, 0, 10, nil)
	tracker, ch := newTestTracker(t, client)
	require.NoError(t, tracker.Poll(context.Background()))
	client.mine(1, 11, 12, nil)
	require.NoError(t, tracker.Poll(context.Background()))
	drain(ch)

	client.mine(2, 11, 13, nil)
	require.NoError(t, tracker.Poll(context.Background()))
	evs := drain(ch)
	require.Equal(t, []uint64{11, 12, 13}, numbers(evs))
	require.True(t, evs[0].Reorg)
	require.Equal(t, uint64(10), evs[0].CommonAncestor)
	require.Equal(t, client.hash(10), evs[0].Ref.ParentHash)
	require.False(t, evs[1].Reorg)
}

func TestHeadTrackerShorterReorg(t *testing.T) {
	client := newFakeClient()
	client.mine(1, 0, 10, nil)
	tracker, ch := newTestTracker(t, client)
	require.NoError(t, tracker.Poll(context.Background()))
	client.mine(1, 11, 12, nil)
	require.NoError(t, tracker.Poll(context.Background()))
	drain(ch)

	client.mine(2, 11, 11, nil)
	require.NoError(t, tracker.Poll(context.Background()))
	evs := drain(ch)
	require.Equal(t, []uint64{11}, numbers(evs))
	require.True(t, evs[0].Reorg)
	require.Equal(t, uint64(10), evs[0].CommonAncestor)
}

func TestHeadTrackerFeedsHistory(t *testing.T) {
	client := newFakeClient()
	client.mine(1, 0, 3, nil)
	tracker, ch := newTestTracker(t, client)
	buf, err := history.NewBuffer(testlog.Logger(t, log.LevelDebug), metrics.NoopMetrics, 8, history.NewMemoryStore())
	require.NoError(t, err)

	apply := func() {
		require.NoError(t, tracker.Poll(context.Background()))
		for _, ev := range drain(ch) {
			_, err := buf.Observe(ev)
			require.NoError(t, err)
		}
	}
	apply()
	client.mine(1, 4, 6, nil)
	apply()
	client.mine(2, 5, 7, nil)
	apply()

	head, ok := buf.Head()
	require.True(t, ok)
	require.Equal(t, client.hash(7), head.Hash)
	require.Len(t, buf.Entries(), 5)
}

// historyFeed applies every block the tracker publishes to a history buffer.
type historyFeed struct {
	t       *testing.T
	tracker *HeadTracker
	ch      chan history.BlockEvent
	buf     *history.Buffer

	errs       int
	reorged    []uuid.UUID
	reorgDepth uint64
}

func newHistoryFeed(t *testing.T, client *fakeClient, maxDepth, size uint64, store history.Store) *historyFeed {
	tracker, ch := newTestTrackerWithDepth(t, client, maxDepth)
	buf, err := history.NewBuffer(testlog.Logger(t, log.LevelDebug), metrics.NoopMetrics, size, store)
	require.NoError(t, err)
	return &historyFeed{t: t, tracker: tracker, ch: ch, buf: buf}
}

func (f *historyFeed) poll() {
	require.NoError(f.t, f.tracker.Poll(context.Background()))
	for _, ev := range drain(f.ch) {
		rec, err := f.buf.Observe(ev)
		if err != nil {
			f.errs++
		}
		for _, r := range rec.Reorged {
			f.reorged = append(f.reorged, r.ID)
		}
		if rec.ReorgDepth > 0 {
			f.reorgDepth = rec.ReorgDepth
		}
	}
}

func (f *historyFeed) requireHead(client *fakeClient, n uint64) {
	head, ok := f.buf.Head()
	require.True(f.t, ok)
	require.Equal(f.t, n, head.Number)
	require.Equal(f.t, client.hash(n), head.Hash)
}

// mineAndFollow extends the chain one block per poll.
func (f *historyFeed) mineAndFollow(client *fakeClient, fork byte, from, to uint64, included map[uint64][]common.Hash) {
	for n := from; n <= to; n++ {
		client.mine(fork, n, n, included)
		f.poll()
	}
}

func TestReorgDeeperThanTrackerDepthReachesHistory(t *testing.T) {
	op := common.Hash{0x22}
	for _, tc := range []struct {
		name     string
		maxDepth uint64
		depth    uint64
	}{
		{name: "tracker covers the window", maxDepth: 64, depth: 20},
		{name: "tracker shallower than the window", maxDepth: 16, depth: 21},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeClient()
			client.mine(1, 0, 20, nil)
			f := newHistoryFeed(t, client, tc.maxDepth, 64, history.NewMemoryStore())
			f.poll()
			bundle := uuid.New()
			require.NoError(t, f.buf.Track(bundle, []*pool.Operation{{ID: op}}))
			f.mineAndFollow(client, 1, 21, 40, map[uint64][]common.Hash{22: {op}})
			_, confirmed, _ := f.buf.Tracked(bundle)
			require.True(t, confirmed)

			client.mine(2, 21, 50, nil)
			f.poll()
			require.Zero(t, f.errs)
			require.Equal(t, []uuid.UUID{bundle}, f.reorged)
			require.Equal(t, tc.depth, f.reorgDepth)
			f.requireHead(client, 50)

			f.mineAndFollow(client, 2, 51, 53, nil)
			require.Zero(t, f.errs)
			f.requireHead(client, 53)
		})
	}
}

type flakyStore struct {
	*history.MemoryStore
	failAt uint64
}

func (s *flakyStore) Put(e history.Entry) error {
	if e.Number == s.failAt {
		s.failAt = 0
		return errors.New("write failed")
	}
	return s.MemoryStore.Put(e)
}

func TestStoreFailureDoesNotStallHistory(t *testing.T) {
	client := newFakeClient()
	client.mine(1, 0, 1, nil)
	f := newHistoryFeed(t, client, 16, 4, &flakyStore{MemoryStore: history.NewMemoryStore(), failAt: 4})
	f.poll()

	op := common.Hash{0x44}
	bundle := uuid.New()
	require.NoError(t, f.buf.Track(bundle, []*pool.Operation{{ID: op}}))
	f.mineAndFollow(client, 1, 2, 10, map[uint64][]common.Hash{4: {op}})
	require.Equal(t, 1, f.errs)
	f.requireHead(client, 10)
	require.Len(t, f.buf.Entries(), 4)
	_, _, tracked := f.buf.Tracked(bundle)
	require.False(t, tracked, "the confirmation finalized out of the window")
}

func TestHeadTrackerResumesFromSeed(t *testing.T) {
	client := newFakeClient()
	client.mine(1, 0, 40, nil)
	tracker, ch := newTestTracker(t, client)
	tracker.Seed([]history.Entry{
		{Number: 37, Hash: client.hash(37)},
		{Number: 38, Hash: client.hash(38)},
	})
	require.NoError(t, tracker.Poll(context.Background()))
	evs := drain(ch)
	require.Equal(t, []uint64{39, 40}, numbers(evs))
	require.False(t, evs[0].Reorg)

	// A gap deeper than MaxDepth is published as a resync.
	tracker, ch = newTestTracker(t, client)
	tracker.Seed([]history.Entry{{Number: 5, Hash: client.hash(5)}})
	require.NoError(t, tracker.Poll(context.Background()))
	evs = drain(ch)
	require.Len(t, evs, 16)
	require.True(t, evs[0].Reorg)
	require.Equal(t, uint64(24), evs[0].CommonAncestor)
}

func TestHeadTrackerStartStop(t *testing.T) {
	client := newFakeClient()
	client.mine(1, 0, 2, nil)
	tracker, ch := newTestTracker(t, client)
	tracker.Start(context.Background())
	defer tracker.Stop()

	select {
	case ev := <-ch:
		require.Equal(t, uint64(2), ev.Ref.Number)
	case <-time.After(5 * time.Second):
		t.Fatal("no block published")
	}
}

func TestFeeSource(t *testing.T) {
	client := newFakeClient()
	client.tip = big.NewInt(42)
	client.ratios = []float64{0.5, 1, 0}
	src := NewFeeSource(client, 3)

	tip, err := src.SuggestPriorityFee(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), tip.Int64())

	ratio, err := src.UsageRatio(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 0.5, ratio, 1e-9)

	client.ratios = nil
	_, err = src.UsageRatio(context.Background())
	require.Error(t, err)

	client.feeErr = errors.New("down")
	_, err = src.SuggestPriorityFee(context.Background())
	require.ErrorContains(t, err, "down")
}
