package pool

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/mantlenetworkio/mantle-bundler/op-service/testlog"
)

var t0 = time.Unix(1_700_000_000, 0)

func testOp(id byte, fee int64, arrived time.Duration) *Operation {
	return &Operation{
		ID:        common.Hash{id},
		Sender:    common.Address{id},
		CallData:  []byte{id},
		FeeBid:    big.NewInt(fee),
		ArrivedAt: t0.Add(arrived),
	}
}

func ids(ops []*Operation) []common.Hash {
	out := make([]common.Hash, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func newTestPool(t *testing.T, ttl time.Duration, ops ...*Operation) *MemPool {
	p := NewMemPool(testlog.Logger(t, log.LevelDebug), ttl)
	for _, op := range ops {
		require.NoError(t, p.Add(op))
	}
	return p
}

func TestTakeCandidatesPriorityOrder(t *testing.T) {
	a := testOp(1, 10, 2*time.Second)
	b := testOp(2, 20, 3*time.Second)
	c := testOp(3, 10, time.Second)
	d := testOp(4, 10, time.Second)
	p := newTestPool(t, 0, a, b, c, d)

	got := p.TakeCandidates(10)
	require.Equal(t, []common.Hash{b.ID, c.ID, d.ID, a.ID}, ids(got))
}

func TestTakenOperationsAreNotOfferedTwice(t *testing.T) {
	a, b, c := testOp(1, 3, 0), testOp(2, 2, 0), testOp(3, 1, 0)
	p := newTestPool(t, 0, a, b, c)

	first := p.TakeCandidates(2)
	require.Equal(t, []common.Hash{a.ID, b.ID}, ids(first))
	second := p.TakeCandidates(2)
	require.Equal(t, []common.Hash{c.ID}, ids(second))
	require.Empty(t, p.TakeCandidates(2))

	avail, inBundle := p.Len()
	require.Equal(t, 0, avail)
	require.Equal(t, 3, inBundle)

	p.ReturnCandidates([]common.Hash{a.ID})
	require.Equal(t, []common.Hash{a.ID}, ids(p.TakeCandidates(5)))
}

func TestAddDuplicate(t *testing.T) {
	a := testOp(1, 1, 0)
	p := newTestPool(t, 0, a)
	require.ErrorIs(t, p.Add(a), ErrAlreadyKnown)
}

func TestRemoveConfirmed(t *testing.T) {
	a, b := testOp(1, 2, 0), testOp(2, 1, 0)
	p := newTestPool(t, 0, a, b)
	taken := p.TakeCandidates(1)
	p.RemoveConfirmed([]common.Hash{taken[0].ID, b.ID, {0xff}})

	avail, inBundle := p.Len()
	require.Zero(t, avail)
	require.Zero(t, inBundle)
	_, ok := p.Get(a.ID)
	require.False(t, ok)
}

func TestReinstateIsIdempotent(t *testing.T) {
	a, b := testOp(1, 2, 0), testOp(2, 1, 0)
	p := newTestPool(t, 0, a, b)
	taken := p.TakeCandidates(2)
	p.RemoveConfirmed(ids(taken))

	p.Reinstate(taken)
	p.Reinstate(taken)
	avail, inBundle := p.Len()
	require.Equal(t, 2, avail)
	require.Zero(t, inBundle)
	require.Equal(t, []common.Hash{a.ID, b.ID}, ids(p.TakeCandidates(5)))
}

func TestRejectNotifiesSubscribers(t *testing.T) {
	a := testOp(1, 1, 0)
	p := newTestPool(t, 0, a)
	ch := make(chan Rejection, 2)
	sub := p.SubscribeRejections(ch)
	defer sub.Unsubscribe()

	p.TakeCandidates(1)
	p.Reject(a.ID, ErrOversized)
	p.Reject(a.ID, ErrOversized)

	r := <-ch
	require.Equal(t, a.ID, r.ID)
	require.ErrorIs(t, r.Reason, ErrOversized)
	require.Empty(t, ch, "rejecting an unknown operation is a no-op")
	_, inBundle := p.Len()
	require.Zero(t, inBundle)
}

func TestPrune(t *testing.T) {
	old := testOp(1, 1, 0)
	taken := testOp(2, 5, 0)
	fresh := testOp(3, 1, 50*time.Second)
	p := newTestPool(t, time.Minute, old, taken, fresh)
	p.TakeCandidates(1)

	ch := make(chan Rejection, 4)
	sub := p.SubscribeRejections(ch)
	defer sub.Unsubscribe()

	require.Equal(t, 1, p.Prune(t0.Add(90*time.Second)))
	r := <-ch
	require.Equal(t, old.ID, r.ID)
	require.ErrorIs(t, r.Reason, ErrExpired)

	_, ok := p.Get(taken.ID)
	require.True(t, ok, "in-bundle operations do not expire")
}

func TestConcurrentTakesAreDisjoint(t *testing.T) {
	p := newTestPool(t, 0)
	for i := 0; i < 200; i++ {
		require.NoError(t, p.Add(&Operation{
			ID:     common.BigToHash(big.NewInt(int64(i + 1))),
			FeeBid: big.NewInt(int64(i % 7)),
		}))
	}

	var (
		mu   sync.Mutex
		seen = make(map[common.Hash]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ops := p.TakeCandidates(3)
				if len(ops) == 0 {
					return
				}
				mu.Lock()
				for _, op := range ops {
					seen[op.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 200)
	for id, n := range seen {
		require.Equal(t, 1, n, "operation %s taken more than once", id)
	}
}

func TestNilFeeBidSortsLast(t *testing.T) {
	a := &Operation{ID: common.Hash{1}}
	b := testOp(2, 1, 0)
	p := newTestPool(t, 0, a, b)
	require.Equal(t, []common.Hash{b.ID, a.ID}, ids(p.TakeCandidates(2)))
}
