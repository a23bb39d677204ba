package pool

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/btree"
)

type entry struct {
	op       *Operation
	inBundle bool
}

func entryLess(a, b *entry) bool {
	return priorityLess(a.op, b.op)
}

// MemPool is an in-memory Pool.
// Available operations are kept in a btree in priority order; operations in a
// live bundle are only tracked by ID until they are returned, confirmed or rejected.
type MemPool struct {
	log log.Logger
	ttl time.Duration

	mu        sync.Mutex
	byID      map[common.Hash]*entry
	available *btree.BTreeG[*entry]
	inBundle  int

	rejections event.FeedOf[Rejection]
}

var _ Pool = (*MemPool)(nil)

// NewMemPool creates an empty pool. A zero ttl disables expiry.
func NewMemPool(l log.Logger, ttl time.Duration) *MemPool {
	return &MemPool{
		log:       l,
		ttl:       ttl,
		byID:      make(map[common.Hash]*entry),
		available: btree.NewG[*entry](32, entryLess),
	}
}

func (p *MemPool) Add(op *Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[op.ID]; ok {
		return ErrAlreadyKnown
	}
	e := &entry{op: op}
	p.byID[op.ID] = e
	p.available.ReplaceOrInsert(e)
	return nil
}

// TakeCandidates returns up to limit available operations in priority order and
// marks them as part of a bundle.
func (p *MemPool) TakeCandidates(limit int) []*Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Operation
	for len(out) < limit {
		e, ok := p.available.DeleteMin()
		if !ok {
			break
		}
		e.inBundle = true
		p.inBundle++
		out = append(out, e.op)
	}
	return out
}

// ReturnCandidates makes in-bundle operations available again.
func (p *MemPool) ReturnCandidates(ids []common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if e, ok := p.byID[id]; ok && e.inBundle {
			p.release(e)
		}
	}
}

// RemoveConfirmed drops operations that were included on chain.
func (p *MemPool) RemoveConfirmed(ids []common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.remove(id)
	}
}

// Reinstate puts back operations whose inclusion was reorged out.
// Operations still pooled are made available; unknown ones are re-added.
func (p *MemPool) Reinstate(ops []*Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range ops {
		e, ok := p.byID[op.ID]
		switch {
		case !ok:
			e = &entry{op: op}
			p.byID[op.ID] = e
			p.available.ReplaceOrInsert(e)
		case e.inBundle:
			p.release(e)
		}
	}
	p.log.Debug("Reinstated operations", "count", len(ops))
}

// Reject drops the operation and notifies rejection subscribers.
func (p *MemPool) Reject(id common.Hash, reason error) {
	p.mu.Lock()
	removed := p.remove(id)
	p.mu.Unlock()
	if !removed {
		return
	}
	p.log.Info("Rejected operation", "id", id, "reason", reason)
	p.rejections.Send(Rejection{ID: id, Reason: reason})
}

// Prune rejects available operations older than the pool TTL.
// Operations in a live bundle are left alone.
func (p *MemPool) Prune(now time.Time) int {
	if p.ttl == 0 {
		return 0
	}
	p.mu.Lock()
	var expired []common.Hash
	p.available.Ascend(func(e *entry) bool {
		if now.Sub(e.op.ArrivedAt) > p.ttl {
			expired = append(expired, e.op.ID)
		}
		return true
	})
	p.mu.Unlock()
	for _, id := range expired {
		p.Reject(id, ErrExpired)
	}
	return len(expired)
}

// SubscribeRejections delivers every rejection to ch.
func (p *MemPool) SubscribeRejections(ch chan<- Rejection) event.Subscription {
	return p.rejections.Subscribe(ch)
}

// Get returns the pooled operation with the given ID.
func (p *MemPool) Get(id common.Hash) (*Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return e.op, true
}

// Len returns the number of available and in-bundle operations.
func (p *MemPool) Len() (available, inBundle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available.Len(), p.inBundle
}

func (p *MemPool) release(e *entry) {
	e.inBundle = false
	p.inBundle--
	p.available.ReplaceOrInsert(e)
}

func (p *MemPool) remove(id common.Hash) bool {
	e, ok := p.byID[id]
	if !ok {
		return false
	}
	delete(p.byID, id)
	if e.inBundle {
		p.inBundle--
	} else {
		p.available.Delete(e)
	}
	return true
}
