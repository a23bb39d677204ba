// Package history keeps a window of recent blocks and reconciles the bundles
// the bundler sent against what those blocks included, across reorgs.
package history

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/pool"
	"github.com/mantlenetworkio/mantle-bundler/op-service/eth"
)

var ErrAlreadyTracked = errors.New("bundle already tracked")

// BlockEvent is a new canonical block, as reported by the head tracker.
type BlockEvent struct {
	Ref eth.BlockRef
	// Included holds the IDs of the operations the block included.
	Included []common.Hash
	// Reorg is set when Ref does not extend the previous head.
	// CommonAncestor is then the highest block both branches share.
	Reorg          bool
	CommonAncestor uint64
}

// ReorgedBundle is a confirmed bundle whose inclusion was reorged out.
type ReorgedBundle struct {
	ID  uuid.UUID
	Ops []*pool.Operation
}

// Confirmation is a bundle whose operations were all included in Block.
type Confirmation struct {
	ID    uuid.UUID
	Block uint64
}

// Reconciliation is the effect of one block on the tracked bundles.
// Reorged ops must be reinstated before Included ops are removed from the pool.
type Reconciliation struct {
	Block      eth.BlockRef
	Confirmed  []Confirmation
	Reorged    []ReorgedBundle
	Superseded []uuid.UUID
	// Finalized bundles were confirmed below the window and are no longer tracked.
	Finalized []uuid.UUID
	// Included is every operation ID the block included, for removal from the pool.
	Included []common.Hash
	// ReorgDepth is the number of blocks rolled back, zero without a reorg.
	ReorgDepth uint64
}

func (r *Reconciliation) Empty() bool {
	return len(r.Confirmed) == 0 && len(r.Reorged) == 0 && len(r.Superseded) == 0 &&
		len(r.Finalized) == 0 && len(r.Included) == 0
}

type tracked struct {
	ops         []*pool.Operation
	opIDs       mapset.Set[common.Hash]
	confirmed   bool
	confirmedAt uint64
}

// Buffer holds the most recent contiguous block heights, newest last.
// Each new block is written to the store before the oldest block is evicted:
// after a failed write the window holds more than size entries until a later
// write succeeds.
type Buffer struct {
	log   log.Logger
	metr  metrics.Metricer
	size  uint64
	store Store

	mu      sync.RWMutex
	entries []Entry
	bundles map[uuid.UUID]*tracked
}

// NewBuffer creates a buffer of size heights, restoring the newest contiguous run
// of entries found in store.
func NewBuffer(l log.Logger, m metrics.Metricer, size uint64, store Store) (*Buffer, error) {
	if size == 0 {
		return nil, errors.New("history size must be positive")
	}
	stored, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	b := &Buffer{
		log:     l,
		metr:    m,
		size:    size,
		store:   store,
		bundles: make(map[uuid.UUID]*tracked),
	}
	b.entries = newestContiguous(stored, size)
	if len(b.entries) > 0 {
		l.Info("Restored block history", "from", b.entries[0].Number, "to", b.entries[len(b.entries)-1].Number)
	}
	return b, nil
}

func newestContiguous(entries []Entry, size uint64) []Entry {
	if len(entries) == 0 {
		return nil
	}
	start := len(entries) - 1
	for start > 0 && uint64(len(entries)-start) < size {
		prev, cur := entries[start-1], entries[start]
		if prev.Number+1 != cur.Number || prev.Hash != cur.ParentHash {
			break
		}
		start--
	}
	return slices.Clone(entries[start:])
}

// Track starts reconciling bundleID, which holds ops, against new blocks.
func (b *Buffer) Track(bundleID uuid.UUID, ops []*pool.Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bundles[bundleID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, bundleID)
	}
	set := mapset.NewThreadUnsafeSetWithSize[common.Hash](len(ops))
	for _, op := range ops {
		set.Add(op.ID)
	}
	b.bundles[bundleID] = &tracked{ops: slices.Clone(ops), opIDs: set}
	return nil
}

// Untrack stops reconciling bundleID.
func (b *Buffer) Untrack(bundleID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bundles, bundleID)
}

// Tracked reports whether bundleID is tracked, and the block it was confirmed in, if any.
func (b *Buffer) Tracked(bundleID uuid.UUID) (confirmedAt uint64, confirmed bool, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.bundles[bundleID]
	if !ok {
		return 0, false, false
	}
	return t.confirmedAt, t.confirmed, true
}

// Observe applies a new canonical block.
// On a reorg every entry above the common ancestor is dropped, and bundles
// confirmed in those blocks are reported as reorged and untracked, so their ops
// are handed back exactly once. A block that does not attach where expected
// resyncs the window from the block's parent. A block already in the window is
// ignored.
// A failed store write is returned as an error, but the block is still applied
// and the reconciliation is valid.
func (b *Buffer) Observe(ev BlockEvent) (Reconciliation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := Reconciliation{Block: ev.Ref}
	if h, ok := b.hash(ev.Ref.Number); ok && h == ev.Ref.Hash {
		return rec, nil
	}

	keep := len(b.entries)
	rollback, reorgFrom := ev.Reorg, ev.CommonAncestor+1
	if ev.Reorg {
		for keep > 0 && b.entries[keep-1].Number > ev.CommonAncestor {
			keep--
		}
	}
	if keep > 0 && !extends(b.entries[keep-1], ev.Ref) {
		keep, reorgFrom = b.resync(ev.Ref)
		rollback = true
	}

	entry := Entry{
		Number:     ev.Ref.Number,
		Hash:       ev.Ref.Hash,
		ParentHash: ev.Ref.ParentHash,
		Included:   slices.Clone(ev.Included),
	}
	var storeErr error
	if err := b.store.Put(entry); err != nil {
		storeErr = fmt.Errorf("failed to store block %d: %w", entry.Number, err)
		b.log.Error("Failed to store history entry, keeping it in memory only", "number", entry.Number, "err", err)
	}
	if rollback {
		b.rollback(keep, reorgFrom, entry.Number, storeErr == nil, &rec)
	}

	b.entries = append(b.entries, entry)
	for storeErr == nil && uint64(len(b.entries)) > b.size {
		oldest := b.entries[0]
		if err := b.store.Delete(oldest.Number); err != nil {
			b.log.Warn("Failed to delete evicted history entry", "number", oldest.Number, "err", err)
		}
		b.entries = b.entries[1:]
	}

	b.reconcile(entry, &rec)
	b.finalize(&rec)
	b.metr.RecordHistorySize(len(b.entries))
	b.metr.RecordRef("history_head", entry.Number, entry.Hash)
	return rec, storeErr
}

func extends(parent Entry, ref eth.BlockRef) bool {
	return ref.Number == parent.Number+1 && ref.ParentHash == parent.Hash
}

// resync places ref in a window it does not extend. It returns how many
// entries to keep, and the lowest height whose confirmations no longer hold.
func (b *Buffer) resync(ref eth.BlockRef) (keep int, reorgFrom uint64) {
	head := b.entries[len(b.entries)-1]
	for i := len(b.entries) - 1; i >= 0; i-- {
		if extends(b.entries[i], ref) {
			b.log.Warn("Block attaches below the history head, rolling back", "block", ref, "parent", b.entries[i].Number)
			return i + 1, ref.Number
		}
	}
	if ref.Number > head.Number+1 {
		// Nothing in the window is contradicted, it only becomes unreachable.
		b.log.Warn("Gap in block history, restarting the window", "head", head.Number, "block", ref)
		return 0, ref.Number
	}
	b.log.Warn("Block does not attach to the history window, rolling back all of it",
		"oldest", b.entries[0].Number, "head", head.Number, "block", ref)
	return 0, b.entries[0].Number
}

// rollback drops the entries from index keep on and hands back the bundles
// confirmed at or above reorgFrom. The stored entry at replaced is left alone
// when the new branch already overwrote it.
func (b *Buffer) rollback(keep int, reorgFrom uint64, replaced uint64, overwritten bool, rec *Reconciliation) {
	if n := len(b.entries); n > 0 {
		if head := b.entries[n-1].Number; head >= reorgFrom {
			rec.ReorgDepth = head - reorgFrom + 1
		}
		if reorgFrom < b.entries[0].Number {
			b.log.Warn("Reorg reaches below the history window", "ancestor", reorgFrom-1, "oldest", b.entries[0].Number)
		}
	}
	for _, e := range b.entries[keep:] {
		if e.Number == replaced && overwritten {
			continue
		}
		if err := b.store.Delete(e.Number); err != nil {
			b.log.Warn("Failed to delete reorged history entry", "number", e.Number, "err", err)
		}
	}
	b.entries = b.entries[:keep]

	for id, t := range b.bundles {
		if t.confirmed && t.confirmedAt >= reorgFrom {
			rec.Reorged = append(rec.Reorged, ReorgedBundle{ID: id, Ops: t.ops})
			delete(b.bundles, id)
		}
	}
	if rec.ReorgDepth > 0 {
		b.metr.RecordReorg(rec.ReorgDepth)
		b.log.Warn("Chain reorg", "ancestor", reorgFrom-1, "depth", rec.ReorgDepth, "reorged_bundles", len(rec.Reorged))
	}
}

func (b *Buffer) reconcile(entry Entry, rec *Reconciliation) {
	rec.Included = entry.Included
	if len(entry.Included) == 0 {
		return
	}
	included := mapset.NewThreadUnsafeSet(entry.Included...)
	for id, t := range b.bundles {
		if t.confirmed {
			continue
		}
		switch {
		case t.opIDs.IsSubset(included):
			t.confirmed, t.confirmedAt = true, entry.Number
			rec.Confirmed = append(rec.Confirmed, Confirmation{ID: id, Block: entry.Number})
		case t.opIDs.Intersect(included).Cardinality() > 0:
			rec.Superseded = append(rec.Superseded, id)
			delete(b.bundles, id)
		}
	}
}

// finalize untracks confirmations that slid out of the window.
func (b *Buffer) finalize(rec *Reconciliation) {
	oldest := b.entries[0].Number
	for id, t := range b.bundles {
		if t.confirmed && t.confirmedAt < oldest {
			rec.Finalized = append(rec.Finalized, id)
			delete(b.bundles, id)
		}
	}
}

// Entries returns a copy of the window, newest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		e.Included = slices.Clone(e.Included)
		out[len(b.entries)-1-i] = e
	}
	return out
}

// Head returns the newest entry.
func (b *Buffer) Head() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	e := b.entries[len(b.entries)-1]
	e.Included = slices.Clone(e.Included)
	return e, true
}

// Hash returns the hash the window holds for number.
func (b *Buffer) Hash(number uint64) (common.Hash, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hash(number)
}

func (b *Buffer) hash(number uint64) (common.Hash, bool) {
	if len(b.entries) == 0 || number < b.entries[0].Number {
		return common.Hash{}, false
	}
	i := number - b.entries[0].Number
	if i >= uint64(len(b.entries)) {
		return common.Hash{}, false
	}
	return b.entries[i].Hash, true
}
