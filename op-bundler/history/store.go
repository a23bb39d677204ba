package history

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Entry is one block height of the history window.
type Entry struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	// Included holds the IDs of the operations the block included.
	Included []common.Hash
}

// Store persists the history window. Put must be durable when it returns.
type Store interface {
	Put(e Entry) error
	Delete(number uint64) error
	// Load returns all stored entries in ascending block order.
	Load() ([]Entry, error)
	Close() error
}

// MemoryStore keeps entries in memory only.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uint64]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uint64]Entry)}
}

func (s *MemoryStore) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Included = slices.Clone(e.Included)
	s.entries[e.Number] = e
	return nil
}

func (s *MemoryStore) Delete(number uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, number)
	return nil
}

func (s *MemoryStore) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		e.Included = slices.Clone(e.Included)
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var entryPrefix = []byte("h")

// entryKey is the prefix followed by the big-endian block number, so keys sort by height.
func entryKey(number uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], number)
	return key
}

// PebbleStore keeps the history window in a pebble database, RLP encoded.
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open history db at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Put(e Entry) error {
	data, err := rlp.EncodeToBytes(&e)
	if err != nil {
		return fmt.Errorf("failed to encode history entry %d: %w", e.Number, err)
	}
	return s.db.Set(entryKey(e.Number), data, pebble.Sync)
}

func (s *PebbleStore) Delete(number uint64) error {
	return s.db.Delete(entryKey(number), pebble.Sync)
}

func (s *PebbleStore) Load() ([]Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(0),
		UpperBound: []byte{entryPrefix[0] + 1},
	})
	if err != nil {
		return nil, err
	}
	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := rlp.DecodeBytes(iter.Value(), &e); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to decode history entry: %w", err), iter.Close())
		}
		out = append(out, e)
	}
	return out, iter.Close()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
