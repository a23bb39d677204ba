package chaincfg

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// SignatureAggregator is the capability attached to an aggregator contract address.
// The bundler only uses it to decide whether operations naming the aggregator can be included.
type SignatureAggregator interface {
	Address() common.Address
	Name() string
}

// SubmissionProxy formats a bundle for submission through a proxy contract
// instead of calling the entry point directly.
type SubmissionProxy interface {
	Address() common.Address
	EncodeBundle(ops [][]byte, beneficiary common.Address) ([]byte, error)
}

// ContractRegistry maps contract addresses to an attached capability.
// It is filled before the owning ChainSpec is published and only read afterwards.
// A nil registry behaves as an empty one, and the zero value is ready to use.
type ContractRegistry[T any] struct {
	contracts map[common.Address]T
}

func NewContractRegistry[T any]() *ContractRegistry[T] {
	return &ContractRegistry[T]{contracts: make(map[common.Address]T)}
}

func (r *ContractRegistry[T]) Register(addr common.Address, capability T) error {
	if _, ok := r.contracts[addr]; ok {
		return fmt.Errorf("contract %s already registered", addr)
	}
	if r.contracts == nil {
		r.contracts = make(map[common.Address]T)
	}
	r.contracts[addr] = capability
	return nil
}

func (r *ContractRegistry[T]) Get(addr common.Address) (T, bool) {
	if r == nil {
		var zero T
		return zero, false
	}
	v, ok := r.contracts[addr]
	return v, ok
}

// Addresses returns the registered addresses in ascending byte order.
func (r *ContractRegistry[T]) Addresses() []common.Address {
	if r == nil {
		return nil
	}
	out := make([]common.Address, 0, len(r.contracts))
	for addr := range r.contracts {
		out = append(out, addr)
	}
	slices.SortFunc(out, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	return out
}

func (r *ContractRegistry[T]) Len() int {
	if r == nil {
		return 0
	}
	return len(r.contracts)
}
