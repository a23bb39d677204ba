// Package pool holds the operations waiting to be bundled.
package pool

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/gas"
)

var (
	// ErrOversized rejects an operation that alone exceeds the bundle gas or size limit.
	ErrOversized = errors.New("operation exceeds bundle limits")
	// ErrExpired rejects an operation that waited longer than the pool's TTL.
	ErrExpired = errors.New("operation expired")
	// ErrAlreadyKnown is returned when adding an operation whose ID is already pooled.
	ErrAlreadyKnown = errors.New("operation already known")
)

// Operation is a user operation that passed validation and may be bundled.
type Operation struct {
	ID         common.Hash
	Sender     common.Address
	EntryPoint common.Address
	// CallData is the ABI-packed operation as it appears in the bundle calldata.
	CallData       []byte
	Deploy         bool
	TouchesDeposit bool
	// FeeBid is the max priority fee per gas the operation pays.
	FeeBid *big.Int
	// PreVerificationGas is the gas the operation pays for outside its own
	// execution: its share of the bundle overhead, calldata and DA.
	PreVerificationGas uint64
	ArrivedAt          time.Time
	// Aggregator and Proxy are zero when unused.
	Aggregator common.Address
	Proxy      common.Address
}

// Shape returns the gas-relevant view of the operation.
func (o *Operation) Shape() gas.OpShape {
	return gas.OpShape{
		CallData:       o.CallData,
		EntryPoint:     o.EntryPoint,
		Deploy:         o.Deploy,
		TouchesDeposit: o.TouchesDeposit,
	}
}

// Rejection reports an operation dropped from the pool.
type Rejection struct {
	ID     common.Hash
	Reason error
}

// Pool is the candidate source the scheduler bundles from.
// An operation taken by TakeCandidates is not returned again until it is handed
// back with ReturnCandidates or Reinstate.
type Pool interface {
	TakeCandidates(limit int) []*Operation
	ReturnCandidates(ids []common.Hash)
	RemoveConfirmed(ids []common.Hash)
	Reinstate(ops []*Operation)
	Reject(id common.Hash, reason error)
}

// priorityLess orders operations by fee bid descending, then arrival, then ID.
func priorityLess(a, b *Operation) bool {
	if c := feeBid(a).Cmp(feeBid(b)); c != 0 {
		return c > 0
	}
	if !a.ArrivedAt.Equal(b.ArrivedAt) {
		return a.ArrivedAt.Before(b.ArrivedAt)
	}
	return a.ID.Cmp(b.ID) < 0
}

func feeBid(o *Operation) *big.Int {
	if o.FeeBid == nil {
		return common.Big0
	}
	return o.FeeBid
}
