package sender

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/pool"
)

type AttemptState int

const (
	AttemptPending AttemptState = iota
	AttemptSubmitted
	AttemptConfirmed
	AttemptReorged
	AttemptSuperseded
	AttemptFailed
	AttemptCancelled
)

func (s AttemptState) String() string {
	switch s {
	case AttemptPending:
		return "pending"
	case AttemptSubmitted:
		return "submitted"
	case AttemptConfirmed:
		return "confirmed"
	case AttemptReorged:
		return "reorged"
	case AttemptSuperseded:
		return "superseded"
	case AttemptFailed:
		return "failed"
	case AttemptCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("AttemptState(%d)", int(s))
	}
}

// Attempt is the submission of one bundle through one channel.
type Attempt struct {
	ID          string
	BundleID    uuid.UUID
	Channel     ChannelName
	State       AttemptState
	Tries       int
	TxRef       string
	Err         error
	ConfirmedAt uint64
}

type OutcomeKind int

const (
	// OutcomeConfirmed: all ops of the bundle were included.
	OutcomeConfirmed OutcomeKind = iota
	// OutcomeReorged: a confirmed bundle was reorged out. Its ops must be reinstated.
	OutcomeReorged
	// OutcomeSuperseded: some ops of the bundle were included by another transaction.
	// The ops that were not included must be returned.
	OutcomeSuperseded
	// OutcomeExhausted: every channel failed. The ops must be returned.
	OutcomeExhausted
	// OutcomeAbandoned: the bundle can no longer land. The ops must be returned.
	OutcomeAbandoned
	// OutcomeFinalized: the confirmation is older than the history window.
	OutcomeFinalized
	// OutcomeIncluded: a block included the listed ops, which must be removed.
	OutcomeIncluded
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeReorged:
		return "reorged"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeFinalized:
		return "finalized"
	case OutcomeIncluded:
		return "included"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is a change the pool has to apply.
type Outcome struct {
	Kind     OutcomeKind
	BundleID uuid.UUID
	Ops      []*pool.Operation
	Included []common.Hash
	Block    uint64
	Err      error
}
