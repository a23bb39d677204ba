package bundler

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/lmittmann/w3"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/fees"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/gas"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/pool"
)

// State is the phase of a scheduling cycle.
type State int32

const (
	StateIdle State = iota
	StateCollecting
	StatePricing
	StateAssembling
	StateReady
	StateSent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StatePricing:
		return "pricing"
	case StateAssembling:
		return "assembling"
	case StateReady:
		return "ready"
	case StateSent:
		return "sent"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Bundle is an assembled set of operations and the prices it was built with.
type Bundle struct {
	ID  uuid.UUID
	Ops []*pool.Operation
	// Gas is the aggregate breakdown, transaction intrinsic gas included.
	Gas gas.Breakdown
	Fee fees.Quote

	To       common.Address
	CallData []byte
	GasLimit uint64
	// TargetBlock is the first block the bundle can be included in.
	TargetBlock uint64

	// Tx is set once the bundle is signed for submission.
	Tx *types.Transaction
}

func (b *Bundle) OpIDs() []common.Hash {
	out := make([]common.Hash, len(b.Ops))
	for i, op := range b.Ops {
		out[i] = op.ID
	}
	return out
}

func (b *Bundle) Size() uint64 {
	return uint64(len(b.CallData))
}

var handleOpsFn = w3.MustNewFunc("handleOps(bytes[] ops, address beneficiary)", "")

// CallEncoder formats the bundle transaction call.
type CallEncoder interface {
	Encode(spec *chaincfg.ChainSpec, ops []*pool.Operation, beneficiary common.Address) (to common.Address, data []byte, err error)
}

// EntryPointEncoder calls handleOps on the ops' entry point, or hands the ops to
// their submission proxy when they name one.
type EntryPointEncoder struct{}

func (EntryPointEncoder) Encode(spec *chaincfg.ChainSpec, ops []*pool.Operation, beneficiary common.Address) (common.Address, []byte, error) {
	if len(ops) == 0 {
		return common.Address{}, nil, errors.New("no operations to encode")
	}
	packed := make([][]byte, len(ops))
	for i, op := range ops {
		packed[i] = op.CallData
	}
	if addr := ops[0].Proxy; addr != (common.Address{}) {
		proxy, ok := spec.SubmissionProxy(addr)
		if !ok {
			return common.Address{}, nil, fmt.Errorf("unknown submission proxy %s", addr)
		}
		data, err := proxy.EncodeBundle(packed, beneficiary)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("proxy %s failed to encode bundle: %w", addr, err)
		}
		return proxy.Address(), data, nil
	}
	data, err := handleOpsFn.EncodeArgs(packed, beneficiary)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to encode handleOps: %w", err)
	}
	return ops[0].EntryPoint, data, nil
}
