package eth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type BlockID struct {
	Hash   common.Hash `json:"hash"`
	Number uint64      `json:"number"`
}

func (id BlockID) String() string {
	return fmt.Sprintf("%s:%d", id.Hash.String(), id.Number)
}

// TerminalString implements log.TerminalStringer, formatting a string for console
// output during logging.
func (id BlockID) TerminalString() string {
	return fmt.Sprintf("%s:%d", id.Hash.TerminalString(), id.Number)
}

// BlockRef is the subset of a block header the bundler tracks the chain with.
type BlockRef struct {
	Hash       common.Hash `json:"hash"`
	Number     uint64      `json:"number"`
	ParentHash common.Hash `json:"parentHash"`
	Time       uint64      `json:"timestamp"`
}

func (ref BlockRef) ID() BlockID {
	return BlockID{Hash: ref.Hash, Number: ref.Number}
}

func (ref BlockRef) ParentID() BlockID {
	n := ref.Number
	if n > 0 {
		n--
	}
	return BlockID{Hash: ref.ParentHash, Number: n}
}

func (ref BlockRef) String() string {
	return fmt.Sprintf("%s:%d", ref.Hash.String(), ref.Number)
}

func (ref BlockRef) TerminalString() string {
	return fmt.Sprintf("%s:%d", ref.Hash.TerminalString(), ref.Number)
}

func HeaderBlockRef(h *types.Header) BlockRef {
	return BlockRef{
		Hash:       h.Hash(),
		Number:     h.Number.Uint64(),
		ParentHash: h.ParentHash,
		Time:       h.Time,
	}
}
