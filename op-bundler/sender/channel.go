package sender

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/pool"
)

type ChannelName string

const (
	ChannelPublic    ChannelName = "public"
	ChannelFlashbots ChannelName = "flashbots"
	ChannelBloxroute ChannelName = "bloxroute"
)

// Submission is a signed bundle transaction, ready to be handed to the channels.
type Submission struct {
	BundleID    uuid.UUID
	Ops         []*pool.Operation
	Tx          *types.Transaction
	TargetBlock uint64
}

func (s *Submission) raw() (hexutil.Bytes, error) {
	return s.Tx.MarshalBinary()
}

// Channel submits bundle transactions through one route to the block builder.
// Submit returns a channel specific reference to the submission. Errors are
// wrapped with Transient or Stale where retrying is useful or pointless;
// all other errors are terminal for the channel.
type Channel interface {
	Name() ChannelName
	Submit(ctx context.Context, sub *Submission) (string, error)
}

// RawTxSender is the JSON-RPC client the public channel submits through.
type RawTxSender interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// PublicChannel sends the transaction to the node's public mempool.
type PublicChannel struct {
	client RawTxSender
}

func NewPublicChannel(client RawTxSender) *PublicChannel {
	return &PublicChannel{client: client}
}

func (c *PublicChannel) Name() ChannelName { return ChannelPublic }

func (c *PublicChannel) Submit(ctx context.Context, sub *Submission) (string, error) {
	raw, err := sub.raw()
	if err != nil {
		return "", err
	}
	err = c.client.CallContext(ctx, nil, "eth_sendRawTransaction", raw)
	if err != nil && !isAlreadyKnown(err) {
		return "", classify(err)
	}
	return sub.Tx.Hash().Hex(), nil
}
