package sender

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
)

// ChainReader is what the builder reads to price and sequence transactions.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// TxRequest is the unsigned content of a bundle transaction.
type TxRequest struct {
	To          common.Address
	Data        []byte
	GasLimit    uint64
	PriorityFee *big.Int
}

// TxBuilder signs bundle transactions with the bundler's key.
type TxBuilder struct {
	key    *ecdsa.PrivateKey
	from   common.Address
	signer types.Signer
	chain  ChainReader
}

func NewTxBuilder(key *ecdsa.PrivateKey, chainID *big.Int, chain ChainReader) *TxBuilder {
	return &TxBuilder{
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(chainID),
		chain:  chain,
	}
}

func (b *TxBuilder) From() common.Address {
	return b.from
}

// GasPrice returns the effective gas price a transaction built now would pay per gas.
func (b *TxBuilder) GasPrice(ctx context.Context, spec *chaincfg.ChainSpec, priorityFee *big.Int) (*big.Int, error) {
	if !spec.EIP1559Enabled {
		return b.chain.SuggestGasPrice(ctx)
	}
	head, err := b.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch head: %w", err)
	}
	if head.BaseFee == nil {
		return nil, fmt.Errorf("block %d has no base fee", head.Number)
	}
	return new(big.Int).Add(head.BaseFee, priorityFee), nil
}

// Build signs req as a dynamic fee transaction, or a legacy one when the chain
// does not support EIP-1559. The fee cap allows the base fee to double.
func (b *TxBuilder) Build(ctx context.Context, spec *chaincfg.ChainSpec, req TxRequest) (*types.Transaction, error) {
	nonce, err := b.chain.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	var inner types.TxData
	if spec.EIP1559Enabled {
		head, err := b.chain.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch head: %w", err)
		}
		if head.BaseFee == nil {
			return nil, fmt.Errorf("block %d has no base fee", head.Number)
		}
		feeCap := new(big.Int).Mul(head.BaseFee, common.Big2)
		feeCap.Add(feeCap, req.PriorityFee)
		inner = &types.DynamicFeeTx{
			ChainID:   b.signer.ChainID(),
			Nonce:     nonce,
			GasTipCap: new(big.Int).Set(req.PriorityFee),
			GasFeeCap: feeCap,
			Gas:       req.GasLimit,
			To:        &req.To,
			Data:      req.Data,
		}
	} else {
		price, err := b.chain.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch gas price: %w", err)
		}
		inner = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      req.GasLimit,
			To:       &req.To,
			Data:     req.Data,
		}
	}
	tx, err := types.SignNewTx(b.key, b.signer, inner)
	if err != nil {
		return nil, fmt.Errorf("failed to sign bundle transaction: %w", err)
	}
	return tx, nil
}
