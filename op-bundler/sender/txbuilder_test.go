package sender

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
)

type fakeChainReader struct {
	nonce    uint64
	baseFee  *big.Int
	gasPrice *big.Int
}

func (f *fakeChainReader) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChainReader) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeChainReader) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func TestBuildDynamicFeeTx(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chain := &fakeChainReader{nonce: 9, baseFee: big.NewInt(100), gasPrice: big.NewInt(500)}
	b := NewTxBuilder(key, big.NewInt(5000), chain)
	spec := chaincfg.Default()

	req := TxRequest{To: common.Address{0xee}, Data: []byte{1, 2, 3}, GasLimit: 300_000, PriorityFee: big.NewInt(7)}
	tx, err := b.Build(context.Background(), &spec, req)
	require.NoError(t, err)
	require.EqualValues(t, types.DynamicFeeTxType, tx.Type())
	require.EqualValues(t, 9, tx.Nonce())
	require.EqualValues(t, 300_000, tx.Gas())
	require.Equal(t, big.NewInt(7), tx.GasTipCap())
	require.Equal(t, big.NewInt(207), tx.GasFeeCap())
	require.Equal(t, big.NewInt(5000), tx.ChainId())
	require.Equal(t, req.To, *tx.To())
	require.Equal(t, req.Data, tx.Data())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(5000)), tx)
	require.NoError(t, err)
	require.Equal(t, b.From(), from)

	price, err := b.GasPrice(context.Background(), &spec, big.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(107), price)
}

func TestBuildLegacyTx(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chain := &fakeChainReader{nonce: 1, gasPrice: big.NewInt(500)}
	b := NewTxBuilder(key, big.NewInt(10), chain)
	spec := chaincfg.Default()
	spec.EIP1559Enabled = false

	tx, err := b.Build(context.Background(), &spec, TxRequest{To: common.Address{1}, GasLimit: 100_000, PriorityFee: big.NewInt(7)})
	require.NoError(t, err)
	require.EqualValues(t, types.LegacyTxType, tx.Type())
	require.Equal(t, big.NewInt(500), tx.GasPrice())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(10)), tx)
	require.NoError(t, err)
	require.Equal(t, b.From(), from)

	price, err := b.GasPrice(context.Background(), &spec, big.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(500), price)
}

func TestBuildWithoutBaseFee(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	b := NewTxBuilder(key, big.NewInt(10), &fakeChainReader{})
	spec := chaincfg.Default()
	_, err = b.Build(context.Background(), &spec, TxRequest{GasLimit: 1, PriorityFee: big.NewInt(1)})
	require.ErrorContains(t, err, "no base fee")
}

func TestChannelsFromSpec(t *testing.T) {
	spec := chaincfg.Default()
	channels, err := ChannelsFromSpec(&spec, ChannelConfig{}, &fakeRawSender{})
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, ChannelPublic, channels[0].Name())

	spec.FlashbotsEnabled = true
	spec.FlashbotsRelayURL = "http://relay.invalid"
	_, err = ChannelsFromSpec(&spec, ChannelConfig{}, &fakeRawSender{})
	require.ErrorContains(t, err, "signing key")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	spec.BloxrouteEnabled = true
	_, err = ChannelsFromSpec(&spec, ChannelConfig{FlashbotsKey: key}, &fakeRawSender{})
	require.ErrorContains(t, err, "auth header")

	channels, err = ChannelsFromSpec(&spec, ChannelConfig{FlashbotsKey: key, BloxrouteAuthHeader: "auth"}, &fakeRawSender{})
	require.NoError(t, err)
	names := make([]ChannelName, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name()
	}
	require.Equal(t, []ChannelName{ChannelPublic, ChannelFlashbots, ChannelBloxroute}, names)
}
