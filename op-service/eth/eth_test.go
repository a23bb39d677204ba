package eth

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestETHString(t *testing.T) {
	require.Equal(t, "0 wei", ETH{}.String())
	require.Equal(t, "1 ether", WeiBig(big.NewInt(1e18)).String())
	require.Equal(t, "1,500 gwei", GWei(1500).String())
	require.Equal(t, "1,234 wei", WeiU256(uint256.NewInt(1234)).String())
	require.Equal(t, big.NewInt(3e9), GWei(3).ToBig())
}

func TestHeaderBlockRef(t *testing.T) {
	h := &types.Header{Number: big.NewInt(10), ParentHash: common.Hash{0x01}, Time: 1234}
	ref := HeaderBlockRef(h)
	require.Equal(t, h.Hash(), ref.Hash)
	require.Equal(t, uint64(10), ref.Number)
	require.Equal(t, BlockID{Hash: common.Hash{0x01}, Number: 9}, ref.ParentID())
	require.Equal(t, BlockID{Hash: h.Hash(), Number: 10}, ref.ID())
}
