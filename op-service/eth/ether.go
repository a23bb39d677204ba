package eth

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/ethereum/go-ethereum/params"
)

var (
	weiPerGWei = uint256.NewInt(params.GWei)
	weiPerEth  = uint256.NewInt(params.Ether)
)

// ETH is a typed amount of wei, used to log bundle costs readably.
type ETH uint256.Int

// String prints the amount with thousands comma-separators and a unit.
// Amounts divisible by 1 ether print in ether, divisible by 1 gwei print in gwei, and wei otherwise.
func (e ETH) String() string {
	vWei := (*uint256.Int)(&e)
	if vWei.Sign() == 0 {
		return "0 wei"
	}
	var vGWei, remainder uint256.Int
	vGWei.DivMod(vWei, weiPerGWei, &remainder)
	if remainder.Sign() == 0 {
		var vEth uint256.Int
		vEth.DivMod(vWei, weiPerEth, &remainder)
		if remainder.Sign() == 0 {
			return vEth.PrettyDec(',') + " ether"
		}
		return vGWei.PrettyDec(',') + " gwei"
	}
	return vWei.PrettyDec(',') + " wei"
}

func (e ETH) ToBig() *big.Int {
	return (*uint256.Int)(&e).ToBig()
}

// WeiBig converts a big.Int amount, saturating at the max uint256 value.
func WeiBig(wei *big.Int) (out ETH) {
	if wei.Sign() < 0 {
		panic("negative wei")
	}
	v, overflow := uint256.FromBig(wei)
	if overflow {
		return ETH(*new(uint256.Int).SetAllOne())
	}
	return ETH(*v)
}

func WeiU256(wei *uint256.Int) ETH {
	return ETH(*wei)
}

func GWei(gwei uint64) ETH {
	var out uint256.Int
	out.Mul(uint256.NewInt(gwei), weiPerGWei)
	return ETH(out)
}
