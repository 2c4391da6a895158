package rental

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// LateSplit divides the remaining collateral of a late return. The lender
// receives remaining*elapsed/grace, truncated toward zero, and the borrower
// the rest. The arithmetic is 256-bit unsigned so results match the
// reference settlement bit for bit, including rejection of products that do
// not fit in 256 bits.
func LateSplit(remaining *big.Int, elapsed, grace uint64) (lender, borrower *big.Int, err error) {
	if grace == 0 {
		return nil, nil, fmt.Errorf("rental: zero grace period")
	}
	if elapsed > grace {
		elapsed = grace
	}
	r := cloneBigInt(remaining)
	if r.Sign() < 0 {
		return nil, nil, fmt.Errorf("rental: collateral out of range")
	}
	rem, overflow := uint256.FromBig(r)
	if overflow {
		return nil, nil, fmt.Errorf("rental: collateral out of range")
	}
	product, overflow := new(uint256.Int).MulOverflow(rem, uint256.NewInt(elapsed))
	if overflow {
		return nil, nil, fmt.Errorf("rental: collateral split overflow")
	}
	lenderShare := new(uint256.Int).Div(product, uint256.NewInt(grace))
	borrowerShare := new(uint256.Int).Sub(rem, lenderShare)
	return lenderShare.ToBig(), borrowerShare.ToBig(), nil
}
