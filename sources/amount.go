package sources

import (
	"math/big"

	"github.com/holiman/uint256"
)

// uint256FromBig converts a non-negative *big.Int into a *uint256.Int,
// reporting overflow rather than silently truncating (withdrawal amounts
// are bounded by token supply and always fit, §3, but a malformed log
// should not panic the source).
func uint256FromBig(v *big.Int) (*uint256.Int, bool) {
	u, overflow := uint256.FromBig(v)
	return u, overflow
}
