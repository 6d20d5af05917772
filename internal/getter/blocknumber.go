package getter

import "math/big"

func blockNumberBigInt(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}
