package collector

import (
	"encoding/json"
	"math/big"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

func bigVal(v int64) *big.Int {
	return big.NewInt(v)
}

func decodeState(data []byte, state *relaytypes.RelayState) error {
	return json.Unmarshal(data, state)
}
