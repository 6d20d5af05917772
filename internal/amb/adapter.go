// Package amb defines the Arbitrary Message Bridge plug-in contract. An
// adapter differs from another only in its topic set and ABI decoding;
// every other component is adapter-agnostic and depends only on this
// package's interfaces.
package amb

import (
	"context"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// ChainAddresses maps a chain to the incentives/escrow contract address an
// adapter should watch and interact with on that chain.
type ChainAddresses map[relaytypes.ChainID]gethcommon.Address

// Decoder decodes a single raw log into a BountyEvent. It returns
// (nil, nil) for a log whose topic0 the adapter doesn't recognize — those
// are ignored, not an error. A decode failure on a recognized topic
// (malformed data, unsupported chain id embedded in the payload) returns
// a non-nil error and the Collector treats it as relayerr.InvalidEvent.
type Decoder interface {
	// Topics returns every event topic0 this adapter can decode, so the
	// Getter can build its eth_getLogs filter.
	Topics() []gethcommon.Hash
	Decode(log types.Log) (*relaytypes.BountyEvent, error)
}

// Encoder builds calldata for the two transactions the Wallet ever
// broadcasts on behalf of this adapter: delivering a message on the
// destination chain, and acknowledging delivery on the origin chain.
type Encoder interface {
	EncodeDelivery(mid relaytypes.MID, payload []byte) ([]byte, error)
	EncodeAck(mid relaytypes.MID) ([]byte, error)
}

// GasEstimator asks the destination RPC for a delivery/ack gas estimate.
// The evaluator's proportional fallback over the message's declared max
// gas is applied by the caller, not by the adapter.
type GasEstimator interface {
	EstimateGas(ctx context.Context, chain relaytypes.ChainID, calldata []byte, to gethcommon.Address) (uint64, error)
}

// Adapter bundles the full plug-in contract an AMB implementation provides.
type Adapter interface {
	Addresses() ChainAddresses
	Decoder
	Encoder
}

// TargetOf returns the contract address an order of the given kind should
// be sent to: the destination escrow for a delivery, the origin escrow for
// an ack.
func TargetOf(a Adapter, kind relaytypes.OrderKind, origin, destination relaytypes.ChainID) (gethcommon.Address, bool) {
	addrs := a.Addresses()
	if kind == relaytypes.OrderKindDelivery {
		addr, ok := addrs[destination]
		return addr, ok
	}
	addr, ok := addrs[origin]
	return addr, ok
}
