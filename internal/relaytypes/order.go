package relaytypes

import gethcommon "github.com/ethereum/go-ethereum/common"

// OrderKind distinguishes the two SubmitOrder variants the Evaluator can
// emit. It also keys the Submitter's gas-limit-buffer configuration.
type OrderKind int

const (
	OrderKindDelivery OrderKind = iota
	OrderKindAck
)

func (k OrderKind) String() string {
	if k == OrderKindAck {
		return "ack"
	}
	return "delivery"
}

// SubmitOrder is the unit of work the Evaluator hands to the Submitter: a
// single transaction the relayer intends to submit on behalf of a MID.
type SubmitOrder struct {
	MID      MID
	Kind     OrderKind
	Chain    ChainID
	Position LogPosition // triggering event's position, for FIFO ordering

	// Calldata and To are the already-encoded transaction the Wallet
	// broadcasts. The Evaluator owns the AMB adapter and encodes at
	// decision time, so the Wallet never needs adapter or payload access.
	Calldata []byte
	To       gethcommon.Address

	// GasEstimate and the profitability inputs that produced this order,
	// captured at decision time so a later audit can check profitability
	// against exactly the values the Evaluator used.
	GasEstimate    uint64
	MaxGas         uint64
	PriceOfGas     BigInt
	LocalGasPrice  BigInt
	ValueIn        BigInt
	CostOut        BigInt
	ObservedAt     int64 // unix seconds, when the triggering event was first seen
}
