package relaytypes

// EventKind identifies which slot of a RelayState an event fills.
type EventKind int

const (
	KindBountyPlaced EventKind = iota
	KindBountyIncreased
	KindMessageDelivered
	KindBountyClaimed
)

func (k EventKind) String() string {
	switch k {
	case KindBountyPlaced:
		return "BountyPlaced"
	case KindBountyIncreased:
		return "BountyIncreased"
	case KindMessageDelivered:
		return "MessageDelivered"
	case KindBountyClaimed:
		return "BountyClaimed"
	default:
		return "Unknown"
	}
}

// statusOf maps an event kind to the RelayState status it implies:
// Placed and Increased both imply 0, Delivered implies 1, Claimed implies 2.
func (k EventKind) statusOf() Status {
	switch k {
	case KindMessageDelivered:
		return StatusDelivered
	case KindBountyClaimed:
		return StatusClaimed
	default:
		return StatusPlaced
	}
}

// LogPosition orders events within and across blocks. Ties are broken by
// LogIndex; a later observation with a larger (BlockNumber, LogIndex) wins
// over an earlier one occupying the same event slot.
type LogPosition struct {
	BlockNumber uint64
	LogIndex    uint64
	BlockHash   Hash
	TxHash      Hash
}

// After reports whether p occurred strictly after other in canonical order.
func (p LogPosition) After(other LogPosition) bool {
	if p.BlockNumber != other.BlockNumber {
		return p.BlockNumber > other.BlockNumber
	}
	return p.LogIndex > other.LogIndex
}

// BountyEvent is a tagged union (structural, not string-dispatched through
// a handler registry). Exactly one of the Placed/Increased/Delivered/
// Claimed fields is non-nil.
type BountyEvent struct {
	MID      MID
	Position LogPosition

	Placed    *BountyPlaced
	Increased *BountyIncreased
	Delivered *MessageDelivered
	Claimed   *BountyClaimed
}

// Kind returns the populated variant's kind. Panics if no variant is set,
// which indicates a Collector decode bug rather than a runtime condition.
func (e BountyEvent) Kind() EventKind {
	switch {
	case e.Placed != nil:
		return KindBountyPlaced
	case e.Increased != nil:
		return KindBountyIncreased
	case e.Delivered != nil:
		return KindMessageDelivered
	case e.Claimed != nil:
		return KindBountyClaimed
	default:
		panic("relaytypes: BountyEvent has no populated variant")
	}
}

// BountyPlaced is emitted by the escrow contract when a message is first
// registered with a bounty attached.
type BountyPlaced struct {
	FromChainID        ChainID
	IncentivesAddress  Address
	MaxGasDelivery     uint64
	MaxGasAck          uint64
	RefundGasTo        Address
	PriceOfDeliveryGas BigInt
	PriceOfAckGas      BigInt
	TargetDelta        uint64
	Payload            []byte
}

// BountyIncreased raises the price offered for delivery and/or ack gas
// after the original BountyPlaced.
type BountyIncreased struct {
	NewPriceOfDeliveryGas BigInt
	NewPriceOfAckGas      BigInt
}

// MessageDelivered marks that the destination chain executed the payload.
type MessageDelivered struct {
	ToChainID ChainID
}

// BountyClaimed marks that the origin chain acknowledged delivery and
// released the bounty to the relayer.
type BountyClaimed struct{}
