package relaytypes

// Status is the lifecycle stage of a RelayState. It is monotonically
// non-decreasing: a later event may only raise it, never lower it.
type Status int

const (
	StatusPlaced Status = iota
	StatusDelivered
	StatusClaimed
)

func (s Status) String() string {
	switch s {
	case StatusPlaced:
		return "placed"
	case StatusDelivered:
		return "delivered"
	case StatusClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// eventSlot pairs an event payload with the LogPosition that produced it,
// so a later observation can be compared against the one already stored.
type eventSlot[T any] struct {
	Position LogPosition
	Value    *T
}

func (s eventSlot[T]) filled() bool { return s.Value != nil }

// mergeSlot keeps the value with the larger LogPosition: later observations
// win over earlier ones for the same slot. Applying events in any
// permutation converges to the same result because the comparison is a
// total order over positions (ties cannot occur: no two logs share both
// index fields).
func mergeSlot[T any](slot eventSlot[T], pos LogPosition, val *T) eventSlot[T] {
	if !slot.filled() || pos.After(slot.Position) {
		return eventSlot[T]{Position: pos, Value: val}
	}
	return slot
}

// RelayState is the per-MID lifecycle aggregate reconstructed by the
// Collector from events observed on both the origin and destination
// chains. It is created on first BountyPlaced and never deleted, so it
// doubles as an audit trail.
type RelayState struct {
	MID    MID
	Status Status

	placed    eventSlot[BountyPlaced]
	increased eventSlot[BountyIncreased]
	delivered eventSlot[MessageDelivered]
	claimed   eventSlot[BountyClaimed]

	// Gas costs observed at delivery and ack, filled in by the Wallet on
	// confirmation, not by the Collector.
	DeliveryGasCost BigInt
	AckGasCost      BigInt

	DeliveryAttempts int
	AckAttempts      int

	// Abandoned records a permanently-unprofitable order. Cleared
	// automatically when a BountyIncreased event arrives, since that
	// changes the profitability inputs.
	AbandonedDelivery bool
	AbandonedAck      bool
}

// NewRelayState seeds a RelayState from the first event observed for a
// MID, ordinarily a BountyPlaced but not necessarily: a Getter that starts
// reading mid-stream may see a later event first, and the merge still
// converges once earlier events, if any, arrive afterward.
func NewRelayState(ev BountyEvent) *RelayState {
	s := &RelayState{MID: ev.MID}
	s.ApplyEvent(ev)
	return s
}

// Placed returns the current BountyPlaced slot, or nil if unset.
func (s *RelayState) Placed() *BountyPlaced { return s.placed.Value }

// Increased returns the current BountyIncreased slot, or nil if unset.
func (s *RelayState) Increased() *BountyIncreased { return s.increased.Value }

// Delivered returns the current MessageDelivered slot, or nil if unset.
func (s *RelayState) Delivered() *MessageDelivered { return s.delivered.Value }

// Claimed returns the current BountyClaimed slot, or nil if unset.
func (s *RelayState) Claimed() *BountyClaimed { return s.claimed.Value }

// PlacedPosition, IncreasedPosition, DeliveredPosition, and ClaimedPosition
// return the LogPosition of the event currently occupying each slot. The
// zero value if the slot is unfilled; callers check the corresponding
// accessor first.
func (s *RelayState) PlacedPosition() LogPosition    { return s.placed.Position }
func (s *RelayState) IncreasedPosition() LogPosition { return s.increased.Position }
func (s *RelayState) DeliveredPosition() LogPosition { return s.delivered.Position }
func (s *RelayState) ClaimedPosition() LogPosition   { return s.claimed.Position }

// DeliveryTriggerPosition is the position the Evaluator orders a delivery
// candidate by: the BountyPlaced position, or the latest BountyIncreased
// position if that arrived later, since either event makes the MID
// eligible for (re-)evaluation.
func (s *RelayState) DeliveryTriggerPosition() LogPosition {
	pos := s.placed.Position
	if s.increased.filled() && s.increased.Position.After(pos) {
		pos = s.increased.Position
	}
	return pos
}

// EffectivePriceOfDeliveryGas is max(original, latest BountyIncreased),
// the price the Evaluator must use.
func (s *RelayState) EffectivePriceOfDeliveryGas() BigInt {
	base := BigInt{}
	if p := s.Placed(); p != nil {
		base = p.PriceOfDeliveryGas
	}
	if inc := s.Increased(); inc != nil {
		base = base.Max(inc.NewPriceOfDeliveryGas)
	}
	return base
}

// EffectivePriceOfAckGas is the ack-side equivalent of
// EffectivePriceOfDeliveryGas.
func (s *RelayState) EffectivePriceOfAckGas() BigInt {
	base := BigInt{}
	if p := s.Placed(); p != nil {
		base = p.PriceOfAckGas
	}
	if inc := s.Increased(); inc != nil {
		base = base.Max(inc.NewPriceOfAckGas)
	}
	return base
}

// ApplyEvent merges ev into the state and reports whether anything changed
// (used by the Orchestrator to decide whether a MID needs re-evaluation).
// The merge is commutative per slot (see mergeSlot) and status is always
// max'd, so applying the same set of events in any order converges on an
// identical RelayState.
func (s *RelayState) ApplyEvent(ev BountyEvent) (changed bool) {
	before := *s
	switch ev.Kind() {
	case KindBountyPlaced:
		s.placed = mergeSlot(s.placed, ev.Position, ev.Placed)
	case KindBountyIncreased:
		s.increased = mergeSlot(s.increased, ev.Position, ev.Increased)
		// A fresh bounty increase reopens any order previously abandoned
		// as unprofitable.
		s.AbandonedDelivery = false
		s.AbandonedAck = false
	case KindMessageDelivered:
		s.delivered = mergeSlot(s.delivered, ev.Position, ev.Delivered)
	case KindBountyClaimed:
		s.claimed = mergeSlot(s.claimed, ev.Position, ev.Claimed)
	}

	if kindStatus := ev.Kind().statusOf(); kindStatus > s.Status {
		s.Status = kindStatus
	}

	return !stateEqual(before, *s)
}

// IsTerminal reports whether the state can never mutate again: status
// claimed and both gas-cost fields recorded.
func (s *RelayState) IsTerminal() bool {
	return s.Status == StatusClaimed &&
		s.DeliveryGasCost.Int != nil && s.DeliveryGasCost.Sign() > 0 &&
		s.AckGasCost.Int != nil && s.AckGasCost.Sign() > 0
}

func stateEqual(a, b RelayState) bool {
	return a.Status == b.Status &&
		a.placed.filled() == b.placed.filled() && a.placed.Position == b.placed.Position &&
		a.increased.filled() == b.increased.filled() && a.increased.Position == b.increased.Position &&
		a.delivered.filled() == b.delivered.filled() && a.delivered.Position == b.delivered.Position &&
		a.claimed.filled() == b.claimed.filled() && a.claimed.Position == b.claimed.Position &&
		a.AbandonedDelivery == b.AbandonedDelivery && a.AbandonedAck == b.AbandonedAck
}
