package relaytypes

import "encoding/json"

// relayStateWire is the JSON-visible shape of RelayState. RelayState keeps
// its event slots unexported so callers can't bypass ApplyEvent's merge
// rule; this type is the deliberate seam for (de)serializing them anyway,
// so the Store's set→get round-trip preserves every field.
type relayStateWire struct {
	MID    MID    `json:"mid"`
	Status Status `json:"status"`

	Placed    *eventSlot[BountyPlaced]    `json:"placed,omitempty"`
	Increased *eventSlot[BountyIncreased] `json:"increased,omitempty"`
	Delivered *eventSlot[MessageDelivered] `json:"delivered,omitempty"`
	Claimed   *eventSlot[BountyClaimed]   `json:"claimed,omitempty"`

	DeliveryGasCost BigInt `json:"deliveryGasCost"`
	AckGasCost      BigInt `json:"ackGasCost"`

	DeliveryAttempts int `json:"deliveryAttempts"`
	AckAttempts      int `json:"ackAttempts"`

	AbandonedDelivery bool `json:"abandonedDelivery"`
	AbandonedAck      bool `json:"abandonedAck"`
}

func (s RelayState) MarshalJSON() ([]byte, error) {
	w := relayStateWire{
		MID:               s.MID,
		Status:            s.Status,
		DeliveryGasCost:   s.DeliveryGasCost,
		AckGasCost:        s.AckGasCost,
		DeliveryAttempts:  s.DeliveryAttempts,
		AckAttempts:       s.AckAttempts,
		AbandonedDelivery: s.AbandonedDelivery,
		AbandonedAck:      s.AbandonedAck,
	}
	if s.placed.filled() {
		w.Placed = &s.placed
	}
	if s.increased.filled() {
		w.Increased = &s.increased
	}
	if s.delivered.filled() {
		w.Delivered = &s.delivered
	}
	if s.claimed.filled() {
		w.Claimed = &s.claimed
	}
	return json.Marshal(w)
}

func (s *RelayState) UnmarshalJSON(data []byte) error {
	var w relayStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.MID = w.MID
	s.Status = w.Status
	s.DeliveryGasCost = w.DeliveryGasCost
	s.AckGasCost = w.AckGasCost
	s.DeliveryAttempts = w.DeliveryAttempts
	s.AckAttempts = w.AckAttempts
	s.AbandonedDelivery = w.AbandonedDelivery
	s.AbandonedAck = w.AbandonedAck
	if w.Placed != nil {
		s.placed = *w.Placed
	}
	if w.Increased != nil {
		s.increased = *w.Increased
	}
	if w.Delivered != nil {
		s.delivered = *w.Delivered
	}
	if w.Claimed != nil {
		s.claimed = *w.Claimed
	}
	return nil
}
