package genericescrow

import (
	"fmt"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// EncodeDelivery packs a deliverMessage(bytes32,bytes) call for the
// destination escrow contract.
func (a *Adapter) EncodeDelivery(mid relaytypes.MID, payload []byte) ([]byte, error) {
	data, err := EscrowABI.Pack("deliverMessage", [32]byte(mid), payload)
	if err != nil {
		return nil, fmt.Errorf("genericescrow: pack deliverMessage: %w", err)
	}
	return data, nil
}

// EncodeAck packs an acknowledgeMessage(bytes32) call for the origin
// escrow contract.
func (a *Adapter) EncodeAck(mid relaytypes.MID) ([]byte, error) {
	data, err := EscrowABI.Pack("acknowledgeMessage", [32]byte(mid))
	if err != nil {
		return nil, fmt.Errorf("genericescrow: pack acknowledgeMessage: %w", err)
	}
	return data, nil
}
