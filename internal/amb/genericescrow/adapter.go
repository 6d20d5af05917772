package genericescrow

import (
	"fmt"
	"math/big"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/omnirelay/bounty-relayer/internal/amb"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// Adapter implements amb.Adapter against the embedded generic escrow ABI.
type Adapter struct {
	addresses amb.ChainAddresses
}

// New builds an Adapter watching the given per-chain escrow addresses.
func New(addresses amb.ChainAddresses) *Adapter {
	return &Adapter{addresses: addresses}
}

var _ amb.Adapter = (*Adapter)(nil)

func (a *Adapter) Addresses() amb.ChainAddresses { return a.addresses }

func (a *Adapter) Topics() []gethcommon.Hash {
	return []gethcommon.Hash{
		topicBountyPlaced,
		topicBountyIncreased,
		topicMessageDelivered,
		topicBountyClaimed,
	}
}

// Decode dispatches on log.Topics[0] and unpacks the non-indexed fields
// through the embedded ABI. An unrecognized topic returns (nil, nil): the
// caller treats that as "not ours", not a decode failure.
func (a *Adapter) Decode(log types.Log) (*relaytypes.BountyEvent, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}
	switch log.Topics[0] {
	case topicBountyPlaced, topicBountyIncreased, topicMessageDelivered, topicBountyClaimed:
	default:
		return nil, nil
	}

	mid, err := midFromTopic(log.Topics)
	if err != nil {
		return nil, fmt.Errorf("genericescrow: %w", err)
	}

	pos := relaytypes.LogPosition{
		BlockNumber: log.BlockNumber,
		LogIndex:    uint64(log.Index),
		BlockHash:   relaytypes.Hash(log.BlockHash),
		TxHash:      relaytypes.Hash(log.TxHash),
	}

	switch log.Topics[0] {
	case topicBountyPlaced:
		return a.decodeBountyPlaced(log, mid, pos)
	case topicBountyIncreased:
		return a.decodeBountyIncreased(log, mid, pos)
	case topicMessageDelivered:
		return a.decodeMessageDelivered(log, mid, pos)
	case topicBountyClaimed:
		return &relaytypes.BountyEvent{MID: mid, Position: pos, Claimed: &relaytypes.BountyClaimed{}}, nil
	default:
		return nil, nil
	}
}

// midFromTopic reads the indexed messageIdentifier, always topics[1] in
// this ABI since topics[0] is the event signature hash.
func midFromTopic(topics []gethcommon.Hash) (relaytypes.MID, error) {
	if len(topics) < 2 {
		return relaytypes.MID{}, fmt.Errorf("missing indexed messageIdentifier topic")
	}
	return relaytypes.MID(topics[1]), nil
}

func (a *Adapter) decodeBountyPlaced(log types.Log, mid relaytypes.MID, pos relaytypes.LogPosition) (*relaytypes.BountyEvent, error) {
	unpacked, err := EscrowABI.Unpack("BountyPlaced", log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack BountyPlaced: %w", err)
	}
	if len(unpacked) != 9 {
		return nil, fmt.Errorf("unpack BountyPlaced: expected 9 fields, got %d", len(unpacked))
	}

	fromChainID, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack BountyPlaced: fromChainId has unexpected type %T", unpacked[0])
	}
	incentivesAddress, ok := unpacked[1].(gethcommon.Address)
	if !ok {
		return nil, fmt.Errorf("unpack BountyPlaced: incentivesAddress has unexpected type %T", unpacked[1])
	}
	maxGasDelivery, ok := unpacked[2].(uint64)
	if !ok {
		return nil, fmt.Errorf("unpack BountyPlaced: maxGasDelivery has unexpected type %T", unpacked[2])
	}
	maxGasAck, ok := unpacked[3].(uint64)
	if !ok {
		return nil, fmt.Errorf("unpack BountyPlaced: maxGasAck has unexpected type %T", unpacked[3])
	}
	refundGasTo, ok := unpacked[4].(gethcommon.Address)
	if !ok {
		return nil, fmt.Errorf("unpack BountyPlaced: refundGasTo has unexpected type %T", unpacked[4])
	}
	priceOfDeliveryGas, ok := unpacked[5].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack BountyPlaced: priceOfDeliveryGas has unexpected type %T", unpacked[5])
	}
	priceOfAckGas, ok := unpacked[6].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack BountyPlaced: priceOfAckGas has unexpected type %T", unpacked[6])
	}
	targetDelta, ok := unpacked[7].(uint64)
	if !ok {
		return nil, fmt.Errorf("unpack BountyPlaced: targetDelta has unexpected type %T", unpacked[7])
	}
	payload, ok := unpacked[8].([]byte)
	if !ok {
		return nil, fmt.Errorf("unpack BountyPlaced: payload has unexpected type %T", unpacked[8])
	}

	return &relaytypes.BountyEvent{
		MID:      mid,
		Position: pos,
		Placed: &relaytypes.BountyPlaced{
			FromChainID:        relaytypes.ChainID(fromChainID.Uint64()),
			IncentivesAddress:  relaytypes.Address(incentivesAddress.Bytes()),
			MaxGasDelivery:     maxGasDelivery,
			MaxGasAck:          maxGasAck,
			RefundGasTo:        relaytypes.Address(refundGasTo.Bytes()),
			PriceOfDeliveryGas: relaytypes.BigInt{Int: priceOfDeliveryGas},
			PriceOfAckGas:      relaytypes.BigInt{Int: priceOfAckGas},
			TargetDelta:        targetDelta,
			Payload:            payload,
		},
	}, nil
}

func (a *Adapter) decodeBountyIncreased(log types.Log, mid relaytypes.MID, pos relaytypes.LogPosition) (*relaytypes.BountyEvent, error) {
	unpacked, err := EscrowABI.Unpack("BountyIncreased", log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack BountyIncreased: %w", err)
	}
	if len(unpacked) != 2 {
		return nil, fmt.Errorf("unpack BountyIncreased: expected 2 fields, got %d", len(unpacked))
	}
	newPriceOfDeliveryGas, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack BountyIncreased: newPriceOfDeliveryGas has unexpected type %T", unpacked[0])
	}
	newPriceOfAckGas, ok := unpacked[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack BountyIncreased: newPriceOfAckGas has unexpected type %T", unpacked[1])
	}
	return &relaytypes.BountyEvent{
		MID:      mid,
		Position: pos,
		Increased: &relaytypes.BountyIncreased{
			NewPriceOfDeliveryGas: relaytypes.BigInt{Int: newPriceOfDeliveryGas},
			NewPriceOfAckGas:      relaytypes.BigInt{Int: newPriceOfAckGas},
		},
	}, nil
}

func (a *Adapter) decodeMessageDelivered(log types.Log, mid relaytypes.MID, pos relaytypes.LogPosition) (*relaytypes.BountyEvent, error) {
	unpacked, err := EscrowABI.Unpack("MessageDelivered", log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack MessageDelivered: %w", err)
	}
	if len(unpacked) != 1 {
		return nil, fmt.Errorf("unpack MessageDelivered: expected 1 field, got %d", len(unpacked))
	}
	toChainID, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack MessageDelivered: toChainId has unexpected type %T", unpacked[0])
	}
	if !toChainID.IsUint64() {
		return nil, fmt.Errorf("unpack MessageDelivered: toChainId %s is not a valid chain id", toChainID)
	}
	return &relaytypes.BountyEvent{
		MID:      mid,
		Position: pos,
		Delivered: &relaytypes.MessageDelivered{
			ToChainID: relaytypes.ChainID(toChainID.Uint64()),
		},
	}, nil
}
