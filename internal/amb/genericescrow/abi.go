// Package genericescrow is the reference AMB adapter: a minimal 4-event
// escrow ABI (BountyPlaced, BountyIncreased, MessageDelivered,
// BountyClaimed) decoded with go-ethereum's abi package.
package genericescrow

import (
	_ "embed"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	gethcommon "github.com/ethereum/go-ethereum/common"
)

//go:embed escrow_abi.json
var escrowJSONABI string

// EscrowABI is parsed once at package init.
var EscrowABI abi.ABI

var (
	topicBountyPlaced       gethcommon.Hash
	topicBountyIncreased    gethcommon.Hash
	topicMessageDelivered   gethcommon.Hash
	topicBountyClaimed      gethcommon.Hash
)

func init() {
	var err error
	EscrowABI, err = abi.JSON(strings.NewReader(escrowJSONABI))
	if err != nil {
		panic("genericescrow: invalid embedded ABI: " + err.Error())
	}

	topicBountyPlaced = EscrowABI.Events["BountyPlaced"].ID
	topicBountyIncreased = EscrowABI.Events["BountyIncreased"].ID
	topicMessageDelivered = EscrowABI.Events["MessageDelivered"].ID
	topicBountyClaimed = EscrowABI.Events["BountyClaimed"].ID
}
