package evaluator

import (
	"context"
	"math/big"
	"testing"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/stretchr/testify/require"

	"github.com/omnirelay/bounty-relayer/internal/amb"
	"github.com/omnirelay/bounty-relayer/internal/amb/genericescrow"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

const (
	originChain      relaytypes.ChainID = 1
	destinationChain relaytypes.ChainID = 2
)

type fakeGasEstimator struct{ gas uint64 }

func (f fakeGasEstimator) EstimateGas(ctx context.Context, chain relaytypes.ChainID, calldata []byte, to gethcommon.Address) (uint64, error) {
	return f.gas, nil
}

type fakeGasPrices struct{ prices map[relaytypes.ChainID]*big.Int }

func (f fakeGasPrices) SuggestGasPrice(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	return f.prices[chain], nil
}

type fakePrices struct{ prices map[relaytypes.ChainID]*big.Int }

func (f fakePrices) PriceOf(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	return f.prices[chain], nil
}

type fakeLookup struct{ states map[relaytypes.MID]*relaytypes.RelayState }

func (f fakeLookup) Lookup(ctx context.Context, mid relaytypes.MID) (*relaytypes.RelayState, error) {
	return f.states[mid], nil
}

type fakeAbandoner struct{ marked []relaytypes.MID }

func (f *fakeAbandoner) MarkAbandoned(ctx context.Context, mid relaytypes.MID, kind relaytypes.OrderKind) error {
	f.marked = append(f.marked, mid)
	return nil
}

func placedState(mid relaytypes.MID, priceOfDeliveryGas, priceOfAckGas int64, maxGasDelivery, maxGasAck uint64) *relaytypes.RelayState {
	ev := relaytypes.BountyEvent{
		MID:      mid,
		Position: relaytypes.LogPosition{BlockNumber: 1, LogIndex: 0},
		Placed: &relaytypes.BountyPlaced{
			MaxGasDelivery:     maxGasDelivery,
			MaxGasAck:          maxGasAck,
			PriceOfDeliveryGas: relaytypes.NewBigInt(priceOfDeliveryGas),
			PriceOfAckGas:      relaytypes.NewBigInt(priceOfAckGas),
			Payload:            []byte("payload"),
		},
	}
	return relaytypes.NewRelayState(ev)
}

func onePerToken() map[relaytypes.ChainID]*big.Int {
	return map[relaytypes.ChainID]*big.Int{
		originChain:      new(big.Int).SetInt64(1e18),
		destinationChain: new(big.Int).SetInt64(1e18),
	}
}

func newTestEvaluator(t *testing.T, gas uint64, localGasPrice int64, reward RewardConfig, states map[relaytypes.MID]*relaytypes.RelayState) *Evaluator {
	adapter := genericescrow.New(amb.ChainAddresses{
		originChain:      gethcommon.HexToAddress("0x1"),
		destinationChain: gethcommon.HexToAddress("0x2"),
	})
	return New(
		originChain, destinationChain,
		adapter,
		fakeGasEstimator{gas: gas},
		fakeGasPrices{prices: map[relaytypes.ChainID]*big.Int{originChain: big.NewInt(localGasPrice), destinationChain: big.NewInt(localGasPrice)}},
		fakePrices{prices: onePerToken()},
		fakeLookup{states: states},
		nil,
		reward,
		10*time.Millisecond,
		logger.Test(t),
	)
}

func TestEvaluateEmitsProfitableDeliveryOrder(t *testing.T) {
	mid := relaytypes.MID{0x01}
	state := placedState(mid, 1_000_000, 1_000_000, 100_000, 50_000)
	e := newTestEvaluator(t, 21_000, 1, RewardConfig{}, map[relaytypes.MID]*relaytypes.RelayState{mid: state})

	now := time.Now()
	e.Reconcile(state, now)

	orders, err := e.Evaluate(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, relaytypes.OrderKindDelivery, orders[0].Kind)
	require.Equal(t, mid, orders[0].MID)
}

func TestEvaluateDropsUnprofitableDeliveryOrder(t *testing.T) {
	mid := relaytypes.MID{0x02}
	state := placedState(mid, 0, 0, 100_000, 50_000)
	e := newTestEvaluator(t, 21_000, 1_000_000_000, RewardConfig{}, map[relaytypes.MID]*relaytypes.RelayState{mid: state})

	now := time.Now()
	e.Reconcile(state, now)

	orders, err := e.Evaluate(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestEvaluateMarksUnprofitableOrderAbandoned(t *testing.T) {
	mid := relaytypes.MID{0x02}
	state := placedState(mid, 0, 0, 100_000, 50_000)
	abandoner := &fakeAbandoner{}

	adapter := genericescrow.New(amb.ChainAddresses{
		originChain:      gethcommon.HexToAddress("0x1"),
		destinationChain: gethcommon.HexToAddress("0x2"),
	})
	e := New(
		originChain, destinationChain,
		adapter,
		fakeGasEstimator{gas: 21_000},
		fakeGasPrices{prices: map[relaytypes.ChainID]*big.Int{originChain: big.NewInt(1_000_000_000), destinationChain: big.NewInt(1_000_000_000)}},
		fakePrices{prices: onePerToken()},
		fakeLookup{states: map[relaytypes.MID]*relaytypes.RelayState{mid: state}},
		abandoner,
		RewardConfig{},
		10*time.Millisecond,
		logger.Test(t),
	)

	now := time.Now()
	e.Reconcile(state, now)

	orders, err := e.Evaluate(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, orders)
	require.Equal(t, []relaytypes.MID{mid}, abandoner.marked)
}

func TestEvaluateHoldsCandidateUntilGracePeriodElapses(t *testing.T) {
	mid := relaytypes.MID{0x03}
	state := placedState(mid, 1_000_000, 1_000_000, 100_000, 50_000)
	e := newTestEvaluator(t, 21_000, 1, RewardConfig{}, map[relaytypes.MID]*relaytypes.RelayState{mid: state})

	now := time.Now()
	e.Reconcile(state, now)

	orders, err := e.Evaluate(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, orders, "grace period has not elapsed yet")
}

func TestReconcileRetractsOnceDelivered(t *testing.T) {
	mid := relaytypes.MID{0x04}
	state := placedState(mid, 1_000_000, 1_000_000, 100_000, 50_000)
	e := newTestEvaluator(t, 21_000, 1, RewardConfig{}, map[relaytypes.MID]*relaytypes.RelayState{mid: state})

	now := time.Now()
	e.Reconcile(state, now)

	state.ApplyEvent(relaytypes.BountyEvent{
		MID:       mid,
		Position:  relaytypes.LogPosition{BlockNumber: 2, LogIndex: 0},
		Delivered: &relaytypes.MessageDelivered{ToChainID: destinationChain},
	})
	e.Reconcile(state, now)

	orders, err := e.Evaluate(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, orders, 1, "delivery candidate retracted once MessageDelivered observed; only the ack remains")
	require.Equal(t, relaytypes.OrderKindAck, orders[0].Kind)
}

func TestEvaluateEmitsOrdersInTriggeringPositionOrder(t *testing.T) {
	midA := relaytypes.MID{0x05}
	midB := relaytypes.MID{0x06}

	stateA := placedStateAt(midA, 5, 0, 1_000_000, 1_000_000, 100_000, 50_000)
	stateB := placedStateAt(midB, 3, 0, 1_000_000, 1_000_000, 100_000, 50_000)

	states := map[relaytypes.MID]*relaytypes.RelayState{midA: stateA, midB: stateB}
	e := newTestEvaluator(t, 21_000, 1, RewardConfig{}, states)

	now := time.Now()
	// Enqueue A first (as if observed first) even though B's triggering
	// event has an earlier block number; FIFO must still order by position.
	e.Reconcile(stateA, now)
	e.Reconcile(stateB, now)

	orders, err := e.Evaluate(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, midB, orders[0].MID)
	require.Equal(t, midA, orders[1].MID)
}

func placedStateAt(mid relaytypes.MID, block, logIndex uint64, priceOfDeliveryGas, priceOfAckGas int64, maxGasDelivery, maxGasAck uint64) *relaytypes.RelayState {
	ev := relaytypes.BountyEvent{
		MID:      mid,
		Position: relaytypes.LogPosition{BlockNumber: block, LogIndex: logIndex},
		Placed: &relaytypes.BountyPlaced{
			MaxGasDelivery:     maxGasDelivery,
			MaxGasAck:          maxGasAck,
			PriceOfDeliveryGas: relaytypes.NewBigInt(priceOfDeliveryGas),
			PriceOfAckGas:      relaytypes.NewBigInt(priceOfAckGas),
			Payload:            []byte("payload"),
		},
	}
	return relaytypes.NewRelayState(ev)
}
