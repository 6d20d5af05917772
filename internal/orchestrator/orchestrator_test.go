package orchestrator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/stretchr/testify/require"

	"github.com/omnirelay/bounty-relayer/internal/amb"
	"github.com/omnirelay/bounty-relayer/internal/amb/genericescrow"
	"github.com/omnirelay/bounty-relayer/internal/config"
	"github.com/omnirelay/bounty-relayer/internal/evaluator"
	"github.com/omnirelay/bounty-relayer/internal/getter"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
	"github.com/omnirelay/bounty-relayer/internal/store"
	"github.com/omnirelay/bounty-relayer/internal/store/memstore"
	"github.com/omnirelay/bounty-relayer/internal/submitter"
)

const (
	testChain        relaytypes.ChainID = 1
	testCounterparty relaytypes.ChainID = 2
)

type fakeGetterClient struct{}

func (fakeGetterClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (fakeGetterClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

type fakeGasEstimator struct{ gas uint64 }

func (f fakeGasEstimator) EstimateGas(ctx context.Context, chain relaytypes.ChainID, calldata []byte, to gethcommon.Address) (uint64, error) {
	return f.gas, nil
}

type fakeGasPrices struct{ price *big.Int }

func (f fakeGasPrices) SuggestGasPrice(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	return f.price, nil
}

type fakePrices struct{ price *big.Int }

func (f fakePrices) PriceOf(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	return f.price, nil
}

// fakeWallet is a minimal submitter.Wallet that confirms every order
// immediately and records what it was asked to submit.
type fakeWallet struct {
	submitted []relaytypes.SubmitOrder
	gasCost   *big.Int
}

func (f *fakeWallet) BaseFee(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeWallet) SuggestedPriorityFee(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (f *fakeWallet) Submit(ctx context.Context, order relaytypes.SubmitOrder, fees submitter.FeeParams) (<-chan submitter.Result, error) {
	f.submitted = append(f.submitted, order)
	resultCh := make(chan submitter.Result, 1)
	resultCh <- submitter.Result{Confirmed: true, GasCost: f.gasCost}
	return resultCh, nil
}

func (f *fakeWallet) OperationalBalanceOK(chain relaytypes.ChainID) bool {
	return true
}

// fakeBalanceWallet additionally implements balanceChecker so tests can
// verify the watchdog's BalanceUpdateInterval gating without touching the
// real Wallet's RPC-backed implementation.
type fakeBalanceWallet struct {
	fakeWallet
	balance *big.Int
	checks  int
}

func (f *fakeBalanceWallet) CheckBalance(ctx context.Context, chain relaytypes.ChainID, warnThreshold, minOperational *big.Int) (*big.Int, error) {
	f.checks++
	return f.balance, nil
}

func testChainConfig(chain relaytypes.ChainID) config.ChainConfig {
	cfg := config.Defaults()
	cfg.MaxTries = 3
	cfg.MaxPendingTransactions = 10
	return cfg
}

func testOrchestrator(t *testing.T, kv store.KV, wallet submitter.Wallet) *Orchestrator {
	adapter := genericescrow.New(amb.ChainAddresses{
		testChain:        gethcommon.HexToAddress("0x1"),
		testCounterparty: gethcommon.HexToAddress("0x2"),
	})

	o, err := New(
		WithChains(testChain, testCounterparty),
		WithStore(kv),
		WithGetter(fakeGetterClient{}, getter.Config{Interval: time.Hour}),
		WithAdapter(adapter),
		WithGasEstimator(fakeGasEstimator{gas: 21_000}),
		WithGasPriceOracle(fakeGasPrices{price: big.NewInt(1)}),
		WithPriceOracle(fakePrices{price: big.NewInt(1e18)}),
		WithReward(evaluator.RewardConfig{}),
		WithTiming(0, 10*time.Millisecond),
		WithWallet(wallet, testChainConfig(testChain), testChainConfig(testCounterparty)),
		WithLogger(logger.Test(t)),
	)
	require.NoError(t, err)
	return o
}

func placedState(mid relaytypes.MID) *relaytypes.RelayState {
	ev := relaytypes.BountyEvent{
		MID:      mid,
		Position: relaytypes.LogPosition{BlockNumber: 1, LogIndex: 0},
		Placed: &relaytypes.BountyPlaced{
			MaxGasDelivery:     100_000,
			MaxGasAck:          50_000,
			PriceOfDeliveryGas: relaytypes.NewBigInt(1_000_000),
			PriceOfAckGas:      relaytypes.NewBigInt(1_000_000),
			Payload:            []byte("payload"),
		},
	}
	return relaytypes.NewRelayState(ev)
}

func TestNewRequiresAllFields(t *testing.T) {
	_, err := New(WithChains(testChain, testCounterparty))
	require.Error(t, err)
}

func TestTrackChangeAddsMIDForNonDeliveryEvent(t *testing.T) {
	o := testOrchestrator(t, memstore.New(), &fakeWallet{})
	mid := relaytypes.MID{0x01}
	state := placedState(mid)

	o.trackChange(relaytypes.BountyEvent{MID: mid, Placed: state.Placed()}, state)

	require.Contains(t, o.snapshotActive(), mid)
}

func TestTrackChangeIgnoresMessageDeliveredEvent(t *testing.T) {
	o := testOrchestrator(t, memstore.New(), &fakeWallet{})
	mid := relaytypes.MID{0x02}
	state := placedState(mid)
	state.ApplyEvent(relaytypes.BountyEvent{
		MID:       mid,
		Position:  relaytypes.LogPosition{BlockNumber: 2, LogIndex: 0},
		Delivered: &relaytypes.MessageDelivered{ToChainID: testCounterparty},
	})

	o.trackChange(relaytypes.BountyEvent{MID: mid, Delivered: state.Delivered()}, state)

	require.NotContains(t, o.snapshotActive(), mid,
		"a MessageDelivered fold means this chain is a delivery destination for a MID it does not originate")
}

func TestTrackChangeRemovesClaimedMID(t *testing.T) {
	o := testOrchestrator(t, memstore.New(), &fakeWallet{})
	mid := relaytypes.MID{0x03}
	state := placedState(mid)
	o.trackChange(relaytypes.BountyEvent{MID: mid, Placed: state.Placed()}, state)
	require.Contains(t, o.snapshotActive(), mid)

	state.ApplyEvent(relaytypes.BountyEvent{
		MID:      mid,
		Position: relaytypes.LogPosition{BlockNumber: 3, LogIndex: 0},
		Claimed:  &relaytypes.BountyClaimed{},
	})
	o.trackChange(relaytypes.BountyEvent{MID: mid, Claimed: state.Claimed()}, state)

	require.NotContains(t, o.snapshotActive(), mid)
}

func TestRouteDispatchesByOrderKind(t *testing.T) {
	o := testOrchestrator(t, memstore.New(), &fakeWallet{})

	require.Same(t, o.ackSubmitter, o.route(relaytypes.OrderKindAck))
	require.Same(t, o.deliverySubmitter, o.route(relaytypes.OrderKindDelivery))
}

func TestTickSubmitsOrderPastGracePeriod(t *testing.T) {
	kv := memstore.New()
	wallet := &fakeWallet{gasCost: big.NewInt(42)}
	o := testOrchestrator(t, kv, wallet)

	mid := relaytypes.MID{0x04}
	state := placedState(mid)
	require.NoError(t, store.UpdateRelayState(context.Background(), kv, mid, func(s *relaytypes.RelayState) { *s = *state }))

	o.mu.Lock()
	o.active[mid] = struct{}{}
	o.mu.Unlock()

	o.tick(context.Background())

	require.Eventually(t, func() bool {
		return len(wallet.submitted) == 1
	}, time.Second, time.Millisecond, "tick should hand a cleared delivery candidate to the delivery submitter")
	require.Equal(t, relaytypes.OrderKindDelivery, wallet.submitted[0].Kind)
	require.Equal(t, testCounterparty, wallet.submitted[0].Chain)
}

func TestRecordResultUpdatesRelayState(t *testing.T) {
	kv := memstore.New()
	o := testOrchestrator(t, kv, &fakeWallet{})

	mid := relaytypes.MID{0x05}
	state := placedState(mid)
	require.NoError(t, store.UpdateRelayState(context.Background(), kv, mid, func(s *relaytypes.RelayState) { *s = *state }))

	order := relaytypes.SubmitOrder{MID: mid, Kind: relaytypes.OrderKindDelivery}
	o.RecordResult(context.Background(), order, 2, submitter.Result{Confirmed: true, GasCost: big.NewInt(500)})

	updated, err := o.stateLookup.Lookup(context.Background(), mid)
	require.NoError(t, err)
	require.Equal(t, 1, updated.DeliveryAttempts)
	require.Equal(t, big.NewInt(500), updated.DeliveryGasCost.Int)
}

func TestRecordResultMarksUndeliveredAttemptWithoutGasCost(t *testing.T) {
	kv := memstore.New()
	o := testOrchestrator(t, kv, &fakeWallet{})

	mid := relaytypes.MID{0x06}
	state := placedState(mid)
	require.NoError(t, store.UpdateRelayState(context.Background(), kv, mid, func(s *relaytypes.RelayState) { *s = *state }))

	order := relaytypes.SubmitOrder{MID: mid, Kind: relaytypes.OrderKindAck}
	o.RecordResult(context.Background(), order, 3, submitter.Result{Confirmed: false, Err: context.DeadlineExceeded})

	updated, err := o.stateLookup.Lookup(context.Background(), mid)
	require.NoError(t, err)
	require.Equal(t, 1, updated.AckAttempts)
	require.Zero(t, updated.AckGasCost.OrZero().Sign(), "an unconfirmed attempt records no ack gas cost")
}

// TestCheckBalanceRunsEveryConfiguredInterval locks in the watchdog's
// cadence: it must fire on the Nth tick (BalanceUpdateInterval), not on
// every tick, and not at all before the interval has elapsed.
func TestCheckBalanceRunsEveryConfiguredInterval(t *testing.T) {
	wallet := &fakeBalanceWallet{balance: big.NewInt(1_000_000_000_000_000_000)}
	cfg := testChainConfig(testChain)
	cfg.BalanceUpdateInterval = 3

	adapter := genericescrow.New(amb.ChainAddresses{
		testChain:        gethcommon.HexToAddress("0x1"),
		testCounterparty: gethcommon.HexToAddress("0x2"),
	})
	o, err := New(
		WithChains(testChain, testCounterparty),
		WithStore(memstore.New()),
		WithGetter(fakeGetterClient{}, getter.Config{Interval: time.Hour}),
		WithAdapter(adapter),
		WithGasEstimator(fakeGasEstimator{gas: 21_000}),
		WithGasPriceOracle(fakeGasPrices{price: big.NewInt(1)}),
		WithPriceOracle(fakePrices{price: big.NewInt(1e18)}),
		WithReward(evaluator.RewardConfig{}),
		WithTiming(0, 10*time.Millisecond),
		WithWallet(wallet, cfg, testChainConfig(testCounterparty)),
		WithLogger(logger.Test(t)),
	)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		o.tick(ctx)
	}
	require.Equal(t, 0, wallet.checks)

	o.tick(ctx)
	require.Equal(t, 1, wallet.checks)

	for i := 0; i < 2; i++ {
		o.tick(ctx)
	}
	require.Equal(t, 1, wallet.checks)

	o.tick(ctx)
	require.Equal(t, 2, wallet.checks)
}

// TestCheckBalanceSkippedWithoutBalanceChecker verifies an Orchestrator
// built against a Wallet that doesn't implement balanceChecker (a plain
// fakeWallet) never panics or blocks tick, it just skips the watchdog.
func TestCheckBalanceSkippedWithoutBalanceChecker(t *testing.T) {
	o := testOrchestrator(t, memstore.New(), &fakeWallet{})
	require.NotPanics(t, func() { o.tick(context.Background()) })
}

// TestRefreshActiveSeedsFromPendingOrdersQueue simulates the restart case
// the pending-orders queue exists for: a MID a prior run's Collector
// pushed onto the queue but that never made it into this process's
// in-memory active set (as would happen if the process restarted after
// the push but before this MID's log fell behind the Getter's persisted
// cursor). tick must still pick it up and submit it.
func TestRefreshActiveSeedsFromPendingOrdersQueue(t *testing.T) {
	kv := memstore.New()
	wallet := &fakeWallet{gasCost: big.NewInt(42)}
	o := testOrchestrator(t, kv, wallet)

	mid := relaytypes.MID{0x07}
	state := placedState(mid)
	require.NoError(t, store.UpdateRelayState(context.Background(), kv, mid, func(s *relaytypes.RelayState) { *s = *state }))
	require.NoError(t, kv.Push(context.Background(), store.PendingOrdersKey(testChain.String()), mid.String()))

	require.NotContains(t, o.snapshotActive(), mid, "the queue, not trackChange, is what should seed this MID")

	o.tick(context.Background())

	require.Contains(t, o.snapshotActive(), mid)
	require.Eventually(t, func() bool {
		return len(wallet.submitted) == 1
	}, time.Second, time.Millisecond, "a MID recovered from the pending-orders queue must still reach the submitter")
}
