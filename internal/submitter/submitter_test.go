package submitter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/stretchr/testify/require"

	"github.com/omnirelay/bounty-relayer/internal/config"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

type fakeWallet struct {
	mu         sync.Mutex
	submitErrs []error
	failFirstN int
	calls      int
	inFlight   atomic.Int32
	maxInFlight atomic.Int32

	balanceBlocked atomic.Bool
}

func (w *fakeWallet) BaseFee(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (w *fakeWallet) SuggestedPriorityFee(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (w *fakeWallet) OperationalBalanceOK(chain relaytypes.ChainID) bool {
	return !w.balanceBlocked.Load()
}

func (w *fakeWallet) Submit(ctx context.Context, order relaytypes.SubmitOrder, fees FeeParams) (<-chan Result, error) {
	w.mu.Lock()
	call := w.calls
	w.calls++
	w.mu.Unlock()

	cur := w.inFlight.Add(1)
	for {
		max := w.maxInFlight.Load()
		if cur <= max || w.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if call < w.failFirstN {
		w.inFlight.Add(-1)
		return nil, errors.New("transient rpc error")
	}

	ch := make(chan Result, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		w.inFlight.Add(-1)
		ch <- Result{Confirmed: true}
	}()
	return ch, nil
}

func testConfig(maxPending, maxTries int) config.ChainConfig {
	cfg := config.Defaults()
	cfg.MaxPendingTransactions = maxPending
	cfg.MaxTries = maxTries
	return cfg
}

func TestSubmitRetriesTransientFailureUntilConfirmed(t *testing.T) {
	wallet := &fakeWallet{failFirstN: 2}
	s := New(1, wallet, testConfig(4, 5), logger.Test(t))

	order := relaytypes.SubmitOrder{MID: relaytypes.MID{0x01}, Kind: relaytypes.OrderKindDelivery, GasEstimate: 100_000}
	require.NoError(t, s.Submit(context.Background(), order))

	require.Eventually(t, func() bool {
		wallet.mu.Lock()
		defer wallet.mu.Unlock()
		return wallet.calls == 3
	}, time.Second, time.Millisecond)
}

func TestSubmitDropsOrderAfterMaxTries(t *testing.T) {
	wallet := &fakeWallet{failFirstN: 100}
	s := New(1, wallet, testConfig(4, 3), logger.Test(t))

	order := relaytypes.SubmitOrder{MID: relaytypes.MID{0x02}, Kind: relaytypes.OrderKindAck, GasEstimate: 50_000}
	require.NoError(t, s.Submit(context.Background(), order))

	require.Eventually(t, func() bool {
		wallet.mu.Lock()
		defer wallet.mu.Unlock()
		return wallet.calls == 3
	}, time.Second, time.Millisecond)
}

func TestSubmitBoundsInFlightConcurrency(t *testing.T) {
	wallet := &fakeWallet{}
	s := New(1, wallet, testConfig(2, 1), logger.Test(t))

	for i := 0; i < 5; i++ {
		mid := relaytypes.MID{byte(i)}
		require.NoError(t, s.Submit(context.Background(), relaytypes.SubmitOrder{MID: mid, GasEstimate: 21_000}))
	}

	require.Eventually(t, func() bool {
		wallet.mu.Lock()
		defer wallet.mu.Unlock()
		return wallet.calls == 5
	}, 2*time.Second, time.Millisecond)

	require.LessOrEqual(t, wallet.maxInFlight.Load(), int32(2))
}

// TestSubmitRefusesWhenBalanceBelowOperationalMinimum checks the balance
// watchdog's hard cutoff: Submit must reject the order outright, without
// ever calling Wallet.Submit, while the wallet reports itself below its
// minimum operational balance.
func TestSubmitRefusesWhenBalanceBelowOperationalMinimum(t *testing.T) {
	wallet := &fakeWallet{}
	wallet.balanceBlocked.Store(true)
	s := New(1, wallet, testConfig(4, 3), logger.Test(t))

	order := relaytypes.SubmitOrder{MID: relaytypes.MID{0x03}, Kind: relaytypes.OrderKindDelivery, GasEstimate: 21_000}
	err := s.Submit(context.Background(), order)
	require.Error(t, err)

	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	require.Equal(t, 0, wallet.calls)
}
