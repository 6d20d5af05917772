package wallet

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/stretchr/testify/require"

	"github.com/omnirelay/bounty-relayer/internal/relayerr"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
	"github.com/omnirelay/bounty-relayer/internal/submitter"
)

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeChainClient struct {
	mu sync.Mutex

	baseFee     *big.Int
	priorityFee *big.Int
	nonce       uint64
	balance     *big.Int

	sent        []*types.Transaction
	receiptFor  map[gethcommon.Hash]*types.Receipt
	blockNumber uint64

	sendErr    atomic.Bool
	sendErrMsg atomic.Value
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{
		baseFee:     big.NewInt(1_000_000_000),
		priorityFee: big.NewInt(1_000_000),
		balance:     big.NewInt(1_000_000_000_000_000_000),
		receiptFor:  make(map[gethcommon.Hash]*types.Receipt),
		blockNumber: 100,
	}
}

func (f *fakeChainClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeChainClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.priorityFee, nil
}

func (f *fakeChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.baseFee, nil
}

func (f *fakeChainClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21_000, nil
}

func (f *fakeChainClient) PendingNonceAt(ctx context.Context, account gethcommon.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr.Load() {
		if msg, ok := f.sendErrMsg.Load().(string); ok && msg != "" {
			return fakeErr(msg)
		}
		return errSendFailed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash gethcommon.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receiptFor[txHash]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func (f *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockNumber, nil
}

func (f *fakeChainClient) BalanceAt(ctx context.Context, account gethcommon.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeChainClient) confirm(txHash gethcommon.Hash, status uint64, atBlock uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptFor[txHash] = &types.Receipt{
		Status:            status,
		BlockNumber:       big.NewInt(int64(atBlock)),
		GasUsed:           21_000,
		EffectiveGasPrice: big.NewInt(1_500_000_000),
	}
	if atBlock > f.blockNumber {
		f.blockNumber = atBlock
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

var (
	errSendFailed = fakeErr("simulated broadcast failure")
	errNotFound   = fakeErr("not found")
)

func testOrder(chain relaytypes.ChainID) relaytypes.SubmitOrder {
	return relaytypes.SubmitOrder{
		MID:      relaytypes.MID{0x01},
		Kind:     relaytypes.OrderKindDelivery,
		Chain:    chain,
		Calldata: []byte{0xde, 0xad, 0xbe, 0xef},
		To:       gethcommon.HexToAddress("0xabc"),
	}
}

func testOrderWithMID(chain relaytypes.ChainID, mid byte) relaytypes.SubmitOrder {
	order := testOrder(chain)
	order.MID = relaytypes.MID{mid}
	return order
}

func testFees() submitter.FeeParams {
	return submitter.FeeParams{
		GasLimit:             100_000,
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000),
	}
}

func newTestWallet(t *testing.T) *Wallet {
	w, err := New(testPrivateKey, logger.Test(t))
	require.NoError(t, err)
	return w
}

func TestSubmitBroadcastsSignedTransaction(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	resultCh, err := w.Submit(context.Background(), testOrder(1), testFees())
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	require.Equal(t, uint64(0), client.sent[0].Nonce())

	client.confirm(client.sent[0].Hash(), types.ReceiptStatusSuccessful, client.blockNumber)

	select {
	case result := <-resultCh:
		require.True(t, result.Confirmed)
		require.NoError(t, result.Err)
		require.Equal(t, big.NewInt(31_500_000_000_000), result.GasCost)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmation")
	}
}

func TestSubmitAssignsDistinctNoncesToDifferentOrders(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	_, err := w.Submit(context.Background(), testOrderWithMID(1, 0x01), testFees())
	require.NoError(t, err)
	_, err = w.Submit(context.Background(), testOrderWithMID(1, 0x02), testFees())
	require.NoError(t, err)

	require.Len(t, client.sent, 2)
	require.Equal(t, uint64(0), client.sent[0].Nonce())
	require.Equal(t, uint64(1), client.sent[1].Nonce())
}

// TestSubmitReusesNonceOnStalledRetry locks in the fee-bump-same-nonce
// replacement contract: Submitter.process retries the identical order
// after a confirmation timeout, and that retry must not consume a fresh
// nonce, or a single stalled transaction would permanently block every
// later nonce on the chain.
func TestSubmitReusesNonceOnStalledRetry(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, 5*time.Millisecond, time.Millisecond)

	order := testOrder(1)

	resultCh, err := w.Submit(context.Background(), order, testFees())
	require.NoError(t, err)

	select {
	case result := <-resultCh:
		require.False(t, result.Confirmed)
		require.Error(t, result.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stalled attempt's timeout result")
	}

	_, err = w.Submit(context.Background(), order, testFees())
	require.NoError(t, err)

	require.Len(t, client.sent, 2)
	require.Equal(t, uint64(0), client.sent[0].Nonce())
	require.Equal(t, uint64(0), client.sent[1].Nonce(), "the replacement attempt must reuse the stalled transaction's nonce")
}

// TestSubmitAllocatesFreshNonceAfterConfirmation checks the reservation is
// released once an order's transaction lands on chain, so it doesn't
// leak forever and force every later resubmission of the same MID onto an
// already-settled nonce.
func TestSubmitAllocatesFreshNonceAfterConfirmation(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	order := testOrder(1)

	resultCh, err := w.Submit(context.Background(), order, testFees())
	require.NoError(t, err)
	client.confirm(client.sent[0].Hash(), types.ReceiptStatusSuccessful, client.blockNumber)

	select {
	case result := <-resultCh:
		require.True(t, result.Confirmed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmation")
	}

	_, err = w.Submit(context.Background(), order, testFees())
	require.NoError(t, err)

	require.Len(t, client.sent, 2)
	require.Equal(t, uint64(1), client.sent[1].Nonce())
}

func TestSubmitReleasesNonceOnBroadcastFailure(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	client.sendErr.Store(true)
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	_, err := w.Submit(context.Background(), testOrder(1), testFees())
	require.Error(t, err)

	client.sendErr.Store(false)
	_, err = w.Submit(context.Background(), testOrder(1), testFees())
	require.NoError(t, err)
	require.Equal(t, uint64(0), client.sent[0].Nonce(), "the failed attempt's nonce must be reused, not skipped")
}

// TestSubmitTreatsAlreadyKnownAsSuccessPendingConfirmation locks in the
// spec's "already known"/"nonce too low" contract: the Wallet must not
// error out or release the nonce, it must start polling for confirmation
// of the transaction it just (redundantly) tried to broadcast.
func TestSubmitTreatsAlreadyKnownAsSuccessPendingConfirmation(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	client.sendErr.Store(true)
	client.sendErrMsg.Store("already known")
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	order := testOrder(1)
	resultCh, err := w.Submit(context.Background(), order, testFees())
	require.NoError(t, err, "an already-known broadcast must not surface as an error")

	cs, ok := w.chainFor(1)
	require.True(t, ok)
	cs.mu.Lock()
	_, stillReserved := cs.pending[orderKey{mid: order.MID, kind: order.Kind}]
	cs.mu.Unlock()
	require.True(t, stillReserved, "the nonce reservation must survive an already-known broadcast")

	select {
	case result := <-resultCh:
		require.Error(t, result.Err, "the fake never records a receipt for a redundant broadcast, so this must time out rather than confirm")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the confirmation-timeout result")
	}
}

// TestSubmitBumpsAndRetriesOnUnderpriced locks in the "underpriced" branch
// of spec §4.7: the failed attempt's nonce reservation must survive so the
// next Submit call for the same order reuses it as a same-nonce
// replacement instead of consuming a fresh nonce.
func TestSubmitBumpsAndRetriesOnUnderpriced(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	client.sendErr.Store(true)
	client.sendErrMsg.Store("replacement transaction underpriced")
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	order := testOrder(1)
	_, err := w.Submit(context.Background(), order, testFees())
	require.Error(t, err)
	var underpriced *relayerr.Underpriced
	require.ErrorAs(t, err, &underpriced)
	require.Equal(t, uint64(0), underpriced.Nonce)

	client.sendErr.Store(false)
	_, err = w.Submit(context.Background(), order, testFees())
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	require.Equal(t, uint64(0), client.sent[0].Nonce(), "the bumped retry must reuse the same nonce, not allocate a fresh one")
}

func TestAwaitConfirmationReportsRevert(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	resultCh, err := w.Submit(context.Background(), testOrder(1), testFees())
	require.NoError(t, err)

	client.confirm(client.sent[0].Hash(), types.ReceiptStatusFailed, client.blockNumber)

	select {
	case result := <-resultCh:
		require.False(t, result.Confirmed)
		require.Error(t, result.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for revert result")
	}
}

func TestAwaitConfirmationWaitsForRequiredDepth(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 3, time.Second, time.Millisecond)

	resultCh, err := w.Submit(context.Background(), testOrder(1), testFees())
	require.NoError(t, err)

	minedAt := client.blockNumber
	client.confirm(client.sent[0].Hash(), types.ReceiptStatusSuccessful, minedAt)

	select {
	case <-resultCh:
		t.Fatal("must not confirm before reaching the required depth")
	case <-time.After(20 * time.Millisecond):
	}

	client.mu.Lock()
	client.blockNumber = minedAt + 2
	client.mu.Unlock()

	select {
	case result := <-resultCh:
		require.True(t, result.Confirmed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for depth-satisfied confirmation")
	}
}

func TestBaseFeeAndSuggestedPriorityFee(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	baseFee, err := w.BaseFee(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, client.baseFee, baseFee)

	priorityFee, err := w.SuggestedPriorityFee(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, client.priorityFee, priorityFee)
}

func TestCheckBalanceWarnsBelowThreshold(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	client.balance = big.NewInt(1)
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	balance, err := w.CheckBalance(context.Background(), 1, big.NewInt(1_000_000), nil)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), balance)

	cs, ok := w.chainFor(1)
	require.True(t, ok)
	require.True(t, cs.warnedLowBalance.Load())
}

// TestCheckBalanceWarnsOncePerCrossing locks in the "exactly once per
// crossing" contract: repeated below-threshold checks must not re-warn
// until balance has recovered above threshold and dropped again.
func TestCheckBalanceWarnsOncePerCrossing(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, time.Second, time.Millisecond)
	threshold := big.NewInt(1_000_000)

	client.balance = big.NewInt(1)
	cs, ok := w.chainFor(1)
	require.True(t, ok)

	_, err := w.CheckBalance(context.Background(), 1, threshold, nil)
	require.NoError(t, err)
	require.True(t, cs.warnedLowBalance.Load())

	_, err = w.CheckBalance(context.Background(), 1, threshold, nil)
	require.NoError(t, err)
	require.True(t, cs.warnedLowBalance.Load())

	client.balance = big.NewInt(2_000_000)
	_, err = w.CheckBalance(context.Background(), 1, threshold, nil)
	require.NoError(t, err)
	require.False(t, cs.warnedLowBalance.Load())

	client.balance = big.NewInt(1)
	_, err = w.CheckBalance(context.Background(), 1, threshold, nil)
	require.NoError(t, err)
	require.True(t, cs.warnedLowBalance.Load())
}

// TestCheckBalanceWarnsAtExactThreshold locks in the boundary case: a
// balance exactly equal to warnThreshold must warn, not just one strictly
// below it.
func TestCheckBalanceWarnsAtExactThreshold(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, time.Second, time.Millisecond)
	threshold := big.NewInt(1_000_000)

	client.balance = new(big.Int).Set(threshold)
	cs, ok := w.chainFor(1)
	require.True(t, ok)

	_, err := w.CheckBalance(context.Background(), 1, threshold, nil)
	require.NoError(t, err)
	require.True(t, cs.warnedLowBalance.Load(), "a balance exactly at the threshold must warn")
}

func TestOperationalBalanceOKTracksMinimum(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, time.Second, time.Millisecond)
	minOperational := big.NewInt(1_000_000)

	require.True(t, w.OperationalBalanceOK(1), "no CheckBalance yet, should default to OK")

	client.balance = big.NewInt(1)
	_, err := w.CheckBalance(context.Background(), 1, nil, minOperational)
	require.NoError(t, err)
	require.False(t, w.OperationalBalanceOK(1))

	client.balance = big.NewInt(2_000_000)
	_, err = w.CheckBalance(context.Background(), 1, nil, minOperational)
	require.NoError(t, err)
	require.True(t, w.OperationalBalanceOK(1))
}

func TestEstimateGasAndSuggestGasPrice(t *testing.T) {
	w := newTestWallet(t)
	client := newFakeChainClient()
	w.AddChain(1, client, 1, time.Second, time.Millisecond)

	gas, err := w.EstimateGas(context.Background(), 1, []byte{0x01}, gethcommon.HexToAddress("0xabc"))
	require.NoError(t, err)
	require.Equal(t, uint64(21_000), gas)

	price, err := w.SuggestGasPrice(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, client.baseFee, price)
}

func TestUnknownChainErrors(t *testing.T) {
	w := newTestWallet(t)
	_, err := w.BaseFee(context.Background(), 99)
	require.Error(t, err)
}
