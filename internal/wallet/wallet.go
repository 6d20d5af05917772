package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/omnirelay/bounty-relayer/internal/relayerr"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
	"github.com/omnirelay/bounty-relayer/internal/submitter"
	"github.com/omnirelay/bounty-relayer/internal/telemetry"
)

// classifyBroadcastError inspects a SendTransaction error for the RPC
// outcomes go-ethereum nodes surface as plain strings rather than typed
// errors: "already known"/"nonce too low" mean some transaction at this
// nonce already reached the mempool (frequently this exact retransmit),
// so the caller should treat the broadcast as having succeeded and start
// polling for confirmation; "underpriced" means the node rejected the fee,
// which the caller should treat as retryable at the same nonce.
func classifyBroadcastError(err error) (alreadyBroadcast bool, underpriced *relayerr.Underpriced) {
	if err == nil {
		return false, nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "nonce too low"):
		return true, nil
	case strings.Contains(msg, "underpriced"):
		return false, &relayerr.Underpriced{Err: err}
	default:
		return false, nil
	}
}

// orderKey identifies a SubmitOrder across retries so the Wallet can tell
// a retry of the same order (which must reuse its nonce and replace the
// stalled transaction) apart from a genuinely new order (which must not).
type orderKey struct {
	mid  relaytypes.MID
	kind relaytypes.OrderKind
}

// chainState is one chain's client handle, nonce cursor, and the set of
// nonces currently owned by an in-flight order. Nonce assignment,
// signing, and broadcast happen with mu held so two concurrent Submit
// calls on the same chain never race for the same nonce; the same lock is
// what evm_contract_transmitter.go takes around its transact-opts-plus-
// send sequence.
type chainState struct {
	mu     sync.Mutex
	client ChainClient

	chainID *big.Int

	nonce      uint64
	nonceKnown bool
	pending    map[orderKey]uint64

	confirmations       uint64
	confirmationTimeout time.Duration
	pollInterval        time.Duration

	// warnedLowBalance and belowMinOperational are set by CheckBalance,
	// read by OperationalBalanceOK and by CheckBalance itself on the next
	// pass to detect a crossing; they're independent of mu since they're
	// only ever touched via atomic ops.
	warnedLowBalance    atomic.Bool
	belowMinOperational atomic.Bool
}

// reserveNonce returns the nonce order should be broadcast at. If key
// already owns a nonce from a previous, still-unresolved attempt, that
// same nonce is returned (replacement is true) so the caller signs a
// fee-bumped replacement instead of consuming a fresh one; otherwise a new
// nonce is allocated and recorded against key.
func (cs *chainState) reserveNonce(ctx context.Context, from gethcommon.Address, key orderKey) (nonce uint64, replacement bool, err error) {
	if n, ok := cs.pending[key]; ok {
		return n, true, nil
	}
	if !cs.nonceKnown {
		n, err := cs.client.PendingNonceAt(ctx, from)
		if err != nil {
			return 0, false, err
		}
		cs.nonce = n
		cs.nonceKnown = true
	}
	n := cs.nonce
	cs.nonce++
	cs.pending[key] = n
	return n, false, nil
}

// releaseNonce forgets key's nonce reservation once its transaction
// reaches an on-chain terminal state (confirmed or reverted), so a
// resubmission of the same order — should the Evaluator ever re-enqueue
// it — starts a fresh nonce rather than replacing a settled transaction.
func (cs *chainState) releaseNonce(key orderKey) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.pending, key)
}

// Wallet holds the single signing key the relayer submits transactions
// with, and one chainState per chain it has been wired to submit on.
// AddChain must be called for every chain before the Orchestrator starts
// submitting orders; the chain map itself is never mutated afterward, so
// no lock guards it.
type Wallet struct {
	key  *ecdsa.PrivateKey
	from gethcommon.Address

	chains  map[relaytypes.ChainID]*chainState
	lggr    logger.Logger
	metrics *telemetry.Metrics
}

// Option configures optional Wallet behavior.
type Option func(*Wallet)

// WithMetrics attaches the shared telemetry instruments the Wallet times
// its outbound RPC calls and confirmation latency against. Optional: a
// Wallet built without it simply skips every metrics call.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Wallet) { w.metrics = m }
}

// New derives the wallet's signing address from a hex-encoded ECDSA
// private key. The key never leaves this package.
func New(privateKeyHex string, lggr logger.Logger, opts ...Option) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("wallet: derive public key from private key")
	}
	w := &Wallet{
		key:    key,
		from:   crypto.PubkeyToAddress(*pub),
		chains: make(map[relaytypes.ChainID]*chainState),
		lggr:   lggr,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// recordRPC records how long a single outbound RPC call to chain took, a
// no-op when the Wallet was built without WithMetrics.
func (w *Wallet) recordRPC(ctx context.Context, chain relaytypes.ChainID, method string, start time.Time) {
	if w.metrics != nil {
		w.metrics.RecordRPCLatency(ctx, chain, method, time.Since(start))
	}
}

// From returns the address every transaction is signed and broadcast from.
func (w *Wallet) From() gethcommon.Address {
	return w.from
}

// AddChain wires a chain the wallet will submit transactions on.
func (w *Wallet) AddChain(chain relaytypes.ChainID, client ChainClient, confirmations uint64, confirmationTimeout, pollInterval time.Duration) {
	if confirmations == 0 {
		confirmations = 1
	}
	w.chains[chain] = &chainState{
		client:              client,
		chainID:             new(big.Int).SetUint64(uint64(chain)),
		pending:             make(map[orderKey]uint64),
		confirmations:       confirmations,
		confirmationTimeout: confirmationTimeout,
		pollInterval:        pollInterval,
	}
}

func (w *Wallet) chainFor(chain relaytypes.ChainID) (*chainState, bool) {
	cs, ok := w.chains[chain]
	return cs, ok
}

// BaseFee returns the chain's current EIP-1559 base fee.
func (w *Wallet) BaseFee(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	cs, ok := w.chainFor(chain)
	if !ok {
		return nil, fmt.Errorf("wallet: no client configured for chain %s", chain)
	}
	start := time.Now()
	header, err := cs.client.HeaderByNumber(ctx, nil)
	w.recordRPC(ctx, chain, "HeaderByNumber", start)
	if err != nil {
		return nil, err
	}
	if header.BaseFee == nil {
		return nil, fmt.Errorf("wallet: chain %s does not report an EIP-1559 base fee", chain)
	}
	return header.BaseFee, nil
}

// SuggestedPriorityFee returns the chain's current suggested priority fee.
func (w *Wallet) SuggestedPriorityFee(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	cs, ok := w.chainFor(chain)
	if !ok {
		return nil, fmt.Errorf("wallet: no client configured for chain %s", chain)
	}
	start := time.Now()
	fee, err := cs.client.SuggestGasTipCap(ctx)
	w.recordRPC(ctx, chain, "SuggestGasTipCap", start)
	return fee, err
}

// SuggestGasPrice satisfies evaluator.GasPriceOracle: it reports chain's
// current legacy gas price, used to price the cost side of a
// profitability check independently of the EIP-1559 fee policy applied at
// submission time.
func (w *Wallet) SuggestGasPrice(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error) {
	cs, ok := w.chainFor(chain)
	if !ok {
		return nil, fmt.Errorf("wallet: no client configured for chain %s", chain)
	}
	start := time.Now()
	price, err := cs.client.SuggestGasPrice(ctx)
	w.recordRPC(ctx, chain, "SuggestGasPrice", start)
	return price, err
}

// EstimateGas satisfies amb.GasEstimator: it asks chain's RPC for the gas
// a transaction with this calldata against to would consume.
func (w *Wallet) EstimateGas(ctx context.Context, chain relaytypes.ChainID, calldata []byte, to gethcommon.Address) (uint64, error) {
	cs, ok := w.chainFor(chain)
	if !ok {
		return 0, fmt.Errorf("wallet: no client configured for chain %s", chain)
	}
	start := time.Now()
	gas, err := cs.client.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &to, Data: calldata})
	w.recordRPC(ctx, chain, "EstimateGas", start)
	return gas, err
}

// Submit signs and broadcasts order as an EIP-1559 transaction priced with
// fees, and returns a channel that resolves once the transaction reaches
// a terminal state. A retry of the same order (same MID and kind) reuses
// its previously-assigned nonce and is signed as a same-nonce replacement,
// rather than consuming a fresh one, so a stalled attempt never orphans
// the account's nonce sequence. The nonce is assigned and the transaction
// broadcast while holding the chain's lock; a failed broadcast of a fresh
// (non-replacement) reservation releases its nonce for the next attempt
// rather than leaving a gap.
func (w *Wallet) Submit(ctx context.Context, order relaytypes.SubmitOrder, fees submitter.FeeParams) (<-chan submitter.Result, error) {
	cs, ok := w.chainFor(order.Chain)
	if !ok {
		return nil, fmt.Errorf("wallet: no client configured for chain %s", order.Chain)
	}

	key := orderKey{mid: order.MID, kind: order.Kind}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	nonce, replacement, err := cs.reserveNonce(ctx, w.from, key)
	if err != nil {
		return nil, fmt.Errorf("wallet: reserve nonce on chain %s: %w", order.Chain, err)
	}

	to := order.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   cs.chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       fees.GasLimit,
		To:        &to,
		Data:      order.Calldata,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(cs.chainID), w.key)
	if err != nil {
		if !replacement {
			cs.nonce--
			delete(cs.pending, key)
		}
		return nil, fmt.Errorf("wallet: sign tx for chain %s: %w", order.Chain, err)
	}

	sendStart := time.Now()
	sendErr := cs.client.SendTransaction(ctx, signedTx)
	w.recordRPC(ctx, order.Chain, "SendTransaction", sendStart)
	if err := sendErr; err != nil {
		alreadyBroadcast, underpriced := classifyBroadcastError(err)
		switch {
		case alreadyBroadcast:
			w.lggr.Infow("wallet: broadcast reported already known, treating as success pending confirmation", "mid", order.MID, "kind", order.Kind, "chain", order.Chain, "nonce", nonce, "error", err)
		case underpriced != nil:
			underpriced.Nonce = nonce
			// Nonce reservation stays in place: the next Submit call for
			// this order sees replacement=true and resends at the same
			// nonce with (presumably) bumped fees.
			return nil, fmt.Errorf("wallet: broadcast tx for chain %s: %w", order.Chain, underpriced)
		default:
			if !replacement {
				cs.nonce--
				delete(cs.pending, key)
			}
			return nil, fmt.Errorf("wallet: broadcast tx for chain %s: %w", order.Chain, err)
		}
	}

	w.lggr.Infow("wallet: broadcast transaction", "mid", order.MID, "kind", order.Kind, "chain", order.Chain, "nonce", nonce, "replacement", replacement, "txHash", signedTx.Hash())

	resultCh := make(chan submitter.Result, 1)
	go w.awaitConfirmation(ctx, cs, key, order.Chain, order.Kind, signedTx, time.Now(), resultCh)
	return resultCh, nil
}

// awaitConfirmation polls for a receipt until the transaction is mined
// cs.confirmations blocks deep, it reverts, or confirmationTimeout
// elapses. The nonce reservation is only released on an on-chain terminal
// outcome (confirmed or reverted); a timeout leaves it in place so the
// next Submit call for the same order replaces the still-outstanding
// transaction at the same nonce instead of orphaning it. broadcastAt is
// the time Submit sent tx, used to record the broadcast-to-terminal
// confirmation latency once a terminal outcome is reached.
func (w *Wallet) awaitConfirmation(ctx context.Context, cs *chainState, key orderKey, chain relaytypes.ChainID, kind relaytypes.OrderKind, tx *types.Transaction, broadcastAt time.Time, resultCh chan<- submitter.Result) {
	ctx, cancel := context.WithTimeout(ctx, cs.confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(cs.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			resultCh <- submitter.Result{Err: fmt.Errorf("wallet: confirmation timeout waiting for %s", tx.Hash())}
			return
		case <-ticker.C:
			receiptStart := time.Now()
			receipt, err := cs.client.TransactionReceipt(ctx, tx.Hash())
			w.recordRPC(ctx, chain, "TransactionReceipt", receiptStart)
			if err != nil {
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				cs.releaseNonce(key)
				resultCh <- submitter.Result{Err: fmt.Errorf("wallet: transaction %s reverted", tx.Hash())}
				return
			}
			blockStart := time.Now()
			head, err := cs.client.BlockNumber(ctx)
			w.recordRPC(ctx, chain, "BlockNumber", blockStart)
			if err != nil {
				continue
			}
			if head < receipt.BlockNumber.Uint64()+cs.confirmations-1 {
				continue
			}
			cs.releaseNonce(key)
			if w.metrics != nil {
				w.metrics.RecordConfirmationLatency(ctx, chain, kind, time.Since(broadcastAt))
			}
			resultCh <- submitter.Result{Confirmed: true, GasCost: gasCost(receipt, tx)}
			return
		}
	}
}

// gasCost is the native-token amount actually spent on a mined
// transaction: gasUsed * effective gas price. Falls back to the
// transaction's fee cap when the receipt predates EIP-1559's
// EffectiveGasPrice field.
func gasCost(receipt *types.Receipt, tx *types.Transaction) *big.Int {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = tx.GasFeeCap()
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price)
}
