// Package submitter bounds how many orders are in flight on a chain at
// once, attaches a gas policy to each, and hands them to the Wallet,
// retrying transient failures up to a configured limit.
package submitter

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"golang.org/x/sync/semaphore"

	"github.com/omnirelay/bounty-relayer/internal/config"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
	"github.com/omnirelay/bounty-relayer/internal/telemetry"
)

// Result reports how a submitted order eventually resolved. Err is nil on
// Confirmed; on Failed it holds the terminating error. GasCost is the
// native-token amount actually spent (gasUsed * effective gas price),
// populated only when Confirmed.
type Result struct {
	Confirmed bool
	Err       error
	GasCost   *big.Int
}

// Wallet is the interface Submitter needs from the component that
// actually owns the signing key and nonce sequencing. Submit hands a
// fully fee-priced order to the Wallet and receives back a channel that
// resolves once the order reaches a terminal state (Confirmed or Failed);
// a Replaced attempt (fee bump on the same nonce) is invisible to the
// Submitter, which only cares about the outcome, not the retransmissions
// that produced it.
type Wallet interface {
	BaseFee(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error)
	SuggestedPriorityFee(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error)
	Submit(ctx context.Context, order relaytypes.SubmitOrder, fees FeeParams) (<-chan Result, error)

	// OperationalBalanceOK reports whether chain's wallet balance is at or
	// above the configured minimum, without making an RPC call: it reads
	// the flag the balance watchdog last set. A chain the watchdog hasn't
	// checked yet reads true, so Submit isn't blocked before the first
	// check runs.
	OperationalBalanceOK(chain relaytypes.ChainID) bool
}

// Submitter serializes gas-policy attachment and bounds in-flight order
// count for a single chain. One Submitter is constructed per chain a
// worker submits transactions to (the destination chain for delivery
// orders, the origin chain for ack orders).
type Submitter struct {
	chain    relaytypes.ChainID
	wallet   Wallet
	cfg      config.ChainConfig
	sem      *semaphore.Weighted
	lggr     logger.Logger
	onResult func(ctx context.Context, order relaytypes.SubmitOrder, attempts int, result Result)
	metrics  *telemetry.Metrics
	pending  atomic.Int64
}

// Option configures optional Submitter behavior.
type Option func(*Submitter)

// WithOnResult registers a callback invoked once an order reaches a
// terminal outcome: confirmed, or dropped after cfg.MaxTries attempts.
// attempts is the number of Wallet.Submit calls made for this order. The
// Orchestrator uses this to record gas cost and attempt counts back into
// the Store, which the Submitter itself has no access to.
func WithOnResult(fn func(ctx context.Context, order relaytypes.SubmitOrder, attempts int, result Result)) Option {
	return func(s *Submitter) { s.onResult = fn }
}

// WithMetrics attaches the shared telemetry instruments Submit records
// the current in-flight order count to. Optional: nil just skips the
// gauge update.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Submitter) { s.metrics = m }
}

func New(chain relaytypes.ChainID, wallet Wallet, cfg config.ChainConfig, lggr logger.Logger, opts ...Option) *Submitter {
	s := &Submitter{
		chain:  chain,
		wallet: wallet,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxPendingTransactions)),
		lggr:   lggr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit blocks until a slot is free (or ctx is cancelled), then processes
// the order asynchronously and releases the slot once it reaches a
// terminal state. A non-nil error here means the order was not accepted
// at all (the wallet's balance on this chain is below its minimum
// operational balance, or ctx was cancelled while waiting for a slot); the
// Evaluator will
// re-enqueue it since the Store's RelayState is unchanged.
func (s *Submitter) Submit(ctx context.Context, order relaytypes.SubmitOrder) error {
	if !s.wallet.OperationalBalanceOK(s.chain) {
		return fmt.Errorf("submitter: wallet balance on chain %s below minimum operational balance, refusing new submissions", s.chain)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.reportPending(ctx, s.pending.Add(1))

	go func() {
		defer s.sem.Release(1)
		defer s.reportPending(ctx, s.pending.Add(-1))
		s.process(ctx, order)
	}()
	return nil
}

func (s *Submitter) reportPending(ctx context.Context, n int64) {
	if s.metrics != nil {
		s.metrics.SetPendingTxCount(ctx, s.chain, n)
	}
}

func (s *Submitter) process(ctx context.Context, order relaytypes.SubmitOrder) {
	lastAttemptPriority := big.NewInt(0)
	attempts := 0

	for attempt := 0; attempt < s.cfg.MaxTries; attempt++ {
		attempts++
		fees, err := s.priceAttempt(ctx, order, attempt, lastAttemptPriority)
		if err != nil {
			s.lggr.Warnw("submitter: failed to price attempt, retrying", "mid", order.MID, "kind", order.Kind, "attempt", attempt, "error", err)
			continue
		}
		lastAttemptPriority = fees.MaxPriorityFeePerGas

		resultCh, err := s.wallet.Submit(ctx, order, fees)
		if err != nil {
			s.lggr.Warnw("submitter: transient submit failure, retrying", "mid", order.MID, "kind", order.Kind, "attempt", attempt, "error", err)
			continue
		}

		select {
		case result := <-resultCh:
			if result.Confirmed {
				s.reportResult(ctx, order, attempts, result)
				return
			}
			s.lggr.Warnw("submitter: order failed, retrying", "mid", order.MID, "kind", order.Kind, "attempt", attempt, "error", result.Err)
		case <-ctx.Done():
			return
		}
	}

	s.lggr.Errorw("submitter: order dropped after max tries; Evaluator will re-enqueue from the Store", "mid", order.MID, "kind", order.Kind, "chain", s.chain, "maxTries", s.cfg.MaxTries)
	s.reportResult(ctx, order, attempts, Result{Confirmed: false, Err: fmt.Errorf("submitter: dropped after %d attempts", attempts)})
}

func (s *Submitter) reportResult(ctx context.Context, order relaytypes.SubmitOrder, attempts int, result Result) {
	if s.onResult != nil {
		s.onResult(ctx, order, attempts, result)
	}
}

func (s *Submitter) priceAttempt(ctx context.Context, order relaytypes.SubmitOrder, attempt int, lastAttemptPriority *big.Int) (FeeParams, error) {
	baseFee, err := s.wallet.BaseFee(ctx, s.chain)
	if err != nil {
		return FeeParams{}, err
	}
	suggestedPriority, err := s.wallet.SuggestedPriorityFee(ctx, s.chain)
	if err != nil {
		return FeeParams{}, err
	}
	return ComputeFees(s.cfg, order.Kind, order.GasEstimate, baseFee, suggestedPriority, lastAttemptPriority, attempt)
}
