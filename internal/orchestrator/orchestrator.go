// Package orchestrator owns one configured chain end to end: it runs that
// chain's Getter and Collector, keeps an Evaluator fed with the MIDs this
// chain originates, and routes every SubmitOrder the Evaluator emits to
// the Submitter bound to whichever chain the order's transaction actually
// runs on. Two Orchestrators, one per side of a bridge pair, coordinate
// purely through the shared Store; neither holds a reference to the
// other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/omnirelay/bounty-relayer/internal/amb"
	"github.com/omnirelay/bounty-relayer/internal/collector"
	"github.com/omnirelay/bounty-relayer/internal/config"
	"github.com/omnirelay/bounty-relayer/internal/evaluator"
	"github.com/omnirelay/bounty-relayer/internal/getter"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
	"github.com/omnirelay/bounty-relayer/internal/statusserver"
	"github.com/omnirelay/bounty-relayer/internal/store"
	"github.com/omnirelay/bounty-relayer/internal/submitter"
	"github.com/omnirelay/bounty-relayer/internal/telemetry"
)

// Orchestrator is the authoritative per-chain control loop described by
// the Coordinator in executor_coordinator.go, generalized from a single
// ExecuteMessage call into the full Collector -> Evaluator -> Submitter ->
// Wallet chain, and from a hand-rolled running bool into
// services.StateMachine's Start/StopOnce idiom.
type Orchestrator struct {
	services.StateMachine

	chain        relaytypes.ChainID
	counterparty relaytypes.ChainID

	kv          store.KV
	stateLookup store.KVStateLookup

	getr *getter.Getter
	coll *collector.Collector
	eval *evaluator.Evaluator

	// ackSubmitter runs on chain (an ack order's txChain is always its
	// own origin, and this Orchestrator's Evaluator only ever originates
	// MIDs placed on chain). deliverySubmitter runs on counterparty (a
	// delivery order's txChain is always the destination).
	ackSubmitter      *submitter.Submitter
	deliverySubmitter *submitter.Submitter

	processingInterval time.Duration
	lggr               logger.Logger
	metrics            *telemetry.Metrics
	monitor            *statusserver.Registry

	// balanceChecker and the two thresholds below back the balance
	// watchdog: every balanceUpdateInterval ticks, tick asks it for the
	// wallet's current balance on chain and updates the low-balance-
	// warning and minimum-operational-balance flags the Submitters read.
	// balanceChecker is nil when the configured Wallet's concrete type
	// doesn't implement the check (e.g. a test fake), in which case the
	// watchdog is simply skipped.
	balanceChecker        balanceChecker
	lowBalanceWarning     *big.Int
	minOperationalBalance *big.Int
	balanceUpdateInterval int
	tickCount             uint64

	mu     sync.Mutex
	active map[relaytypes.MID]struct{}

	wakeCh chan struct{}
	stopCh services.StopChan
	wg     sync.WaitGroup
}

// balanceChecker is implemented by the concrete Wallet the Orchestrator's
// Submitters were built with (internal/wallet.Wallet). It's asserted out
// of the narrower submitter.Wallet interface at construction time so a
// test fake that doesn't implement balance checking simply causes the
// watchdog to be skipped instead of forcing every fake to grow the method.
type balanceChecker interface {
	CheckBalance(ctx context.Context, chain relaytypes.ChainID, warnThreshold, minOperational *big.Int) (*big.Int, error)
}

func asBalanceChecker(wallet submitter.Wallet) balanceChecker {
	bc, _ := wallet.(balanceChecker)
	return bc
}

// parseOptionalBigInt parses a decimal-string config threshold, treating
// an empty string as "no threshold configured" rather than an error.
func parseOptionalBigInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := relaytypes.BigIntFromString(s)
	if err != nil {
		return nil, err
	}
	return v.Int, nil
}

// Option configures an Orchestrator before it is constructed by New.
type Option func(*settings)

// settings accumulates the pieces New needs from options before the
// Orchestrator's internal Collector/Evaluator/Getter/Submitters can be
// wired together; kept separate from Orchestrator itself so trackChange
// and RecordResult (which need an *Orchestrator receiver) can be
// registered with the Collector and Submitters at construction time
// without a two-phase build.
type settings struct {
	chain, counterparty relaytypes.ChainID

	kv           store.KV
	getterClient getter.Client
	getterCfg    getter.Config

	adapter        amb.Adapter
	gasEstimator   amb.GasEstimator
	gasPrices      evaluator.GasPriceOracle
	prices         evaluator.PriceOracle
	reward         evaluator.RewardConfig
	newOrdersDelay time.Duration

	processingInterval time.Duration

	wallet           submitter.Wallet
	ackChainCfg      config.ChainConfig
	deliveryChainCfg config.ChainConfig

	lggr    logger.Logger
	metrics *telemetry.Metrics
	monitor *statusserver.Registry
}

func WithChains(chain, counterparty relaytypes.ChainID) Option {
	return func(c *settings) { c.chain, c.counterparty = chain, counterparty }
}

func WithStore(kv store.KV) Option {
	return func(c *settings) { c.kv = kv }
}

func WithGetter(client getter.Client, cfg getter.Config) Option {
	return func(c *settings) { c.getterClient, c.getterCfg = client, cfg }
}

func WithAdapter(adapter amb.Adapter) Option {
	return func(c *settings) { c.adapter = adapter }
}

func WithGasEstimator(gas amb.GasEstimator) Option {
	return func(c *settings) { c.gasEstimator = gas }
}

func WithGasPriceOracle(oracle evaluator.GasPriceOracle) Option {
	return func(c *settings) { c.gasPrices = oracle }
}

func WithPriceOracle(oracle evaluator.PriceOracle) Option {
	return func(c *settings) { c.prices = oracle }
}

func WithReward(reward evaluator.RewardConfig) Option {
	return func(c *settings) { c.reward = reward }
}

func WithTiming(newOrdersDelay, processingInterval time.Duration) Option {
	return func(c *settings) { c.newOrdersDelay, c.processingInterval = newOrdersDelay, processingInterval }
}

// WithWallet configures the Submitters the Orchestrator builds internally:
// ackChainCfg prices and bounds the ack submitter (bound to this chain,
// since an ack's txChain is always its origin), deliveryChainCfg the
// delivery submitter (bound to the counterparty, a delivery's destination).
// Built inside New, not passed in pre-built, so both Submitters can be
// wired with a WithOnResult callback that closes over the Orchestrator
// they belong to.
func WithWallet(wallet submitter.Wallet, ackChainCfg, deliveryChainCfg config.ChainConfig) Option {
	return func(c *settings) { c.wallet, c.ackChainCfg, c.deliveryChainCfg = wallet, ackChainCfg, deliveryChainCfg }
}

func WithLogger(lggr logger.Logger) Option {
	return func(c *settings) { c.lggr = lggr }
}

// WithMetrics attaches the shared telemetry instruments this Orchestrator
// records order-emission and drop counts to. Optional: an Orchestrator
// built without it simply skips every metrics call.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *settings) { c.metrics = m }
}

// WithMonitor attaches the status Registry this Orchestrator reports its
// active/inactive lifecycle and processed-block notifications to.
// Optional: without it, Start/Close simply don't touch a Registry.
func WithMonitor(registry *statusserver.Registry) Option {
	return func(c *settings) { c.monitor = registry }
}

// New builds an Orchestrator and every internal component it owns for
// chain: a Collector wired to fold events into store.KV, an Evaluator
// scoped to (chain, counterparty), and the plumbing between the two.
func New(opts ...Option) (*Orchestrator, error) {
	c := &settings{}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	lowBalanceWarning, err := parseOptionalBigInt(c.ackChainCfg.LowBalanceWarning)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: low_balance_warning: %w", err)
	}
	minOperationalBalance, err := parseOptionalBigInt(c.ackChainCfg.MinOperationalBalance)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: min_operational_balance: %w", err)
	}

	o := &Orchestrator{
		chain:                 c.chain,
		counterparty:          c.counterparty,
		kv:                    c.kv,
		stateLookup:           store.KVStateLookup{KV: c.kv},
		processingInterval:    c.processingInterval,
		lggr:                  c.lggr,
		metrics:               c.metrics,
		monitor:               c.monitor,
		balanceChecker:        asBalanceChecker(c.wallet),
		lowBalanceWarning:     lowBalanceWarning,
		minOperationalBalance: minOperationalBalance,
		balanceUpdateInterval: c.ackChainCfg.BalanceUpdateInterval,
		active:                make(map[relaytypes.MID]struct{}),
		wakeCh:                make(chan struct{}, 1),
		stopCh:                make(services.StopChan),
	}

	o.coll = collector.New(c.adapter, c.kv, c.chain, c.lggr, collector.WithOnChanged(o.trackChange))
	o.ackSubmitter = submitter.New(c.chain, c.wallet, c.ackChainCfg, c.lggr, submitter.WithOnResult(o.RecordResult), submitter.WithMetrics(c.metrics))
	o.deliverySubmitter = submitter.New(c.counterparty, c.wallet, c.deliveryChainCfg, c.lggr, submitter.WithOnResult(o.RecordResult), submitter.WithMetrics(c.metrics))

	address, ok := c.adapter.Addresses()[c.chain]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no escrow address configured for chain %s", c.chain)
	}
	cursors := store.NewKVCursorStore(c.kv)
	o.getr = getter.New(c.chain, c.getterClient, []gethcommon.Address{address}, c.adapter.Topics(), c.getterCfg, cursors, o.sink, c.lggr)

	o.eval = evaluator.New(
		c.chain, c.counterparty,
		c.adapter,
		c.gasEstimator,
		c.gasPrices,
		c.prices,
		o.stateLookup,
		metricsAbandoner{Abandoner: o.stateLookup, chain: c.chain, metrics: o.metrics},
		c.reward,
		c.newOrdersDelay,
		c.lggr,
	)

	return o, nil
}

func (c *settings) validate() error {
	var errs []error
	need := func(cond bool, name string) {
		if !cond {
			errs = append(errs, fmt.Errorf("orchestrator: %s is required", name))
		}
	}
	need(c.chain != 0, "chain")
	need(c.kv != nil, "store")
	need(c.getterClient != nil, "getter client")
	need(c.adapter != nil, "adapter")
	need(c.gasEstimator != nil, "gas estimator")
	need(c.gasPrices != nil, "gas price oracle")
	need(c.prices != nil, "price oracle")
	need(c.wallet != nil, "wallet")
	need(c.lggr != nil, "logger")
	if c.processingInterval <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator: processing interval must be positive"))
	}
	return errors.Join(errs...)
}

// trackChange is the Collector's onChanged hook: it learns about a MID
// the instant this chain's own Collector folds an event for it. A
// MessageDelivered event means this chain is a delivery destination for a
// MID it does not originate, so it is left untracked here; the MID's
// origin-side Orchestrator will pick up the change through its own tick,
// woken by the Store's pub/sub hint.
func (o *Orchestrator) trackChange(ev relaytypes.BountyEvent, state *relaytypes.RelayState) {
	if ev.Kind() != relaytypes.KindMessageDelivered {
		o.mu.Lock()
		if state.Status == relaytypes.StatusClaimed {
			delete(o.active, state.MID)
		} else {
			o.active[state.MID] = struct{}{}
		}
		o.mu.Unlock()
	}
	o.wake()
}

func (o *Orchestrator) wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) snapshotActive() []relaytypes.MID {
	o.mu.Lock()
	defer o.mu.Unlock()
	mids := make([]relaytypes.MID, 0, len(o.active))
	for mid := range o.active {
		mids = append(mids, mid)
	}
	return mids
}

// pendingOrdersBatchSize bounds how many MIDs a single refreshActive pass
// pops off the pending-orders queue, so a burst of backlog left over from
// a restart is drained over a handful of ticks rather than one unbounded
// PopN call.
const pendingOrdersBatchSize = 256

// refreshActive drains this chain's pending-orders queue into active. It
// is the durable counterpart to trackChange: trackChange only learns about
// a MID from an event this process's own Collector folds during the
// current run, but the Getter's cursor is durably persisted and does not
// replay logs behind it after a restart, so a MID left at a non-terminal
// status when the process last stopped would otherwise never be
// reconsidered. A MID already claimed by the time it's popped is harmless:
// tick's own reload-and-reconcile pass removes it from active again on its
// next pass.
func (o *Orchestrator) refreshActive(ctx context.Context) {
	queueKey := store.PendingOrdersKey(o.chain.String())
	for {
		members, err := o.kv.PopN(ctx, queueKey, pendingOrdersBatchSize)
		if err != nil {
			o.lggr.Warnw("orchestrator: failed to pop pending orders queue", "chain", o.chain, "error", err)
			return
		}
		if len(members) == 0 {
			return
		}

		o.mu.Lock()
		for _, member := range members {
			mid, err := relaytypes.NewMIDFromHex(member)
			if err != nil {
				o.lggr.Warnw("orchestrator: skipping malformed pending order", "chain", o.chain, "member", member, "error", err)
				continue
			}
			o.active[mid] = struct{}{}
		}
		o.mu.Unlock()

		if len(members) < pendingOrdersBatchSize {
			return
		}
	}
}

// Start launches the Getter, the Store pub/sub listener, and the
// evaluation tick loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.StartOnce("Orchestrator", func() error {
		o.refreshActive(ctx)

		o.getr.Start(ctx)

		o.wg.Add(1)
		go o.watchStore(ctx)

		o.wg.Add(1)
		go o.run(ctx)

		if o.monitor != nil {
			o.monitor.MarkActive(o.chain)
		}
		o.lggr.Infow("orchestrator started", "chain", o.chain, "counterparty", o.counterparty)
		return nil
	})
}

// Close stops the tick loop and the Getter, and waits for both to exit.
func (o *Orchestrator) Close() error {
	return o.StopOnce("Orchestrator", func() error {
		close(o.stopCh)
		o.wg.Wait()
		o.getr.Stop()
		if o.monitor != nil {
			o.monitor.MarkInactive(o.chain)
		}
		o.lggr.Infow("orchestrator stopped", "chain", o.chain)
		return nil
	})
}

// sink is the Getter's callback: fold the range into the Store via the
// Collector, then, for a non-empty range, publish the last log's position
// as a monitor notification.
func (o *Orchestrator) sink(ctx context.Context, logs []types.Log) error {
	if err := o.coll.HandleLogs(ctx, logs); err != nil {
		return err
	}
	if o.monitor != nil && len(logs) > 0 {
		last := logs[len(logs)-1]
		o.monitor.Publish(statusserver.MonitorEvent{
			Chain:       o.chain,
			BlockNumber: last.BlockNumber,
			BlockHash:   last.BlockHash.Hex(),
			Timestamp:   time.Now().Unix(),
		})
	}
	return nil
}

// metricsAbandoner wraps an evaluator.Abandoner to also record an
// orders-abandoned count; metrics may be nil, in which case it only
// forwards to the underlying Abandoner.
type metricsAbandoner struct {
	evaluator.Abandoner
	chain   relaytypes.ChainID
	metrics *telemetry.Metrics
}

func (a metricsAbandoner) MarkAbandoned(ctx context.Context, mid relaytypes.MID, kind relaytypes.OrderKind) error {
	if err := a.Abandoner.MarkAbandoned(ctx, mid, kind); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.IncOrdersAbandoned(ctx, a.chain, kind)
	}
	return nil
}

// watchStore forwards the Store's best-effort change hint into wakeCh so
// a write made by the counterparty chain's Orchestrator (a MessageDelivered
// fold, an ack's RecordSubmission) triggers a prompt re-evaluation instead
// of waiting out a full processingInterval. Its absence would only add
// latency, never incorrectness: the ticker alone still re-Reconciles every
// active MID on every tick.
func (o *Orchestrator) watchStore(ctx context.Context) {
	defer o.wg.Done()

	changes, err := o.kv.Subscribe(ctx, "relay_state:")
	if err != nil {
		o.lggr.Warnw("orchestrator: store subscribe unavailable, relying on ticker only", "chain", o.chain, "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			o.wake()
		}
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.processingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.tick(ctx)
		case <-o.wakeCh:
			o.tick(ctx)
		}
	}
}

// tick is the authoritative pass described in the async control-flow
// design note: reload every active MID's RelayState from the Store,
// reconcile it into the Evaluator's queue, then collect and submit
// whatever has cleared its grace period. The Store's pub/sub hint only
// decides when tick runs sooner than the next ticker fire; it never
// substitutes for this reload.
func (o *Orchestrator) tick(ctx context.Context) {
	now := time.Now()

	o.checkBalance(ctx)
	o.refreshActive(ctx)

	for _, mid := range o.snapshotActive() {
		state, err := o.stateLookup.Lookup(ctx, mid)
		if err != nil {
			o.lggr.Warnw("orchestrator: failed to reload relay state", "chain", o.chain, "mid", mid, "error", err)
			continue
		}
		if state.Status == relaytypes.StatusClaimed {
			o.mu.Lock()
			delete(o.active, mid)
			o.mu.Unlock()
		}
		o.eval.Reconcile(state, now)
	}

	orders, err := o.eval.Evaluate(ctx, now)
	if err != nil {
		o.lggr.Warnw("orchestrator: evaluate failed", "chain", o.chain, "error", err)
		return
	}

	for _, order := range orders {
		if err := o.route(order.Kind).Submit(ctx, order); err != nil {
			o.lggr.Warnw("orchestrator: failed to hand off order to submitter", "chain", o.chain, "mid", order.MID, "kind", order.Kind, "error", err)
			continue
		}
		if o.metrics != nil {
			o.metrics.IncOrdersEmitted(ctx, o.chain, order.Kind)
		}
	}
}

// checkBalance runs the balance watchdog every balanceUpdateInterval
// ticks: it re-reads the wallet's native-token balance on this chain and
// updates the low-balance-warning and minimum-operational-balance flags
// submitter.Submit reads from Wallet.OperationalBalanceOK. A zero or
// negative interval, or a wallet whose concrete type doesn't implement
// balanceChecker, disables the watchdog entirely.
func (o *Orchestrator) checkBalance(ctx context.Context) {
	if o.balanceChecker == nil || o.balanceUpdateInterval <= 0 {
		return
	}
	o.tickCount++
	if o.tickCount%uint64(o.balanceUpdateInterval) != 0 {
		return
	}

	balance, err := o.balanceChecker.CheckBalance(ctx, o.chain, o.lowBalanceWarning, o.minOperationalBalance)
	if err != nil {
		o.lggr.Warnw("orchestrator: failed to check wallet balance", "chain", o.chain, "error", err)
		return
	}
	if o.metrics != nil {
		weiAsFloat, _ := new(big.Float).SetInt(balance).Float64()
		o.metrics.SetWalletBalance(ctx, o.chain, weiAsFloat)
	}
}

// route picks the Submitter bound to the chain an order's transaction
// actually runs on: the ack submitter for this chain, the delivery
// submitter for the counterparty.
func (o *Orchestrator) route(kind relaytypes.OrderKind) *submitter.Submitter {
	if kind == relaytypes.OrderKindAck {
		return o.ackSubmitter
	}
	return o.deliverySubmitter
}

// RecordResult persists a Submitter's terminal outcome for order back into
// the Store. Wired as a submitter.WithOnResult callback for both of this
// Orchestrator's Submitters inside New.
func (o *Orchestrator) RecordResult(ctx context.Context, order relaytypes.SubmitOrder, attempts int, result submitter.Result) {
	if err := o.stateLookup.RecordSubmission(ctx, order.MID, order.Kind, result.Confirmed, result.GasCost); err != nil {
		o.lggr.Warnw("orchestrator: failed to record submission outcome", "chain", o.chain, "mid", order.MID, "kind", order.Kind, "error", err)
	}
	if o.metrics != nil && !result.Confirmed {
		o.metrics.IncOrdersDropped(ctx, o.chain, order.Kind)
	}
	o.wake()
}
