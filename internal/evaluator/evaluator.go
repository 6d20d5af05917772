// Package evaluator turns eligible RelayStates into SubmitOrders: it
// answers "is this MID worth relaying right now" and "in what order should
// eligible MIDs be submitted."
package evaluator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/omnirelay/bounty-relayer/internal/amb"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// fallbackGasMultiplier scales a message's declared max gas into a gas
// estimate when the destination RPC's own estimate is unavailable.
const fallbackGasMultiplier = 1.1

// weiPerToken is the fixed-point scale both native wei amounts and
// PriceOracle quotes share, so multiplying one by the other and dividing
// by weiPerToken yields a value in the common denomination.
var weiPerToken = big.NewInt(1e18)

// GasEstimator asks the chain a transaction would run on for its expected
// gas cost.
type GasEstimator = amb.GasEstimator

// GasPriceOracle reports a chain's current native gas price, in wei per gas
// unit.
type GasPriceOracle interface {
	SuggestGasPrice(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error)
}

// PriceOracle converts a wei-denominated amount native to chain into the
// relayer's common accounting denomination. internal/pricing.Cache
// satisfies this.
type PriceOracle interface {
	PriceOf(ctx context.Context, chain relaytypes.ChainID) (*big.Int, error)
}

// StateLookup fetches the current persisted RelayState for a MID, used to
// re-check profitability with fresh data at evaluation time rather than
// whatever triggered the original Observe.
type StateLookup interface {
	Lookup(ctx context.Context, mid relaytypes.MID) (*relaytypes.RelayState, error)
}

// Abandoner persists a permanently-unprofitable verdict for a MID so
// Reconcile stops re-enqueueing it until a fresh BountyIncreased arrives.
// Optional: a nil Abandoner just means unprofitable candidates are dropped
// and re-tried every tick instead of being remembered.
type Abandoner interface {
	MarkAbandoned(ctx context.Context, mid relaytypes.MID, kind relaytypes.OrderKind) error
}

// RewardConfig holds the profitability thresholds. A candidate is emitted
// only if valueIn >= costOut*(1+relative) + min, evaluated separately for
// delivery and ack orders.
type RewardConfig struct {
	MinDeliveryReward         relaytypes.BigInt
	RelativeMinDeliveryReward float64
	MinAckReward              relaytypes.BigInt
	RelativeMinAckReward      float64
}

// Evaluator holds one chain pair's grace-period queue and profitability
// configuration. The Orchestrator calls Reconcile whenever a RelayState it
// owns changes, and Evaluate on a tick to collect anything whose grace
// period has elapsed.
type Evaluator struct {
	origin, destination relaytypes.ChainID
	adapter             amb.Adapter
	gas                 GasEstimator
	gasPrices           GasPriceOracle
	prices              PriceOracle
	lookup              StateLookup
	abandoner           Abandoner
	reward              RewardConfig
	newOrdersDelay      time.Duration
	lggr                logger.Logger

	queue *orderQueue
}

func New(
	origin, destination relaytypes.ChainID,
	adapter amb.Adapter,
	gas GasEstimator,
	gasPrices GasPriceOracle,
	prices PriceOracle,
	lookup StateLookup,
	abandoner Abandoner,
	reward RewardConfig,
	newOrdersDelay time.Duration,
	lggr logger.Logger,
) *Evaluator {
	return &Evaluator{
		origin:         origin,
		destination:    destination,
		adapter:        adapter,
		gas:            gas,
		gasPrices:      gasPrices,
		prices:         prices,
		lookup:         lookup,
		abandoner:      abandoner,
		reward:         reward,
		newOrdersDelay: newOrdersDelay,
		lggr:           lggr,
		queue:          newOrderQueue(),
	}
}

// Reconcile inspects state and enqueues or retracts its delivery and ack
// candidacy accordingly. Safe to call repeatedly with the same state; only
// the first observation of a given triggering position starts its grace
// period.
func (e *Evaluator) Reconcile(state *relaytypes.RelayState, now time.Time) {
	deliveryKey := pendingKey{mid: state.MID, kind: relaytypes.OrderKindDelivery}
	if !state.AbandonedDelivery && state.Status <= relaytypes.StatusPlaced && state.Delivered() == nil && state.Placed() != nil {
		position := state.DeliveryTriggerPosition()
		e.queue.Enqueue(deliveryKey, position, now.Add(e.newOrdersDelay).Add(jitter(state.MID, e.newOrdersDelay)))
	} else {
		e.queue.Retract(deliveryKey)
	}

	ackKey := pendingKey{mid: state.MID, kind: relaytypes.OrderKindAck}
	if !state.AbandonedAck && state.Status == relaytypes.StatusDelivered && state.Claimed() == nil {
		position := state.DeliveredPosition()
		e.queue.Enqueue(ackKey, position, now.Add(e.newOrdersDelay).Add(jitter(state.MID, e.newOrdersDelay)))
	} else {
		e.queue.Retract(ackKey)
	}
}

// jitter deterministically spreads a MID's grace period across a fraction
// of newOrdersDelay so that many MIDs entering the queue in the same block
// don't all become ready in the same instant. It is a pure function of the
// MID, not wall-clock or RNG state.
func jitter(mid relaytypes.MID, newOrdersDelay time.Duration) time.Duration {
	if newOrdersDelay <= 0 {
		return 0
	}
	h := uint64(0)
	for _, b := range mid[:8] {
		h = h<<8 | uint64(b)
	}
	spread := int64(newOrdersDelay) / 10
	if spread <= 0 {
		return 0
	}
	return time.Duration(h % uint64(spread))
}

// Evaluate pops every candidate whose grace period has elapsed by now, and
// runs the profitability test against a freshly loaded RelayState for
// each. A candidate that is no longer eligible, or fails the profitability
// test, is dropped. Without an Abandoner, Reconcile re-adds it on the
// Orchestrator's next pass over unchanged state; with one, the dropped
// candidate is marked abandoned and Reconcile skips it until a
// BountyIncreased clears the flag.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) ([]relaytypes.SubmitOrder, error) {
	ready := e.queue.PopReady(now)

	orders := make([]relaytypes.SubmitOrder, 0, len(ready))
	for _, key := range ready {
		state, err := e.lookup.Lookup(ctx, key.mid)
		if err != nil {
			e.lggr.Warnw("evaluator: failed to load relay state", "mid", key.mid, "error", err)
			continue
		}

		order, ok, err := e.evaluateCandidate(ctx, state, key.kind)
		if err != nil {
			e.lggr.Warnw("evaluator: profitability check failed", "mid", key.mid, "kind", key.kind, "error", err)
			continue
		}
		if ok {
			orders = append(orders, order)
			continue
		}
		if e.abandoner != nil {
			if err := e.abandoner.MarkAbandoned(ctx, key.mid, key.kind); err != nil {
				e.lggr.Warnw("evaluator: failed to persist abandoned verdict", "mid", key.mid, "kind", key.kind, "error", err)
			}
		}
	}
	return orders, nil
}

func (e *Evaluator) evaluateCandidate(ctx context.Context, state *relaytypes.RelayState, kind relaytypes.OrderKind) (relaytypes.SubmitOrder, bool, error) {
	if kind == relaytypes.OrderKindDelivery {
		return e.evaluateDelivery(ctx, state)
	}
	return e.evaluateAck(ctx, state)
}

func (e *Evaluator) evaluateDelivery(ctx context.Context, state *relaytypes.RelayState) (relaytypes.SubmitOrder, bool, error) {
	placed := state.Placed()
	if placed == nil || state.Delivered() != nil {
		return relaytypes.SubmitOrder{}, false, nil
	}

	target, ok := amb.TargetOf(e.adapter, relaytypes.OrderKindDelivery, e.origin, e.destination)
	if !ok {
		return relaytypes.SubmitOrder{}, false, fmt.Errorf("no escrow address configured for destination chain %s", e.destination)
	}

	calldata, err := e.adapter.EncodeDelivery(state.MID, placed.Payload)
	if err != nil {
		return relaytypes.SubmitOrder{}, false, fmt.Errorf("encode delivery calldata: %w", err)
	}

	gasEst := e.estimateGas(ctx, e.destination, calldata, target, placed.MaxGasDelivery)

	localGasPrice, err := e.gasPrices.SuggestGasPrice(ctx, e.destination)
	if err != nil {
		return relaytypes.SubmitOrder{}, false, fmt.Errorf("suggest gas price on chain %s: %w", e.destination, err)
	}

	priceOfGas := state.EffectivePriceOfDeliveryGas()
	order, profitable, err := e.buildOrder(ctx, state.MID, relaytypes.OrderKindDelivery, e.destination,
		state.DeliveryTriggerPosition(), calldata, target, gasEst, placed.MaxGasDelivery, priceOfGas, localGasPrice,
		e.origin, e.destination, e.reward.MinDeliveryReward, e.reward.RelativeMinDeliveryReward)
	return order, profitable, err
}

func (e *Evaluator) evaluateAck(ctx context.Context, state *relaytypes.RelayState) (relaytypes.SubmitOrder, bool, error) {
	placed := state.Placed()
	if placed == nil || state.Claimed() != nil {
		return relaytypes.SubmitOrder{}, false, nil
	}

	target, ok := amb.TargetOf(e.adapter, relaytypes.OrderKindAck, e.origin, e.destination)
	if !ok {
		return relaytypes.SubmitOrder{}, false, fmt.Errorf("no escrow address configured for origin chain %s", e.origin)
	}

	calldata, err := e.adapter.EncodeAck(state.MID)
	if err != nil {
		return relaytypes.SubmitOrder{}, false, fmt.Errorf("encode ack calldata: %w", err)
	}

	gasEst := e.estimateGas(ctx, e.origin, calldata, target, placed.MaxGasAck)

	localGasPrice, err := e.gasPrices.SuggestGasPrice(ctx, e.origin)
	if err != nil {
		return relaytypes.SubmitOrder{}, false, fmt.Errorf("suggest gas price on chain %s: %w", e.origin, err)
	}

	priceOfGas := state.EffectivePriceOfAckGas()
	order, profitable, err := e.buildOrder(ctx, state.MID, relaytypes.OrderKindAck, e.origin,
		state.DeliveredPosition(), calldata, target, gasEst, placed.MaxGasAck, priceOfGas, localGasPrice,
		e.origin, e.origin, e.reward.MinAckReward, e.reward.RelativeMinAckReward)
	return order, profitable, err
}

func (e *Evaluator) estimateGas(ctx context.Context, chain relaytypes.ChainID, calldata []byte, to gethcommon.Address, maxGas uint64) uint64 {
	est, err := e.gas.EstimateGas(ctx, chain, calldata, to)
	if err != nil {
		e.lggr.Debugw("evaluator: gas estimate unavailable, using proportional fallback", "chain", chain, "error", err)
		return uint64(float64(maxGas) * fallbackGasMultiplier)
	}
	return est
}

// buildOrder runs the profitability test and, if it passes, returns a
// populated SubmitOrder. valueChain is the chain priceOfGas is
// denominated in (origin, always); costChain is the chain the transaction
// itself runs on and localGasPrice was suggested for.
func (e *Evaluator) buildOrder(
	ctx context.Context,
	mid relaytypes.MID,
	kind relaytypes.OrderKind,
	txChain relaytypes.ChainID,
	position relaytypes.LogPosition,
	calldata []byte,
	to gethcommon.Address,
	gasEst, maxGas uint64,
	priceOfGas relaytypes.BigInt,
	localGasPrice *big.Int,
	valueChain, costChain relaytypes.ChainID,
	minReward relaytypes.BigInt,
	relativeMinReward float64,
) (relaytypes.SubmitOrder, bool, error) {
	billableGas := gasEst
	if uint64(maxGas) < billableGas {
		billableGas = maxGas
	}

	rawValueIn := new(big.Int).Mul(priceOfGas.OrZero(), new(big.Int).SetUint64(billableGas))
	valueIn, err := e.toCommonDenomination(ctx, valueChain, rawValueIn)
	if err != nil {
		return relaytypes.SubmitOrder{}, false, fmt.Errorf("convert value-in: %w", err)
	}

	rawCostOut := new(big.Int).Mul(new(big.Int).SetUint64(gasEst), localGasPrice)
	costOut, err := e.toCommonDenomination(ctx, costChain, rawCostOut)
	if err != nil {
		return relaytypes.SubmitOrder{}, false, fmt.Errorf("convert cost-out: %w", err)
	}

	threshold := applyRelativeMargin(costOut, relativeMinReward)
	threshold.Add(threshold, minReward.OrZero())

	if valueIn.Cmp(threshold) < 0 {
		return relaytypes.SubmitOrder{}, false, nil
	}

	return relaytypes.SubmitOrder{
		MID:           mid,
		Kind:          kind,
		Chain:         txChain,
		Position:      position,
		Calldata:      calldata,
		To:            to,
		GasEstimate:   gasEst,
		MaxGas:        maxGas,
		PriceOfGas:    priceOfGas,
		LocalGasPrice: relaytypes.BigInt{Int: localGasPrice},
		ValueIn:       relaytypes.BigInt{Int: valueIn},
		CostOut:       relaytypes.BigInt{Int: costOut},
		ObservedAt:    time.Now().Unix(),
	}, true, nil
}

// toCommonDenomination converts a wei-denominated amount native to chain
// into the shared accounting unit via the PriceOracle.
func (e *Evaluator) toCommonDenomination(ctx context.Context, chain relaytypes.ChainID, wei *big.Int) (*big.Int, error) {
	price, err := e.prices.PriceOf(ctx, chain)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Quo(new(big.Int).Mul(wei, price), weiPerToken), nil
}

// applyRelativeMargin returns costOut*(1+relative), keeping the arithmetic
// in integers by scaling relative into parts-per-million.
func applyRelativeMargin(costOut *big.Int, relative float64) *big.Int {
	const scale = 1_000_000
	factor := big.NewInt(scale + int64(relative*scale))
	result := new(big.Int).Mul(costOut, factor)
	return result.Quo(result, big.NewInt(scale))
}
