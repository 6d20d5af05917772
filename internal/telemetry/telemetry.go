// Package telemetry defines the relayer's OpenTelemetry metric
// instruments and wires them to a Prometheus exporter, connecting the
// teacher's otel/metric API choice to the wider pack's Prometheus
// scraping convention.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// Metrics holds every instrument the relayer records to, one set shared
// across every chain's Orchestrator, Submitter, and Wallet;
// per-chain and per-order-kind breakdowns are attributes, not separate
// instruments, following the label-not-instrument-per-dimension pattern
// `executor/pkg/monitoring/metrics.go` uses throughout.
type Metrics struct {
	rpcLatency          metric.Float64Histogram
	confirmationLatency metric.Float64Histogram

	ordersEmitted   metric.Int64Counter
	ordersDropped   metric.Int64Counter
	ordersAbandoned metric.Int64Counter

	pendingTxGauge   metric.Int64Gauge
	walletBalanceGauge metric.Float64Gauge
}

// New registers every instrument against meter, returning a wrapped
// error naming the first registration failure, matching
// InitMetrics's fail-fast style.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.rpcLatency, err = meter.Float64Histogram(
		"relayer_rpc_latency_seconds",
		metric.WithDescription("Duration of outbound chain RPC calls made by the Wallet (sendTransaction, getTransactionReceipt, etc)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register rpc latency histogram: %w", err)
	}

	m.confirmationLatency, err = meter.Float64Histogram(
		"relayer_confirmation_latency_seconds",
		metric.WithDescription("Time from broadcast to a transaction reaching its required confirmation depth"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register confirmation latency histogram: %w", err)
	}

	m.ordersEmitted, err = meter.Int64Counter(
		"relayer_orders_emitted_total",
		metric.WithDescription("Total number of SubmitOrders the Evaluator judged profitable and handed to a Submitter"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register orders emitted counter: %w", err)
	}

	m.ordersDropped, err = meter.Int64Counter(
		"relayer_orders_dropped_total",
		metric.WithDescription("Total number of orders dropped by a Submitter after exhausting max_tries"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register orders dropped counter: %w", err)
	}

	m.ordersAbandoned, err = meter.Int64Counter(
		"relayer_orders_abandoned_total",
		metric.WithDescription("Total number of orders the Evaluator marked permanently unprofitable"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register orders abandoned counter: %w", err)
	}

	m.pendingTxGauge, err = meter.Int64Gauge(
		"relayer_pending_transactions",
		metric.WithDescription("Current number of in-flight transactions on a chain's Submitter"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register pending tx gauge: %w", err)
	}

	m.walletBalanceGauge, err = meter.Float64Gauge(
		"relayer_wallet_balance",
		metric.WithDescription("Wallet's native-token balance on a chain, in wei"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register wallet balance gauge: %w", err)
	}

	return m, nil
}

func chainAttr(chain relaytypes.ChainID) attribute.KeyValue {
	return attribute.String("chain", chain.String())
}

func kindAttr(kind relaytypes.OrderKind) attribute.KeyValue {
	return attribute.String("kind", kind.String())
}

// RecordRPCLatency records how long a single outbound RPC call to chain
// took, tagged with the call's method name.
func (m *Metrics) RecordRPCLatency(ctx context.Context, chain relaytypes.ChainID, method string, d time.Duration) {
	m.rpcLatency.Record(ctx, d.Seconds(), metric.WithAttributes(chainAttr(chain), attribute.String("method", method)))
}

// RecordConfirmationLatency records the broadcast-to-confirmed duration
// for one order.
func (m *Metrics) RecordConfirmationLatency(ctx context.Context, chain relaytypes.ChainID, kind relaytypes.OrderKind, d time.Duration) {
	m.confirmationLatency.Record(ctx, d.Seconds(), metric.WithAttributes(chainAttr(chain), kindAttr(kind)))
}

func (m *Metrics) IncOrdersEmitted(ctx context.Context, chain relaytypes.ChainID, kind relaytypes.OrderKind) {
	m.ordersEmitted.Add(ctx, 1, metric.WithAttributes(chainAttr(chain), kindAttr(kind)))
}

func (m *Metrics) IncOrdersDropped(ctx context.Context, chain relaytypes.ChainID, kind relaytypes.OrderKind) {
	m.ordersDropped.Add(ctx, 1, metric.WithAttributes(chainAttr(chain), kindAttr(kind)))
}

func (m *Metrics) IncOrdersAbandoned(ctx context.Context, chain relaytypes.ChainID, kind relaytypes.OrderKind) {
	m.ordersAbandoned.Add(ctx, 1, metric.WithAttributes(chainAttr(chain), kindAttr(kind)))
}

func (m *Metrics) SetPendingTxCount(ctx context.Context, chain relaytypes.ChainID, n int64) {
	m.pendingTxGauge.Record(ctx, n, metric.WithAttributes(chainAttr(chain)))
}

func (m *Metrics) SetWalletBalance(ctx context.Context, chain relaytypes.ChainID, wei float64) {
	m.walletBalanceGauge.Record(ctx, wei, metric.WithAttributes(chainAttr(chain)))
}
