package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// meterName scopes every instrument this package registers under one
// otel instrumentation library name.
const meterName = "github.com/omnirelay/bounty-relayer"

// NewPrometheusMetrics wires an otel Prometheus exporter into a fresh
// MeterProvider, builds a Metrics instance against it, and returns the
// http.Handler cmd/relayer mounts at /metrics: the plain
// otel-exporters-prometheus + promhttp wiring omni-tokenbridge-monitor and
// Lorenzo-Protocol-lorenzo-btcstaking-submitter both use for scraping.
func NewPrometheusMetrics() (*Metrics, *sdkmetric.MeterProvider, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	metrics, err := New(provider.Meter(meterName))
	if err != nil {
		return nil, nil, nil, err
	}

	return metrics, provider, promhttp.Handler(), nil
}

// Shutdown flushes and stops the MeterProvider, giving the exporter a
// chance to serve any last scrape before the process exits.
func Shutdown(ctx context.Context, provider *sdkmetric.MeterProvider) error {
	return provider.Shutdown(ctx)
}
