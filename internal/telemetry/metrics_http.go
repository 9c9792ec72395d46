package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// SetupPrometheusMetrics installs an OTEL MeterProvider backed by the
// Prometheus exporter as the process-wide global provider, so every
// NewOtelMetrics(meterName) call anywhere in the process reports through it,
// and returns the promhttp handler cmd/* entrypoints mount at /metrics.
func SetupPrometheusMetrics() (http.Handler, error) {
	exporter, err := otelprometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return promhttp.Handler(), nil
}
