package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	backtestsStarted   prometheus.Counter
	backtestsCompleted prometheus.Counter
	backtestsFailed    prometheus.Counter
	barsProcessed      prometheus.Counter
	backtestDuration   prometheus.Histogram
	wsClients          prometheus.Gauge
	requestDuration    *prometheus.HistogramVec
}

// NewMetrics creates the instrumentation on a private registry so tests can
// instantiate it repeatedly.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		backtestsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridtrader_backtests_started_total",
			Help: "Backtest runs started.",
		}),
		backtestsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridtrader_backtests_completed_total",
			Help: "Backtest runs completed successfully.",
		}),
		backtestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridtrader_backtests_failed_total",
			Help: "Backtest runs that ended in an error.",
		}),
		barsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridtrader_bars_processed_total",
			Help: "Bars replayed across all completed runs.",
		}),
		backtestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridtrader_backtest_duration_seconds",
			Help:    "Wall time per backtest run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridtrader_websocket_clients",
			Help: "Currently connected WebSocket clients.",
		}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridtrader_http_request_duration_seconds",
			Help:    "HTTP handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Registry returns the underlying Prometheus registry for the /metrics
// handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
