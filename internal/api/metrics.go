// Package api provides the HTTP and WebSocket server.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exposed on /metrics.
type Metrics struct {
	RunsStarted     prometheus.Counter
	RunsFinished    *prometheus.CounterVec // status: completed, failed, cancelled
	RunDuration     prometheus.Histogram
	ActiveRuns      prometheus.Gauge
	TradesTotal     prometheus.Counter
	SessionsSkipped prometheus.Counter
	WSClients       prometheus.Gauge
	RequestErrors   *prometheus.CounterVec // route
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_started_total",
			Help:      "Total number of backtest runs started",
		}),
		RunsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_finished_total",
			Help:      "Total number of backtest runs finished by status",
		}, []string{"status"}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "run_duration_seconds",
			Help:      "Backtest run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		ActiveRuns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "active_runs",
			Help:      "Number of currently running backtests",
		}),
		TradesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "trades_total",
			Help:      "Total completed trades produced across runs",
		}),
		SessionsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "sessions_skipped_total",
			Help:      "Total sessions skipped across runs due to data or strategy errors",
		}),
		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Number of connected WebSocket clients",
		}),
		RequestErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_errors_total",
			Help:      "Total number of HTTP error responses by route",
		}, []string{"route"}),
	}
}

// defaultMetrics is process-wide; promauto registers against the default
// registry, so it must be built exactly once.
var defaultMetrics = newMetrics("backtest_engine")

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
