package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratakv/stratakv/internal/config"
)

// Exported Prometheus mirrors of the engine's counters. The engine remains
// the source of truth for health scoring; these exist for external scrapers
// that speak the Prometheus protocol.
var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_operations_total",
		Help: "Backend and cache operations by layer, class, operation, result",
	}, []string{"layer", "storage_class", "operation", "result"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_errors_total",
		Help: "Failed operations by layer, class, operation",
	}, []string{"layer", "storage_class", "operation"})

	operationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_operation_latency_seconds",
		Help:    "Operation latency by layer, class, operation",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"layer", "storage_class", "operation"})

	promotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_promotions_total",
		Help: "L2-to-L1 promotion attempts by outcome",
	}, []string{"outcome"})

	guardViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_guard_violations_total",
		Help: "Guard violations by type and severity",
	}, []string{"type", "severity"})

	healthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_health_score",
		Help: "Composite health score, 0-100",
	})

	routerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_router_fallbacks_total",
		Help: "Operations retried against the fallback adapter",
	}, []string{"storage_class", "operation"})
)

// ObserveFallback counts one fallback-adapter retry.
func ObserveFallback(class, operation string) {
	routerFallbacks.WithLabelValues(class, operation).Inc()
}

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
