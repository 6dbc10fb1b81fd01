package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for evolve.
type Metrics struct {
	// Generation metrics
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	ConsecutiveErrored prometheus.Gauge
	CurrentSequence    prometheus.Gauge

	// Collaborator metrics
	AgentDuration  *prometheus.HistogramVec
	VerifyDuration *prometheus.HistogramVec

	// Controller metrics
	StateTransitions *prometheus.CounterVec
	RestoresTotal    *prometheus.CounterVec
	BreakerTrips     prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// Get creates and registers all Prometheus metrics on first use.
func Get() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			GenerationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "evolve_generations_total",
					Help: "Finalized generations by status and verification outcome",
				},
				[]string{"status", "outcome"},
			),
			GenerationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "evolve_generation_duration_seconds",
					Help:    "Wall-clock duration of a generation attempt",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
				},
				[]string{"status"},
			),
			ConsecutiveErrored: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "evolve_consecutive_errored",
				Help: "Consecutive generations whose verification errored",
			}),
			CurrentSequence: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "evolve_current_sequence",
				Help: "Sequence number of the latest finalized generation",
			}),
			AgentDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "evolve_agent_duration_seconds",
					Help:    "Duration of mutation agent runs",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12),
				},
				[]string{"runtime", "result"},
			),
			VerifyDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "evolve_verify_duration_seconds",
					Help:    "Duration of verification commands",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
				},
				[]string{"outcome"},
			),
			StateTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "evolve_state_transitions_total",
					Help: "Controller state transitions",
				},
				[]string{"from", "to"},
			),
			RestoresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "evolve_restores_total",
					Help: "Snapshot restores by result",
				},
				[]string{"result"},
			),
			BreakerTrips: promauto.NewCounter(prometheus.CounterOpts{
				Name: "evolve_circuit_breaker_trips_total",
				Help: "Times the errored-verification circuit breaker opened",
			}),
		}
	})
	return sharedMetrics
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	Get()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
