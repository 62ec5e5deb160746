// Package metrics exposes Prometheus instrumentation for key transfers and signing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Fetch attempt results.
const (
	ResultSuccess  = "success"
	ResultMismatch = "mismatch"
	ResultError    = "error"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	KeysServed            prometheus.Counter
	FetchAttempts         *prometheus.CounterVec
	FetchDuration         prometheus.Histogram
	FingerprintMismatches prometheus.Counter
	UIDsSigned            prometheus.Counter
	StateTransitions      *prometheus.CounterVec
	DiscoveredPeers       prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		KeysServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keysign_keys_served_total",
			Help: "Total number of connections served the presented key",
		}),
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysign_fetch_attempts_total",
			Help: "Total number of key download attempts by result",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keysign_fetch_duration_seconds",
			Help:    "Histogram of single key download attempt duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		FingerprintMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keysign_fingerprint_mismatches_total",
			Help: "Total number of downloaded keys whose fingerprint did not match",
		}),
		UIDsSigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keysign_uids_signed_total",
			Help: "Total number of user identities certified",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysign_state_transitions_total",
			Help: "Total number of session state transitions",
		}, []string{"from", "to"}),
		DiscoveredPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keysign_discovered_peers",
			Help: "Number of keysign services currently visible on the network",
		}),
	}

	m.registry.MustRegister(
		m.KeysServed,
		m.FetchAttempts,
		m.FetchDuration,
		m.FingerprintMismatches,
		m.UIDsSigned,
		m.StateTransitions,
		m.DiscoveredPeers,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one download attempt.
func (m *Metrics) ObserveFetch(result string, took time.Duration) {
	m.FetchAttempts.WithLabelValues(result).Inc()
	m.FetchDuration.Observe(took.Seconds())
	if result == ResultMismatch {
		m.FingerprintMismatches.Inc()
	}
}

// ObserveTransition records one state change.
func (m *Metrics) ObserveTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
