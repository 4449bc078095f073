// Package metrics exposes Prometheus instrumentation for pipeline runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Stage metrics
	StagesStarted *prometheus.CounterVec
	StagesFailed  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StagesActive  prometheus.Gauge

	// Channel metrics
	CloseErrors prometheus.Counter

	// Run metrics
	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the metrics with reg. A nil reg uses a fresh registry so
// several runs in one process never collide.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		StagesStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_stages_started_total",
				Help: "Total number of stages started",
			},
			[]string{"stage"},
		),
		StagesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_stages_failed_total",
				Help: "Total number of stages that returned an error",
			},
			[]string{"stage"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_stage_duration_seconds",
				Help:    "Stage run time in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		StagesActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_stages_active",
				Help: "Number of stages currently running",
			},
		),
		CloseErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_handle_close_errors_total",
				Help: "Total number of handle close failures",
			},
		),
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_runs_total",
				Help: "Total number of pipeline runs",
			},
			[]string{"status"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conduit_run_duration_seconds",
				Help:    "Pipeline run time in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		gatherer: reg,
	}
}

// StageStarted records a stage starting.
func (m *Metrics) StageStarted(stage string) {
	if m == nil {
		return
	}
	m.StagesStarted.WithLabelValues(stage).Inc()
	m.StagesActive.Inc()
}

// StageFinished records a stage ending after d.
func (m *Metrics) StageFinished(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StagesActive.Dec()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.StagesFailed.WithLabelValues(stage).Inc()
	}
}

// CloseFailed records a handle that failed to close.
func (m *Metrics) CloseFailed() {
	if m == nil {
		return
	}
	m.CloseErrors.Inc()
}

// RunFinished records a whole pipeline run.
func (m *Metrics) RunFinished(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
