// Package metrics exposes Prometheus instruments for the job pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	probeAttempts prometheus.Histogram
	retries       *prometheus.CounterVec
	jobsInFlight  prometheus.Gauge
}

// New creates the instruments and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upscaler_jobs_total",
				Help: "Jobs handled, by task type and outcome code",
			},
			[]string{"task_type", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upscaler_job_duration_seconds",
				Help:    "End-to-end job duration",
				Buckets: prometheus.ExponentialBuckets(1, 2, 13),
			},
			[]string{"task_type"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upscaler_stage_duration_seconds",
				Help:    "Duration of each pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"stage"},
		),
		probeAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "upscaler_probe_attempts",
				Help:    "Attempts needed before the backend answered",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 180},
			},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upscaler_retries_total",
				Help: "Failed attempts that were retried, by operation",
			},
			[]string{"operation"},
		),
		jobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "upscaler_jobs_in_flight",
				Help: "Jobs currently being processed",
			},
		),
	}

	m.registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.stageDuration,
		m.probeAttempts,
		m.retries,
		m.jobsInFlight,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

// JobFinished records a job outcome. outcome is "success" or an error code.
func (m *Metrics) JobFinished(taskType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
	m.jobsTotal.WithLabelValues(taskType, outcome).Inc()
	m.jobDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveProbe(attempts int) {
	if m == nil {
		return
	}
	m.probeAttempts.Observe(float64(attempts))
}

func (m *Metrics) Retried(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}
