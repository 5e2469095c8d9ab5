// Package metrics records pipeline counters and latencies on a private
// Prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tigerroll/almapipo/internal/domain/model"
)

// Recorder is the metric sink consumed by the orchestrator.
type Recorder interface {
	RecordAttempt(verb model.Verb, status model.AttemptStatus)
	RecordAttemptDuration(verb model.Verb, d time.Duration)
	RecordRowsRead(n int)
	RecordAuditLoss()
}

// PrometheusRecorder implements Recorder on a private registry so tests and
// embedding applications never collide with the default global registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	attemptCounter  *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	rowsReadCounter prometheus.Counter
	auditLossTotal  prometheus.Counter
}

// NewPrometheusRecorder creates a recorder with its own registry, including
// the standard Go and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		attemptCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "almapipo_attempt_total",
			Help: "Total record attempts by verb and outcome.",
		}, []string{"verb", "status"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "almapipo_attempt_duration_seconds",
			Help:    "Duration of full per-record cycles.",
			Buckets: prometheus.DefBuckets,
		}, []string{"verb"}),
		rowsReadCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "almapipo_source_rows_total",
			Help: "Total input rows read from identifier sources.",
		}),
		auditLossTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "almapipo_audit_loss_total",
			Help: "Total ledger writes that failed and were lost.",
		}),
	}

	registry.MustRegister(r.attemptCounter)
	registry.MustRegister(r.attemptDuration)
	registry.MustRegister(r.rowsReadCounter)
	registry.MustRegister(r.auditLossTotal)

	return r
}

// Registry exposes the private registry for an embedding HTTP handler.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordAttempt implements Recorder.
func (r *PrometheusRecorder) RecordAttempt(verb model.Verb, status model.AttemptStatus) {
	r.attemptCounter.WithLabelValues(verb.String(), string(status)).Inc()
}

// RecordAttemptDuration implements Recorder.
func (r *PrometheusRecorder) RecordAttemptDuration(verb model.Verb, d time.Duration) {
	r.attemptDuration.WithLabelValues(verb.String()).Observe(d.Seconds())
}

// RecordRowsRead implements Recorder.
func (r *PrometheusRecorder) RecordRowsRead(n int) {
	r.rowsReadCounter.Add(float64(n))
}

// RecordAuditLoss implements Recorder.
func (r *PrometheusRecorder) RecordAuditLoss() {
	r.auditLossTotal.Inc()
}

// NopRecorder discards all metrics. Used where a Recorder is required but
// observability is not wired, e.g. in tests.
type NopRecorder struct{}

func (NopRecorder) RecordAttempt(model.Verb, model.AttemptStatus)   {}
func (NopRecorder) RecordAttemptDuration(model.Verb, time.Duration) {}
func (NopRecorder) RecordRowsRead(int)                              {}
func (NopRecorder) RecordAuditLoss()                                {}
