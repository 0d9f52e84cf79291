// Package telemetry exposes sync progress as Prometheus metrics. Metrics
// live in their own registry so tests and multiple instances never collide
// on the global one.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aman-CERP/indexsync/internal/observer"
	"github.com/Aman-CERP/indexsync/internal/scheduler"
	"github.com/Aman-CERP/indexsync/internal/snapshot"
)

const namespace = "indexsync"

var (
	_ observer.Recorder = (*Metrics)(nil)
	_ snapshot.Recorder = (*Metrics)(nil)
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	rows             *prometheus.CounterVec
	watermark        *prometheus.GaugeVec
	latestGeneration *prometheus.GaugeVec
	initialized      *prometheus.GaugeVec
	taskExceptions   *prometheus.CounterVec
	snapshots        *prometheus.CounterVec
	snapshotDuration prometheus.Histogram
	restores         *prometheus.CounterVec
}

// New creates the metrics and their registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Change log rows consumed, by area and outcome",
		}, []string{"area", "outcome"}),
		watermark: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark",
			Help:      "Highest consumed generation per area",
		}, []string{"area"}),
		latestGeneration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_generation",
			Help:      "Latest change log generation seen at poll time per area",
		}, []string{"area"}),
		initialized: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "area_initialized",
			Help:      "1 once an area completed its first catch-up pass",
		}, []string{"area"}),
		taskExceptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_exceptions_total",
			Help:      "Scheduled task failures, by task and whether the error type repeated",
		}, []string{"task", "seen_before"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot attempts by outcome",
		}, []string{"outcome"}),
		snapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time to take a snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		restores: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Snapshot restore results by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRow implements observer.Recorder.
func (m *Metrics) ObserveRow(area, outcome string) {
	m.rows.WithLabelValues(area, outcome).Inc()
}

// SetWatermark implements observer.Recorder.
func (m *Metrics) SetWatermark(area string, generation int64) {
	m.watermark.WithLabelValues(area).Set(float64(generation))
}

// SetLatestGeneration implements observer.Recorder.
func (m *Metrics) SetLatestGeneration(area string, generation int64) {
	m.latestGeneration.WithLabelValues(area).Set(float64(generation))
}

// SetInitialized implements observer.Recorder.
func (m *Metrics) SetInitialized(area string, initialized bool) {
	v := 0.0
	if initialized {
		v = 1
	}
	m.initialized.WithLabelValues(area).Set(v)
}

// TaskException counts a scheduler exception event.
func (m *Metrics) TaskException(ev scheduler.ExceptionEvent) {
	m.taskExceptions.WithLabelValues(ev.TaskName, strconv.FormatBool(ev.SeenBefore)).Inc()
}

// ObserveSnapshot implements snapshot.Recorder.
func (m *Metrics) ObserveSnapshot(outcome string, duration time.Duration) {
	m.snapshots.WithLabelValues(outcome).Inc()
	if outcome == snapshot.OutcomeSuccess {
		m.snapshotDuration.Observe(duration.Seconds())
	}
}

// ObserveRestore implements snapshot.Recorder.
func (m *Metrics) ObserveRestore(outcome string) {
	m.restores.WithLabelValues(outcome).Inc()
}
