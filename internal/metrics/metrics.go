// Package metrics exposes sync run and legacy platform metrics for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johndauphine/fieldsync/internal/legacy"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
)

const namespace = "fieldsync"

// SyncMetrics records run progress. It implements orchestrator.Observer and
// its RecordRequest method is a legacy client request hook.
type SyncMetrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	runInProgress  prometheus.Gauge
	lastSuccess    prometheus.Gauge
	recordsTotal   *prometheus.CounterVec
	entityFailures *prometheus.CounterVec
	entityDuration *prometheus.HistogramVec
	refsUpdated    prometheus.Counter
	mappingsMinted prometheus.Counter
	legacyRequests *prometheus.CounterVec
	legacyDuration *prometheus.HistogramVec
}

// NewSyncMetrics creates the collectors and registers them with registry.
func NewSyncMetrics(registry *prometheus.Registry) (*SyncMetrics, error) {
	m := &SyncMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SyncMetrics) initMetrics() {
	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of sync runs by final status",
		},
		[]string{"status"}, // completed, failed
	)

	m.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		},
	)

	m.runInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a sync run is executing",
		},
	)

	m.lastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Start time of the last completed sync run",
		},
	)

	m.recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed by entity type and outcome",
		},
		[]string{"entity", "outcome"}, // outcome: migrated, error
	)

	m.entityFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_failures_total",
			Help:      "Entity type passes that ended with an error",
		},
		[]string{"entity"},
	)

	m.entityDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entity_duration_seconds",
			Help:      "Time spent migrating one entity type",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		},
		[]string{"entity"},
	)

	m.refsUpdated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_refs_updated_total",
			Help:      "Cross references rewritten to internal ids",
		},
	)

	m.mappingsMinted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mappings_minted_total",
			Help:      "Identifier mappings created",
		},
	)

	m.legacyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_requests_total",
			Help:      "HTTP attempts against the legacy platform",
		},
		[]string{"method", "kind", "status"}, // status: HTTP code or "error"
	)

	m.legacyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "legacy_request_duration_seconds",
			Help:      "Latency of legacy platform requests",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"kind"},
	)
}

func (m *SyncMetrics) getCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.runInProgress,
		m.lastSuccess,
		m.recordsTotal,
		m.entityFailures,
		m.entityDuration,
		m.refsUpdated,
		m.mappingsMinted,
		m.legacyRequests,
		m.legacyDuration,
	}
}

// Describe implements the Collector interface
func (m *SyncMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.getCollectors() {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *SyncMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.getCollectors() {
		collector.Collect(ch)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *SyncMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// PhaseChanged tracks whether a run is executing.
func (m *SyncMetrics) PhaseChanged(_ string, phase orchestrator.Phase, _ mapping.EntityType) {
	switch {
	case phase == orchestrator.PhasePlanning:
		m.runInProgress.Set(1)
	case phase.Terminal():
		m.runInProgress.Set(0)
	}
}

// RecordProcessed counts one record outcome.
func (m *SyncMetrics) RecordProcessed(entity mapping.EntityType, err error) {
	outcome := "migrated"
	if err != nil {
		outcome = "error"
	}
	m.recordsTotal.WithLabelValues(string(entity), outcome).Inc()
}

// EntityFinished records the duration and failure of an entity pass.
func (m *SyncMetrics) EntityFinished(_ string, entity mapping.EntityType, res *migrate.Result, err error) {
	if res != nil {
		m.entityDuration.WithLabelValues(string(entity)).Observe(res.Duration.Seconds())
	}
	if err != nil {
		m.entityFailures.WithLabelValues(string(entity)).Inc()
	}
}

// RunFinished records the run outcome.
func (m *SyncMetrics) RunFinished(report *orchestrator.Report) {
	m.runInProgress.Set(0)
	m.runsTotal.WithLabelValues(report.Status).Inc()
	m.runDuration.Observe((time.Duration(report.DurationMs) * time.Millisecond).Seconds())
	m.refsUpdated.Add(float64(report.PipelineRefsUpdated))
	m.mappingsMinted.Add(float64(report.NewMappings))
	if !report.Failed() {
		m.lastSuccess.Set(float64(report.SyncedAt.Unix()))
	}
}

// RecordRequest is a legacy.Client request hook.
func (m *SyncMetrics) RecordRequest(info legacy.RequestInfo) {
	status := "error"
	if info.Status > 0 {
		status = strconv.Itoa(info.Status)
	}
	m.legacyRequests.WithLabelValues(info.Method, info.Kind, status).Inc()
	m.legacyDuration.WithLabelValues(info.Kind).Observe(info.Duration.Seconds())
}

var _ orchestrator.Observer = (*SyncMetrics)(nil)
