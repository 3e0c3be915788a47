package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MetricsNamespace is the namespace for all harvester metrics.
	MetricsNamespace = "igsnh"

	subsystemOAI     = "oai"
	subsystemHarvest = "harvest"
)

// Metrics holds the Prometheus instruments and feeds the in-memory
// Collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec

	RecordsTotal   *prometheus.CounterVec
	UpsertDuration prometheus.Histogram
	JobsTotal      *prometheus.CounterVec
	JobDuration    prometheus.Histogram
	JobsRunning    prometheus.Gauge

	collector *Collector
}

// New creates and registers the harvester metrics on reg. A nil reg uses
// the default registerer; a nil collector gets a fresh one.
func New(reg prometheus.Registerer, collector *Collector) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if collector == nil {
		collector = NewCollector()
	}
	factory := promauto.With(reg)
	m := &Metrics{collector: collector}

	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: subsystemOAI,
			Name:      "requests_total",
			Help:      "OAI-PMH requests by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)
	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: subsystemOAI,
			Name:      "request_duration_seconds",
			Help:      "Duration of OAI-PMH requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"verb"},
	)
	m.RetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: subsystemOAI,
			Name:      "retries_total",
			Help:      "Retried OAI-PMH requests by verb",
		},
		[]string{"verb"},
	)

	m.RecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: subsystemHarvest,
			Name:      "records_total",
			Help:      "Harvested records by upsert result",
		},
		[]string{"result"},
	)
	m.UpsertDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: subsystemHarvest,
			Name:      "upsert_duration_seconds",
			Help:      "Duration of identifier upserts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)
	m.JobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: subsystemHarvest,
			Name:      "jobs_total",
			Help:      "Finished harvest jobs by terminal state",
		},
		[]string{"state"},
	)
	m.JobDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: subsystemHarvest,
			Name:      "job_duration_seconds",
			Help:      "Duration of harvest jobs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
		},
	)
	m.JobsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: subsystemHarvest,
			Name:      "jobs_running",
			Help:      "Number of harvest jobs currently running",
		},
	)
	return m
}

// Collector returns the in-memory collector fed by m.
func (m *Metrics) Collector() *Collector {
	if m == nil {
		return nil
	}
	return m.collector
}

// ObserveRequest records one HTTP round trip to a provider.
func (m *Metrics) ObserveRequest(verb, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(verb, outcome).Inc()
	m.RequestDuration.WithLabelValues(verb).Observe(d.Seconds())
	if outcome == "ok" {
		m.collector.RecordTiming(OpOAIRequest, d)
	} else {
		m.collector.RecordError(OpOAIRequest, d)
	}
}

// ObserveRetry records a retried request.
func (m *Metrics) ObserveRetry(verb string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(verb).Inc()
}

// ObserveUpsert records one identifier write and its result.
func (m *Metrics) ObserveUpsert(result string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.UpsertDuration.Observe(d.Seconds())
	if err != nil {
		m.RecordsTotal.WithLabelValues("error").Inc()
		m.collector.RecordError(OpUpsert, d)
		return
	}
	m.RecordsTotal.WithLabelValues(result).Inc()
	m.collector.RecordTiming(OpUpsert, d)
}

// ObserveRecord counts a record that was not upserted, such as a skip.
func (m *Metrics) ObserveRecord(result string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(result).Inc()
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Inc()
}

// JobFinished records a job reaching its terminal state.
func (m *Metrics) JobFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	m.JobsTotal.WithLabelValues(state).Inc()
	m.JobDuration.Observe(d.Seconds())
	m.collector.RecordTiming(OpJob, d)
}
