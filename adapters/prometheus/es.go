package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es"
	"github.com/UbiquitousAS/WorkshopEventSourcing/core/metrics"
)

// storeMetrics implements es.StoreMetrics using Prometheus.
type storeMetrics struct {
	loadDuration         *prometheus.HistogramVec
	saveDuration         *prometheus.HistogramVec
	eventsLoaded         *prometheus.CounterVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec
}

// NewStoreMetrics creates a new Prometheus implementation of es.StoreMetrics.
func NewStoreMetrics(reg prometheus.Registerer) es.StoreMetrics {
	m := &storeMetrics{
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workshop_es_store_load_duration_seconds",
			Help:    "Aggregate load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workshop_es_store_save_duration_seconds",
			Help:    "Aggregate save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workshop_es_events_loaded_total",
			Help: "Total number of events replayed into aggregates",
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workshop_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workshop_es_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}, []string{"aggregate_type"}),
	}

	reg.MustRegister(
		m.loadDuration,
		m.saveDuration,
		m.eventsLoaded,
		m.eventsAppended,
		m.concurrencyConflicts,
	)

	return m
}

func (m *storeMetrics) LoadDuration(aggType string) metrics.Timer {
	return newTimer(m.loadDuration.WithLabelValues(aggType))
}

func (m *storeMetrics) SaveDuration(aggType string) metrics.Timer {
	return newTimer(m.saveDuration.WithLabelValues(aggType))
}

func (m *storeMetrics) EventsLoaded(aggType string, count int) {
	m.eventsLoaded.WithLabelValues(aggType).Add(float64(count))
}

func (m *storeMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *storeMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

var _ es.StoreMetrics = (*storeMetrics)(nil)
