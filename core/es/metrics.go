package es

import "github.com/UbiquitousAS/WorkshopEventSourcing/core/metrics"

// StoreMetrics defines the metrics interface for aggregate store operations.
// Methods return a Timer or increment counters; implementations must be
// safe for concurrent use and must never fail an operation.
type StoreMetrics interface {
	LoadDuration(aggType string) metrics.Timer
	SaveDuration(aggType string) metrics.Timer
	EventsLoaded(aggType string, count int)
	EventsAppended(aggType string, count int)
	ConcurrencyConflict(aggType string)
}

// nopStoreMetrics is a no-op implementation of StoreMetrics.
type nopStoreMetrics struct{}

func (nopStoreMetrics) LoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopStoreMetrics) SaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopStoreMetrics) EventsLoaded(string, int)          {}
func (nopStoreMetrics) EventsAppended(string, int)        {}
func (nopStoreMetrics) ConcurrencyConflict(string)        {}

// NopStoreMetrics returns a no-op StoreMetrics implementation.
func NopStoreMetrics() StoreMetrics { return nopStoreMetrics{} }
