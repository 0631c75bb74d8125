// Package metrics holds the Prometheus instruments of the occurrence engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Expansion
	ExpandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calrecur_expand_duration_seconds",
			Help:    "Duration of per-event expansion and override resolution",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"kind"}, // "single", "daily", "weekly", "monthly", "yearly"
	)

	ExpandOccurrences = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calrecur_expand_occurrences_total",
			Help: "Total number of raw occurrences produced by expansion",
		},
	)

	ExpandTruncated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calrecur_expand_truncated_total",
			Help: "Expansions cut short by the runaway guard",
		},
	)

	OccurrencesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calrecur_occurrences_suppressed_total",
			Help: "Occurrences removed by a deletion override",
		},
	)

	// Index
	ExtendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calrecur_index_extend_duration_seconds",
			Help:    "Duration of index extend operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // "ok", "noop", "error", "superseded"
	)

	IndexEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calrecur_index_entries",
			Help: "Entries held by the most recently updated index",
		},
	)

	OrphanedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calrecur_orphaned_entries_total",
			Help: "Entries dropped because their event is missing from the catalog",
		},
	)

	// Store
	StoreFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calrecur_store_fetch_duration_seconds",
			Help:    "Duration of store fetches",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // "events", "overrides"
	)

	StoreFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calrecur_store_fetch_errors_total",
			Help: "Store fetch failures",
		},
		[]string{"operation"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calrecur_circuit_breaker_state",
			Help: "Store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Expansion cache
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calrecur_expand_cache_hits_total",
			Help: "Expansion cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calrecur_expand_cache_misses_total",
			Help: "Expansion cache misses",
		},
	)
)

// ObserveExtend records an extend outcome.
func ObserveExtend(result string, started time.Time, entries int) {
	ExtendDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
	IndexEntries.Set(float64(entries))
}

// ObserveFetch records a store fetch.
func ObserveFetch(operation string, started time.Time, err error) {
	StoreFetchDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		StoreFetchErrors.WithLabelValues(operation).Inc()
	}
}
