// ABOUTME: Prometheus collectors for the message store, search engine and migrator
// ABOUTME: Registered once on the default registry via promauto

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message store
	MessagesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_created_total",
			Help: "Total messages created",
		},
		[]string{"type"},
	)

	MessagesOverflowed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_overflowed_total",
			Help: "Messages whose content was moved to the overflow store",
		},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_status_transitions_total",
			Help: "Message status transitions",
		},
		[]string{"to"},
	)

	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_validation_failures_total",
			Help: "Rejected writes by error code",
		},
		[]string{"code"},
	)

	ThreadsCompacted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_threads_compacted_total",
			Help: "Threads compacted by strategy",
		},
		[]string{"strategy"},
	)

	// Search
	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_search_queries_total",
			Help: "Search queries by kind",
		},
		[]string{"kind"}, // "search", "related", "suggest", "stats"
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_search_duration_seconds",
			Help:    "Search query latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	// Schema
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_migrations_total",
			Help: "Migration steps by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	MigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_migration_duration_seconds",
			Help:    "Migration step duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120},
		},
	)

	SchemaVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_schema_version",
			Help: "Current schema version",
		},
	)

	// Infrastructure
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_maintenance_runs_total",
			Help: "Scheduled maintenance runs by outcome",
		},
		[]string{"outcome"},
	)

	BlobsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_blobs_pruned_total",
			Help: "Orphaned overflow blobs removed",
		},
	)

	DatabaseBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_database_bytes",
			Help: "Database file size including the write-ahead log",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
