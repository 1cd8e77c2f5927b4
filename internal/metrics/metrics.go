// Package metrics provides Prometheus metrics for a conversion run.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// Data quality
	DiagnosticsTotal *prometheus.CounterVec

	// I/O
	OverpassQueriesTotal *prometheus.CounterVec
	CacheLookupsTotal    *prometheus.CounterVec

	// Pipeline
	StageDuration *prometheus.HistogramVec
	Lines         prometheus.Gauge
	Stops         prometheus.Gauge
	Trips         prometheus.Gauge

	logger *slog.Logger
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	diagnosticsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osm2gtfs_diagnostics_total",
			Help: "Data quality problems found in the source map data",
		},
		[]string{"kind"},
	)

	overpassQueriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osm2gtfs_overpass_queries_total",
			Help: "Overpass queries by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	cacheLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osm2gtfs_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, refresh)",
		},
		[]string{"result"},
	)

	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osm2gtfs_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"stage"},
	)

	lines := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "osm2gtfs_lines",
		Help: "Lines in the built model",
	})

	stops := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "osm2gtfs_stops",
		Help: "Regular stops in the built model",
	})

	trips := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "osm2gtfs_trips",
		Help: "Trips produced by schedule matching",
	})

	registry.MustRegister(
		diagnosticsTotal,
		overpassQueriesTotal,
		cacheLookupsTotal,
		stageDuration,
		lines,
		stops,
		trips,
	)

	return &Metrics{
		Registry:             registry,
		DiagnosticsTotal:     diagnosticsTotal,
		OverpassQueriesTotal: overpassQueriesTotal,
		CacheLookupsTotal:    cacheLookupsTotal,
		StageDuration:        stageDuration,
		Lines:                lines,
		Stops:                stops,
		Trips:                trips,
		logger:               logger,
	}
}

// ObserveDiagnostic counts one diagnostic of kind. It is safe on a nil receiver.
func (m *Metrics) ObserveDiagnostic(kind string) {
	if m == nil {
		return
	}
	m.DiagnosticsTotal.WithLabelValues(kind).Inc()
}

// ObserveCache counts a cache lookup outcome. It is safe on a nil receiver.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// Gather returns the registered metric families, logging gather failures.
func (m *Metrics) Gather() int {
	families, err := m.Registry.Gather()
	if err != nil {
		if m.logger != nil {
			m.logger.Error("failed to gather metrics", "error", err)
		}
		return 0
	}
	return len(families)
}
