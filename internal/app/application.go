package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"osm2gtfs.dev/internal/appconf"
	"osm2gtfs.dev/internal/clock"
	"osm2gtfs.dev/internal/creator"
	"osm2gtfs.dev/internal/diag"
	"osm2gtfs.dev/internal/inspect"
	"osm2gtfs.dev/internal/metrics"
	"osm2gtfs.dev/internal/osm"
)

// Cache is the persisted store of query results between runs.
type Cache interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Put(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// RunRecorder is implemented by caches that keep a history of runs.
type RunRecorder interface {
	StartRun(ctx context.Context, id, selector string) error
	FinishRun(ctx context.Context, id, summary string) error
}

// CacheInspector is implemented by caches that can describe their contents.
type CacheInspector interface {
	GetDBPath() string
	Keys(ctx context.Context) ([]string, error)
	UpdatedAt(ctx context.Context, key string) (time.Time, error)
	TableCounts() (map[string]int, error)
}

// Application holds the dependencies of one conversion run.
type Application struct {
	Config     *appconf.Config
	Logger     *slog.Logger
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Diags      *diag.Collector
	Cache      Cache
	Overpass   osm.Querier
	HTTPClient *http.Client
	Strategy   creator.Strategy
	Inspect    *inspect.Store
	RunID      string
}

// New wires an Application around cfg. The cache and the Overpass querier
// are supplied by the caller; the other dependencies default when nil.
func New(cfg *appconf.Config, logger *slog.Logger, clk clock.Clock, m *metrics.Metrics, cache Cache, overpass osm.Querier) *Application {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if m == nil {
		m = metrics.NewWithLogger(logger)
	}
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID), slog.String("selector", cfg.Selector))

	return &Application{
		Config:     cfg,
		Logger:     logger,
		Clock:      clk,
		Metrics:    m,
		Diags:      diag.NewCollector(logger.With(slog.String("component", "diagnostics")), m),
		Cache:      cache,
		Overpass:   overpass,
		HTTPClient: osm.NewHTTPClient(),
		Strategy:   creator.ForSelector(cfg.Selector),
		Inspect:    &inspect.Store{},
		RunID:      runID,
	}
}
