package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"osm2gtfs.dev/internal/diag"
	"osm2gtfs.dev/internal/feed"
	"osm2gtfs.dev/internal/inspect"
	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/model"
	"osm2gtfs.dev/internal/osm"
	"osm2gtfs.dev/internal/schedule"
	"osm2gtfs.dev/internal/stations"
	"osm2gtfs.dev/internal/topology"
)

// Refresh selects cache entries to bypass.
type Refresh struct {
	Routes   bool
	Stops    bool
	Schedule bool
}

// RefreshFor maps a CLI refresh option to the entries it bypasses.
func RefreshFor(option string) (Refresh, error) {
	switch option {
	case "":
		return Refresh{}, nil
	case "routes":
		return Refresh{Routes: true}, nil
	case "stops":
		return Refresh{Stops: true}, nil
	case "osm":
		return Refresh{Routes: true, Stops: true}, nil
	case "schedule-source":
		return Refresh{Schedule: true}, nil
	case "all":
		return Refresh{Routes: true, Stops: true, Schedule: true}, nil
	default:
		return Refresh{}, fmt.Errorf("unknown refresh option %q", option)
	}
}

// Result is the outcome of a run.
type Result struct {
	Routes       *model.Routes
	Stops        *model.Stops
	Trips        []*schedule.Trip
	Static       *gtfs.Static
	Summary      map[string]int
	RemovedStops int
	Output       string
}

const defaultGroupPrefix = "SA"

func (app *Application) key(name string) string {
	return app.Config.Selector + "-" + name
}

func (app *Application) queryBuilder() osm.QueryBuilder {
	q := app.Config.Query
	tags := make(map[string][]string, len(q.Tags))
	for k, v := range q.Tags {
		tags[k] = []string(v)
	}
	return osm.QueryBuilder{
		BBox:           osm.BBox{South: q.BBox.South, West: q.BBox.West, North: q.BBox.North, East: q.BBox.East},
		Tags:           tags,
		TimeoutSeconds: q.TimeoutSeconds,
	}
}

// stage runs fn and records its duration.
func (app *Application) stage(name string, fn func() error) error {
	start := app.Clock.Now()
	err := fn()
	elapsed := app.Clock.Now().Sub(start)
	app.Metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		logging.LogError(app.Logger, "stage failed", err, slog.String("stage", name))
		return fmt.Errorf("%s: %w", name, err)
	}
	logging.LogOperation(app.Logger, "stage_completed",
		slog.String("stage", name), slog.Duration("duration", elapsed))
	return nil
}

// Run executes the whole conversion and writes the feed to output. An empty
// output skips writing.
func (app *Application) Run(ctx context.Context, refresh Refresh, output string) (*Result, error) {
	res := &Result{Output: output}
	app.startRun(ctx)

	err := app.stage("routes", func() error {
		data, err := app.loadOSM(ctx, "routes", app.queryBuilder().Routes(), refresh.Routes)
		if err != nil {
			return err
		}
		res.Routes = topology.NewBuilder(app.Logger, app.Diags).Build(data)
		app.Metrics.Lines.Set(float64(len(res.Routes.Lines)))
		app.Inspect.Update(func(s *inspect.Snapshot) { s.Routes = res.Routes })
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = app.stage("stops", func() error {
		data, err := app.loadOSM(ctx, "stops", app.queryBuilder().Stops(), refresh.Stops)
		if err != nil {
			return err
		}
		res.Stops = stations.NewGrouper(app.Logger, app.Diags, app.Config.Stops.NameWithout).Build(data)
		if err := app.backfillNames(ctx, res.Stops, refresh.Stops); err != nil {
			return err
		}
		app.groupSameName(res.Stops)
		app.Metrics.Stops.Set(float64(len(res.Stops.Regular)))
		app.Inspect.Update(func(s *inspect.Snapshot) { s.Stops = res.Stops })
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = app.stage("resolve", func() error {
		stations.ResolveItineraryStops(res.Routes, res.Stops, app.Diags)
		return nil
	})

	err = app.stage("schedule", func() error {
		trips, err := app.matchSchedule(ctx, res, refresh.Schedule)
		if err != nil {
			return err
		}
		res.Trips = trips
		app.Metrics.Trips.Set(float64(len(trips)))
		app.Inspect.Update(func(s *inspect.Snapshot) { s.Trips = trips })
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = app.stage("feed", func() error {
		b := feed.NewBuilder(app.Logger, app.Strategy)
		static, err := b.Build(app.Config, res.Routes, res.Stops, res.Trips)
		if err != nil {
			return err
		}
		res.Static = static
		res.RemovedStops = b.Removed()
		res.Summary = feed.Summary(static)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if output != "" {
		err = app.stage("write", func() error {
			return feed.WriteFile(output, res.Static, feed.NewFeedInfo(app.Config))
		})
		if err != nil {
			return nil, err
		}
	}

	diagnostics := app.Diags.All()
	app.Inspect.Update(func(s *inspect.Snapshot) {
		s.Diagnostics = diagnostics
		s.Summary = res.Summary
	})
	app.finishRun(ctx, res)
	app.publishCacheState(ctx)

	logging.LogOperation(app.Logger, "conversion_completed",
		slog.String("output", output),
		slog.Any("summary", res.Summary),
		slog.Int("diagnostics", len(diagnostics)))
	return res, nil
}

// loadOSM returns the cached result for kind, querying Overpass on a miss
// or when refresh is set. An empty result is never cached.
func (app *Application) loadOSM(ctx context.Context, kind, query string, refresh bool) (*osm.Result, error) {
	key := app.key(kind)
	if app.Cache != nil && !refresh {
		var cached osm.Result
		ok, err := app.Cache.Get(ctx, key, &cached)
		if err != nil {
			logging.LogError(app.Logger, "cache read failed, querying instead", err, slog.String("key", key))
		} else if ok && !cached.IsEmpty() {
			attrs := []any{slog.String("key", key)}
			if ci, ok := app.Cache.(CacheInspector); ok {
				if at, err := ci.UpdatedAt(ctx, key); err == nil {
					attrs = append(attrs, slog.Time("updated_at", at))
				}
			}
			logging.LogOperation(app.Logger, "using_cached_data", attrs...)
			return &cached, nil
		}
	} else if refresh {
		app.Metrics.ObserveCache("refresh")
	}

	if app.Overpass == nil {
		return nil, fmt.Errorf("no cached %s data and no Overpass client", kind)
	}
	result, err := app.Overpass.Query(ctx, kind, query)
	if err != nil {
		return nil, err
	}
	if result.IsEmpty() {
		// conversion continues with an empty model; caching would pin it
		app.Diags.Warn(diag.EmptyQuery, kind, "overpass query returned no elements")
		return &osm.Result{}, nil
	}
	if app.Cache != nil {
		if err := app.Cache.Put(ctx, key, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// backfillNames names placeholder stops. Names found by earlier runs are
// reused from the cache; only the remaining placeholders are queried.
func (app *Application) backfillNames(ctx context.Context, stops *model.Stops, refresh bool) error {
	cfg := app.Config.Stops
	if !cfg.AutoNames() {
		return nil
	}

	key := app.key("names")
	names := map[string]string{}
	if app.Cache != nil && !refresh {
		if _, err := app.Cache.Get(ctx, key, &names); err != nil {
			logging.LogError(app.Logger, "cached stop names unreadable", err, slog.String("key", key))
		}
	}
	reused := stations.ApplyNames(stops, names, cfg.NameWithout)

	found := map[string]string{}
	if app.Overpass != nil {
		var err error
		found, err = stations.NewBackfiller(app.Overpass, cfg.ProximityRadius, cfg.NameWithout, app.Logger).Run(ctx, stops)
		if err != nil {
			return err
		}
	}
	logging.LogOperation(app.Logger, "stop_names_backfilled",
		slog.Int("reused", reused), slog.Int("queried", len(found)))

	if len(found) == 0 || app.Cache == nil {
		return nil
	}
	maps.Copy(names, found)
	return app.Cache.Put(ctx, key, names)
}

// groupSameName applies the strategy's same-name grouping. A radius in the
// configuration takes precedence over the strategy's.
func (app *Application) groupSameName(stops *model.Stops) {
	radius, prefix := app.Strategy.GroupStops()
	if r := app.Config.Stops.GroupSameNameRadius; r > 0 {
		radius = r
	}
	if radius <= 0 {
		return
	}
	if prefix == "" {
		prefix = defaultGroupPrefix
	}
	n := stations.GroupByName(stops, radius, prefix)
	logging.LogOperation(app.Logger, "stops_grouped_by_name",
		slog.Int("stations", n), slog.Float64("radius_m", radius))
}

func (app *Application) loadTimetable(ctx context.Context, refresh bool) (*schedule.Timetable, error) {
	source := app.Config.ScheduleSource
	key := app.key("schedule")

	var raw json.RawMessage
	cached := false
	if app.Cache != nil && !refresh {
		ok, err := app.Cache.Get(ctx, key, &raw)
		if err != nil {
			logging.LogError(app.Logger, "cached schedule unreadable", err, slog.String("key", key))
		}
		cached = ok && err == nil
	}
	if !cached {
		data, err := schedule.LoadSource(ctx, source, app.HTTPClient)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	tt, err := schedule.ParseTimetable(raw)
	if err != nil {
		return nil, err
	}
	if !cached && app.Cache != nil {
		if err := app.Cache.Put(ctx, key, raw); err != nil {
			return nil, err
		}
	}
	return tt, nil
}

// matchSchedule loads the timetable and matches it. Without a schedule
// source the feed carries no trips.
func (app *Application) matchSchedule(ctx context.Context, res *Result, refresh bool) ([]*schedule.Trip, error) {
	var tt *schedule.Timetable
	if app.Config.ScheduleSource != "" {
		var err error
		tt, err = app.loadTimetable(ctx, refresh)
		if err != nil {
			return nil, err
		}
		// dates in the timetable fill in what the configuration leaves open
		if app.Config.FeedInfo.StartDate == "" {
			app.Config.FeedInfo.StartDate = tt.StartDate
		}
		if app.Config.FeedInfo.EndDate == "" {
			app.Config.FeedInfo.EndDate = tt.EndDate
		}
	} else {
		logging.LogWarning(app.Logger, "no schedule source configured; the feed will have no trips")
	}
	app.Config.ResolveDates(app.Clock, app.Logger.With(slog.String("component", "config")))

	if tt == nil {
		return nil, nil
	}
	calendars := schedule.NewCalendars(app.Config.FeedInfo.Start, app.Config.FeedInfo.End)
	return schedule.NewMatcher(app.Logger, app.Diags, calendars, res.Stops).Match(res.Routes, tt), nil
}

func (app *Application) startRun(ctx context.Context) {
	rec, ok := app.Cache.(RunRecorder)
	if !ok {
		return
	}
	if err := rec.StartRun(ctx, app.RunID, app.Config.Selector); err != nil {
		logging.LogError(app.Logger, "failed to record run start", err)
	}
}

func (app *Application) finishRun(ctx context.Context, res *Result) {
	rec, ok := app.Cache.(RunRecorder)
	if !ok {
		return
	}
	summary, err := json.Marshal(struct {
		Counts      map[string]int `json:"counts"`
		Removed     int            `json:"removed_stops"`
		Diagnostics map[string]int `json:"diagnostics"`
		FinishedAt  time.Time      `json:"finished_at"`
	}{res.Summary, res.RemovedStops, diagnosticSummary(app), app.Clock.Now().UTC()})
	if err == nil {
		err = rec.FinishRun(ctx, app.RunID, string(summary))
	}
	if err != nil {
		logging.LogError(app.Logger, "failed to record run end", err)
	}
}

// publishCacheState logs the cache contents and exposes them to the inspect
// pages. Failures only cost the report.
func (app *Application) publishCacheState(ctx context.Context) {
	ci, ok := app.Cache.(CacheInspector)
	if !ok {
		return
	}
	state := &inspect.CacheState{Path: ci.GetDBPath()}
	tables, err := ci.TableCounts()
	if err != nil {
		logging.LogError(app.Logger, "failed to count cache tables", err)
		return
	}
	state.Tables = tables
	keys, err := ci.Keys(ctx)
	if err != nil {
		logging.LogError(app.Logger, "failed to list cache keys", err)
		return
	}
	for _, key := range keys {
		at, err := ci.UpdatedAt(ctx, key)
		if err != nil {
			continue
		}
		state.Entries = append(state.Entries, inspect.CacheEntry{Key: key, UpdatedAt: at})
	}
	app.Inspect.Update(func(s *inspect.Snapshot) { s.Cache = state })
	logging.LogOperation(app.Logger, "cache_state",
		slog.String("path", state.Path),
		slog.Any("tables", state.Tables),
		slog.Int("entries", len(state.Entries)))
}

func diagnosticSummary(app *Application) map[string]int {
	out := map[string]int{}
	for kind, n := range app.Diags.Summary() {
		out[string(kind)] = n
	}
	return out
}

// IsCancelled reports whether err stems from a cancelled run.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
