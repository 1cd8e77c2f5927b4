package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OneBusAway/go-gtfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osm2gtfs.dev/cachedb"
	"osm2gtfs.dev/internal/appconf"
	"osm2gtfs.dev/internal/clock"
	"osm2gtfs.dev/internal/diag"
	"osm2gtfs.dev/internal/osm"
)

const timetableJSON = `{
  "lines": {
    "10": [
      {"from": "Centro", "to": "Norte", "services": ["weekday"],
       "stations": ["Centro", "Norte"],
       "times": [["06:00", "06:20"], ["07:00", "07:20"]]}
    ]
  }
}`

var (
	_ RunRecorder    = (*cachedb.Client)(nil)
	_ CacheInspector = (*cachedb.Client)(nil)
)

type fakeOverpass struct {
	mu      sync.Mutex
	results map[string]*osm.Result
	calls   map[string]int
	fail    bool
}

func newFakeOverpass() *fakeOverpass {
	return &fakeOverpass{
		calls: map[string]int{},
		results: map[string]*osm.Result{
			"routes": {
				Nodes: []*osm.Node{
					{ID: 1, Lat: 10.00, Lon: -84.0},
					{ID: 2, Lat: 10.01, Lon: -84.0},
					{ID: 3, Lat: 10.02, Lon: -84.0},
				},
				Ways: []*osm.Way{{ID: 1000, NodeIDs: []int64{1, 2, 3}}},
				Relations: []*osm.Relation{
					{ID: 100, Tags: map[string]string{
						"type": "route", "route": "bus", "ref": "10", "name": "10: Centro => Norte",
						"from": "Centro", "to": "Norte",
					}, Members: []osm.Member{
						{Kind: osm.KindNode, Ref: 1, Role: "platform"},
						{Kind: osm.KindNode, Ref: 2, Role: "platform"},
						{Kind: osm.KindNode, Ref: 3, Role: "platform"},
						{Kind: osm.KindWay, Ref: 1000, Role: ""},
					}},
					{ID: 200, Tags: map[string]string{
						"type": "route_master", "route_master": "bus", "ref": "10", "name": "Ruta 10",
					}, Members: []osm.Member{{Kind: osm.KindRelation, Ref: 100}}},
				},
			},
			"stops": {
				Nodes: []*osm.Node{
					{ID: 1, Lat: 10.00, Lon: -84.0, Tags: map[string]string{"public_transport": "platform", "name": "Centro"}},
					{ID: 2, Lat: 10.01, Lon: -84.0, Tags: map[string]string{"highway": "bus_stop"}},
					{ID: 3, Lat: 10.02, Lon: -84.0, Tags: map[string]string{"public_transport": "platform", "name": "Norte"}},
					{ID: 4, Lat: 10.50, Lon: -84.5, Tags: map[string]string{"public_transport": "platform", "name": "Lejos"}},
				},
			},
			"around": {
				Nodes: []*osm.Node{{ID: 90, Lat: 10.0101, Lon: -84.0, Tags: map[string]string{"name": "Calle Dos"}}},
			},
		},
	}
}

func (f *fakeOverpass) Query(ctx context.Context, kind, _ string) (*osm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	if f.fail {
		return nil, errors.New("overpass unavailable")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := f.results[kind]
	if !ok {
		return &osm.Result{}, nil
	}
	return r, nil
}

func (f *fakeOverpass) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func testConfig(t *testing.T) *appconf.Config {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "schedule.json")
	require.NoError(t, os.WriteFile(source, []byte(timetableJSON), 0o600))

	cfg := appconf.Defaults()
	cfg.Selector = "testcity"
	cfg.Env = appconf.Test
	cfg.Query.BBox = appconf.BBox{North: 10.1, South: 9.9, East: -83.9, West: -84.1}
	cfg.Stops.NameAuto = "yes"
	cfg.Agency = appconf.AgencyConfig{Name: "Test Agency", URL: "https://example.com", Timezone: "UTC"}
	cfg.FeedInfo.StartDate = "20261001"
	cfg.FeedInfo.EndDate = "20270930"
	cfg.ScheduleSource = source
	cfg.OutputFile = filepath.Join(dir, "out.zip")
	return &cfg
}

func newTestCache(t *testing.T) *cachedb.Client {
	t.Helper()
	c, err := cachedb.NewClient(cachedb.Config{DBPath: ":memory:", Env: appconf.Test})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testClock() clock.Clock {
	return clock.NewMockClock(time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))
}

func TestRun_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cache := newTestCache(t)
	overpass := newFakeOverpass()
	app := New(cfg, nil, testClock(), nil, cache, overpass)

	res, err := app.Run(context.Background(), Refresh{}, cfg.OutputFile)
	require.NoError(t, err)

	require.Len(t, res.Routes.Lines, 1)
	assert.Equal(t, "Calle Dos", res.Stops.Regular["node/2"].Name)
	require.Len(t, res.Trips, 2)
	assert.Equal(t, "10-100-1-Mo-Fr-1", res.Trips[0].ID)
	require.Len(t, res.Trips[0].StopTimes, 3)
	assert.Equal(t, 6*time.Hour+10*time.Minute, res.Trips[0].StopTimes[1].Arrival)

	assert.Equal(t, 1, res.RemovedStops)
	assert.Equal(t, 3, res.Summary["stops"])
	assert.Equal(t, 6, res.Summary["stop_times"])

	assert.Equal(t, 1.0, testutil.ToFloat64(app.Metrics.Lines))
	assert.Equal(t, 2.0, testutil.ToFloat64(app.Metrics.Trips))
	assert.Equal(t, 1, overpass.count("around"))

	data, err := os.ReadFile(cfg.OutputFile)
	require.NoError(t, err)
	parsed, err := gtfs.ParseStatic(data, gtfs.ParseStaticOptions{})
	require.NoError(t, err)
	assert.Len(t, parsed.Trips, 2)
	assert.Len(t, parsed.Stops, 3)

	snap := app.Inspect.Get()
	assert.NotNil(t, snap.Routes)
	assert.Len(t, snap.Trips, 2)

	require.NotNil(t, snap.Cache)
	assert.Equal(t, ":memory:", snap.Cache.Path)
	assert.Equal(t, map[string]int{"entries": 4, "runs": 1}, snap.Cache.Tables)
	keys := make([]string, 0, len(snap.Cache.Entries))
	for _, e := range snap.Cache.Entries {
		keys = append(keys, e.Key)
		assert.False(t, e.UpdatedAt.IsZero())
	}
	assert.Equal(t, []string{"testcity-names", "testcity-routes", "testcity-schedule", "testcity-stops"}, keys)

	run, err := cache.LastRun(context.Background(), "testcity")
	require.NoError(t, err)
	assert.Equal(t, app.RunID, run.ID)
	assert.Contains(t, run.Summary, `"removed_stops":1`)
}

func TestRun_UsesCache(t *testing.T) {
	cfg := testConfig(t)
	cache := newTestCache(t)
	overpass := newFakeOverpass()

	_, err := New(cfg, nil, testClock(), nil, cache, overpass).Run(context.Background(), Refresh{}, "")
	require.NoError(t, err)

	// Everything comes from the cache now, including the schedule and names.
	require.NoError(t, os.Remove(cfg.ScheduleSource))
	overpass.fail = true

	second := testConfig(t)
	second.ScheduleSource = cfg.ScheduleSource
	res, err := New(second, nil, testClock(), nil, cache, overpass).Run(context.Background(), Refresh{}, "")
	require.NoError(t, err)
	assert.Len(t, res.Trips, 2)
	assert.Equal(t, "Calle Dos", res.Stops.Regular["node/2"].Name)
	assert.Equal(t, 1, overpass.count("routes"))
	assert.Equal(t, 1, overpass.count("stops"))
	assert.Equal(t, 1, overpass.count("around"))
}

func TestRun_RefreshBypassesCache(t *testing.T) {
	cfg := testConfig(t)
	cache := newTestCache(t)
	overpass := newFakeOverpass()

	_, err := New(cfg, nil, testClock(), nil, cache, overpass).Run(context.Background(), Refresh{}, "")
	require.NoError(t, err)

	refresh, err := RefreshFor("osm")
	require.NoError(t, err)
	app := New(testConfig(t), nil, testClock(), nil, cache, overpass)
	_, err = app.Run(context.Background(), refresh, "")
	require.NoError(t, err)
	assert.Equal(t, 2, overpass.count("routes"))
	assert.Equal(t, 2, overpass.count("stops"))
	assert.Equal(t, 2.0, testutil.ToFloat64(app.Metrics.CacheLookupsTotal.WithLabelValues("refresh")))
}

func TestRun_EmptyQueryContinues(t *testing.T) {
	cfg := testConfig(t)
	cache := newTestCache(t)
	overpass := newFakeOverpass()
	routes := overpass.results["routes"]
	overpass.results["routes"] = &osm.Result{}

	app := New(cfg, nil, testClock(), nil, cache, overpass)
	res, err := app.Run(context.Background(), Refresh{}, cfg.OutputFile)
	require.NoError(t, err)
	assert.Empty(t, res.Routes.Lines)
	assert.Empty(t, res.Trips)
	assert.NotEmpty(t, res.Stops.Regular)
	assert.Equal(t, 0, res.Summary["trips"])
	assert.FileExists(t, cfg.OutputFile)

	require.Len(t, app.Diags.Of(diag.EmptyQuery), 1)
	assert.Equal(t, "routes", app.Diags.Of(diag.EmptyQuery)[0].Subject)

	var cached osm.Result
	ok, err := cache.Get(context.Background(), "testcity-routes", &cached)
	require.NoError(t, err)
	assert.False(t, ok)

	// the next run queries again instead of reusing the empty answer
	overpass.results["routes"] = routes
	res, err = New(testConfig(t), nil, testClock(), nil, cache, overpass).Run(context.Background(), Refresh{}, "")
	require.NoError(t, err)
	assert.Len(t, res.Routes.Lines, 1)
	assert.Equal(t, 2, overpass.count("routes"))
	assert.Equal(t, 1, overpass.count("stops"))
}

func TestRun_EmptyStopsQueryContinues(t *testing.T) {
	overpass := newFakeOverpass()
	overpass.results["stops"] = &osm.Result{}

	app := New(testConfig(t), nil, testClock(), nil, nil, overpass)
	res, err := app.Run(context.Background(), Refresh{}, "")
	require.NoError(t, err)
	assert.Empty(t, res.Stops.Regular)
	assert.Len(t, res.Routes.Lines, 1)
	assert.Equal(t, 1, app.Diags.Count(diag.EmptyQuery))
}

func TestRun_SharedVariantGetsDistinctIDs(t *testing.T) {
	cfg := testConfig(t)
	timetable := `{"lines": {
	  "10": [{"from": "Centro", "to": "Norte", "services": ["weekday"],
	          "stations": ["Centro", "Norte"], "times": [["06:00", "06:20"]]}],
	  "11": [{"from": "Centro", "to": "Norte", "services": ["weekday"],
	          "stations": ["Centro", "Norte"], "times": [["06:00", "06:20"]]}]
	}}`
	require.NoError(t, os.WriteFile(cfg.ScheduleSource, []byte(timetable), 0o600))

	overpass := newFakeOverpass()
	routes := overpass.results["routes"]
	routes.Relations = append(routes.Relations, &osm.Relation{ID: 300, Tags: map[string]string{
		"type": "route_master", "route_master": "bus", "ref": "11", "name": "Ruta 11",
	}, Members: []osm.Member{{Kind: osm.KindRelation, Ref: 100}}})

	app := New(cfg, nil, testClock(), nil, nil, overpass)
	res, err := app.Run(context.Background(), Refresh{}, cfg.OutputFile)
	require.NoError(t, err)
	require.Len(t, res.Routes.Lines, 2)
	assert.Equal(t, 1, app.Diags.Count(diag.ReusedVariant))

	data, err := os.ReadFile(cfg.OutputFile)
	require.NoError(t, err)
	parsed, err := gtfs.ParseStatic(data, gtfs.ParseStaticOptions{})
	require.NoError(t, err)

	require.Len(t, parsed.Trips, 2)
	tripIDs := map[string]bool{}
	for _, trip := range parsed.Trips {
		tripIDs[trip.ID] = true
	}
	assert.Equal(t, map[string]bool{"10-100-1-Mo-Fr-1": true, "11-100-1-Mo-Fr-1": true}, tripIDs)

	require.Len(t, parsed.Shapes, 2)
	shapeIDs := []string{parsed.Shapes[0].ID, parsed.Shapes[1].ID}
	assert.ElementsMatch(t, []string{"10-100", "11-100"}, shapeIDs)
}

func TestRun_NoSources(t *testing.T) {
	_, err := New(testConfig(t), nil, testClock(), nil, nil, nil).Run(context.Background(), Refresh{}, "")
	assert.ErrorContains(t, err, "no cached routes data")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(testConfig(t), nil, testClock(), nil, nil, newFakeOverpass()).Run(ctx, Refresh{}, "")
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
}

func TestRun_WithoutSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScheduleSource = ""
	cfg.FeedInfo.StartDate = ""
	cfg.FeedInfo.EndDate = ""

	res, err := New(cfg, nil, testClock(), nil, nil, newFakeOverpass()).Run(context.Background(), Refresh{}, "")
	require.NoError(t, err)
	assert.Empty(t, res.Trips)
	assert.Equal(t, "20261001", cfg.FeedInfo.StartDate)
	assert.Equal(t, "20270930", cfg.FeedInfo.EndDate)
}

func TestRun_SameNameGrouping(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stops.GroupSameNameRadius = 300
	overpass := newFakeOverpass()
	stops := overpass.results["stops"]
	stops.Nodes = append(stops.Nodes, &osm.Node{
		ID: 5, Lat: 10.0005, Lon: -84.0, Tags: map[string]string{"public_transport": "platform", "name": "Centro"},
	})

	res, err := New(cfg, nil, testClock(), nil, nil, overpass).Run(context.Background(), Refresh{}, "")
	require.NoError(t, err)
	require.Len(t, res.Stops.Stations, 1)
	for _, station := range res.Stops.Stations {
		assert.Equal(t, "SA1", station.StopID)
	}
	assert.Equal(t, 1, res.Summary["stations"])
}

func TestRefreshFor(t *testing.T) {
	tests := []struct {
		option string
		want   Refresh
	}{
		{"", Refresh{}},
		{"routes", Refresh{Routes: true}},
		{"stops", Refresh{Stops: true}},
		{"osm", Refresh{Routes: true, Stops: true}},
		{"schedule-source", Refresh{Schedule: true}},
		{"all", Refresh{Routes: true, Stops: true, Schedule: true}},
	}
	for _, tt := range tests {
		t.Run(tt.option, func(t *testing.T) {
			got, err := RefreshFor(tt.option)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := RefreshFor("everything")
	assert.Error(t, err)
}
