package feed

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OneBusAway/go-gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osm2gtfs.dev/internal/appconf"
	"osm2gtfs.dev/internal/creator"
	"osm2gtfs.dev/internal/geo"
	"osm2gtfs.dev/internal/model"
	"osm2gtfs.dev/internal/osm"
	"osm2gtfs.dev/internal/schedule"
)

func testConfig() *appconf.Config {
	cfg := appconf.Defaults()
	cfg.Selector = "test"
	cfg.Agency = appconf.AgencyConfig{ID: "TA", Name: "Test Agency", URL: "https://example.com", Timezone: "UTC", Lang: "es"}
	cfg.FeedInfo.PublisherName = "Publisher"
	cfg.FeedInfo.Version = "1"
	cfg.FeedInfo.Start = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	cfg.FeedInfo.End = time.Date(2027, 9, 30, 0, 0, 0, 0, time.UTC)
	return &cfg
}

func stop(id int64, name string, lat, lon float64) *model.Stop {
	return &model.Stop{
		Element: model.NewElement(osm.KindNode, id, map[string]string{"name": name}),
		Lat:     lat,
		Lon:     lon,
	}
}

type fixtureData struct {
	routes *model.Routes
	stops  *model.Stops
	trips  []*schedule.Trip
}

func fixture(t *testing.T) fixtureData {
	t.Helper()

	a := stop(1, "Centro", 10.0, -84.0)
	b := stop(2, "Mercado", 10.01, -84.0)
	b.Element.Tags["ref"] = "M1"
	c := stop(3, "Norte", 10.02, -84.0)
	unused := stop(4, "Lejos", 11.0, -85.0)

	stops := model.NewStops()
	for _, s := range []*model.Stop{a, b, c, unused} {
		require.True(t, stops.AddStop(s))
	}
	station := &model.Station{
		Element: model.NewElement(osm.KindRelation, 50, map[string]string{"name": "Mercado"}),
		Lat:     10.01, Lon: -84.0,
		Members: []string{"node/2"},
	}
	require.True(t, stops.AddStation(station))
	b.SetParentStation(station.Ref(), false)

	it := &model.Itinerary{
		Element:     model.NewElement(osm.KindRelation, 100, map[string]string{"name": "10: Centro => Norte"}),
		RouteRef:    "10",
		Origin:      "Centro",
		Destination: "Norte",
		Stops:       []*model.Stop{a, b, c},
		Shape:       []geo.Point{{Lat: 10.0, Lon: -84.0}, {Lat: 10.01, Lon: -84.0}, {Lat: 10.02, Lon: -84.0}},
	}
	line := &model.Line{
		Element:  model.NewElement(osm.KindRelation, 200, map[string]string{"name": "Ruta 10"}),
		RouteRef: "10",
		Vehicle:  model.Rail,
		Color:    "FF0000",
	}
	line.AddItinerary(it)
	routes := model.NewRoutes()
	require.False(t, routes.Insert(line))

	cfg := testConfig()
	cal := schedule.NewCalendars(cfg.FeedInfo.Start, cfg.FeedInfo.End)
	weekday, err := cal.Resolve("weekday")
	require.NoError(t, err)
	holiday, err := cal.Resolve("2026-12-24")
	require.NoError(t, err)

	calls := func(start time.Duration) []schedule.StopTime {
		return []schedule.StopTime{
			{Stop: a, Sequence: 1, Arrival: start, Departure: start, Exact: true},
			{Stop: b, Sequence: 2, Arrival: start + 5*time.Minute, Departure: start + 5*time.Minute},
			{Stop: c, Sequence: 3, Arrival: start + 10*time.Minute, Departure: start + 10*time.Minute, Exact: true},
		}
	}
	trips := []*schedule.Trip{
		{ID: "10-100-1-Mo-Fr-1", Line: line, Itinerary: it, Service: weekday, Headsign: "Norte", StopTimes: calls(6 * time.Hour)},
		{ID: "10-100-1-20261224-1", Line: line, Itinerary: it, Service: holiday, Headsign: "Norte", StopTimes: calls(25 * time.Hour)},
	}
	return fixtureData{routes: routes, stops: stops, trips: trips}
}

func TestBuild(t *testing.T) {
	f := fixture(t)
	b := NewBuilder(nil, creator.Default{})
	static, err := b.Build(testConfig(), f.routes, f.stops, f.trips)
	require.NoError(t, err)

	assert.Equal(t, 1, b.Removed())
	require.Len(t, static.Agencies, 1)
	assert.Equal(t, "TA", static.Agencies[0].Id)

	require.Len(t, static.Routes, 1)
	route := static.Routes[0]
	assert.Equal(t, "10", route.Id)
	assert.Equal(t, "Ruta 10", route.LongName)
	assert.Equal(t, gtfs.RouteType(2), route.Type)
	assert.Equal(t, "FF0000", route.Color)
	assert.Equal(t, "FFFFFF", route.TextColor)

	// station, then the three served stops
	require.Len(t, static.Stops, 4)
	assert.Equal(t, "relation/50", static.Stops[0].Id)
	assert.Equal(t, gtfs.StopType(1), static.Stops[0].Type)
	assert.Equal(t, "M1", static.Stops[2].Id)
	require.NotNil(t, static.Stops[2].Parent)
	assert.Equal(t, "relation/50", static.Stops[2].Parent.Id)
	assert.Equal(t, "M1", f.stops.Regular["node/2"].StopID)

	require.Len(t, static.Shapes, 1)
	assert.Equal(t, "10-100", static.Shapes[0].ID)

	require.Len(t, static.Trips, 2)
	trip := static.Trips[0]
	assert.Equal(t, "Mo-Fr", trip.Service.Id)
	assert.Same(t, &static.Routes[0], trip.Route)
	assert.Same(t, &static.Shapes[0], trip.Shape)
	require.Len(t, trip.StopTimes, 3)
	assert.Same(t, &static.Trips[0], trip.StopTimes[0].Trip)
	assert.True(t, trip.StopTimes[0].ExactTimes)
	assert.False(t, trip.StopTimes[1].ExactTimes)

	assert.Len(t, static.Services, 2)

	counts := Summary(static)
	assert.Equal(t, 3, counts["stops"])
	assert.Equal(t, 1, counts["stations"])
	assert.Equal(t, 6, counts["stop_times"])
	assert.Equal(t, 2, counts["calendar_dates"])
}

func TestBuild_StrategyStopIDs(t *testing.T) {
	f := fixture(t)
	static, err := Build(testConfig(), f.routes, f.stops, f.trips, creator.ForSelector("cr_gam"))
	require.NoError(t, err)

	ids := make([]string, len(static.Stops))
	for i, s := range static.Stops {
		ids[i] = s.Id
	}
	assert.Equal(t, []string{"SA50", "1", "2", "3"}, ids)
	assert.Equal(t, "FF0000", static.Routes[0].Color)
}

func TestBuild_DuplicateStopID(t *testing.T) {
	f := fixture(t)
	f.stops.Regular["node/3"].Element.Tags["ref"] = "M1"

	static, err := Build(testConfig(), f.routes, f.stops, f.trips, nil)
	require.NoError(t, err)
	assert.Equal(t, "node/3", static.Stops[3].Id)
}

func TestBuild_SharedVariantGetsDistinctIDs(t *testing.T) {
	f := fixture(t)
	first := f.routes.Lines[0]
	orig := first.Itineraries[0]

	// the same variant rebuilt for a second master
	copied := *orig
	copied.RouteRef = "11"
	second := &model.Line{Element: model.NewElement(osm.KindRelation, 300, nil), RouteRef: "11"}
	second.AddItinerary(&copied)
	require.False(t, f.routes.Insert(second))

	shared := *f.trips[0]
	shared.ID = "11-100-1-Mo-Fr-1"
	shared.Line = second
	shared.Itinerary = &copied
	f.trips = append(f.trips, &shared)

	static, err := Build(testConfig(), f.routes, f.stops, f.trips, nil)
	require.NoError(t, err)

	require.Len(t, static.Shapes, 2)
	assert.Equal(t, "10-100", static.Shapes[0].ID)
	assert.Equal(t, "11-100", static.Shapes[1].ID)
	require.Len(t, static.Trips, 3)
	assert.Equal(t, "11-100", static.Trips[2].Shape.ID)
	assert.Equal(t, "11", static.Trips[2].Route.Id)
}

func TestBuild_DuplicateTripID(t *testing.T) {
	f := fixture(t)
	f.trips[1].ID = f.trips[0].ID
	_, err := Build(testConfig(), f.routes, f.stops, f.trips, nil)
	assert.ErrorContains(t, err, "duplicate trip id")
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(nil, nil, nil, nil, nil)
	assert.Error(t, err)

	f := fixture(t)
	stray := &model.Line{RouteRef: "99"}
	f.trips[0].Line = stray
	_, err = Build(testConfig(), f.routes, f.stops, f.trips, nil)
	assert.ErrorContains(t, err, "unknown line")
}

func TestWrite_RoundTrip(t *testing.T) {
	f := fixture(t)
	cfg := testConfig()
	static, err := Build(cfg, f.routes, f.stops, f.trips, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, static, NewFeedInfo(cfg)))

	parsed, err := gtfs.ParseStatic(buf.Bytes(), gtfs.ParseStaticOptions{})
	require.NoError(t, err)

	assert.Len(t, parsed.Agencies, 1)
	assert.Equal(t, "UTC", parsed.Agencies[0].Timezone)
	require.Len(t, parsed.Routes, 1)
	assert.Equal(t, "10", parsed.Routes[0].ShortName)
	assert.Equal(t, gtfs.RouteType(2), parsed.Routes[0].Type)
	assert.Len(t, parsed.Stops, 4)
	assert.Len(t, parsed.Shapes, 1)
	assert.Len(t, parsed.Shapes[0].Points, 3)

	require.Len(t, parsed.Trips, 2)
	byID := map[string]gtfs.ScheduledTrip{}
	for _, trip := range parsed.Trips {
		byID[trip.ID] = trip
	}
	late := byID["10-100-1-20261224-1"]
	require.Len(t, late.StopTimes, 3)
	assert.Equal(t, 25*time.Hour, late.StopTimes[0].ArrivalTime)
	assert.Equal(t, 25*time.Hour+10*time.Minute, late.StopTimes[2].DepartureTime)
	assert.True(t, late.StopTimes[0].ExactTimes)
	assert.False(t, late.StopTimes[1].ExactTimes)
	require.NotNil(t, late.Shape)
	assert.Equal(t, "10-100", late.Shape.ID)

	services := map[string]gtfs.Service{}
	for _, s := range parsed.Services {
		services[s.Id] = s
	}
	weekday := services["Mo-Fr"]
	assert.True(t, weekday.Monday)
	assert.False(t, weekday.Saturday)
	assert.Equal(t, "20261001", weekday.StartDate.Format(dateLayout))
	require.Len(t, weekday.RemovedDates, 1)
	assert.Equal(t, "20261224", weekday.RemovedDates[0].Format(dateLayout))
	holiday := services["20261224"]
	require.Len(t, holiday.AddedDates, 1)
}

func TestWriteFile(t *testing.T) {
	f := fixture(t)
	cfg := testConfig()
	static, err := Build(cfg, f.routes, f.stops, f.trips, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "feed.zip")
	require.NoError(t, WriteFile(path, static, NewFeedInfo(cfg)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = gtfs.ParseStatic(data, gtfs.ParseStaticOptions{})
	assert.NoError(t, err)

	err = WriteFile(filepath.Join(t.TempDir(), "missing", "feed.zip"), static, NewFeedInfo(cfg))
	assert.Error(t, err)
}

func TestSummary_Nil(t *testing.T) {
	assert.Empty(t, Summary(nil))
}
