// Package feed turns the transit model into a GTFS static feed.
package feed

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/OneBusAway/go-gtfs"

	"osm2gtfs.dev/internal/appconf"
	"osm2gtfs.dev/internal/creator"
	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/model"
	"osm2gtfs.dev/internal/schedule"
)

// Builder assembles a *gtfs.Static through a creator.Strategy.
type Builder struct {
	logger   *slog.Logger
	strategy creator.Strategy
	removed  int
}

// NewBuilder returns a Builder. A nil strategy means creator.Default.
func NewBuilder(logger *slog.Logger, strategy creator.Strategy) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == nil {
		strategy = creator.Default{}
	}
	return &Builder{
		logger:   logger.With(slog.String("component", "feed_builder")),
		strategy: strategy,
	}
}

// Build is NewBuilder(nil, strategy).Build.
func Build(cfg *appconf.Config, routes *model.Routes, stops *model.Stops, trips []*schedule.Trip, strategy creator.Strategy) (*gtfs.Static, error) {
	return NewBuilder(nil, strategy).Build(cfg, routes, stops, trips)
}

// Removed is the number of unused stops dropped by the last Build.
func (b *Builder) Removed() int { return b.removed }

// Build assembles the feed. Regular stops served by no trip are left out.
// Stop ids chosen here are written back to the model.
func (b *Builder) Build(cfg *appconf.Config, routes *model.Routes, stops *model.Stops, trips []*schedule.Trip) (*gtfs.Static, error) {
	if cfg == nil {
		return nil, errors.New("feed: nil config")
	}
	if routes == nil {
		routes = model.NewRoutes()
	}
	if stops == nil {
		stops = model.NewStops()
	}

	static := &gtfs.Static{
		Agencies: []gtfs.Agency{{
			Id:       cfg.Agency.ID,
			Name:     cfg.Agency.Name,
			Url:      cfg.Agency.URL,
			Timezone: cfg.Agency.Timezone,
			Language: cfg.Agency.Lang,
			Phone:    cfg.Agency.Phone,
			FareUrl:  cfg.Agency.FareURL,
		}},
	}
	agency := &static.Agencies[0]

	routeIndex := b.buildRoutes(static, agency, routes)

	stopIndex, err := b.buildStops(static, stops, servedStops(trips))
	if err != nil {
		return nil, err
	}

	shapeIndex := buildShapes(static, routes)
	serviceIndex := buildServices(static, trips)

	static.Trips = make([]gtfs.ScheduledTrip, 0, len(trips))
	tripIDs := make(map[string]bool, len(trips))
	for _, trip := range trips {
		if tripIDs[trip.ID] {
			return nil, fmt.Errorf("feed: duplicate trip id %q", trip.ID)
		}
		tripIDs[trip.ID] = true
		ri, ok := routeIndex[trip.Line]
		if !ok {
			return nil, fmt.Errorf("feed: trip %s belongs to an unknown line %s", trip.ID, trip.Line.Ref())
		}
		st := gtfs.ScheduledTrip{
			ID:       trip.ID,
			Route:    &static.Routes[ri],
			Service:  &static.Services[serviceIndex[trip.Service.Id]],
			Headsign: trip.Headsign,
		}
		if si, ok := shapeIndex[trip.Itinerary]; ok {
			st.Shape = &static.Shapes[si]
		}
		static.Trips = append(static.Trips, st)
	}

	// Stop times point back at their trip, so they are linked once the
	// trip slice is final.
	for i, trip := range trips {
		st := &static.Trips[i]
		st.StopTimes = make([]gtfs.ScheduledStopTime, 0, len(trip.StopTimes))
		for _, call := range trip.StopTimes {
			idx, ok := stopIndex[call.Stop]
			if !ok {
				return nil, fmt.Errorf("feed: trip %s calls at unknown stop %s", trip.ID, call.Stop.Ref())
			}
			st.StopTimes = append(st.StopTimes, gtfs.ScheduledStopTime{
				Trip:          st,
				Stop:          &static.Stops[idx],
				ArrivalTime:   call.Arrival,
				DepartureTime: call.Departure,
				StopSequence:  call.Sequence,
				ExactTimes:    call.Exact,
			})
		}
	}

	logging.LogOperation(b.logger, "feed_built",
		slog.Int("routes", len(static.Routes)),
		slog.Int("stops", len(static.Stops)),
		slog.Int("trips", len(static.Trips)),
		slog.Int("shapes", len(static.Shapes)),
		slog.Int("services", len(static.Services)),
		slog.Int("removed_stops", b.removed))
	return static, nil
}

func (b *Builder) buildRoutes(static *gtfs.Static, agency *gtfs.Agency, routes *model.Routes) map[*model.Line]int {
	index := make(map[*model.Line]int, len(routes.Lines))
	static.Routes = make([]gtfs.Route, 0, len(routes.Lines))
	for _, line := range routes.Lines {
		index[line] = len(static.Routes)
		static.Routes = append(static.Routes, gtfs.Route{
			Id:        line.RouteRef,
			Agency:    agency,
			ShortName: line.RouteRef,
			LongName:  b.strategy.DefineRouteLongName(line),
			Color:     b.strategy.DefineRouteColor(line),
			TextColor: b.strategy.DefineRouteTextColor(line),
			Type:      gtfs.RouteType(line.Vehicle.RouteType()),
			Url:       line.URL(),
		})
	}
	return index
}

func servedStops(trips []*schedule.Trip) map[*model.Stop]bool {
	served := make(map[*model.Stop]bool)
	for _, trip := range trips {
		for _, call := range trip.StopTimes {
			served[call.Stop] = true
		}
	}
	return served
}

// buildStops lays out stations first and then the served regular stops.
func (b *Builder) buildStops(static *gtfs.Static, stops *model.Stops, served map[*model.Stop]bool) (map[*model.Stop]int, error) {
	ids := make(map[string]string)
	assign := func(s model.StopLike, preset string) (string, error) {
		id := preset
		if id == "" {
			id = b.strategy.DefineStopID(s)
		}
		ref := s.Base().Ref()
		if owner, taken := ids[id]; taken {
			logging.LogWarning(b.logger, "duplicate_stop_id",
				slog.String("stop_id", id), slog.String("osm", ref), slog.String("first", owner))
			id = ref
			if _, taken := ids[id]; taken {
				return "", fmt.Errorf("feed: stop id %q is used by %s and %s", id, owner, ref)
			}
		}
		ids[id] = ref
		return id, nil
	}

	stationIndex := make(map[string]int)
	for _, ref := range stops.StationOrder {
		station := stops.Stations[ref]
		id, err := assign(station, station.StopID)
		if err != nil {
			return nil, err
		}
		station.StopID = id
		lat, lon := station.Lat, station.Lon
		stationIndex[ref] = len(static.Stops)
		static.Stops = append(static.Stops, gtfs.Stop{
			Id:        id,
			Name:      b.strategy.DefineStopName(station),
			Latitude:  &lat,
			Longitude: &lon,
			Type:      gtfs.StopType(model.StationLocation),
		})
	}

	stopIndex := make(map[*model.Stop]int)
	parents := make(map[int]int)
	b.removed = 0
	for _, ref := range stops.Order {
		stop := stops.Regular[ref]
		if !served[stop] {
			b.removed++
			b.logger.Debug("unused_stop_removed", slog.String("osm", stop.URL()))
			continue
		}
		id, err := assign(stop, stop.StopID)
		if err != nil {
			return nil, err
		}
		stop.StopID = id
		lat, lon := stop.Lat, stop.Lon
		idx := len(static.Stops)
		if pi, ok := stationIndex[stop.ParentStation]; ok {
			parents[idx] = pi
		}
		stopIndex[stop] = idx
		static.Stops = append(static.Stops, gtfs.Stop{
			Id:        id,
			Name:      b.strategy.DefineStopName(stop),
			Latitude:  &lat,
			Longitude: &lon,
			Type:      gtfs.StopType(model.RegularStop),
		})
	}
	for child, parent := range parents {
		static.Stops[child].Parent = &static.Stops[parent]
	}

	if b.removed > 0 {
		logging.LogOperation(b.logger, "unused_stops_removed", slog.Int("count", b.removed))
	}
	return stopIndex, nil
}

// buildShapes gives every itinerary with a usable path a shape keyed by
// the line's FeedKey.
func buildShapes(static *gtfs.Static, routes *model.Routes) map[*model.Itinerary]int {
	index := make(map[*model.Itinerary]int)
	for _, line := range routes.Lines {
		for _, it := range line.Itineraries {
			if len(it.Shape) < 2 {
				continue
			}
			points := make([]gtfs.ShapePoint, len(it.Shape))
			for i, p := range it.Shape {
				points[i] = gtfs.ShapePoint{Latitude: p.Lat, Longitude: p.Lon}
			}
			index[it] = len(static.Shapes)
			static.Shapes = append(static.Shapes, gtfs.Shape{
				ID:     line.FeedKey(it),
				Points: points,
			})
		}
	}
	return index
}

// buildServices copies the services used by trips in first use order.
func buildServices(static *gtfs.Static, trips []*schedule.Trip) map[string]int {
	index := make(map[string]int)
	for _, trip := range trips {
		if _, ok := index[trip.Service.Id]; ok {
			continue
		}
		index[trip.Service.Id] = len(static.Services)
		static.Services = append(static.Services, *trip.Service)
	}
	return index
}
