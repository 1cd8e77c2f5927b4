// Package stations builds Stops and Stations from the stops query result.
package stations

import (
	"fmt"
	"log/slog"

	"osm2gtfs.dev/internal/diag"
	"osm2gtfs.dev/internal/geo"
	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/model"
	"osm2gtfs.dev/internal/osm"
)

// Placeholder is the name given to stops whose source has none. Backfill
// looks for it; the unbracketed form marks a stop as not worth retrying.
func Placeholder(nameWithout string) string {
	return fmt.Sprintf("[%s]", nameWithout)
}

// Grouper builds stops and stations.
type Grouper struct {
	logger      *slog.Logger
	diags       *diag.Collector
	nameWithout string
}

// NewGrouper returns a Grouper naming unnamed elements after nameWithout.
func NewGrouper(logger *slog.Logger, diags *diag.Collector, nameWithout string) *Grouper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Grouper{
		logger:      logger.With(slog.String("component", "stations")),
		diags:       diags,
		nameWithout: nameWithout,
	}
}

// IsStopCandidate reports whether tags describe a boarding point.
func IsStopCandidate(tags map[string]string) bool {
	switch {
	case tags["public_transport"] == "platform", tags["public_transport"] == "station":
		return true
	case tags["highway"] == "bus_stop":
		return true
	case tags["amenity"] == "bus_station":
		return true
	}
	return false
}

// Build turns ways, then nodes, then stop_area relations into a Stops set.
func (g *Grouper) Build(result *osm.Result) *model.Stops {
	stops := model.NewStops()
	if result == nil {
		return stops
	}

	for _, w := range result.Ways {
		if s := g.buildWayStop(result, w); s != nil {
			stops.AddStop(s)
		}
	}
	for _, n := range result.Nodes {
		if s := g.buildNodeStop(n); s != nil {
			stops.AddStop(s)
		}
	}
	for _, rel := range result.Relations {
		if s := g.buildStation(stops, rel); s != nil {
			stops.AddStation(s)
		}
	}

	logging.LogOperation(g.logger, "stops_built",
		slog.Int("stops", len(stops.Regular)),
		slog.Int("stations", len(stops.Stations)))
	return stops
}

func (g *Grouper) newStop(kind osm.Kind, id int64, tags map[string]string, p geo.Point) *model.Stop {
	s := &model.Stop{
		Element:  model.NewElement(kind, id, tags),
		Lat:      p.Lat,
		Lon:      p.Lon,
		Location: model.RegularStop,
	}
	if s.Name == "" {
		s.Name = Placeholder(g.nameWithout)
	}
	return s
}

func (g *Grouper) buildWayStop(result *osm.Result, w *osm.Way) *model.Stop {
	ref := osm.Locator(osm.KindWay, w.ID)
	if !IsStopCandidate(w.Tags) {
		g.diags.Warn(diag.InvalidStop, ref, "potential_stop_invalid_check_tagging")
		return nil
	}

	points := make([]geo.Point, 0, len(w.NodeIDs))
	for _, id := range w.NodeIDs {
		if n, ok := result.Node(id); ok {
			points = append(points, geo.Point{Lat: n.Lat, Lon: n.Lon})
		}
	}
	center, ok := geo.Centroid(points)
	if !ok {
		g.diags.Warn(diag.InvalidStop, ref, "platform_way_without_nodes")
		return nil
	}
	return g.newStop(osm.KindWay, w.ID, w.Tags, center)
}

func (g *Grouper) buildNodeStop(n *osm.Node) *model.Stop {
	// untagged nodes are the geometry of platform ways
	if len(n.Tags) == 0 {
		return nil
	}
	if !IsStopCandidate(n.Tags) {
		g.diags.Warn(diag.InvalidStop, osm.Locator(osm.KindNode, n.ID), "potential_stop_invalid_check_tagging")
		return nil
	}
	return g.newStop(osm.KindNode, n.ID, n.Tags, geo.Point{Lat: n.Lat, Lon: n.Lon})
}

func (g *Grouper) buildStation(stops *model.Stops, rel *osm.Relation) *model.Station {
	ref := osm.Locator(osm.KindRelation, rel.ID)

	if _, isRoute := rel.Tags["route"]; isRoute {
		return nil
	}
	pt, ok := rel.Tags["public_transport"]
	if !ok {
		g.diags.Warn(diag.InvalidStop, ref, "potential_station_without_public_transport_tag")
		return nil
	}
	if pt != "stop_area" {
		g.diags.Warn(diag.InvalidStop, ref, "potential_station_not_a_stop_area")
		return nil
	}

	var members []*model.Stop
	seen := map[string]bool{}
	for _, m := range rel.Members {
		if m.Role != "platform" || (m.Kind != osm.KindNode && m.Kind != osm.KindWay) {
			continue
		}
		loc := m.Locator()
		if seen[loc] {
			continue
		}
		seen[loc] = true

		stop, ok := stops.Regular[loc]
		if !ok {
			g.diags.Error(diag.MissingMember, ref, "station_member_not_found", loc)
			continue
		}
		// the first station claiming a stop keeps it
		if stop.ParentStation != "" && stop.ParentStation != ref {
			g.diags.Warn(diag.ParentConflict, loc, "stop_claimed_by_two_stations", stop.ParentStation, ref)
			continue
		}
		members = append(members, stop)
	}

	switch len(members) {
	case 0:
		g.diags.Error(diag.EmptyStation, ref, "station_without_members_discarded")
		return nil
	case 1:
		g.diags.Warn(diag.SingletonStation, ref, "stop_area_with_one_platform_not_a_station", members[0].Ref())
		return nil
	}

	station := &model.Station{Element: model.NewElement(osm.KindRelation, rel.ID, rel.Tags)}
	if station.Name == "" {
		g.diags.Warn(diag.UnnamedStation, ref, "stop_area_without_name")
		station.Name = g.nameWithout
	}

	points := make([]geo.Point, len(members))
	for i, s := range members {
		points[i] = s.Point()
		station.Members = append(station.Members, s.Ref())
		s.SetParentStation(ref, false)
	}
	center, _ := geo.Centroid(points)
	station.Lat, station.Lon = center.Lat, center.Lon

	g.logger.Debug("station_built", slog.String("osm", station.URL()), slog.Int("members", len(members)))
	return station
}

// ResolveItineraryStops fills Itinerary.Stops from StopRefs. Refs without
// a stop are left out and reported.
func ResolveItineraryStops(routes *model.Routes, stops *model.Stops, diags *diag.Collector) {
	for _, it := range routes.Itineraries() {
		it.Stops = it.Stops[:0]
		for _, ref := range it.StopRefs {
			s, ok := stops.Regular[ref]
			if !ok {
				diags.Warn(diag.UnresolvedStop, it.Ref(), "itinerary_stop_not_found", ref)
				continue
			}
			it.Stops = append(it.Stops, s)
		}
	}
}
