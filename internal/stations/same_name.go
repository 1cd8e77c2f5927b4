package stations

import (
	"slices"
	"strconv"

	"github.com/tidwall/rtree"

	"osm2gtfs.dev/internal/geo"
	"osm2gtfs.dev/internal/model"
)

type nameGroup struct {
	order   int
	name    string
	anchor  *model.Stop
	members []*model.Stop
}

// GroupByName clusters ungrouped stops that share a name into synthetic
// stations. Stops are visited in ascending id; a stop joins the earliest
// created group of its name whose anchor lies within radius meters, or
// anchors a new group. Groups that end with a single stop are discarded.
// Synthetic stations get the StopID prefix followed by the anchor id and
// are keyed by model.SyntheticLocator of that id.
//
// It returns the number of stations created.
func GroupByName(stops *model.Stops, radius float64, prefix string) int {
	if radius <= 0 {
		return 0
	}

	var candidates []*model.Stop
	for _, ref := range stops.Order {
		s := stops.Regular[ref]
		if s.ParentStation == "" && s.Name != "" {
			candidates = append(candidates, s)
		}
	}
	slices.SortStableFunc(candidates, func(a, b *model.Stop) int {
		return compareInt64(a.ID, b.ID)
	})

	tree := &rtree.RTree{}
	var groups []*nameGroup
	for _, s := range candidates {
		bounds := geo.CalculateBounds(s.Lat, s.Lon, radius)
		var match *nameGroup
		tree.Search(
			[2]float64{bounds.MinLat, bounds.MinLon},
			[2]float64{bounds.MaxLat, bounds.MaxLon},
			func(min, max [2]float64, data interface{}) bool {
				g, ok := data.(*nameGroup)
				if !ok || g.name != s.Name {
					return true
				}
				if geo.Haversine(g.anchor.Point(), s.Point()) >= radius {
					return true
				}
				if match == nil || g.order < match.order {
					match = g
				}
				return true
			},
		)

		if match != nil {
			match.members = append(match.members, s)
			continue
		}
		g := &nameGroup{order: len(groups), name: s.Name, anchor: s, members: []*model.Stop{s}}
		groups = append(groups, g)
		tree.Insert([2]float64{s.Lat, s.Lon}, [2]float64{s.Lat, s.Lon}, g)
	}

	created := 0
	for _, g := range groups {
		if len(g.members) < 2 {
			continue
		}
		station := &model.Station{
			Element: model.NewElement(g.anchor.Kind, g.anchor.ID, nil),
			StopID:  prefix + strconv.FormatInt(g.anchor.ID, 10),
		}
		station.Locator = model.SyntheticLocator(station.StopID)
		station.Name = g.name

		points := make([]geo.Point, len(g.members))
		for i, m := range g.members {
			points[i] = m.Point()
			station.Members = append(station.Members, m.Ref())
		}
		center, _ := geo.Centroid(points)
		station.Lat, station.Lon = center.Lat, center.Lon

		if !stops.AddStation(station) {
			continue
		}
		for _, m := range g.members {
			m.SetParentStation(station.Ref(), false)
		}
		created++
	}
	return created
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
