package stations

import (
	"context"
	"log/slog"
	"math"

	"github.com/tidwall/rtree"

	"osm2gtfs.dev/internal/geo"
	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/model"
	"osm2gtfs.dev/internal/osm"
)

// Backfiller names placeholder stops after the nearest named feature.
type Backfiller struct {
	querier     osm.Querier
	radius      float64
	nameWithout string
	logger      *slog.Logger
}

// NewBackfiller returns a Backfiller searching radius meters around each stop.
func NewBackfiller(querier osm.Querier, radius float64, nameWithout string, logger *slog.Logger) *Backfiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{
		querier:     querier,
		radius:      radius,
		nameWithout: nameWithout,
		logger:      logger.With(slog.String("component", "stations_backfill")),
	}
}

type candidate struct {
	name  string
	point geo.Point
}

// Run queries the surroundings of every stop still carrying the placeholder
// name and adopts the name of the nearest candidate. Stops without any
// candidate get the terminal placeholder. A failed query leaves its stop
// unchanged; only a cancelled ctx aborts the run.
//
// The returned map holds every name assigned, keyed by stop locator.
func (b *Backfiller) Run(ctx context.Context, stops *model.Stops) (map[string]string, error) {
	placeholder := Placeholder(b.nameWithout)
	assigned := map[string]string{}

	for _, ref := range stops.Order {
		stop := stops.Regular[ref]
		if stop.Name != placeholder {
			continue
		}

		q := osm.QueryBuilder{}
		result, err := b.querier.Query(ctx, "around", q.Around(stop.Lat, stop.Lon, b.radius))
		if err != nil {
			if ctx.Err() != nil {
				return assigned, ctx.Err()
			}
			logging.LogError(b.logger, "stop_name_query_failed", err, slog.String("osm", stop.URL()))
			continue
		}

		name, ok := b.nearest(stop.Point(), candidates(result))
		if !ok {
			name = b.nameWithout
		}
		stop.Name = name
		assigned[ref] = name
		logging.LogOperation(b.logger, "stop_name_found",
			slog.String("name", name),
			slog.String("osm", stop.URL()))
	}
	return assigned, nil
}

func candidates(result *osm.Result) []candidate {
	if result == nil {
		return nil
	}
	var out []candidate
	for _, n := range result.Nodes {
		if name := n.Tags["name"]; name != "" {
			out = append(out, candidate{name: name, point: geo.Point{Lat: n.Lat, Lon: n.Lon}})
		}
	}
	for _, w := range result.Ways {
		name := w.Tags["name"]
		if name == "" {
			continue
		}
		points := make([]geo.Point, 0, len(w.NodeIDs))
		for _, id := range w.NodeIDs {
			if n, ok := result.Node(id); ok {
				points = append(points, geo.Point{Lat: n.Lat, Lon: n.Lon})
			}
		}
		if center, ok := geo.Centroid(points); ok {
			out = append(out, candidate{name: name, point: center})
		}
	}
	return out
}

// nearest prefers candidates inside the search radius, found through a
// spatial index; way centroids can fall outside it, so an empty window
// falls back to every candidate.
func (b *Backfiller) nearest(origin geo.Point, cands []candidate) (string, bool) {
	if len(cands) == 0 {
		return "", false
	}

	tree := &rtree.RTree{}
	for i := range cands {
		p := cands[i].point
		tree.Insert([2]float64{p.Lat, p.Lon}, [2]float64{p.Lat, p.Lon}, &cands[i])
	}

	bounds := geo.CalculateBounds(origin.Lat, origin.Lon, b.radius)
	var window []*candidate
	tree.Search(
		[2]float64{bounds.MinLat, bounds.MinLon},
		[2]float64{bounds.MaxLat, bounds.MaxLon},
		func(min, max [2]float64, data interface{}) bool {
			if c, ok := data.(*candidate); ok {
				window = append(window, c)
			}
			return true
		},
	)
	if len(window) == 0 {
		for i := range cands {
			window = append(window, &cands[i])
		}
	}

	var winner *candidate
	best := math.MaxFloat64
	for _, c := range window {
		if d := geo.Haversine(origin, c.point); d < best {
			best = d
			winner = c
		}
	}
	return winner.name, true
}

// ApplyNames restores names assigned by an earlier Run to stops that still
// carry the placeholder. It returns how many stops were renamed.
func ApplyNames(stops *model.Stops, names map[string]string, nameWithout string) int {
	placeholder := Placeholder(nameWithout)
	n := 0
	for ref, name := range names {
		if s, ok := stops.Regular[ref]; ok && s.Name == placeholder {
			s.Name = name
			n++
		}
	}
	return n
}
