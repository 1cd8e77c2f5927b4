package osm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FallbackTagFilter selects PTv2 routes when the configuration names no tags.
const FallbackTagFilter = `["public_transport:version" = "2"]`

// BBox is a south/west/north/east query window.
type BBox struct {
	South, West, North, East float64
}

func (b BBox) String() string {
	return strings.Join([]string{
		formatCoord(b.South), formatCoord(b.West), formatCoord(b.North), formatCoord(b.East),
	}, ",")
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// QueryBuilder renders the Overpass QL used to fetch routes, stops and
// the surroundings of unnamed stops.
type QueryBuilder struct {
	BBox           BBox
	Tags           map[string][]string
	TimeoutSeconds int
}

// TagFilter renders the tag selectors in key order. A single value is an
// equality filter; several values become an anchored regex alternation.
func (q QueryBuilder) TagFilter() string {
	if len(q.Tags) == 0 {
		return FallbackTagFilter
	}
	keys := make([]string, 0, len(q.Tags))
	for k := range q.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := q.Tags[k]
		switch len(values) {
		case 0:
			fmt.Fprintf(&b, "['%s']", k)
		case 1:
			fmt.Fprintf(&b, "['%s' = '%s']", k, values[0])
		default:
			fmt.Fprintf(&b, "['%s' ~ '^%s$']", k, strings.Join(values, "$|^"))
		}
	}
	return b.String()
}

func (q QueryBuilder) header() string {
	timeout := q.TimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	return fmt.Sprintf("[out:json][timeout:%d];\n", timeout)
}

// Routes returns the query for route variants inside the bbox, their route
// masters and the ways and nodes forming their geometry.
func (q QueryBuilder) Routes() string {
	return q.header() + fmt.Sprintf(`(
  relation%s(%s)->.routes;
  relation[type=route_master](br.routes)->.masters;
  way(r.routes);
  node(w);
  ( .routes; .masters; ._; );
);
out body;
`, q.TagFilter(), q.BBox)
}

// Stops returns the query for platform members of the selected routes and
// the stop_area relations grouping them.
func (q QueryBuilder) Stops() string {
	return q.header() + fmt.Sprintf(`(
  relation%s(%s);
  node(r:"platform")->.nodes;
  way(r:"platform");
  node(w);
  ( .nodes; ._; );
);
out body;
foreach.nodes(
  rel(bn:"platform")["public_transport"="stop_area"];
  out body;
);
`, q.TagFilter(), q.BBox)
}

// Around returns the query for named features within radius meters of a
// point. Major roads and bus stations are excluded so that the surrounding
// street or landmark is preferred; bus stop nodes are excluded since they are
// the stops being named.
func (q QueryBuilder) Around(lat, lon, radius float64) string {
	around := fmt.Sprintf("(around:%s,%s,%s)", formatCoord(radius), formatCoord(lat), formatCoord(lon))
	return q.header() + fmt.Sprintf(`way%s["name"]["highway"!~"^(trunk|primary|secondary)$"]["amenity"!="bus_station"];
out body;
>;
out skel qt;
node%s["name"]["highway"!="bus_stop"];
out body qt;
`, around, around)
}
