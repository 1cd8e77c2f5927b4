// Package topology turns route and route_master relations into Lines and Itineraries.
package topology

import (
	"log/slog"
	"slices"
	"strings"

	"osm2gtfs.dev/internal/diag"
	"osm2gtfs.dev/internal/geo"
	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/model"
	"osm2gtfs.dev/internal/osm"
	"osm2gtfs.dev/internal/shape"
)

const masterType = "route_master"

// Builder reconstructs the line topology of one routes query result.
type Builder struct {
	logger *slog.Logger
	diags  *diag.Collector
}

// NewBuilder returns a Builder. A nil logger means slog.Default().
func NewBuilder(logger *slog.Logger, diags *diag.Collector) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		logger: logger.With(slog.String("component", "topology")),
		diags:  diags,
	}
}

// build holds the state of one Build call.
type build struct {
	*Builder
	result   *osm.Result
	variants map[int64]*osm.Relation
	claimed  map[int64]bool
	routes   *model.Routes
}

// Build processes every master in ascending id order, then wraps each
// unclaimed variant in a Line of its own. Lines whose ref is already taken
// are dropped; the first inserted keeps the ref.
func (b *Builder) Build(result *osm.Result) *model.Routes {
	st := &build{
		Builder:  b,
		result:   result,
		variants: map[int64]*osm.Relation{},
		claimed:  map[int64]bool{},
		routes:   model.NewRoutes(),
	}
	if result == nil {
		return st.routes
	}

	var masters []*osm.Relation
	for _, rel := range result.Relations {
		if rel.Tags["type"] == masterType {
			masters = append(masters, rel)
		} else {
			st.variants[rel.ID] = rel
		}
	}
	slices.SortFunc(masters, func(a, b *osm.Relation) int { return compareID(a.ID, b.ID) })

	for _, master := range masters {
		st.processMaster(master)
	}
	st.processOrphans()

	logging.LogOperation(b.logger, "routes_built",
		slog.Int("masters", len(masters)),
		slog.Int("variants", len(st.variants)),
		slog.Int("lines", len(st.routes.Lines)))
	return st.routes
}

func compareID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (st *build) processMaster(master *osm.Relation) {
	masterRef := osm.Locator(osm.KindRelation, master.ID)
	var itineraries []*model.Itinerary

	for _, m := range master.Members {
		memberRef := m.Locator()
		if m.Kind != osm.KindRelation {
			st.diags.Warn(diag.InvalidMember, masterRef, "route_master_member_not_a_relation", memberRef)
			continue
		}

		if variant, ok := st.variants[m.Ref]; ok && !st.claimed[m.Ref] {
			st.claimed[m.Ref] = true
			itineraries = append(itineraries, st.buildItinerary(variant))
			continue
		}

		if rel, ok := st.result.Relation(m.Ref); ok {
			st.diags.Warn(diag.ReusedVariant, memberRef, "itinerary_assigned_again", masterRef)
			itineraries = append(itineraries, st.buildItinerary(rel))
			continue
		}

		st.diags.Warn(diag.InvalidMember, masterRef, "route_master_member_not_a_valid_itinerary", memberRef)
	}

	line := st.buildLine(master, itineraries)
	if line == nil {
		return
	}
	st.insert(line)
}

func (st *build) processOrphans() {
	var ids []int64
	for id := range st.variants {
		if !st.claimed[id] {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		variant := st.variants[id]
		ref := osm.Locator(osm.KindRelation, id)
		st.diags.Warn(diag.OrphanVariant, ref, "route_without_route_master")

		it := st.buildItinerary(variant)
		if _, taken := st.routes.ByRef[it.RouteRef]; taken && it.RouteRef != "" {
			st.diags.Warn(diag.RefCollision, ref, "route_with_existing_ref_skipped", st.routes.ByRef[it.RouteRef].Ref())
			continue
		}

		line := st.buildLine(variant, []*model.Itinerary{it})
		if line == nil {
			continue
		}
		it.LineRef = ""
		st.insert(line)
	}
}

func (st *build) insert(line *model.Line) {
	if existing, ok := st.routes.ByRef[line.RouteRef]; ok {
		st.diags.Error(diag.RefCollision, line.Ref(), "line_dropped_ref_collision", existing.Ref())
		return
	}
	st.routes.Insert(line)
	st.logger.Debug("line_built",
		slog.String("ref", line.RouteRef),
		slog.String("osm", line.URL()),
		slog.Int("itineraries", len(line.Itineraries)))
}

// buildLine returns nil when the relation yields no usable Line.
func (st *build) buildLine(rel *osm.Relation, itineraries []*model.Itinerary) *model.Line {
	line := &model.Line{Element: model.NewElement(osm.KindRelation, rel.ID, rel.Tags)}
	subject := line.Ref()

	if len(itineraries) == 0 {
		st.diags.Warn(diag.NoItineraries, subject, "line_without_valid_members_skipped")
		return nil
	}

	ref, ok := line.Tag("ref")
	if !ok {
		st.diags.Warn(diag.MissingRef, subject, "line_without_ref")
		for _, it := range itineraries {
			if it.RouteRef != "" {
				ref = it.RouteRef
				st.diags.Warn(diag.RefBackfilled, subject, "line_ref_taken_from_itinerary", it.Ref())
				break
			}
		}
		if ref == "" {
			st.diags.Error(diag.MissingRef, subject, "line_dropped_without_ref")
			return nil
		}
	}
	line.RouteRef = ref

	if line.Name == "" {
		line.Name, _ = line.Tag("ref")
	}

	line.Vehicle = st.vehicleKind(line.Element)
	st.applyColors(line)

	for _, it := range itineraries {
		if line.AddItinerary(it) {
			st.diags.Warn(diag.RefMismatch, it.Ref(), "itinerary_ref_does_not_match_line", subject)
		}
	}
	return line
}

func (st *build) vehicleKind(e model.Element) model.VehicleKind {
	tag, ok := e.Tag(masterType)
	if !ok {
		tag, ok = e.Tag("route")
	}
	kind, known := model.ParseVehicleKind(tag)
	if !ok || !known {
		st.diags.Warn(diag.UnknownVehicle, e.Ref(), "unknown_vehicle_defaulting_to_bus")
	}
	return kind
}

func (st *build) applyColors(line *model.Line) {
	if raw, ok := line.Tag("colour"); ok {
		if c, valid := model.NormalizeColor(raw); valid {
			line.Color = c
		} else {
			st.diags.Warn(diag.InvalidColour, line.Ref(), "invalid_colour", raw)
		}
	}

	for _, key := range []string{"colour:text", "ref:colour_tx"} {
		if raw, ok := line.Tag(key); ok {
			if c, valid := model.NormalizeColor(raw); valid {
				line.TextColor = c
				return
			}
			st.diags.Warn(diag.InvalidColour, line.Ref(), "invalid_text_colour", raw)
		}
	}
	if line.Color != "" {
		line.TextColor = model.ContrastColor(line.Color)
	}
}

func isPlatformRole(role string) bool {
	return strings.HasPrefix(role, "platform")
}

func (st *build) buildItinerary(rel *osm.Relation) *model.Itinerary {
	it := &model.Itinerary{Element: model.NewElement(osm.KindRelation, rel.ID, rel.Tags)}
	subject := it.Ref()

	if ref, ok := it.Tag("ref"); ok {
		it.RouteRef = ref
	} else {
		st.diags.Warn(diag.MissingRef, subject, "itinerary_without_ref")
	}
	if it.Name == "" {
		it.Name = it.RouteRef
	}
	it.Origin = rel.Tags["from"]
	it.Destination = rel.Tags["to"]
	it.Via = rel.Tags["via"]

	var segments []shape.Segment
	coords := map[int64]geo.Point{}
	for _, m := range rel.Members {
		if isPlatformRole(m.Role) {
			if m.Kind != osm.KindNode && m.Kind != osm.KindWay {
				st.diags.Warn(diag.InvalidMember, subject, "unknown_type_of_itinerary_member", m.Locator())
				continue
			}
			it.StopRefs = append(it.StopRefs, m.Locator())
			continue
		}
		if m.Kind != osm.KindWay {
			continue
		}

		way, ok := st.result.Way(m.Ref)
		if !ok {
			st.diags.Warn(diag.MissingMember, subject, "itinerary_way_not_in_result", m.Locator())
			continue
		}
		segments = append(segments, shape.Segment{ID: way.ID, NodeIDs: way.NodeIDs})
		for _, id := range way.NodeIDs {
			if n, ok := st.result.Node(id); ok {
				coords[id] = geo.Point{Lat: n.Lat, Lon: n.Lon}
			}
		}
	}

	assembled := shape.Assemble(subject, segments, coords)
	if d := assembled.Discontinuity; d != nil {
		st.diags.Warn(diag.Discontinuity, subject, "shape_discontinuity", osm.Locator(osm.KindWay, d.Segment))
	}
	if len(assembled.MissingNodes) > 0 {
		st.diags.Warn(diag.MissingMember, subject, "shape_nodes_without_coordinates",
			osm.Locator(osm.KindNode, assembled.MissingNodes[0]))
	}
	it.Shape = assembled.Points
	return it
}
