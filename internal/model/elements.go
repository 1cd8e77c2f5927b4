// Package model is the in-memory transit model reconstructed from map data:
// Lines own Itineraries, Itineraries reference Stops, Stations group Stops.
//
// Stations hold their members by locator and Stops hold only the locator of
// their parent Station, so the model has no reference cycles.
package model

import (
	"strconv"

	"osm2gtfs.dev/internal/geo"
	"osm2gtfs.dev/internal/osm"
)

// Element is the part every model entity shares with its source map element.
type Element struct {
	ID   int64
	Kind osm.Kind
	Tags map[string]string
	// Name is the display name; empty when the source has none.
	Name string
	// Locator replaces the "<kind>/<id>" reference of entities that have no
	// map element of their own, such as stations grouped by name.
	Locator string
}

// NewElement returns an Element named after its "name" tag.
func NewElement(kind osm.Kind, id int64, tags map[string]string) Element {
	if tags == nil {
		tags = map[string]string{}
	}
	return Element{ID: id, Kind: kind, Tags: tags, Name: tags["name"]}
}

// Ref returns the "<kind>/<id>" locator, or Locator when set.
func (e Element) Ref() string {
	if e.Locator != "" {
		return e.Locator
	}
	return osm.Locator(e.Kind, e.ID)
}

// URL returns the osm.org address of the source element. For a synthetic
// entity that is the element it was derived from.
func (e Element) URL() string {
	return osm.URL(osm.Locator(e.Kind, e.ID))
}

// SyntheticLocator returns the locator of a station created from stop
// names, keyed by its feed id. It never collides with a map element.
func SyntheticLocator(stopID string) string {
	return "synthetic/" + stopID
}

// Tag returns the value of key and whether it is present and non-empty.
func (e Element) Tag(key string) (string, bool) {
	v, ok := e.Tags[key]
	return v, ok && v != ""
}

// Base returns e itself; embedding types expose their Element through it.
func (e *Element) Base() *Element {
	return e
}

// StopLike is implemented by *Stop and *Station.
type StopLike interface {
	Base() *Element
	Point() geo.Point
}

// Line is a rider-facing service such as "Route 10".
type Line struct {
	Element
	RouteRef    string
	Vehicle     VehicleKind
	Color       string
	TextColor   string
	Itineraries []*Itinerary
}

// FeedKey identifies it within l in feed ids. A variant listed by two
// masters is rebuilt for each line, so its element id alone is not unique.
func (l *Line) FeedKey(it *Itinerary) string {
	return l.RouteRef + "-" + strconv.FormatInt(it.ID, 10)
}

// AddItinerary attaches it to the line. An itinerary whose ref differs from
// the line's is corrected to the line's ref; mismatch reports that case.
func (l *Line) AddItinerary(it *Itinerary) (mismatch bool) {
	if it.RouteRef != l.RouteRef {
		mismatch = true
		it.RouteRef = l.RouteRef
	}
	it.LineRef = l.Ref()
	l.Itineraries = append(l.Itineraries, it)
	return mismatch
}

// Itinerary is one directional variant of a Line.
type Itinerary struct {
	Element
	RouteRef    string
	Origin      string
	Destination string
	Via         string
	// LineRef is the locator of the owning Line's source relation.
	LineRef string
	// StopRefs are platform locators in travel order.
	StopRefs []string
	// Stops is filled by stop resolution; entries whose ref is unknown are absent.
	Stops []*Stop
	Shape []geo.Point
}

// Schedulable reports whether the itinerary has enough resolved stops to carry trips.
func (it *Itinerary) Schedulable() bool {
	return len(it.Stops) >= 2
}

// Headsign is the destination label shown to riders.
func (it *Itinerary) Headsign() string {
	if it.Destination != "" {
		return it.Destination
	}
	return it.Name
}

// Stop is a boarding point.
type Stop struct {
	Element
	Lat      float64
	Lon      float64
	Location LocationKind
	// ParentStation is the locator of the Station grouping this stop.
	ParentStation string
	// StopID is the identifier written to the feed.
	StopID string
}

// Point returns the stop position.
func (s *Stop) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}

// SetParentStation records station as the stop's parent. The first
// assignment wins; a different later assignment is refused unless override
// is set. conflict reports a refused or overriding reassignment.
func (s *Stop) SetParentStation(station string, override bool) (conflict bool) {
	if s.ParentStation == "" || s.ParentStation == station {
		s.ParentStation = station
		return false
	}
	if override {
		s.ParentStation = station
	}
	return true
}

// Station groups at least two Stops.
type Station struct {
	Element
	Lat     float64
	Lon     float64
	Members []string
	StopID  string
}

// Point returns the station position.
func (s *Station) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}

// Stops is the result of station grouping.
type Stops struct {
	// Regular maps stop locators to stops.
	Regular map[string]*Stop
	// Stations maps station locators to stations.
	Stations map[string]*Station
	// Order lists regular stop locators in build order.
	Order []string
	// StationOrder lists station locators in build order.
	StationOrder []string
}

// NewStops returns an empty Stops.
func NewStops() *Stops {
	return &Stops{Regular: map[string]*Stop{}, Stations: map[string]*Station{}}
}

// AddStop records s unless a stop with the same locator exists.
func (st *Stops) AddStop(s *Stop) bool {
	ref := s.Ref()
	if _, ok := st.Regular[ref]; ok {
		return false
	}
	st.Regular[ref] = s
	st.Order = append(st.Order, ref)
	return true
}

// AddStation records s unless a station with the same locator exists.
func (st *Stops) AddStation(s *Station) bool {
	ref := s.Ref()
	if _, ok := st.Stations[ref]; ok {
		return false
	}
	st.Stations[ref] = s
	st.StationOrder = append(st.StationOrder, ref)
	return true
}

// ParentName returns the name of the station grouping s, if any.
func (st *Stops) ParentName(s *Stop) string {
	if s.ParentStation == "" {
		return ""
	}
	if station, ok := st.Stations[s.ParentStation]; ok {
		return station.Name
	}
	return ""
}

// Routes is the result of topology building.
type Routes struct {
	// Lines in insertion order.
	Lines []*Line
	// ByRef indexes Lines by RouteRef.
	ByRef map[string]*Line
}

// NewRoutes returns an empty Routes.
func NewRoutes() *Routes {
	return &Routes{ByRef: map[string]*Line{}}
}

// Insert adds l unless its ref is taken; taken reports the rejection.
func (r *Routes) Insert(l *Line) (taken bool) {
	if _, ok := r.ByRef[l.RouteRef]; ok {
		return true
	}
	r.ByRef[l.RouteRef] = l
	r.Lines = append(r.Lines, l)
	return false
}

// Itineraries returns every itinerary of every line in order.
func (r *Routes) Itineraries() []*Itinerary {
	var out []*Itinerary
	for _, l := range r.Lines {
		out = append(out, l.Itineraries...)
	}
	return out
}
