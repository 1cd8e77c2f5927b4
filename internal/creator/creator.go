// Package creator holds the per-agency field mappings applied when the
// model is written out as a feed.
package creator

import (
	"sort"
	"sync"

	"osm2gtfs.dev/internal/model"
)

// Strategy decides how model fields map onto feed fields for one agency.
type Strategy interface {
	Name() string
	DefineRouteColor(line *model.Line) string
	DefineRouteTextColor(line *model.Line) string
	DefineRouteLongName(line *model.Line) string
	DefineStopID(stop model.StopLike) string
	DefineStopName(stop model.StopLike) string
	// GroupStops returns the same-name grouping radius in meters and the
	// id prefix of the synthetic stations. A zero radius disables grouping.
	GroupStops() (radius float64, prefix string)
}

// Default is the mapping used when no agency specific one is registered.
type Default struct{}

func (Default) Name() string { return "default" }

// DefineRouteColor returns the line colour or white.
func (Default) DefineRouteColor(line *model.Line) string {
	if line.Color != "" {
		return line.Color
	}
	return "FFFFFF"
}

// DefineRouteTextColor returns the tagged text colour, else one contrasting
// with the route colour.
func (d Default) DefineRouteTextColor(line *model.Line) string {
	if line.TextColor != "" {
		return line.TextColor
	}
	return model.ContrastColor(d.DefineRouteColor(line))
}

// DefineRouteLongName returns the line name, else "origin <-> destination"
// of its first itinerary.
func (Default) DefineRouteLongName(line *model.Line) string {
	if line.Name != "" && line.Name != line.RouteRef {
		return line.Name
	}
	if len(line.Itineraries) > 0 {
		it := line.Itineraries[0]
		if it.Origin != "" && it.Destination != "" {
			return it.Origin + " <-> " + it.Destination
		}
	}
	return line.Name
}

// DefineStopID prefers ref:gtfs, then ref, then the element locator.
func (Default) DefineStopID(stop model.StopLike) string {
	e := stop.Base()
	if id, ok := e.Tag("ref:gtfs"); ok {
		return id
	}
	if id, ok := e.Tag("ref"); ok {
		return id
	}
	return e.Ref()
}

func (Default) DefineStopName(stop model.StopLike) string {
	return stop.Base().Name
}

func (Default) GroupStops() (float64, string) { return 0, "" }

// Factory builds a Strategy.
type Factory func() Strategy

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a strategy available under selector.
func Register(selector string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[selector] = f
}

// ForSelector returns the strategy registered for selector, or Default.
func ForSelector(selector string) Strategy {
	mu.RLock()
	f, ok := registry[selector]
	mu.RUnlock()
	if !ok {
		return Default{}
	}
	return f()
}

// Selectors lists the registered selectors in sorted order.
func Selectors() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
