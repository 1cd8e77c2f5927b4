package schedule

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"osm2gtfs.dev/internal/diag"
	"osm2gtfs.dev/internal/geo"
	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/model"
)

// StopTime is one call of a trip at a stop.
type StopTime struct {
	Stop      *model.Stop
	Sequence  int
	Arrival   time.Duration
	Departure time.Duration
	// Exact is false for interpolated times.
	Exact bool
	// Distance is the great-circle distance travelled from the trip's first stop, in meters.
	Distance float64
}

// Trip is one scheduled run of an itinerary.
type Trip struct {
	ID        string
	Line      *model.Line
	Itinerary *model.Itinerary
	Service   *gtfs.Service
	Headsign  string
	StopTimes []StopTime
}

// Matcher aligns timetable entries with itineraries.
type Matcher struct {
	logger    *slog.Logger
	diags     *diag.Collector
	calendars *Calendars
	stops     *model.Stops
}

// NewMatcher returns a Matcher resolving services through calendars. stops
// provides parent station names for the name fallback and may be nil.
func NewMatcher(logger *slog.Logger, diags *diag.Collector, calendars *Calendars, stops *model.Stops) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		logger:    logger.With(slog.String("component", "schedule_matcher")),
		diags:     diags,
		calendars: calendars,
		stops:     stops,
	}
}

// Match produces the trips of every schedulable itinerary.
func (m *Matcher) Match(routes *model.Routes, tt *Timetable) []*Trip {
	var trips []*Trip
	for _, line := range routes.Lines {
		entries, ok := tt.Lines[line.RouteRef]
		if !ok || len(entries) == 0 {
			m.diags.Warn(diag.ScheduleMissing, line.Ref(), "line_not_in_schedule_source")
			continue
		}
		for _, it := range line.Itineraries {
			trips = append(trips, m.matchItinerary(line, it, entries)...)
		}
	}
	logging.LogOperation(m.logger, "schedule_matched", slog.Int("trips", len(trips)))
	return trips
}

func (m *Matcher) matchItinerary(line *model.Line, it *model.Itinerary, entries []Entry) []*Trip {
	if !it.Schedulable() {
		m.logger.Debug("itinerary_not_schedulable", slog.String("osm", it.URL()), slog.Int("stops", len(it.Stops)))
		return nil
	}

	var trips []*Trip
	matched := false
	for ei, entry := range entries {
		if entry.From != it.Origin || entry.To != it.Destination || entry.Via != it.Via {
			continue
		}
		matched = true

		positions, ok := m.Align(entry.Stations, it.Stops)
		if !ok {
			m.diags.Warn(diag.EndpointRejected, it.Ref(), "timetable_endpoints_do_not_align",
				fmt.Sprintf("%s -> %s", entry.From, entry.To))
			continue
		}

		for _, keyword := range entry.Services {
			service, err := m.calendars.Resolve(keyword)
			if err != nil {
				m.diags.Warn(diag.UnknownService, it.Ref(), err.Error())
				continue
			}
			for row, times := range entry.Times {
				stopTimes := m.buildStopTimes(it, positions, times)
				if len(stopTimes) < 2 {
					continue
				}
				trips = append(trips, &Trip{
					ID:        fmt.Sprintf("%s-%d-%s-%d", line.FeedKey(it), ei+1, service.Id, row+1),
					Line:      line,
					Itinerary: it,
					Service:   service,
					Headsign:  it.Headsign(),
					StopTimes: stopTimes,
				})
			}
		}
	}
	if !matched {
		m.diags.Warn(diag.ScheduleMissing, it.Ref(), "itinerary_not_in_schedule_source",
			fmt.Sprintf("%s -> %s", it.Origin, it.Destination))
	}
	return trips
}

func (m *Matcher) names(s *model.Stop) (direct, parent string) {
	direct = s.Name
	if m.stops != nil {
		parent = m.stops.ParentName(s)
	}
	return direct, parent
}

func sameName(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Align maps each timetable station to a stop index, or -1. Matching runs
// left to right with a cursor that only advances, comparing the stop name
// and then its parent station name. The alignment is rejected unless the
// first and last stations land on the first and last stops.
func (m *Matcher) Align(stations []string, stops []*model.Stop) ([]int, bool) {
	if len(stations) < 2 || len(stops) < 2 {
		return nil, false
	}

	positions := make([]int, len(stations))
	cursor := 0
	for i, name := range stations {
		positions[i] = -1
		for j := cursor; j < len(stops); j++ {
			direct, parent := m.names(stops[j])
			if sameName(direct, name) || sameName(parent, name) {
				positions[i] = j
				cursor = j + 1
				break
			}
		}
	}

	if positions[0] != 0 || positions[len(positions)-1] != len(stops)-1 {
		return positions, false
	}
	return positions, true
}

// buildStopTimes places the row's times on the aligned stops and
// interpolates the stops between them by distance. Stops before the first
// or after the last timed stop are left out.
func (m *Matcher) buildStopTimes(it *model.Itinerary, positions []int, row []string) []StopTime {
	exact := make(map[int]time.Duration)
	for i, pos := range positions {
		if pos < 0 || i >= len(row) {
			continue
		}
		d, ok, err := ParseClock(row[i])
		if err != nil {
			logging.LogWarning(m.logger, "invalid_timetable_time",
				slog.String("osm", it.URL()), slog.String("value", row[i]))
			continue
		}
		if ok {
			exact[pos] = d
		}
	}
	if len(exact) < 2 {
		return nil
	}

	first, last := len(it.Stops), -1
	for pos := range exact {
		first = min(first, pos)
		last = max(last, pos)
	}

	cumulative := make([]float64, len(it.Stops))
	for j := 1; j < len(it.Stops); j++ {
		cumulative[j] = cumulative[j-1] + geo.Haversine(it.Stops[j-1].Point(), it.Stops[j].Point())
	}

	out := make([]StopTime, 0, last-first+1)
	prev := first
	for j := first; j <= last; j++ {
		st := StopTime{Stop: it.Stops[j], Sequence: len(out) + 1, Distance: cumulative[j] - cumulative[first]}
		if d, ok := exact[j]; ok {
			st.Arrival, st.Departure, st.Exact = d, d, true
			prev = j
		} else {
			next := j + 1
			for ; next <= last; next++ {
				if _, ok := exact[next]; ok {
					break
				}
			}
			t := interpolate(exact[prev], exact[next], cumulative, prev, next, j)
			st.Arrival, st.Departure = t, t
		}
		out = append(out, st)
	}
	return out
}

func interpolate(from, to time.Duration, cumulative []float64, a, b, j int) time.Duration {
	span := cumulative[b] - cumulative[a]
	var frac float64
	if span > 0 {
		frac = (cumulative[j] - cumulative[a]) / span
	} else {
		frac = float64(j-a) / float64(b-a)
	}
	secs := from.Seconds() + frac*(to-from).Seconds()
	return time.Duration(math.Round(secs)) * time.Second
}
