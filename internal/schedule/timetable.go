// Package schedule matches an external timetable against the itineraries
// built from map data and produces trips with stop times.
package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry is one trip group of a line: every row of Times is a trip, every
// column a position in Stations.
type Entry struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	Via      string     `json:"via,omitempty"`
	Services []string   `json:"services"`
	Stations []string   `json:"stations"`
	Times    [][]string `json:"times"`
}

// Timetable maps a line ref to its trip groups.
type Timetable struct {
	StartDate string             `json:"start_date,omitempty"`
	EndDate   string             `json:"end_date,omitempty"`
	Lines     map[string][]Entry `json:"lines"`
}

// legacyEntry is the older layout keyed by "itinerario".
type legacyEntry struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	Via       string        `json:"via"`
	Operacion stringOrSlice `json:"operacion"`
	Estacion  []string      `json:"estaciones"`
	Horarios  [][]string    `json:"horarios"`
}

type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseTimetable decodes the "lines" layout or the legacy "itinerario" layout.
func ParseTimetable(data []byte) (*Timetable, error) {
	var doc struct {
		StartDate  string                   `json:"start_date"`
		EndDate    string                   `json:"end_date"`
		Lines      map[string][]rawEntry    `json:"lines"`
		Itinerario map[string][]legacyEntry `json:"itinerario"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schedule source is invalid: %w", err)
	}

	tt := &Timetable{StartDate: doc.StartDate, EndDate: doc.EndDate, Lines: map[string][]Entry{}}
	for ref, entries := range doc.Lines {
		for _, e := range entries {
			tt.Lines[ref] = append(tt.Lines[ref], Entry{
				From: e.From, To: e.To, Via: e.Via,
				Services: e.Services, Stations: e.Stations, Times: e.Times,
			})
		}
	}
	for ref, entries := range doc.Itinerario {
		for _, e := range entries {
			tt.Lines[ref] = append(tt.Lines[ref], Entry{
				From: e.From, To: e.To, Via: e.Via,
				Services: e.Operacion, Stations: e.Estacion, Times: e.Horarios,
			})
		}
	}
	if doc.Lines == nil && doc.Itinerario == nil {
		return nil, fmt.Errorf("schedule source has neither \"lines\" nor \"itinerario\"")
	}
	return tt, nil
}

type rawEntry struct {
	From     string        `json:"from"`
	To       string        `json:"to"`
	Via      string        `json:"via"`
	Services stringOrSlice `json:"services"`
	Stations []string      `json:"stations"`
	Times    [][]string    `json:"times"`
}

// ParseClock parses "HH:MM" or "HH:MM:SS" as an offset from service-day
// midnight; hours past 23 are allowed. ok is false for "-" and empty cells.
func ParseClock(s string) (d time.Duration, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, false, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false, fmt.Errorf("invalid time %q", s)
	}
	var fields [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, false, fmt.Errorf("invalid time %q", s)
		}
		fields[i] = v
	}
	if fields[1] > 59 || fields[2] > 59 {
		return 0, false, fmt.Errorf("invalid time %q", s)
	}
	return time.Duration(fields[0])*time.Hour +
		time.Duration(fields[1])*time.Minute +
		time.Duration(fields[2])*time.Second, true, nil
}

// FormatClock renders d as GTFS HH:MM:SS.
func FormatClock(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
