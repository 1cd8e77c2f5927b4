package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/OneBusAway/go-gtfs"
	"github.com/klauspost/compress/zip"

	"osm2gtfs.dev/internal/appconf"
	"osm2gtfs.dev/internal/schedule"
)

const dateLayout = "20060102"

// FeedInfo is the content of feed_info.txt.
type FeedInfo struct {
	PublisherName string
	PublisherURL  string
	Lang          string
	Version       string
	StartDate     time.Time
	EndDate       time.Time
}

// NewFeedInfo reads FeedInfo from cfg. Dates must have been resolved.
func NewFeedInfo(cfg *appconf.Config) FeedInfo {
	lang := cfg.Agency.Lang
	if lang == "" {
		lang = "mul"
	}
	return FeedInfo{
		PublisherName: cfg.FeedInfo.PublisherName,
		PublisherURL:  cfg.FeedInfo.PublisherURL,
		Lang:          lang,
		Version:       cfg.FeedInfo.Version,
		StartDate:     cfg.FeedInfo.Start,
		EndDate:       cfg.FeedInfo.End,
	}
}

type table struct {
	name   string
	header []string
	rows   func(emit func(...string) error) error
}

// Write encodes static as a GTFS zip archive.
func Write(w io.Writer, static *gtfs.Static, info FeedInfo) error {
	zw := zip.NewWriter(w)
	for _, t := range tables(static, info) {
		if err := writeTable(zw, t); err != nil {
			_ = zw.Close()
			return fmt.Errorf("failed to write %s: %w", t.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish feed archive: %w", err)
	}
	return nil
}

// WriteFile writes the feed to path, removing the file if writing fails.
func WriteFile(path string, static *gtfs.Static, info FeedInfo) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	return Write(f, static, info)
}

func writeTable(zw *zip.Writer, t table) error {
	f, err := zw.Create(t.name)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(t.header); err != nil {
		return err
	}
	if err := t.rows(func(fields ...string) error { return cw.Write(fields) }); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 7, 64)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func runsWeekly(s *gtfs.Service) bool {
	return s.Monday || s.Tuesday || s.Wednesday || s.Thursday || s.Friday || s.Saturday || s.Sunday
}

func tables(static *gtfs.Static, info FeedInfo) []table {
	return []table{
		{
			name:   "agency.txt",
			header: []string{"agency_id", "agency_name", "agency_url", "agency_timezone", "agency_lang", "agency_phone", "agency_fare_url", "agency_email"},
			rows: func(emit func(...string) error) error {
				for _, a := range static.Agencies {
					if err := emit(a.Id, a.Name, a.Url, a.Timezone, a.Language, a.Phone, a.FareUrl, a.Email); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			name:   "stops.txt",
			header: []string{"stop_id", "stop_name", "stop_lat", "stop_lon", "location_type", "parent_station"},
			rows: func(emit func(...string) error) error {
				for _, s := range static.Stops {
					parent := ""
					if s.Parent != nil {
						parent = s.Parent.Id
					}
					if err := emit(s.Id, s.Name, formatFloat(s.Latitude), formatFloat(s.Longitude),
						strconv.Itoa(int(s.Type)), parent); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			name:   "routes.txt",
			header: []string{"route_id", "agency_id", "route_short_name", "route_long_name", "route_type", "route_url", "route_color", "route_text_color"},
			rows: func(emit func(...string) error) error {
				for _, r := range static.Routes {
					agency := ""
					if r.Agency != nil {
						agency = r.Agency.Id
					}
					if err := emit(r.Id, agency, r.ShortName, r.LongName, strconv.Itoa(int(r.Type)),
						r.Url, r.Color, r.TextColor); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			name:   "trips.txt",
			header: []string{"route_id", "service_id", "trip_id", "trip_headsign", "shape_id"},
			rows: func(emit func(...string) error) error {
				for _, t := range static.Trips {
					shape := ""
					if t.Shape != nil {
						shape = t.Shape.ID
					}
					if err := emit(t.Route.Id, t.Service.Id, t.ID, t.Headsign, shape); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			name:   "stop_times.txt",
			header: []string{"trip_id", "arrival_time", "departure_time", "stop_id", "stop_sequence", "timepoint"},
			rows: func(emit func(...string) error) error {
				for _, t := range static.Trips {
					for _, st := range t.StopTimes {
						if err := emit(t.ID, schedule.FormatClock(st.ArrivalTime), schedule.FormatClock(st.DepartureTime),
							st.Stop.Id, strconv.Itoa(st.StopSequence), formatBool(st.ExactTimes)); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
		{
			name:   "calendar.txt",
			header: []string{"service_id", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday", "start_date", "end_date"},
			rows: func(emit func(...string) error) error {
				for i := range static.Services {
					s := &static.Services[i]
					if !runsWeekly(s) {
						continue
					}
					if err := emit(s.Id, formatBool(s.Monday), formatBool(s.Tuesday), formatBool(s.Wednesday),
						formatBool(s.Thursday), formatBool(s.Friday), formatBool(s.Saturday), formatBool(s.Sunday),
						formatDate(s.StartDate), formatDate(s.EndDate)); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			name:   "calendar_dates.txt",
			header: []string{"service_id", "date", "exception_type"},
			rows: func(emit func(...string) error) error {
				for _, s := range static.Services {
					for _, d := range s.AddedDates {
						if err := emit(s.Id, formatDate(d), "1"); err != nil {
							return err
						}
					}
					for _, d := range s.RemovedDates {
						if err := emit(s.Id, formatDate(d), "2"); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
		{
			name:   "shapes.txt",
			header: []string{"shape_id", "shape_pt_lat", "shape_pt_lon", "shape_pt_sequence"},
			rows: func(emit func(...string) error) error {
				for _, sh := range static.Shapes {
					for i, p := range sh.Points {
						lat, lon := p.Latitude, p.Longitude
						if err := emit(sh.ID, formatFloat(&lat), formatFloat(&lon), strconv.Itoa(i+1)); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
		{
			name:   "feed_info.txt",
			header: []string{"feed_publisher_name", "feed_publisher_url", "feed_lang", "feed_start_date", "feed_end_date", "feed_version"},
			rows: func(emit func(...string) error) error {
				return emit(info.PublisherName, info.PublisherURL, info.Lang,
					formatDate(info.StartDate), formatDate(info.EndDate), info.Version)
			},
		},
	}
}
