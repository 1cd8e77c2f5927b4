// Package appconf loads and validates the osm2gtfs run configuration.
package appconf

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"osm2gtfs.dev/internal/clock"
	"osm2gtfs.dev/internal/logging"
)

type Environment int

const (
	Development Environment = iota
	Test
	Production
)

func (e Environment) String() string {
	switch e {
	case Test:
		return "test"
	case Production:
		return "production"
	default:
		return "development"
	}
}

// EnvFlagToEnvironment maps a config or flag value to an Environment.
func EnvFlagToEnvironment(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "test":
		return Test
	case "production", "prod":
		return Production
	default:
		return Development
	}
}

func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	*e = EnvFlagToEnvironment(s)
	return nil
}

func (e Environment) MarshalYAML() (any, error) {
	return e.String(), nil
}

const (
	DefaultOverpassURL     = "https://overpass-api.de/api/interpreter"
	DefaultNameWithout     = "No name"
	DefaultProximityRadius = 50.0
	DefaultCachePath       = "data/cache.db"
	dateLayout             = "20060102"
)

// BBox is the query bounding box in degrees.
type BBox struct {
	North float64 `yaml:"n" validate:"gte=-90,lte=90"`
	South float64 `yaml:"s" validate:"gte=-90,lte=90"`
	East  float64 `yaml:"e" validate:"gte=-180,lte=180"`
	West  float64 `yaml:"w" validate:"gte=-180,lte=180"`
}

// TagValue is a query tag value: a single string or a list of alternatives.
type TagValue []string

func (t *TagValue) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*t = TagValue{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*t = TagValue(list)
		return nil
	default:
		return fmt.Errorf("line %d: tag value must be a string or a list of strings", value.Line)
	}
}

type QueryConfig struct {
	BBox              BBox                `yaml:"bbox"`
	Tags              map[string]TagValue `yaml:"tags"`
	URL               string              `yaml:"url" validate:"omitempty,url"`
	TimeoutSeconds    int                 `yaml:"timeout_seconds" validate:"gte=0"`
	RequestsPerMinute int                 `yaml:"requests_per_minute" validate:"gte=0"`
}

type StopsConfig struct {
	NameWithout         string  `yaml:"name_without"`
	NameAuto            string  `yaml:"name_auto" validate:"omitempty,oneof=yes no"`
	ProximityRadius     float64 `yaml:"proximity_radius" validate:"gte=0"`
	GroupSameNameRadius float64 `yaml:"group_same_name_radius" validate:"gte=0"`
}

// AutoNames reports whether unnamed stops should be named from their surroundings.
func (s StopsConfig) AutoNames() bool {
	return s.NameAuto == "yes"
}

// Placeholder is the name given to stops without a name tag.
func (s StopsConfig) Placeholder() string {
	return "[" + s.NameWithout + "]"
}

type AgencyConfig struct {
	ID       string `yaml:"agency_id"`
	Name     string `yaml:"agency_name" validate:"required"`
	URL      string `yaml:"agency_url" validate:"required,url"`
	Timezone string `yaml:"agency_timezone" validate:"required"`
	Lang     string `yaml:"agency_lang"`
	Phone    string `yaml:"agency_phone"`
	FareURL  string `yaml:"agency_fare_url" validate:"omitempty,url"`
}

type FeedInfoConfig struct {
	PublisherName string `yaml:"publisher_name"`
	PublisherURL  string `yaml:"publisher_url" validate:"omitempty,url"`
	Version       string `yaml:"version"`
	StartDate     string `yaml:"start_date"`
	EndDate       string `yaml:"end_date"`

	// Start and End are resolved by ResolveDates.
	Start time.Time `yaml:"-"`
	End   time.Time `yaml:"-"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// Config is the complete run configuration.
type Config struct {
	Selector       string         `yaml:"selector" validate:"required"`
	Env            Environment    `yaml:"env"`
	OutputFile     string         `yaml:"output_file"`
	Query          QueryConfig    `yaml:"query"`
	Stops          StopsConfig    `yaml:"stops"`
	Agency         AgencyConfig   `yaml:"agency"`
	FeedInfo       FeedInfoConfig `yaml:"feed_info"`
	ScheduleSource string         `yaml:"schedule_source"`
	Cache          CacheConfig    `yaml:"cache"`
	Log            LogConfig      `yaml:"log"`
}

// Defaults returns a Config holding every default value.
func Defaults() Config {
	return Config{
		Env: Development,
		Query: QueryConfig{
			URL:               DefaultOverpassURL,
			TimeoutSeconds:    300,
			RequestsPerMinute: 6,
		},
		Stops: StopsConfig{
			NameWithout:     DefaultNameWithout,
			ProximityRadius: DefaultProximityRadius,
		},
		Cache: CacheConfig{Path: DefaultCachePath},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads, decodes and validates the configuration at path.
// JSON config files are accepted as well since JSON is valid YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config file is invalid: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.fillBlanks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OSM2GTFS_OVERPASS_URL"); v != "" {
		c.Query.URL = v
	}
	if v := os.Getenv("OSM2GTFS_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("OSM2GTFS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// fillBlanks restores defaults that an explicit empty value cleared.
func (c *Config) fillBlanks() {
	d := Defaults()
	if c.Query.URL == "" {
		c.Query.URL = d.Query.URL
	}
	if c.Stops.NameWithout == "" {
		c.Stops.NameWithout = d.Stops.NameWithout
	}
	if c.Stops.ProximityRadius == 0 {
		c.Stops.ProximityRadius = d.Stops.ProximityRadius
	}
	if c.Cache.Path == "" {
		c.Cache.Path = d.Cache.Path
	}
	if c.OutputFile == "" && c.Selector != "" {
		c.OutputFile = c.Selector + ".zip"
	}
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Query.BBox.South >= c.Query.BBox.North {
		return errors.New("config validation failed: query.bbox.s must be below query.bbox.n")
	}
	if _, err := time.LoadLocation(c.Agency.Timezone); err != nil {
		return fmt.Errorf("config validation failed: agency_timezone: %w", err)
	}
	return nil
}

// ResolveDates parses the feed validity period, filling defaults from clk.
// A missing or malformed start date becomes the first day of the current month.
// A missing or malformed end date becomes the last day of the month before the
// start month one year later, or December of the same year for a January start.
func (c *Config) ResolveDates(clk clock.Clock, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "config"))
	}

	start, err := time.Parse(dateLayout, c.FeedInfo.StartDate)
	if c.FeedInfo.StartDate != "" && err != nil {
		logging.LogWarning(logger, "start_date from config file is invalid",
			slog.String("start_date", c.FeedInfo.StartDate))
	}
	if err != nil {
		today := clock.Today(clk)
		start = time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		c.FeedInfo.StartDate = start.Format(dateLayout)
		logging.LogOperation(logger, "using_generated_start_date",
			slog.String("start_date", c.FeedInfo.StartDate))
	}

	end, err := time.Parse(dateLayout, c.FeedInfo.EndDate)
	if c.FeedInfo.EndDate != "" && err != nil {
		logging.LogWarning(logger, "end_date from config file is invalid",
			slog.String("end_date", c.FeedInfo.EndDate))
	}
	if err != nil {
		end = DefaultEndDate(start)
		c.FeedInfo.EndDate = end.Format(dateLayout)
		logging.LogOperation(logger, "using_generated_end_date",
			slog.String("end_date", c.FeedInfo.EndDate))
	}

	c.FeedInfo.Start = start
	c.FeedInfo.End = end
}

// DefaultEndDate returns the end of the one-year validity period beginning at start.
func DefaultEndDate(start time.Time) time.Time {
	year, month := start.Year()+1, start.Month()-1
	if start.Month() == time.January {
		year, month = start.Year(), time.December
	}
	// day 0 of the following month is the last day of month
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
}
