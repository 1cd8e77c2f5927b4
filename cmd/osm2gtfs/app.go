package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"osm2gtfs.dev/cachedb"
	"osm2gtfs.dev/internal/app"
	"osm2gtfs.dev/internal/appconf"
	"osm2gtfs.dev/internal/clock"
	"osm2gtfs.dev/internal/inspect"
	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/metrics"
	"osm2gtfs.dev/internal/osm"
)

const defaultConfigPath = "config.yaml"

// Options are the parsed command line flags.
type Options struct {
	ConfigPath string
	Output     string
	// Refresh is one of the app.RefreshFor options.
	Refresh    string
	Inspect    string
	DumpConfig bool
}

var refreshFlags = []struct {
	name, option, usage string
}{
	{"refresh-routes", "routes", "query routes again instead of using the cache"},
	{"refresh-stops", "stops", "query stops again instead of using the cache"},
	{"refresh-osm", "osm", "query routes and stops again"},
	{"refresh-schedule-source", "schedule-source", "load the schedule source again"},
	{"refresh-all", "all", "bypass every cache entry"},
}

func parseFlags(args []string, stderr io.Writer) (Options, error) {
	var opts Options
	fs := flag.NewFlagSet("osm2gtfs", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.ConfigPath, "config", defaultConfigPath, "path to the configuration file")
	fs.StringVar(&opts.ConfigPath, "c", defaultConfigPath, "shorthand for --config")
	fs.StringVar(&opts.Output, "output", "", "GTFS zip to write (overrides output_file)")
	fs.StringVar(&opts.Output, "o", "", "shorthand for --output")
	fs.StringVar(&opts.Inspect, "inspect", "", "serve the debug pages on this address, e.g. :8080")
	fs.BoolVar(&opts.DumpConfig, "dump-config", false, "print the resolved configuration and exit")

	refresh := make([]bool, len(refreshFlags))
	for i, f := range refreshFlags {
		fs.BoolVar(&refresh[i], f.name, false, f.usage)
	}

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	for i, set := range refresh {
		if !set {
			continue
		}
		if opts.Refresh != "" {
			return Options{}, errors.New("refresh options are mutually exclusive")
		}
		opts.Refresh = refreshFlags[i].option
	}
	return opts, nil
}

// createClock returns the clock for env. The test environment reads a fake
// time from OSM2GTFS_FAKETIME or /etc/faketimerc.
func createClock(env appconf.Environment) clock.Clock {
	switch env {
	case appconf.Test:
		return clock.NewEnvironmentClock("OSM2GTFS_FAKETIME", "/etc/faketimerc", time.UTC)
	default:
		return clock.RealClock{}
	}
}

// BuildLogger returns the JSON logger configured by cfg and the log file to
// close when done, if any.
func BuildLogger(cfg *appconf.Config, stdout io.Writer) (*slog.Logger, io.Closer) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File == "" {
		return logging.NewStructuredLogger(stdout, level), nil
	}
	file := logging.NewFileWriter(cfg.Log.File, 10, 3)
	return logging.NewStructuredLogger(io.MultiWriter(stdout, file), level), file
}

// BuildApplication creates the cache, the Overpass client and the
// Application using them. The returned cleanup closes the cache.
func BuildApplication(cfg *appconf.Config, logger *slog.Logger) (*app.Application, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	clk := createClock(cfg.Env)
	m := metrics.NewWithLogger(logger)

	if cfg.Cache.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	cache, err := cachedb.NewClient(cachedb.Config{
		DBPath:  cfg.Cache.Path,
		Env:     cfg.Env,
		Metrics: m,
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}
	logging.LogOperation(logger, "cache_opened", slog.String("path", cache.GetDBPath()))

	httpClient := osm.NewHTTPClient()
	overpass := osm.NewClient(cfg.Query.URL,
		osm.WithHTTPClient(httpClient),
		osm.WithRateLimit(cfg.Query.RequestsPerMinute),
		osm.WithMetrics(m),
		osm.WithLogger(logger),
	)

	application := app.New(cfg, logger, clk, m, cache, overpass)
	application.HTTPClient = httpClient
	cleanup := func() {
		logging.SafeCloseWithLogging(cache, logger, "cache_database")
	}
	return application, cleanup, nil
}

func dumpConfig(cfg *appconf.Config, w io.Writer) error {
	cfg.ResolveDates(createClock(cfg.Env), slog.New(slog.NewTextHandler(io.Discard, nil)))
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}

// Run loads the configuration and converts once. With an inspect address
// the debug server keeps running after the conversion until ctx ends.
func Run(ctx context.Context, opts Options, stdout io.Writer) error {
	refresh, err := app.RefreshFor(opts.Refresh)
	if err != nil {
		return err
	}

	cfg, err := appconf.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Output != "" {
		cfg.OutputFile = opts.Output
	}
	if opts.DumpConfig {
		return dumpConfig(cfg, stdout)
	}

	logger, logFile := BuildLogger(cfg, stdout)
	if logFile != nil {
		defer logging.SafeCloseWithLogging(logFile, logger, "log_file")
	}

	application, cleanup, err := BuildApplication(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	serveCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverDone := make(chan error, 1)
	if opts.Inspect != "" {
		srv := inspect.NewServer(cfg.Env, application.Inspect, application.Metrics, logger)
		go func() { serverDone <- srv.Serve(serveCtx, opts.Inspect) }()
	}

	if _, err := application.Run(ctx, refresh, cfg.OutputFile); err != nil {
		return err
	}
	if opts.Inspect == "" {
		return nil
	}

	logging.LogOperation(logger, "inspect_server_waiting", slog.String("addr", opts.Inspect))
	select {
	case err := <-serverDone:
		return err
	case <-ctx.Done():
		stopServer()
		return <-serverDone
	}
}
