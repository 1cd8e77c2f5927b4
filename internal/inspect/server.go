// Package inspect serves a development-only view of the conversion state.
package inspect

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"osm2gtfs.dev/internal/appconf"
	"osm2gtfs.dev/internal/geo"
	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/metrics"
	"osm2gtfs.dev/internal/osm"
	"osm2gtfs.dev/internal/schedule"
)

//go:embed debug.html
var templateFS embed.FS

var debugTemplate = template.Must(template.ParseFS(templateFS, "debug.html"))

var dataTypes = []string{"lines", "itineraries", "stops", "stations", "trips", "diagnostics", "summary"}

var dumper = spew.ConfigState{
	Indent:                  "  ",
	MaxDepth:                5,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// Server renders Store snapshots over HTTP.
type Server struct {
	env     appconf.Environment
	store   *Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewServer returns a Server. Every route answers 404 when env is Production.
func NewServer(env appconf.Environment, store *Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = &Store{}
	}
	return &Server{
		env:     env,
		store:   store,
		metrics: m,
		logger:  logger.With(slog.String("component", "inspect_server")),
	}
}

// Handler returns the routed handler wrapped in request id and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /debug", s.debugHandler)
	mux.HandleFunc("GET /shape", s.shapeHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	var h http.Handler = mux
	h = s.productionGuard(h)
	h = requestLogging(s.logger)(h)
	return requestID(h)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.LogOperation(s.logger, "inspect_server_started", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.LogError(s.logger, "inspect server shutdown failed", err)
			return err
		}
		logging.LogOperation(s.logger, "inspect_server_stopped")
		return nil
	}
}

func (s *Server) productionGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.env == appconf.Production {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type debugData struct {
	Title string
	Pre   string
	Types []string
}

func (s *Server) writeDebugData(w http.ResponseWriter, title string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := debugTemplate.Execute(w, debugData{Title: title, Pre: dumper.Sdump(data), Types: dataTypes})
	if err != nil {
		logging.LogError(s.logger, "failed to execute debug template", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) debugHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Get()

	var data any
	var title string
	switch r.URL.Query().Get("dataType") {
	case "lines":
		title = "Lines"
		if snap.Routes != nil {
			data = snap.Routes.Lines
		}
	case "itineraries":
		title = "Itineraries"
		if snap.Routes != nil {
			data = snap.Routes.Itineraries()
		}
	case "stops":
		title = "Stops"
		if snap.Stops != nil {
			stops := make([]any, 0, len(snap.Stops.Order))
			for _, ref := range snap.Stops.Order {
				stops = append(stops, snap.Stops.Regular[ref])
			}
			data = stops
		}
	case "stations":
		title = "Stations"
		if snap.Stops != nil {
			stations := make([]any, 0, len(snap.Stops.StationOrder))
			for _, ref := range snap.Stops.StationOrder {
				stations = append(stations, snap.Stops.Stations[ref])
			}
			data = stations
		}
	case "trips":
		title = "Trips"
		data = tripViews(snap)
	case "diagnostics":
		title = "Diagnostics"
		data = snap.Diagnostics
	case "summary":
		title = "Summary"
		data = snap.Summary
	case "cache":
		title = "Cache"
		data = snap.Cache
	default:
		title = "Choose a data type"
		data = map[string]string{
			"error": "Please use one of the following: lines, itineraries, stops, stations, trips, diagnostics, summary, cache.",
		}
	}
	s.writeDebugData(w, title, data)
}

type tripView struct {
	ID        string
	Line      string
	Itinerary string
	Service   string
	Headsign  string
	Calls     []string
}

// tripViews flattens trips so the dump does not repeat the whole line per trip.
func tripViews(snap Snapshot) []tripView {
	out := make([]tripView, 0, len(snap.Trips))
	for _, t := range snap.Trips {
		v := tripView{ID: t.ID, Headsign: t.Headsign}
		if t.Line != nil {
			v.Line = t.Line.Ref()
		}
		if t.Itinerary != nil {
			v.Itinerary = t.Itinerary.Ref()
		}
		if t.Service != nil {
			v.Service = t.Service.Id
		}
		for _, st := range t.StopTimes {
			call := st.Stop.Name + " " + schedule.FormatClock(st.Arrival)
			if !st.Exact {
				call += " ~"
			}
			v.Calls = append(v.Calls, call)
		}
		out = append(out, v)
	}
	return out
}

type shapeResponse struct {
	Itinerary string       `json:"itinerary"`
	Name      string       `json:"name"`
	Points    [][2]float64 `json:"points"`
	Polyline  string       `json:"polyline"`
	Length    float64      `json:"length_m"`
}

func (s *Server) shapeHandler(w http.ResponseWriter, r *http.Request) {
	locator := r.URL.Query().Get("itinerary")
	kind, id, err := osm.ParseLocator(locator)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	snap := s.store.Get()
	if snap.Routes != nil {
		for _, it := range snap.Routes.Itineraries() {
			if it.Kind != kind || it.ID != id {
				continue
			}
			resp := shapeResponse{
				Itinerary: it.Ref(),
				Name:      it.Name,
				Points:    make([][2]float64, len(it.Shape)),
				Polyline:  geo.EncodePolyline(it.Shape),
				Length:    geo.PathLength(it.Shape),
			}
			for i, p := range it.Shape {
				resp.Points[i] = [2]float64{p.Lat, p.Lon}
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "no itinerary " + locator})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type contextKey string

const requestIDKey contextKey = "request_id"

var validRequestID = regexp.MustCompile(`^[a-zA-Z0-9-._:]+$`)

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 || !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(logging.WithLogger(r.Context(), logger)))

			id, _ := r.Context().Value(requestIDKey).(string)
			logging.LogHTTPRequest(logger, r.Method, r.URL.Path, wrapped.status,
				float64(time.Since(start).Nanoseconds())/1e6,
				slog.String("request_id", id))
		})
	}
}
