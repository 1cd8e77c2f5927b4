package osm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/metrics"
)

const maxResponseSize = 512 * 1024 * 1024

// Querier runs one Overpass query. *Client implements it; tests substitute fakes.
type Querier interface {
	Query(ctx context.Context, kind, query string) (*Result, error)
}

// Client posts Overpass QL to an interpreter endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithRateLimit allows at most perMinute queries per minute. Zero disables throttling.
func WithRateLimit(perMinute int) ClientOption {
	return func(client *Client) {
		if perMinute <= 0 {
			client.limiter = nil
			return
		}
		client.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
}

// WithMetrics records query outcomes on m.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(client *Client) { client.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// NewHTTPClient returns the HTTP client for Overpass queries and schedule
// downloads. Both can take minutes on large areas.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
}

// NewClient returns a Client for the interpreter at endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: NewHTTPClient(),
		logger:     slog.Default().With(slog.String("component", "overpass_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query posts query and decodes the response. kind labels the query in logs
// and metrics ("routes", "stops", "around").
func (c *Client) Query(ctx context.Context, kind, query string) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for overpass rate limit: %w", err)
		}
	}

	start := time.Now()
	result, err := c.do(ctx, query)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.OverpassQueriesTotal.WithLabelValues(kind, status).Inc()
		c.metrics.StageDuration.WithLabelValues("overpass_" + kind).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		logging.LogError(c.logger, "overpass query failed", err, slog.String("kind", kind))
		return nil, err
	}

	logging.LogOperation(c.logger, "overpass_query_completed",
		slog.String("kind", kind),
		slog.Duration("duration", time.Since(start)),
		slog.Int("nodes", len(result.Nodes)),
		slog.Int("ways", len(result.Ways)),
		slog.Int("relations", len(result.Relations)))
	return result, nil
}

func (c *Client) do(ctx context.Context, query string) (*Result, error) {
	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("error creating overpass request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "osm2gtfs")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error querying overpass: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, c.logger, "http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("overpass query failed: received HTTP status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading overpass response: %w", err)
	}
	if int64(len(body)) > maxResponseSize {
		return nil, fmt.Errorf("overpass response exceeds size limit of %d bytes", maxResponseSize)
	}

	return Decode(body)
}
