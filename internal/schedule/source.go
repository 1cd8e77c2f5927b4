package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/osm"
)

const maxSourceSize = 64 * 1024 * 1024

// IsRemote reports whether source is an http(s) URL.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// LoadSource reads the raw timetable from a local path or a URL.
func LoadSource(ctx context.Context, source string, client *http.Client) ([]byte, error) {
	if source == "" {
		return nil, fmt.Errorf("no schedule source configured")
	}
	if !IsRemote(source) {
		b, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("error reading local schedule file: %w", err)
		}
		return b, nil
	}

	if client == nil {
		client = osm.NewHTTPClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating schedule request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading schedule source: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body,
		slog.Default().With(slog.String("component", "schedule_downloader")),
		"http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download schedule source: received HTTP status %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading schedule source: %w", err)
	}
	if int64(len(b)) > maxSourceSize {
		return nil, fmt.Errorf("schedule source exceeds size limit of %d bytes", maxSourceSize)
	}
	return b, nil
}
