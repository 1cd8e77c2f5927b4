// Package cachedb persists intermediate conversion data between runs in a
// SQLite database.
package cachedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver

	"osm2gtfs.dev/internal/appconf"
	"osm2gtfs.dev/internal/clock"
	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/metrics"
)

const encodingZstdJSON = "zstd+json"

// ErrNotFound is returned by Load when a key holds no entry.
var ErrNotFound = errors.New("cache entry not found")

// Config configures a Client.
type Config struct {
	DBPath  string
	Env     appconf.Environment
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Client is a key/value cache of JSON documents stored zstd-compressed.
type Client struct {
	config  Config
	DB      *sql.DB
	logger  *slog.Logger
	clock   clock.Clock
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewClient opens the database at config.DBPath and applies the schema.
func NewClient(config Config) (*Client, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "cachedb"))

	db, err := createDB(config, logger)
	if err != nil {
		return nil, fmt.Errorf("unable to create DB: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		_ = encoder.Close()
		return nil, fmt.Errorf("unable to create zstd decoder: %w", err)
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Client{
		config:  config,
		DB:      db,
		logger:  logger,
		clock:   clk,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (c *Client) Close() error {
	c.decoder.Close()
	encErr := c.encoder.Close()
	return errors.Join(c.DB.Close(), encErr)
}

func (c *Client) GetDBPath() string {
	return c.config.DBPath
}

// Get decodes the entry stored under key into v. An absent or empty entry
// reports false with a nil error.
func (c *Client) Get(ctx context.Context, key string, v any) (bool, error) {
	err := c.Load(ctx, key, v)
	switch {
	case err == nil:
		c.config.Metrics.ObserveCache("hit")
		return true, nil
	case errors.Is(err, ErrNotFound):
		c.config.Metrics.ObserveCache("miss")
		return false, nil
	default:
		return false, err
	}
}

// Load is Get returning ErrNotFound for an absent or empty entry.
func (c *Client) Load(ctx context.Context, key string, v any) error {
	var payload []byte
	var encoding string
	err := c.DB.QueryRowContext(ctx,
		"SELECT payload, encoding FROM entries WHERE key = ?", key).Scan(&payload, &encoding)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(payload) == 0) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("error reading cache entry %q: %w", key, err)
	}
	if encoding != encodingZstdJSON {
		return fmt.Errorf("cache entry %q has unsupported encoding %q", key, encoding)
	}

	raw, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		return fmt.Errorf("error decompressing cache entry %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("error decoding cache entry %q: %w", key, err)
	}
	c.logger.Debug("cache_entry_loaded", slog.String("key", key), slog.Int("bytes", len(payload)))
	return nil
}

// Put stores v under key, replacing any previous entry.
func (c *Client) Put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding cache entry %q: %w", key, err)
	}
	payload := c.encoder.EncodeAll(raw, nil)

	_, err = c.DB.ExecContext(ctx, `
		INSERT INTO entries (key, payload, encoding, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			encoding = excluded.encoding,
			updated_at = excluded.updated_at`,
		key, payload, encodingZstdJSON, c.clock.Now().Unix())
	if err != nil {
		return fmt.Errorf("error writing cache entry %q: %w", key, err)
	}
	logging.LogOperation(c.logger, "cache_entry_stored",
		slog.String("key", key),
		slog.Int("raw_bytes", len(raw)),
		slog.Int("stored_bytes", len(payload)))
	return nil
}

// Delete removes the entry under key. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if _, err := c.DB.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("error deleting cache entry %q: %w", key, err)
	}
	return nil
}

// UpdatedAt returns when key was last written.
func (c *Client) UpdatedAt(ctx context.Context, key string) (time.Time, error) {
	var ts int64
	err := c.DB.QueryRowContext(ctx, "SELECT updated_at FROM entries WHERE key = ?", key).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts, 0).UTC(), nil
}

// Keys lists the stored keys in sorted order.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, "SELECT key FROM entries ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
