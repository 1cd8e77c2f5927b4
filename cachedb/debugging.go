package cachedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"osm2gtfs.dev/internal/logging"
)

// TableCounts returns the row count of every known table.
func (c *Client) TableCounts() (map[string]int, error) {
	rows, err := c.DB.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return nil, fmt.Errorf("failed to query table names: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, c.logger, "database_rows")

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	countQueries := map[string]string{
		"entries": "SELECT COUNT(*) FROM entries",
		"runs":    "SELECT COUNT(*) FROM runs",
	}

	counts := make(map[string]int)
	for _, table := range tables {
		query, ok := countQueries[table]
		if !ok {
			continue
		}
		var count int
		if err := c.DB.QueryRow(query).Scan(&count); err != nil {
			return nil, err
		}
		counts[table] = count
	}
	return counts, nil
}

// Run is one recorded conversion run.
type Run struct {
	ID         string
	Selector   string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    string
}

// StartRun records the beginning of a run.
func (c *Client) StartRun(ctx context.Context, id, selector string) error {
	_, err := c.DB.ExecContext(ctx,
		"INSERT INTO runs (id, selector, started_at) VALUES (?, ?, ?)",
		id, selector, c.clock.Now().Unix())
	if err != nil {
		return fmt.Errorf("error recording run %s: %w", id, err)
	}
	return nil
}

// FinishRun stores the summary of a run begun with StartRun.
func (c *Client) FinishRun(ctx context.Context, id, summary string) error {
	res, err := c.DB.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, summary = ? WHERE id = ?",
		c.clock.Now().Unix(), summary, id)
	if err != nil {
		return fmt.Errorf("error finishing run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// LastRun returns the most recently started run for selector.
func (c *Client) LastRun(ctx context.Context, selector string) (*Run, error) {
	var (
		run      Run
		started  int64
		finished sql.NullInt64
		summary  sql.NullString
	)
	err := c.DB.QueryRowContext(ctx, `
		SELECT id, selector, started_at, finished_at, summary
		FROM runs WHERE selector = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, selector).
		Scan(&run.ID, &run.Selector, &started, &finished, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		run.FinishedAt = time.Unix(finished.Int64, 0).UTC()
	}
	run.Summary = summary.String
	return &run, nil
}
