// Package clock abstracts the wall clock so feed validity periods can be
// computed deterministically in tests.
package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Clock provides the current time.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time
}

// Today truncates c.Now() to midnight in its own location.
func Today(c Clock) time.Time {
	n := c.Now()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, n.Location())
}

// RealClock reads the system clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock is a settable, goroutine-safe clock for tests.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock returns a MockClock frozen at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the frozen time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set replaces the frozen time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the frozen time by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// EnvironmentClock takes its time from an environment variable, then a file,
// then the system clock. It lets integration runs pin the feed period.
type EnvironmentClock struct {
	envVar   string
	filePath string
	location *time.Location
}

// NewEnvironmentClock returns a clock reading envVar and filePath on each call.
func NewEnvironmentClock(envVar, filePath string, location *time.Location) *EnvironmentClock {
	if location == nil {
		location = time.UTC
	}
	return &EnvironmentClock{envVar: envVar, filePath: filePath, location: location}
}

// Now returns the pinned time, or the system time when nothing is pinned.
func (e *EnvironmentClock) Now() time.Time {
	if e.envVar != "" {
		if v := os.Getenv(e.envVar); v != "" {
			if t, err := e.parse(v); err == nil {
				return t
			}
		}
	}
	if e.filePath != "" {
		if data, err := os.ReadFile(e.filePath); err == nil {
			if t, err := e.parse(string(data)); err == nil {
				return t
			}
		}
	}
	slog.Debug("environment clock not pinned, using system time",
		slog.String("env_var", e.envVar), slog.String("file_path", e.filePath))
	return time.Now().In(e.location)
}

var layouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"20060102",
}

func (e *EnvironmentClock) parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, e.location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time %q", s)
}
