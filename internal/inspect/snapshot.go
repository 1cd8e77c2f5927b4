package inspect

import (
	"sync"
	"time"

	"osm2gtfs.dev/internal/diag"
	"osm2gtfs.dev/internal/model"
	"osm2gtfs.dev/internal/schedule"
)

// Snapshot is the pipeline state visible to the inspect pages. Any field
// may be nil while the pipeline is still running.
type Snapshot struct {
	Routes      *model.Routes
	Stops       *model.Stops
	Trips       []*schedule.Trip
	Diagnostics []diag.Diagnostic
	Summary     map[string]int
	Cache       *CacheState
}

// CacheState describes the cache database after a run.
type CacheState struct {
	Path    string
	Tables  map[string]int
	Entries []CacheEntry
}

// CacheEntry is one stored key and when it was written.
type CacheEntry struct {
	Key       string
	UpdatedAt time.Time
}

// Store publishes successive snapshots to concurrent readers.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

// Set replaces the current snapshot.
func (s *Store) Set(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

// Update applies fn to the current snapshot under the write lock.
func (s *Store) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}

// Get returns the current snapshot.
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
