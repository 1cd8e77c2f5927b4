// Package diag collects the data-quality findings of a run.
//
// Every finding is logged, counted, and kept so it can be listed in the
// inspect UI after the run.
package diag

import (
	"fmt"
	"log/slog"
	"sync"

	"osm2gtfs.dev/internal/logging"
	"osm2gtfs.dev/internal/metrics"
)

// Kind names a class of finding.
type Kind string

const (
	Discontinuity    Kind = "discontinuity"
	ReusedVariant    Kind = "reused_variant"
	InvalidMember    Kind = "invalid_member"
	MissingRef       Kind = "missing_ref"
	RefBackfilled    Kind = "ref_backfilled"
	RefMismatch      Kind = "ref_mismatch"
	RefCollision     Kind = "ref_collision"
	NoItineraries    Kind = "no_itineraries"
	OrphanVariant    Kind = "orphan_variant"
	UnknownVehicle   Kind = "unknown_vehicle"
	InvalidColour    Kind = "invalid_colour"
	InvalidStop      Kind = "invalid_stop"
	MissingMember    Kind = "missing_member"
	SingletonStation Kind = "singleton_station"
	EmptyStation     Kind = "empty_station"
	UnnamedStation   Kind = "unnamed_station"
	ParentConflict   Kind = "parent_conflict"
	ScheduleMissing  Kind = "schedule_missing"
	EndpointRejected Kind = "endpoint_rejected"
	UnknownService   Kind = "unknown_service"
	UnresolvedStop   Kind = "unresolved_stop"
	EmptyQuery       Kind = "empty_query"
)

// Severity separates recoverable findings from those that drop data.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is one finding about one element.
type Diagnostic struct {
	Kind     Kind
	Severity Severity
	// Subject is the locator of the element at fault.
	Subject string
	// Related lists other elements involved, e.g. the owner of a reused variant.
	Related []string
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s %s: %s", d.Severity, d.Kind, d.Subject, d.Message)
}

// Collector records diagnostics. It is safe for concurrent use; a nil
// Collector discards everything.
type Collector struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	items []Diagnostic
}

// NewCollector returns a Collector that logs to logger and counts into m.
// Either may be nil.
func NewCollector(logger *slog.Logger, m *metrics.Metrics) *Collector {
	return &Collector{logger: logger, metrics: m}
}

// Record stores d.
func (c *Collector) Record(d Diagnostic) {
	if c == nil {
		return
	}
	if d.Severity == "" {
		d.Severity = SeverityWarning
	}

	c.mu.Lock()
	c.items = append(c.items, d)
	c.mu.Unlock()

	c.metrics.ObserveDiagnostic(string(d.Kind))

	attrs := []any{
		slog.String("kind", string(d.Kind)),
		slog.String("subject", d.Subject),
	}
	if len(d.Related) > 0 {
		attrs = append(attrs, slog.Any("related", d.Related))
	}
	if d.Severity == SeverityError {
		logging.LogError(c.logger, d.Message, fmt.Errorf("%s", d.Kind), attrs...)
		return
	}
	logging.LogWarning(c.logger, d.Message, attrs...)
}

// Warn records a warning about subject.
func (c *Collector) Warn(kind Kind, subject, message string, related ...string) {
	c.Record(Diagnostic{Kind: kind, Severity: SeverityWarning, Subject: subject, Related: related, Message: message})
}

// Error records an error about subject.
func (c *Collector) Error(kind Kind, subject, message string, related ...string) {
	c.Record(Diagnostic{Kind: kind, Severity: SeverityError, Subject: subject, Related: related, Message: message})
}

// All returns a copy of every recorded diagnostic, in record order.
func (c *Collector) All() []Diagnostic {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.items))
	copy(out, c.items)
	return out
}

// Count returns how many diagnostics of kind were recorded.
func (c *Collector) Count(kind Kind) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.items {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// Of returns the diagnostics of kind.
func (c *Collector) Of(kind Kind) []Diagnostic {
	var out []Diagnostic
	for _, d := range c.All() {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Summary counts diagnostics per kind.
func (c *Collector) Summary() map[Kind]int {
	out := map[Kind]int{}
	for _, d := range c.All() {
		out[d.Kind]++
	}
	return out
}
