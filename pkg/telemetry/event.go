// Package telemetry defines the raw activity event model shared by the
// feature extraction and correlation layers. Events are produced by the
// ingestion pipeline and are read-only here.
package telemetry

import (
	"fmt"
	"time"
)

// EventKind classifies a raw activity event.
type EventKind string

const (
	KindLogin  EventKind = "login"
	KindAccess EventKind = "access"
	KindLogout EventKind = "logout"
)

// Outcome is the result of the attempted action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// SubjectStatus is the HR/employment state of a subject, sourced from
// the identity system of record.
type SubjectStatus string

const (
	StatusActive     SubjectStatus = "active"
	StatusTerminated SubjectStatus = "terminated"
	StatusSuspended  SubjectStatus = "suspended"
)

// Geo carries coarse geolocation attached to an event by ingestion.
type Geo struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
}

// Event is a single activity record for one subject. Immutable and
// append-only; this package never writes events.
type Event struct {
	Subject    string    `json:"subject"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       EventKind `json:"kind"`
	SourceAddr string    `json:"source_addr"`
	Location   Geo       `json:"location"`
	Outcome    Outcome   `json:"outcome"`
	Resource   string    `json:"resource"`
}

// Window is a half-open time interval [Start, End) over which behavior
// is aggregated. All scoring is keyed by (subject, window).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow returns the window of the given size containing t, aligned
// to size boundaries in UTC.
func NewWindow(t time.Time, size time.Duration) Window {
	start := t.UTC().Truncate(size)
	return Window{Start: start, End: start.Add(size)}
}

// Contains reports whether t falls inside the half-open interval.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Prev returns the immediately preceding window of the same size.
func (w Window) Prev() Window {
	d := w.Duration()
	return Window{Start: w.Start.Add(-d), End: w.Start}
}

// Key is the canonical storage key for the window, used together with
// the subject identifier.
func (w Window) Key() string {
	return fmt.Sprintf("%d-%d", w.Start.Unix(), w.End.Unix())
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
