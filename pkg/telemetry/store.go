package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// EventStore provides read-only, scoped access to the event table owned
// by the ingestion pipeline. Queries are always bounded by subject
// and/or time range; full scans are not part of the contract.
type EventStore struct {
	db *sql.DB
}

// NewEventStore wraps an existing connection. The caller owns the pool.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// OpenEventStore dials Postgres with conservative pool settings.
func OpenEventStore(dsn string) (*EventStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &EventStore{db: db}, nil
}

// Ping verifies connectivity before a run starts.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EventsFor returns all events for one subject within the window,
// ordered by timestamp ascending.
func (s *EventStore) EventsFor(ctx context.Context, subject string, w Window) ([]Event, error) {
	const q = `
	SELECT subject, timestamp, kind, source_addr, latitude, longitude, country, city, outcome, resource
	FROM events
	WHERE subject = $1 AND timestamp >= $2 AND timestamp < $3
	ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, q, subject, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", subject, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Subject, &e.Timestamp, &e.Kind, &e.SourceAddr,
			&e.Location.Latitude, &e.Location.Longitude, &e.Location.Country, &e.Location.City,
			&e.Outcome, &e.Resource); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ActiveSubjects lists subjects with at least one event in the window.
func (s *EventStore) ActiveSubjects(ctx context.Context, w Window) ([]string, error) {
	const q = `
	SELECT DISTINCT subject FROM events
	WHERE timestamp >= $1 AND timestamp < $2
	ORDER BY subject`

	rows, err := s.db.QueryContext(ctx, q, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("query active subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subj string
		if err := rows.Scan(&subj); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, subj)
	}
	return subjects, rows.Err()
}

// SubjectStatus returns the HR status for a subject. Unknown subjects
// default to active so that a missing HR record never triggers the
// terminated-subject override on its own.
func (s *EventStore) SubjectStatus(ctx context.Context, subject string) (SubjectStatus, error) {
	const q = `SELECT status FROM subjects WHERE subject = $1`

	var status SubjectStatus
	err := s.db.QueryRowContext(ctx, q, subject).Scan(&status)
	if err == sql.ErrNoRows {
		return StatusActive, nil
	}
	if err != nil {
		return "", fmt.Errorf("query status for %s: %w", subject, err)
	}
	return status, nil
}

// KnownBadSources loads the current threat-intel indicator set: source
// addresses flagged by the intel feed. Consumption contract only; feed
// acquisition lives elsewhere.
func (s *EventStore) KnownBadSources(ctx context.Context) (map[string]struct{}, error) {
	const q = `SELECT indicator_value FROM threat_intel WHERE indicator_type = 'source_addr'`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query threat intel: %w", err)
	}
	defer rows.Close()

	bad := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan indicator: %w", err)
		}
		bad[v] = struct{}{}
	}
	return bad, rows.Err()
}

// Close releases the underlying pool.
func (s *EventStore) Close() error { return s.db.Close() }
