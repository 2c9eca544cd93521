// Package store persists fused assessments for downstream consumers.
// Writes are upserts keyed by (subject, window_start): the latest run
// supersedes earlier assessments for the same key, and consumers must
// not infer any ordering beyond that key.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"riskwatch/pkg/fusion"
	"riskwatch/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// AssessmentStore is the Postgres-backed output interface.
type AssessmentStore struct {
	db *sql.DB
}

// NewAssessmentStore wraps an existing connection.
func NewAssessmentStore(db *sql.DB) *AssessmentStore {
	return &AssessmentStore{db: db}
}

// Open dials Postgres and applies pending migrations.
func Open(dsn string) (*AssessmentStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open assessment store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &AssessmentStore{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema migrations.
func (s *AssessmentStore) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Upsert writes one assessment, last-write-wins per (subject,
// window_start).
func (s *AssessmentStore) Upsert(ctx context.Context, a fusion.Assessment) error {
	contributing, err := json.Marshal(a.Contributing)
	if err != nil {
		return fmt.Errorf("marshal contributing: %w", err)
	}
	versions, err := json.Marshal(a.ModelVersions)
	if err != nil {
		return fmt.Errorf("marshal model versions: %w", err)
	}

	const q = `
	INSERT INTO assessments
		(subject, window_start, window_end, tier, tier_rank, confidence,
		 agreement, contributing, model_versions, run_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (subject, window_start) DO UPDATE SET
		window_end = EXCLUDED.window_end,
		tier = EXCLUDED.tier,
		tier_rank = EXCLUDED.tier_rank,
		confidence = EXCLUDED.confidence,
		agreement = EXCLUDED.agreement,
		contributing = EXCLUDED.contributing,
		model_versions = EXCLUDED.model_versions,
		run_id = EXCLUDED.run_id,
		created_at = EXCLUDED.created_at`

	_, err = s.db.ExecContext(ctx, q,
		a.Subject, a.Window.Start, a.Window.End, a.Tier, a.Tier.Rank(), a.Confidence,
		a.Agreement, contributing, versions, a.RunID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert assessment %s %s: %w", a.Subject, a.Window, err)
	}
	return nil
}

// Get returns the assessment for one key, or nil when none exists.
func (s *AssessmentStore) Get(ctx context.Context, subject string, windowStart time.Time) (*fusion.Assessment, error) {
	const q = `
	SELECT subject, window_start, window_end, tier, confidence, agreement,
	       contributing, model_versions, run_id, created_at
	FROM assessments
	WHERE subject = $1 AND window_start = $2`

	row := s.db.QueryRowContext(ctx, q, subject, windowStart)
	a, err := scanAssessment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListByRisk returns assessments for a window ordered riskiest first,
// optionally filtered to at least minTier.
func (s *AssessmentStore) ListByRisk(ctx context.Context, w telemetry.Window, minTier fusion.Tier, limit int) ([]fusion.Assessment, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
	SELECT subject, window_start, window_end, tier, confidence, agreement,
	       contributing, model_versions, run_id, created_at
	FROM assessments
	WHERE window_start = $1 AND tier_rank >= $2
	ORDER BY tier_rank DESC, confidence DESC, subject
	LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, w.Start, minTier.Rank(), limit)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var out []fusion.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row rowScanner) (*fusion.Assessment, error) {
	var a fusion.Assessment
	var contributing, versions []byte
	err := row.Scan(&a.Subject, &a.Window.Start, &a.Window.End, &a.Tier, &a.Confidence,
		&a.Agreement, &contributing, &versions, &a.RunID, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contributing, &a.Contributing); err != nil {
		return nil, fmt.Errorf("unmarshal contributing: %w", err)
	}
	if err := json.Unmarshal(versions, &a.ModelVersions); err != nil {
		return nil, fmt.Errorf("unmarshal model versions: %w", err)
	}
	return &a, nil
}

// Close releases the underlying pool.
func (s *AssessmentStore) Close() error { return s.db.Close() }
