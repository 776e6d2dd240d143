package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/precise-hbr-cdss/internal/domain"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL audit store and ensures the
// schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(pgSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL audit store from a
// connection string.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

const pgSchema = `
	CREATE TABLE IF NOT EXISTS assessment_audit (
		id TEXT PRIMARY KEY,
		patient_ref TEXT NOT NULL,
		final_score INTEGER NOT NULL,
		category TEXT NOT NULL,
		bleeding_risk_percent DOUBLE PRECISION NOT NULL,
		ruleset_version TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_patient_ref ON assessment_audit(patient_ref);
	CREATE INDEX IF NOT EXISTS idx_audit_created_at ON assessment_audit(created_at);
`

// Record appends an assessment entry.
func (s *PostgresStore) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO assessment_audit (
			id, patient_ref, final_score, category,
			bleeding_risk_percent, ruleset_version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.PatientRef,
		entry.FinalScore,
		string(entry.Category),
		entry.BleedingRiskPercent,
		entry.RulesetVersion,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Get retrieves one entry by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	query := `
		SELECT id, patient_ref, final_score, category,
			bleeding_risk_percent, ruleset_version, created_at
		FROM assessment_audit
		WHERE id = $1
		LIMIT 1
	`

	entry := &Entry{}
	var category string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&entry.ID, &entry.PatientRef, &entry.FinalScore, &category,
		&entry.BleedingRiskPercent, &entry.RulesetVersion, &entry.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}

	entry.Category = domain.RiskCategory(category)
	return entry, nil
}

// List returns entries newest first with pagination.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Entry, error) {
	query := `
		SELECT id, patient_ref, final_score, category,
			bleeding_risk_percent, ruleset_version, created_at
		FROM assessment_audit
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListByPatient returns a patient's entries newest first.
func (s *PostgresStore) ListByPatient(ctx context.Context, patientRef string, limit, offset int) ([]*Entry, error) {
	query := `
		SELECT id, patient_ref, final_score, category,
			bleeding_risk_percent, ruleset_version, created_at
		FROM assessment_audit
		WHERE patient_ref = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, patientRef, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		entry := &Entry{}
		var category string

		err := rows.Scan(
			&entry.ID, &entry.PatientRef, &entry.FinalScore, &category,
			&entry.BleedingRiskPercent, &entry.RulesetVersion, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		entry.Category = domain.RiskCategory(category)
		result = append(result, entry)
	}
	return result, rows.Err()
}

// Count returns the total number of entries.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assessment_audit").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return count, nil
}

// pgMaxExportLimit is the maximum number of entries to export at once.
const pgMaxExportLimit = 1000000

// ExportJSON exports the whole trail to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, pgMaxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list audit entries: %w", err)
	}

	export := &TrailExport{
		Version:    "1.0",
		ExportedAt: time.Now(),
		Count:      len(all),
		Entries:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
