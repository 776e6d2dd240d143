// Package audit persists a trail of completed bleeding-risk assessments.
// Entries are append-only: a recorded assessment is never updated or
// deleted, so the trail stays a faithful account of what the engine
// reported and under which ruleset version.
package audit

import (
	"context"
	"io"
	"time"

	"github.com/precise-hbr-cdss/internal/domain"
)

// Entry is one recorded assessment.
type Entry struct {
	ID                  string              `json:"id"`
	PatientRef          string              `json:"patient_ref"`
	FinalScore          int                 `json:"final_score"`
	Category            domain.RiskCategory `json:"category"`
	BleedingRiskPercent float64             `json:"bleeding_risk_percent"`
	RulesetVersion      string              `json:"ruleset_version"`
	CreatedAt           time.Time           `json:"created_at"`
}

// Store defines the interface for audit trail storage.
type Store interface {
	// Record appends an assessment entry. A missing ID is assigned.
	Record(ctx context.Context, entry *Entry) error

	// Get retrieves one entry by ID. Returns nil when not found.
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns entries newest first with pagination.
	List(ctx context.Context, limit, offset int) ([]*Entry, error)

	// ListByPatient returns a patient's entries newest first.
	ListByPatient(ctx context.Context, patientRef string, limit, offset int) ([]*Entry, error)

	// Count returns the total number of entries.
	Count(ctx context.Context) (int64, error)

	// ExportJSON exports the whole trail to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// Close closes the store and releases resources.
	Close() error
}

// TrailExport is the JSON export format.
type TrailExport struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Entries    []*Entry  `json:"entries"`
}
