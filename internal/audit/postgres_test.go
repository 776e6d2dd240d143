package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precise-hbr-cdss/internal/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mock.ExpectPing()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS assessment_audit").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func auditRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "patient_ref", "final_score", "category",
		"bleeding_risk_percent", "ruleset_version", "created_at",
	})
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	require.Error(t, err)
}

func TestNewPostgresStore_EnsuresSchema(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Record(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	mock.ExpectExec("INSERT INTO assessment_audit").
		WithArgs(sqlmock.AnyArg(), "Patient/pt-1", 31, "Very HBR", 8.92, "2026.2.0", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &Entry{
		PatientRef:          "Patient/pt-1",
		FinalScore:          31,
		Category:            domain.CategoryVeryHBR,
		BleedingRiskPercent: 8.92,
		RulesetVersion:      "2026.2.0",
	}

	err := store.Record(context.Background(), entry)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID, "ID should be assigned")
	assert.False(t, entry.CreatedAt.IsZero(), "CreatedAt should be set")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordKeepsProvidedID(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	mock.ExpectExec("INSERT INTO assessment_audit").
		WithArgs("fixed-id", "Patient/pt-1", 24, "HBR", 4.07, "2026.2.0", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &Entry{
		ID:                  "fixed-id",
		PatientRef:          "Patient/pt-1",
		FinalScore:          24,
		Category:            domain.CategoryHBR,
		BleedingRiskPercent: 4.07,
		RulesetVersion:      "2026.2.0",
	}

	require.NoError(t, store.Record(context.Background(), entry))
	assert.Equal(t, "fixed-id", entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	created := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, patient_ref, final_score, category").
		WithArgs("entry-1").
		WillReturnRows(auditRows().
			AddRow("entry-1", "Patient/pt-2", 18, "Not high bleeding risk", 2.38, "2026.2.0", created))

	entry, err := store.Get(context.Background(), "entry-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.CategoryNotHBR, entry.Category)
	assert.Equal(t, 2.38, entry.BleedingRiskPercent)
	assert.Equal(t, created, entry.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	mock.ExpectQuery("SELECT id, patient_ref, final_score, category").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	entry, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT id, patient_ref, final_score, category").
		WithArgs(10, 0).
		WillReturnRows(auditRows().
			AddRow("e2", "Patient/pt-1", 27, "Very HBR", 6.13, "2026.2.0", now).
			AddRow("e1", "Patient/pt-1", 23, "HBR", 3.77, "2026.2.0", now.Add(-time.Hour)))

	entries, err := store.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e2", entries[0].ID)
	assert.Equal(t, domain.CategoryHBR, entries[1].Category)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByPatient(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	mock.ExpectQuery("SELECT id, patient_ref, final_score, category").
		WithArgs("Patient/pt-3", 5, 0).
		WillReturnRows(auditRows().
			AddRow("e3", "Patient/pt-3", 25, "HBR", 4.37, "2026.2.0", time.Now()))

	entries, err := store.ListByPatient(context.Background(), "Patient/pt-3", 5, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Patient/pt-3", entries[0].PatientRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Count(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
