package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precise-hbr-cdss/internal/domain"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "audit-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := NewSQLiteStore(filepath.Join(tmpDir, "audit.db"))
	require.NoError(t, err)
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "audit-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "nested", "audit.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
}

func TestSQLiteStore_Record(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	ctx := context.Background()

	entry := &Entry{
		PatientRef:          "Patient/pt-1",
		FinalScore:          31,
		Category:            domain.CategoryVeryHBR,
		BleedingRiskPercent: 8.92,
		RulesetVersion:      "2026.2.0",
	}

	err := store.Record(ctx, entry)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID, "ID should be assigned")
	assert.False(t, entry.CreatedAt.IsZero(), "CreatedAt should be set")
}

func TestSQLiteStore_Get(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	ctx := context.Background()

	entry := &Entry{
		PatientRef:          "Patient/pt-2",
		FinalScore:          18,
		Category:            domain.CategoryNotHBR,
		BleedingRiskPercent: 2.38,
		RulesetVersion:      "2026.2.0",
	}
	require.NoError(t, store.Record(ctx, entry))

	retrieved, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.Equal(t, entry.PatientRef, retrieved.PatientRef)
	assert.Equal(t, 18, retrieved.FinalScore)
	assert.Equal(t, domain.CategoryNotHBR, retrieved.Category)
	assert.Equal(t, 2.38, retrieved.BleedingRiskPercent)
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	retrieved, err := store.Get(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, retrieved)
}

func TestSQLiteStore_List(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		entry := &Entry{
			PatientRef:          "Patient/pt-list",
			FinalScore:          20 + i,
			Category:            domain.CategoryNotHBR,
			BleedingRiskPercent: 3.0,
			RulesetVersion:      "2026.2.0",
			CreatedAt:           base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.Record(ctx, entry))
	}

	entries, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 22, entries[0].FinalScore, "newest entry should come first")

	page, err := store.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 20, page[0].FinalScore)
}

func TestSQLiteStore_ListByPatient(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	ctx := context.Background()

	for _, ref := range []string{"Patient/a", "Patient/b", "Patient/a"} {
		entry := &Entry{
			PatientRef:          ref,
			FinalScore:          25,
			Category:            domain.CategoryHBR,
			BleedingRiskPercent: 4.5,
			RulesetVersion:      "2026.2.0",
		}
		require.NoError(t, store.Record(ctx, entry))
	}

	entries, err := store.ListByPatient(ctx, "Patient/a", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = store.ListByPatient(ctx, "Patient/c", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLiteStore_Count(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	ctx := context.Background()

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, store.Record(ctx, &Entry{
		PatientRef:          "Patient/pt-c",
		FinalScore:          24,
		Category:            domain.CategoryHBR,
		BleedingRiskPercent: 4.07,
		RulesetVersion:      "2026.2.0",
	}))

	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSQLiteStore_ExportJSON(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	ctx := context.Background()

	require.NoError(t, store.Record(ctx, &Entry{
		PatientRef:          "Patient/pt-e",
		FinalScore:          29,
		Category:            domain.CategoryVeryHBR,
		BleedingRiskPercent: 7.33,
		RulesetVersion:      "2026.2.0",
	}))

	var buf bytes.Buffer
	require.NoError(t, store.ExportJSON(ctx, &buf))

	var export TrailExport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &export))
	assert.Equal(t, "1.0", export.Version)
	assert.Equal(t, 1, export.Count)
	require.Len(t, export.Entries, 1)
	assert.Equal(t, "Patient/pt-e", export.Entries[0].PatientRef)
}
