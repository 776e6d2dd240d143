package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precise-hbr-cdss/internal/domain"
)

func obsAt(value float64, unit string, effective *time.Time) domain.ObservationRecord {
	return domain.ObservationRecord{
		Value:     &domain.Quantity{Value: &value, Unit: unit},
		Effective: effective,
	}
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestMostRecent(t *testing.T) {
	old := obsAt(10, "g/dl", ts("2024-01-01T00:00:00Z"))
	newer := obsAt(11, "g/dl", ts("2025-06-01T00:00:00Z"))
	undated := obsAt(12, "g/dl", nil)

	tests := []struct {
		name    string
		records []domain.ObservationRecord
		want    float64
		found   bool
	}{
		{
			name:    "empty candidate set",
			records: nil,
			found:   false,
		},
		{
			name:    "single candidate wins",
			records: []domain.ObservationRecord{old},
			want:    10,
			found:   true,
		},
		{
			name:    "latest timestamp wins regardless of order",
			records: []domain.ObservationRecord{old, newer},
			want:    11,
			found:   true,
		},
		{
			name:    "missing timestamp sorts oldest",
			records: []domain.ObservationRecord{undated, old},
			want:    10,
			found:   true,
		},
		{
			name:    "all undated keeps first",
			records: []domain.ObservationRecord{undated, obsAt(13, "g/dl", nil)},
			want:    12,
			found:   true,
		},
		{
			name: "tied timestamps keep input order",
			records: []domain.ObservationRecord{
				obsAt(14, "g/dl", ts("2025-06-01T00:00:00Z")),
				obsAt(15, "g/dl", ts("2025-06-01T00:00:00Z")),
			},
			want:  14,
			found: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, ok := MostRecent(tt.records)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				require.NotNil(t, obs.Value)
				require.NotNil(t, obs.Value.Value)
				assert.Equal(t, tt.want, *obs.Value.Value)
			}
		})
	}
}

func TestResolveLabValue(t *testing.T) {
	rule := hemoglobinRule()

	t.Run("converts winning candidate", func(t *testing.T) {
		records := []domain.ObservationRecord{
			obsAt(100, "g/l", ts("2024-01-01T00:00:00Z")),
			obsAt(120, "g/l", ts("2025-01-01T00:00:00Z")),
		}

		value, obs, ok := ResolveLabValue(records, rule)
		require.True(t, ok)
		assert.InDelta(t, 12.0, value, 1e-9)
		assert.Equal(t, ts("2025-01-01T00:00:00Z").Unix(), obs.Effective.Unix())
	})

	t.Run("unusable winner is not replaced by older usable one", func(t *testing.T) {
		records := []domain.ObservationRecord{
			obsAt(12, "g/dl", ts("2024-01-01T00:00:00Z")),
			obsAt(120, "parsecs", ts("2025-01-01T00:00:00Z")),
		}

		_, _, ok := ResolveLabValue(records, rule)
		assert.False(t, ok)
	})

	t.Run("empty set", func(t *testing.T) {
		_, _, ok := ResolveLabValue(nil, rule)
		assert.False(t, ok)
	})
}
