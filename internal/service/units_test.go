package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/precise-hbr-cdss/internal/domain"
	"github.com/precise-hbr-cdss/internal/ruleset"
)

func hemoglobinRule() ruleset.LabRule {
	return ruleset.LabRule{
		Unit: "g/dl",
		Factors: map[string]float64{
			"g/l":    0.1,
			"mmol/l": 1.61135,
			"mg/dl":  0.001,
		},
	}
}

func obsWithValue(value float64, unit string) domain.ObservationRecord {
	return domain.ObservationRecord{Value: &domain.Quantity{Value: &value, Unit: unit}}
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name       string
		obs        domain.ObservationRecord
		wantValue  float64
		wantStatus UnitStatus
	}{
		{
			name:       "canonical unit passes through",
			obs:        obsWithValue(13.2, "g/dl"),
			wantValue:  13.2,
			wantStatus: UnitMatched,
		},
		{
			name:       "case-insensitive canonical match",
			obs:        obsWithValue(13.2, "g/dL"),
			wantValue:  13.2,
			wantStatus: UnitMatched,
		},
		{
			name:       "blank unit assumes canonical",
			obs:        obsWithValue(12.0, ""),
			wantValue:  12.0,
			wantStatus: UnitAssumed,
		},
		{
			name:       "whitespace-only unit assumes canonical",
			obs:        obsWithValue(12.0, "   "),
			wantValue:  12.0,
			wantStatus: UnitAssumed,
		},
		{
			name:       "conversion factor applied",
			obs:        obsWithValue(132, "g/L"),
			wantValue:  13.2,
			wantStatus: UnitConverted,
		},
		{
			name:       "mmol conversion",
			obs:        obsWithValue(8.0, "mmol/L"),
			wantValue:  12.8908,
			wantStatus: UnitConverted,
		},
		{
			name:       "unknown unit is unusable",
			obs:        obsWithValue(13.2, "furlongs"),
			wantStatus: UnitUnrecognized,
		},
		{
			name:       "no value quantity",
			obs:        domain.ObservationRecord{},
			wantStatus: UnitAbsent,
		},
		{
			name:       "quantity without numeric value",
			obs:        domain.ObservationRecord{Value: &domain.Quantity{Unit: "g/dl"}},
			wantStatus: UnitAbsent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, status := NormalizeValue(tt.obs, hemoglobinRule())
			assert.Equal(t, tt.wantStatus, status)
			if status.Usable() {
				assert.InDelta(t, tt.wantValue, value, 1e-9)
			}
		})
	}
}

func TestUnitStatusUsable(t *testing.T) {
	assert.True(t, UnitMatched.Usable())
	assert.True(t, UnitAssumed.Usable())
	assert.True(t, UnitConverted.Usable())
	assert.False(t, UnitAbsent.Usable())
	assert.False(t, UnitUnrecognized.Usable())
}

func TestNormalizeValueCreatinineMicromole(t *testing.T) {
	rule := ruleset.LabRule{
		Unit:    "mg/dl",
		Factors: map[string]float64{"umol/l": 0.0113},
	}

	value, status := NormalizeValue(obsWithValue(88.4, "umol/L"), rule)
	assert.Equal(t, UnitConverted, status)
	assert.InDelta(t, 0.99892, value, 1e-5)
}
