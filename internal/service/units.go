package service

import (
	"strings"

	"github.com/precise-hbr-cdss/internal/domain"
	"github.com/precise-hbr-cdss/internal/ruleset"
)

// UnitStatus describes how an observation value was normalized into the
// canonical unit of its lab parameter.
type UnitStatus string

const (
	// UnitMatched means the reported unit already was the canonical unit.
	UnitMatched UnitStatus = "matched"
	// UnitAssumed means no unit was reported and the value was taken as
	// already canonical. Lossy, but some servers omit units entirely.
	UnitAssumed UnitStatus = "assumed"
	// UnitConverted means a conversion factor was applied.
	UnitConverted UnitStatus = "converted"
	// UnitAbsent means the observation carried no numeric value.
	UnitAbsent UnitStatus = "absent"
	// UnitUnrecognized means the reported unit has no conversion rule.
	// The value must not be used; a wrong-unit value would corrupt scoring.
	UnitUnrecognized UnitStatus = "unrecognized"
)

// Usable reports whether the normalized value may enter a calculation.
func (s UnitStatus) Usable() bool {
	return s == UnitMatched || s == UnitAssumed || s == UnitConverted
}

// NormalizeValue extracts an observation value in the canonical unit of the
// given lab rule. The returned value is meaningful only when the status is
// usable.
func NormalizeValue(obs domain.ObservationRecord, rule ruleset.LabRule) (float64, UnitStatus) {
	if obs.Value == nil || obs.Value.Value == nil {
		return 0, UnitAbsent
	}
	value := *obs.Value.Value

	unit := normalizeUnit(obs.Value.Unit)
	if unit == "" {
		return value, UnitAssumed
	}

	if unit == strings.ToLower(rule.Unit) {
		return value, UnitMatched
	}

	if factor, ok := rule.Factors[unit]; ok {
		return value * factor, UnitConverted
	}

	return 0, UnitUnrecognized
}

// normalizeUnit lower-cases a unit string and collapses whitespace so that
// table lookups tolerate cosmetic variation.
func normalizeUnit(unit string) string {
	return strings.Join(strings.Fields(strings.ToLower(unit)), " ")
}
