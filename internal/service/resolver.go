package service

import (
	"github.com/precise-hbr-cdss/internal/domain"
	"github.com/precise-hbr-cdss/internal/ruleset"
)

// MostRecent selects the most clinically current observation from a
// candidate set. Records without an effective time sort as oldest; when
// timestamps tie, the earliest candidate in input order wins.
func MostRecent(records []domain.ObservationRecord) (domain.ObservationRecord, bool) {
	if len(records) == 0 {
		return domain.ObservationRecord{}, false
	}

	best := records[0]
	for _, r := range records[1:] {
		if r.Effective == nil {
			continue
		}
		if best.Effective == nil || r.Effective.After(*best.Effective) {
			best = r
		}
	}
	return best, true
}

// ResolveLabValue picks the most recent candidate for a lab parameter and
// normalizes it into the rule's canonical unit. The boolean is false when no
// candidate exists or the winning candidate's value is unusable.
func ResolveLabValue(records []domain.ObservationRecord, rule ruleset.LabRule) (float64, domain.ObservationRecord, bool) {
	obs, ok := MostRecent(records)
	if !ok {
		return 0, domain.ObservationRecord{}, false
	}

	value, status := NormalizeValue(obs, rule)
	if !status.Usable() {
		return 0, obs, false
	}
	return value, obs, true
}
