package service

import (
	"strings"

	"github.com/precise-hbr-cdss/internal/domain"
	"github.com/precise-hbr-cdss/internal/ruleset"
)

// Terminology system URLs matched against record codings.
const (
	SystemSNOMED = "http://snomed.info/sct"
	SystemLOINC  = "http://loinc.org"
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
)

// ARCHBRFlags holds the five ARC-HBR criteria evaluated for the score's
// "any other ARC-HBR condition" component.
type ARCHBRFlags struct {
	Thrombocytopenia      bool `json:"thrombocytopenia"`
	BleedingDiathesis     bool `json:"bleedingDiathesis"`
	LiverCirrhosis        bool `json:"liverCirrhosis"`
	ActiveMalignancy      bool `json:"activeMalignancy"`
	NSAIDsCorticosteroids bool `json:"nsaidsCorticosteroids"`
}

// Any reports whether at least one criterion is present.
func (f ARCHBRFlags) Any() bool {
	return f.Thrombocytopenia || f.BleedingDiathesis || f.LiverCirrhosis ||
		f.ActiveMalignancy || f.NSAIDsCorticosteroids
}

// Count returns the number of criteria present.
func (f ARCHBRFlags) Count() int {
	n := 0
	for _, present := range []bool{
		f.Thrombocytopenia, f.BleedingDiathesis, f.LiverCirrhosis,
		f.ActiveMalignancy, f.NSAIDsCorticosteroids,
	} {
		if present {
			n++
		}
	}
	return n
}

// conditionText joins a condition's free text with all coding displays,
// lower-cased, for keyword matching.
func conditionText(c domain.ConditionRecord) string {
	parts := make([]string, 0, len(c.Codings)+1)
	if c.Text != "" {
		parts = append(parts, c.Text)
	}
	for _, coding := range c.Codings {
		if coding.Display != "" {
			parts = append(parts, coding.Display)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// conditionLabel returns a human-readable name for a condition, preferring
// free text over the first coding display.
func conditionLabel(c domain.ConditionRecord) string {
	if c.Text != "" {
		return c.Text
	}
	for _, coding := range c.Codings {
		if coding.Display != "" {
			return coding.Display
		}
	}
	return "Unnamed condition"
}

func matchesAnyCode(c domain.ConditionRecord, system string, codes []string) (domain.Coding, bool) {
	for _, coding := range c.Codings {
		if coding.System != system {
			continue
		}
		for _, code := range codes {
			if coding.Code == code {
				return coding, true
			}
		}
	}
	return domain.Coding{}, false
}

func containsAnyKeyword(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// PriorBleeding detects a history of spontaneous bleeding from SNOMED codes
// or bleeding keywords. Every matching condition contributes evidence.
func PriorBleeding(conditions []domain.ConditionRecord, rule ruleset.CodedRule) (bool, []string) {
	var evidence []string
	for _, c := range conditions {
		if coding, ok := matchesAnyCode(c, SystemSNOMED, rule.SpecificCodes); ok {
			label := coding.Display
			if label == "" {
				label = "Prior bleeding"
			}
			evidence = append(evidence, label)
			continue
		}
		if _, ok := containsAnyKeyword(conditionText(c), rule.Keywords); ok {
			evidence = append(evidence, conditionLabel(c))
		}
	}
	return len(evidence) > 0, evidence
}

// BleedingDiathesis detects a chronic bleeding diathesis by code or keyword.
func BleedingDiathesis(conditions []domain.ConditionRecord, rule ruleset.CodedRule) (bool, string) {
	for _, c := range conditions {
		if coding, ok := matchesAnyCode(c, SystemSNOMED, rule.SpecificCodes); ok {
			if coding.Display != "" {
				return true, coding.Display
			}
			return true, "Bleeding diathesis"
		}
		if _, ok := containsAnyKeyword(conditionText(c), rule.Keywords); ok {
			return true, conditionLabel(c)
		}
	}
	return false, ""
}

// ActiveMalignancy detects active malignant disease. Only conditions whose
// clinical status is active qualify, and non-melanoma skin cancers are
// excluded both by code and by keyword.
func ActiveMalignancy(conditions []domain.ConditionRecord, rule ruleset.MalignancyRule) (bool, string) {
	excluded := func(code string) bool {
		for _, ex := range rule.ExcludeCodes {
			if code == ex {
				return true
			}
		}
		return false
	}

	for _, c := range conditions {
		if !strings.EqualFold(c.ClinicalStatus, "active") {
			continue
		}

		for _, coding := range c.Codings {
			if coding.System != SystemSNOMED || excluded(coding.Code) {
				continue
			}
			if coding.Code == rule.ParentCode {
				if coding.Display != "" {
					return true, coding.Display
				}
				return true, "Active malignant neoplastic disease"
			}
		}

		text := conditionText(c)
		if _, skip := containsAnyKeyword(text, rule.ExclusionKeywords); skip {
			continue
		}
		if _, ok := containsAnyKeyword(text, rule.Keywords); ok {
			return true, conditionLabel(c)
		}
	}
	return false, ""
}

// LiverCirrhosis detects cirrhosis with portal hypertension. Both pieces of
// evidence are required and may come from separate condition records.
func LiverCirrhosis(conditions []domain.ConditionRecord, rule ruleset.CirrhosisRule) (bool, []string) {
	hasCirrhosis := false
	hasPortalHTN := false
	var found []string

	for _, c := range conditions {
		text := conditionText(c)

		for _, coding := range c.Codings {
			if coding.System != SystemSNOMED {
				continue
			}
			if coding.Code == rule.ParentCode {
				hasCirrhosis = true
				found = append(found, conditionLabel(c))
			}
			for _, code := range rule.PortalHypertension.SpecificCodes {
				if coding.Code == code {
					hasPortalHTN = true
					found = append(found, conditionLabel(c))
				}
			}
		}

		if !hasCirrhosis {
			if _, ok := containsAnyKeyword(text, rule.Keywords); ok {
				hasCirrhosis = true
				found = append(found, conditionLabel(c))
			}
		}
		if !hasPortalHTN {
			if kw, ok := containsAnyKeyword(text, rule.PortalHypertension.Keywords); ok {
				hasPortalHTN = true
				found = append(found, kw)
			}
		}
	}

	if hasCirrhosis && hasPortalHTN {
		return true, found
	}
	return false, nil
}

// Thrombocytopenia reports whether the most recent platelet count falls
// below the threshold (10^9/L). An unusable or missing value never counts.
func Thrombocytopenia(platelets []domain.ObservationRecord, rule ruleset.LabRule, threshold float64) bool {
	value, _, ok := ResolveLabValue(platelets, rule)
	return ok && value < threshold
}

// medicationText joins a medication's free text with coding displays,
// lower-cased, for keyword matching.
func medicationText(m domain.MedicationRecord) string {
	parts := make([]string, 0, len(m.Codings)+1)
	if m.Text != "" {
		parts = append(parts, m.Text)
	}
	for _, coding := range m.Codings {
		if coding.Display != "" {
			parts = append(parts, coding.Display)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// ActiveMedications filters medications down to those whose status still
// implies exposure: active, on-hold or completed.
func ActiveMedications(medications []domain.MedicationRecord) []domain.MedicationRecord {
	var active []domain.MedicationRecord
	for _, m := range medications {
		switch strings.ToLower(m.Status) {
		case "active", "on-hold", "completed":
			active = append(active, m)
		}
	}
	return active
}

// OralAnticoagulation detects long-term oral anticoagulant therapy from
// generic and brand name keywords.
func OralAnticoagulation(medications []domain.MedicationRecord, rule ruleset.OACKeywords) bool {
	keywords := append(append([]string{}, rule.GenericNames...), rule.BrandNames...)
	for _, m := range medications {
		if _, ok := containsAnyKeyword(medicationText(m), keywords); ok {
			return true
		}
	}
	return false
}

// NSAIDsOrCorticosteroids detects chronic NSAID or corticosteroid use from
// medication name keywords.
func NSAIDsOrCorticosteroids(medications []domain.MedicationRecord, nsaids, corticosteroids []string) bool {
	keywords := append(append([]string{}, nsaids...), corticosteroids...)
	for _, m := range medications {
		if _, ok := containsAnyKeyword(medicationText(m), keywords); ok {
			return true
		}
	}
	return false
}

// EvaluateARCHBR evaluates the five ARC-HBR criteria against a patient's
// records. Medications must already be filtered to active exposure.
func EvaluateARCHBR(bundle domain.ClinicalBundle, medications []domain.MedicationRecord, rules *ruleset.Ruleset) ARCHBRFlags {
	var flags ARCHBRFlags

	if plateletRule, ok := rules.Lab(domain.ParamPlatelets); ok {
		flags.Thrombocytopenia = Thrombocytopenia(
			bundle.Observations[domain.ParamPlatelets],
			plateletRule,
			rules.ConditionRules.Thrombocytopenia.PlateletThreshold,
		)
	}

	flags.BleedingDiathesis, _ = BleedingDiathesis(bundle.Conditions, rules.ConditionRules.BleedingDiathesis)
	flags.LiverCirrhosis, _ = LiverCirrhosis(bundle.Conditions, rules.ConditionRules.LiverCirrhosis)
	flags.ActiveMalignancy, _ = ActiveMalignancy(bundle.Conditions, rules.ConditionRules.ActiveMalignancy)
	flags.NSAIDsCorticosteroids = NSAIDsOrCorticosteroids(
		medications,
		rules.MedicationKeywords.NSAIDs,
		rules.MedicationKeywords.Corticosteroids,
	)

	return flags
}
