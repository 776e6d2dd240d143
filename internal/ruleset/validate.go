package ruleset

import (
	"fmt"

	"github.com/precise-hbr-cdss/internal/domain"
)

// Validate checks the structural integrity of the ruleset and returns the
// first defect found. Use Problems to collect every defect at once.
func (r *Ruleset) Validate() error {
	problems := r.Problems()
	if len(problems) == 0 {
		return nil
	}
	return problems[0]
}

// Problems returns every structural defect in the ruleset, one error per
// violation, for exhaustive reporting by the validation CLI.
func (r *Ruleset) Problems() []*domain.RulesetError {
	var out []*domain.RulesetError
	add := func(section, format string, args ...any) {
		out = append(out, &domain.RulesetError{Section: section, Reason: fmt.Sprintf(format, args...)})
	}

	if r.Version == "" {
		add("version", "missing version string")
	}

	for _, p := range domain.LabParameters {
		section := fmt.Sprintf("lab_parameters.%s", p)
		rule, ok := r.LabParameters[p]
		if !ok {
			add(section, "parameter missing")
			continue
		}
		if rule.Unit == "" {
			add(section, "canonical unit missing")
		}
		if len(rule.LOINCCodes) == 0 && len(rule.TextSearch) == 0 {
			add(section, "no coded or text search strategy defined")
		}
		for unit, factor := range rule.Factors {
			if factor <= 0 {
				add(section, "conversion factor for %q must be positive, got %v", unit, factor)
			}
		}
	}
	for p := range r.LabParameters {
		if !p.IsValid() {
			add("lab_parameters", "unknown parameter %q", p)
		}
	}

	cr := r.ConditionRules
	if len(cr.PriorBleeding.SpecificCodes) == 0 && len(cr.PriorBleeding.Keywords) == 0 {
		add("condition_rules.prior_bleeding", "no codes or keywords")
	}
	if len(cr.BleedingDiathesis.SpecificCodes) == 0 && len(cr.BleedingDiathesis.Keywords) == 0 {
		add("condition_rules.bleeding_diathesis", "no codes or keywords")
	}
	if cr.ActiveMalignancy.ParentCode == "" && len(cr.ActiveMalignancy.Keywords) == 0 {
		add("condition_rules.active_malignancy", "no parent code or keywords")
	}
	if cr.LiverCirrhosis.ParentCode == "" && len(cr.LiverCirrhosis.Keywords) == 0 {
		add("condition_rules.liver_cirrhosis", "no parent code or keywords")
	}
	pht := cr.LiverCirrhosis.PortalHypertension
	if len(pht.SpecificCodes) == 0 && len(pht.Keywords) == 0 {
		add("condition_rules.liver_cirrhosis.portal_hypertension", "no codes or keywords")
	}
	if cr.Thrombocytopenia.PlateletThreshold <= 0 {
		add("condition_rules.thrombocytopenia", "platelet threshold must be positive, got %v", cr.Thrombocytopenia.PlateletThreshold)
	}

	mk := r.MedicationKeywords
	if len(mk.OralAnticoagulants.GenericNames)+len(mk.OralAnticoagulants.BrandNames) == 0 {
		add("medication_keywords.oral_anticoagulants", "no generic or brand names")
	}
	if len(mk.NSAIDs) == 0 {
		add("medication_keywords.nsaids", "no keywords")
	}
	if len(mk.Corticosteroids) == 0 {
		add("medication_keywords.corticosteroids", "no keywords")
	}

	out = append(out, r.tradeoffProblems()...)
	return out
}

func (r *Ruleset) tradeoffProblems() []*domain.RulesetError {
	var out []*domain.RulesetError
	add := func(section, format string, args ...any) {
		out = append(out, &domain.RulesetError{Section: section, Reason: fmt.Sprintf(format, args...)})
	}

	th := r.Tradeoff.Thresholds
	if th.AgeYears <= 0 {
		add("tradeoff.thresholds", "age threshold must be positive, got %d", th.AgeYears)
	}
	if th.HemoglobinModerateMin >= th.HemoglobinModerateMax {
		add("tradeoff.thresholds", "hemoglobin band not increasing: min %v >= max %v", th.HemoglobinModerateMin, th.HemoglobinModerateMax)
	}
	if th.EGFRModerateMin >= th.EGFRModerateMax {
		add("tradeoff.thresholds", "egfr band not increasing: min %v >= max %v", th.EGFRModerateMin, th.EGFRModerateMax)
	}

	if r.Tradeoff.Smoking.LOINCCode == "" {
		add("tradeoff.smoking", "smoking status LOINC code missing")
	}
	if len(r.Tradeoff.Smoking.CurrentSmokerCodes) == 0 {
		add("tradeoff.smoking", "no current-smoker answer codes")
	}
	if len(r.Tradeoff.RxNormOACCodes) == 0 {
		add("tradeoff.rxnorm_oac_codes", "no oral anticoagulant codes")
	}

	out = append(out, modelProblems("tradeoff.model.bleedingEvents", r.Tradeoff.Model.BleedingEvents)...)
	out = append(out, modelProblems("tradeoff.model.thromboticEvents", r.Tradeoff.Model.ThromboticEvents)...)
	return out
}

func modelProblems(section string, m domain.EventModel) []*domain.RulesetError {
	var out []*domain.RulesetError
	add := func(format string, args ...any) {
		out = append(out, &domain.RulesetError{Section: section, Reason: fmt.Sprintf(format, args...)})
	}

	if m.BaselineRatePercent <= 0 || m.BaselineRatePercent >= 100 {
		add("baseline rate must be in (0, 100), got %v", m.BaselineRatePercent)
	}
	if len(m.Predictors) == 0 {
		add("no predictors")
	}
	seen := make(map[string]bool, len(m.Predictors))
	for i, p := range m.Predictors {
		if p.Factor == "" {
			add("predictor %d has empty factor key", i)
			continue
		}
		if seen[p.Factor] {
			add("duplicate factor %q", p.Factor)
		}
		seen[p.Factor] = true
		if p.HazardRatio <= 0 {
			add("factor %q has non-positive hazard ratio %v", p.Factor, p.HazardRatio)
		}
	}
	return out
}
