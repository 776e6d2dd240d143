package service

import (
	"fmt"
	"math"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/precise-hbr-cdss/internal/domain"
	"github.com/precise-hbr-cdss/internal/ruleset"
)

// Clamping limits applied to continuous variables before scoring. Values
// outside these bounds carry no additional discriminative information in the
// underlying model.
const (
	minEffectiveAge  = 30.0
	maxEffectiveAge  = 80.0
	minEffectiveHb   = 5.0
	maxEffectiveHb   = 15.0
	minEffectiveEGFR = 5.0
	maxEffectiveEGFR = 100.0
	maxEffectiveWBC  = 15.0
	minScoringWBC    = 3.0
)

// Categorical component weights.
const (
	baseScore          = 2
	priorBleedingPts   = 7
	anticoagulantPts   = 5
	arcHBRConditionPts = 3
)

// Scorer computes the PRECISE-HBR bleeding risk score from a patient's
// clinical bundle. The per-component display scores are rounded
// independently; the final score is the rounded sum of unrounded
// contributions, so components may not visually add up to the total.
type Scorer struct {
	rules  *ruleset.Ruleset
	logger *logrus.Logger
}

// NewScorer creates a scorer bound to a validated ruleset.
func NewScorer(rules *ruleset.Ruleset, logger *logrus.Logger) *Scorer {
	return &Scorer{rules: rules, logger: logger}
}

// roundHalfAway rounds half away from zero, matching clinical convention.
func roundHalfAway(x float64) int {
	return int(math.Round(x))
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func observationDate(obs domain.ObservationRecord) string {
	if obs.Effective == nil {
		return "N/A"
	}
	return obs.Effective.Format("2006-01-02")
}

// Score evaluates every component of the PRECISE-HBR score against the
// bundle and derives the risk category, calibrated bleeding percentage and
// recommendation text.
func (s *Scorer) Score(bundle domain.ClinicalBundle) domain.ScoreResult {
	total := float64(baseScore)
	components := []domain.ScoreComponent{{
		Parameter:    "PRECISE-HBR - Base Score",
		Value:        "Fixed base score",
		Score:        baseScore,
		Contribution: baseScore,
		Present:      true,
		Available:    true,
		Date:         "N/A",
		Description:  fmt.Sprintf("Base score: %d points (fixed)", baseScore),
	}}

	ageComp, ageContribution := s.ageComponent(bundle.Demographics)
	total += ageContribution
	components = append(components, ageComp)

	hbComp, hbContribution := s.hemoglobinComponent(bundle)
	total += hbContribution
	components = append(components, hbComp)

	egfrComp, egfrContribution := s.egfrComponent(bundle)
	total += egfrContribution
	components = append(components, egfrComp)

	wbcComp, wbcContribution := s.wbcComponent(bundle)
	total += wbcContribution
	components = append(components, wbcComp)

	activeMeds := ActiveMedications(bundle.Medications)

	hasBleeding, bleedingEvidence := PriorBleeding(bundle.Conditions, s.rules.ConditionRules.PriorBleeding)
	bleedingScore := 0
	if hasBleeding {
		bleedingScore = priorBleedingPts
	}
	total += float64(bleedingScore)
	components = append(components, domain.ScoreComponent{
		Parameter:    "PRECISE-HBR - Prior Bleeding",
		Value:        yesNo(hasBleeding),
		Score:        bleedingScore,
		Contribution: float64(bleedingScore),
		Present:      hasBleeding,
		Available:    true,
		Date:         "N/A",
		Description:  priorBleedingDescription(hasBleeding, bleedingScore, bleedingEvidence),
	})

	hasOAC := OralAnticoagulation(activeMeds, s.rules.MedicationKeywords.OralAnticoagulants)
	oacScore := 0
	if hasOAC {
		oacScore = anticoagulantPts
	}
	total += float64(oacScore)
	components = append(components, domain.ScoreComponent{
		Parameter:    "PRECISE-HBR - Oral Anticoagulation",
		Value:        yesNo(hasOAC),
		Score:        oacScore,
		Contribution: float64(oacScore),
		Present:      hasOAC,
		Available:    true,
		Date:         "N/A",
		Description:  fmt.Sprintf("Long-term oral anticoagulation: %s = %d points", yesNo(hasOAC), oacScore),
	})

	flags := EvaluateARCHBR(bundle, activeMeds, s.rules)
	arcScore := 0
	if flags.Any() {
		arcScore = arcHBRConditionPts
	}
	total += float64(arcScore)
	components = append(components, s.arcElementComponents(flags)...)
	components = append(components, domain.ScoreComponent{
		Parameter:    "PRECISE-HBR - ARC-HBR Summary",
		Value:        arcSummaryValue(flags),
		Score:        arcScore,
		Contribution: float64(arcScore),
		Present:      flags.Any(),
		Available:    true,
		Date:         "N/A",
		Description:  fmt.Sprintf("ARC-HBR Elements >=1: %s = %d points", yesNo(flags.Any()), arcScore),
	})

	final := roundHalfAway(total)
	category, scoreRange := riskCategory(final)
	bleedingPct := BleedingRiskPercent(final)

	s.logger.WithFields(logrus.Fields{
		"rawTotal":    total,
		"finalScore":  final,
		"category":    category,
		"bleedingPct": bleedingPct,
	}).Info("PRECISE-HBR score calculated")

	return domain.ScoreResult{
		Components:  components,
		RawTotal:    total,
		FinalScore:  final,
		Category:    category,
		BleedingPct: bleedingPct,
		ScoreRange:  scoreRange,
		Advice:      fmt.Sprintf("1-year risk of major bleeding: %.2f%% (Bleeding Academic Research Consortium [BARC] type 3 or 5)", bleedingPct),
	}
}

func (s *Scorer) ageComponent(demo domain.Demographics) (domain.ScoreComponent, float64) {
	if demo.Age == nil {
		return domain.ScoreComponent{
			Parameter:   "PRECISE-HBR - Age",
			Value:       "Unknown",
			Date:        "N/A",
			Description: "Age not available",
		}, 0
	}

	age := float64(*demo.Age)
	effective := clamp(age, minEffectiveAge, maxEffectiveAge)

	contribution := 0.0
	description := fmt.Sprintf("Age %s <= 30, score = 0", formatValue(effective))
	if effective > minEffectiveAge {
		contribution = (effective - minEffectiveAge) * 0.25
		description = fmt.Sprintf("Age score: (%s - 30) x 0.25 = %d", formatValue(effective), roundHalfAway(contribution))
	}

	value := fmt.Sprintf("%d years", *demo.Age)
	if age != effective {
		value = fmt.Sprintf("%d years (effective: %s)", *demo.Age, formatValue(effective))
	}

	return domain.ScoreComponent{
		Parameter:    "PRECISE-HBR - Age",
		Value:        value,
		RawValue:     &age,
		Score:        roundHalfAway(contribution),
		Contribution: contribution,
		Present:      true,
		Available:    true,
		Date:         "N/A",
		Description:  description,
	}, contribution
}

func (s *Scorer) hemoglobinComponent(bundle domain.ClinicalBundle) (domain.ScoreComponent, float64) {
	rule, ok := s.rules.Lab(domain.ParamHemoglobin)
	if !ok {
		return unavailableComponent("PRECISE-HBR - Hemoglobin", "Hemoglobin not available"), 0
	}
	value, obs, ok := ResolveLabValue(bundle.Observations[domain.ParamHemoglobin], rule)
	if !ok {
		return unavailableComponent("PRECISE-HBR - Hemoglobin", "Hemoglobin not available"), 0
	}

	effective := clamp(value, minEffectiveHb, maxEffectiveHb)

	contribution := 0.0
	description := fmt.Sprintf("Hb %s >= 15, score = 0", formatValue(effective))
	if effective < maxEffectiveHb {
		contribution = (maxEffectiveHb - effective) * 2.5
		description = fmt.Sprintf("Hemoglobin score: (15 - %s) x 2.5 = %d", formatValue(effective), roundHalfAway(contribution))
	}

	display := fmt.Sprintf("%s %s", formatValue(value), rule.Unit)
	if value != effective {
		display = fmt.Sprintf("%s %s (effective: %s)", formatValue(value), rule.Unit, formatValue(effective))
	}

	return domain.ScoreComponent{
		Parameter:    "PRECISE-HBR - Hemoglobin",
		Value:        display,
		RawValue:     &value,
		Score:        roundHalfAway(contribution),
		Contribution: contribution,
		Present:      true,
		Available:    true,
		Date:         observationDate(obs),
		Description:  description,
	}, contribution
}

// resolveEGFR prefers a direct eGFR observation and falls back to the
// CKD-EPI 2021 estimate from creatinine, age and gender.
func (s *Scorer) resolveEGFR(bundle domain.ClinicalBundle) (value float64, source, date string, ok bool) {
	if rule, found := s.rules.Lab(domain.ParamEGFR); found {
		if v, obs, resolved := ResolveLabValue(bundle.Observations[domain.ParamEGFR], rule); resolved {
			return v, "Direct eGFR", observationDate(obs), true
		}
	}

	demo := bundle.Demographics
	if demo.Age == nil {
		return 0, "", "", false
	}
	crRule, found := s.rules.Lab(domain.ParamCreatinine)
	if !found {
		return 0, "", "", false
	}
	cr, obs, resolved := ResolveLabValue(bundle.Observations[domain.ParamCreatinine], crRule)
	if !resolved {
		return 0, "", "", false
	}
	egfr, computed := CalculateEGFR(cr, *demo.Age, demo.Gender)
	if !computed {
		return 0, "", "", false
	}
	return egfr, EGFRMethod, observationDate(obs), true
}

func (s *Scorer) egfrComponent(bundle domain.ClinicalBundle) (domain.ScoreComponent, float64) {
	value, source, date, ok := s.resolveEGFR(bundle)
	if !ok {
		return unavailableComponent("PRECISE-HBR - eGFR", "eGFR not available"), 0
	}

	effective := clamp(value, minEffectiveEGFR, maxEffectiveEGFR)

	contribution := 0.0
	description := fmt.Sprintf("eGFR %s >= 100, score = 0", formatValue(effective))
	if effective < maxEffectiveEGFR {
		contribution = (maxEffectiveEGFR - effective) * 0.05
		description = fmt.Sprintf("eGFR score: (100 - %s) x 0.05 = %d", formatValue(effective), roundHalfAway(contribution))
	}

	display := fmt.Sprintf("%s mL/min/1.73m2 (%s)", formatValue(value), source)
	if value != effective {
		display = fmt.Sprintf("%s mL/min/1.73m2 (effective: %s) (%s)", formatValue(value), formatValue(effective), source)
	}

	return domain.ScoreComponent{
		Parameter:    "PRECISE-HBR - eGFR",
		Value:        display,
		RawValue:     &value,
		Score:        roundHalfAway(contribution),
		Contribution: contribution,
		Present:      true,
		Available:    true,
		Date:         date,
		Description:  description,
	}, contribution
}

func (s *Scorer) wbcComponent(bundle domain.ClinicalBundle) (domain.ScoreComponent, float64) {
	rule, ok := s.rules.Lab(domain.ParamWBC)
	if !ok {
		return unavailableComponent("PRECISE-HBR - White Blood Cell Count", "WBC count not available"), 0
	}
	value, obs, ok := ResolveLabValue(bundle.Observations[domain.ParamWBC], rule)
	if !ok {
		return unavailableComponent("PRECISE-HBR - White Blood Cell Count", "WBC count not available"), 0
	}

	// WBC has no lower clamp: only the upper bound applies.
	effective := math.Min(maxEffectiveWBC, value)

	contribution := 0.0
	description := fmt.Sprintf("WBC %s <= 3.0, score = 0", formatValue(effective))
	if effective > minScoringWBC {
		contribution = (effective - minScoringWBC) * 0.8
		description = fmt.Sprintf("WBC score: (%s - 3.0) x 0.8 = %d", formatValue(effective), roundHalfAway(contribution))
	}

	display := fmt.Sprintf("%s %s", formatValue(value), rule.Unit)
	if value != effective {
		display = fmt.Sprintf("%s %s (effective: %s)", formatValue(value), rule.Unit, formatValue(effective))
	}

	return domain.ScoreComponent{
		Parameter:    "PRECISE-HBR - White Blood Cell Count",
		Value:        display,
		RawValue:     &value,
		Score:        roundHalfAway(contribution),
		Contribution: contribution,
		Present:      true,
		Available:    true,
		Date:         observationDate(obs),
		Description:  description,
	}, contribution
}

func (s *Scorer) arcElementComponents(flags ARCHBRFlags) []domain.ScoreComponent {
	threshold := s.rules.ConditionRules.Thrombocytopenia.PlateletThreshold
	element := func(parameter string, present bool, description string) domain.ScoreComponent {
		return domain.ScoreComponent{
			Parameter:   parameter,
			Value:       yesNo(present),
			Present:     present,
			Available:   true,
			ARCHBR:      true,
			Date:        "N/A",
			Description: description,
		}
	}

	return []domain.ScoreComponent{
		element("PRECISE-HBR - Platelet Count", flags.Thrombocytopenia,
			fmt.Sprintf("Platelet count <%s x10^9/L", formatValue(threshold))),
		element("PRECISE-HBR - Chronic Bleeding Diathesis", flags.BleedingDiathesis,
			"Chronic bleeding diathesis"),
		element("PRECISE-HBR - Liver Cirrhosis", flags.LiverCirrhosis,
			"Liver cirrhosis with portal hypertension"),
		element("PRECISE-HBR - Active Malignancy", flags.ActiveMalignancy,
			"Active malignancy"),
		element("PRECISE-HBR - NSAIDs/Corticosteroids", flags.NSAIDsCorticosteroids,
			"Chronic use of NSAIDs or corticosteroids"),
	}
}

func unavailableComponent(parameter, description string) domain.ScoreComponent {
	return domain.ScoreComponent{
		Parameter:   parameter,
		Value:       "Not available",
		Date:        "N/A",
		Description: description,
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func priorBleedingDescription(present bool, score int, evidence []string) string {
	found := "None detected"
	if len(evidence) > 0 {
		found = evidence[0]
		for _, e := range evidence[1:] {
			found += ", " + e
		}
	}
	return fmt.Sprintf("Previous bleeding: %s = %d points. Found: %s", yesNo(present), score, found)
}

func arcSummaryValue(flags ARCHBRFlags) string {
	if !flags.Any() {
		return "None detected"
	}
	return fmt.Sprintf("%d factor(s) present", flags.Count())
}

// riskCategory maps a final score to its stratum and display range.
func riskCategory(score int) (domain.RiskCategory, string) {
	switch {
	case score <= 22:
		return domain.CategoryNotHBR, "(score <=22)"
	case score <= 26:
		return domain.CategoryHBR, "(score 23-26)"
	default:
		return domain.CategoryVeryHBR, "(score >=27)"
	}
}

// BleedingRiskPercent maps a final score onto the 1-year BARC 3 or 5
// bleeding risk calibration curve: five linear segments with per-segment
// caps at 3.5, 5.5, 8, 12 and 15 percent.
func BleedingRiskPercent(score int) float64 {
	s := float64(score)
	var pct float64
	switch {
	case score <= 22:
		pct = math.Min(3.5, 0.5+(s/22)*3.0)
	case score <= 26:
		pct = math.Min(5.5, 3.5+((s-22)/4)*2.0)
	case score <= 30:
		pct = math.Min(8.0, 5.5+((s-26)/4)*2.5)
	case score <= 35:
		pct = math.Min(12.0, 8.0+((s-30)/5)*4.0)
	default:
		pct = math.Min(15.0, 12.0+((s-35)/10)*3.0)
	}
	return math.Round(pct*100) / 100
}
