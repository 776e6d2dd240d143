package service

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/precise-hbr-cdss/internal/domain"
	"github.com/precise-hbr-cdss/internal/ruleset"
)

// Factor keys of the bleeding versus thrombotic trade-off model. Keys match
// the predictor entries of the ruleset's hazard-ratio model.
const (
	FactorAge65      = "age_ge_65"
	FactorHbModerate = "hemoglobin_11_12.9"
	FactorHbSevere   = "hemoglobin_lt_11"
	FactorEGFR3059   = "egfr_30_59"
	FactorEGFRLt30   = "egfr_lt_30"
	FactorDiabetes   = "diabetes"
	FactorPriorMI    = "prior_mi"
	FactorSmoker     = "smoker"
	FactorACS        = "nstemi_stemi"
	FactorComplexPCI = "complex_pci"
	FactorBMS        = "bms"
	FactorCOPD       = "copd"
	FactorOAC        = "oac_discharge"
)

// TradeoffCalculator detects trade-off risk factors from patient records and
// converts the multiplicative hazard-ratio totals into 1-year event
// probabilities per outcome.
type TradeoffCalculator struct {
	rules  *ruleset.Ruleset
	logger *logrus.Logger
}

// NewTradeoffCalculator creates a calculator bound to a validated ruleset.
func NewTradeoffCalculator(rules *ruleset.Ruleset, logger *logrus.Logger) *TradeoffCalculator {
	return &TradeoffCalculator{rules: rules, logger: logger}
}

// DetectFactors evaluates which model factors apply to the patient.
// Inactive factors are simply absent from the result.
func (c *TradeoffCalculator) DetectFactors(bundle domain.ClinicalBundle) domain.ActiveFactors {
	active := domain.ActiveFactors{}
	th := c.rules.Tradeoff.Thresholds

	if bundle.Demographics.Age != nil && *bundle.Demographics.Age >= th.AgeYears {
		active[FactorAge65] = true
	}

	if rule, ok := c.rules.Lab(domain.ParamHemoglobin); ok {
		if hb, _, resolved := ResolveLabValue(bundle.Observations[domain.ParamHemoglobin], rule); resolved {
			switch {
			case hb >= th.HemoglobinModerateMin && hb < th.HemoglobinModerateMax:
				active[FactorHbModerate] = true
			case hb < th.HemoglobinModerateMin:
				active[FactorHbSevere] = true
			}
		}
	}

	if egfr, ok := c.resolveEGFR(bundle); ok {
		switch {
		case egfr >= th.EGFRModerateMin && egfr < th.EGFRModerateMax:
			active[FactorEGFR3059] = true
		case egfr < th.EGFRModerateMin:
			active[FactorEGFRLt30] = true
		}
	}

	codes := c.rules.Tradeoff.SNOMEDCodes
	for _, cond := range bundle.Conditions {
		if cond.HasCode(SystemSNOMED, codes.Diabetes) {
			active[FactorDiabetes] = true
		}
		if cond.HasCode(SystemSNOMED, codes.MyocardialInfarction) {
			active[FactorPriorMI] = true
		}
		if cond.HasCode(SystemSNOMED, codes.NSTEMI) || cond.HasCode(SystemSNOMED, codes.STEMI) {
			active[FactorACS] = true
		}
		if cond.HasCode(SystemSNOMED, codes.COPD) {
			active[FactorCOPD] = true
		}
	}

	if c.isCurrentSmoker(bundle.SmokingObservations) {
		active[FactorSmoker] = true
	}

	for _, proc := range bundle.Procedures {
		if proc.HasCode(SystemSNOMED, codes.ComplexPCI) {
			active[FactorComplexPCI] = true
		}
		if proc.HasCode(SystemSNOMED, codes.BareMetalStent) {
			active[FactorBMS] = true
		}
	}

	for _, med := range bundle.Medications {
		for _, code := range c.rules.Tradeoff.RxNormOACCodes {
			if med.HasCode(SystemRxNorm, code) {
				active[FactorOAC] = true
			}
		}
	}

	return active
}

func (c *TradeoffCalculator) resolveEGFR(bundle domain.ClinicalBundle) (float64, bool) {
	if rule, ok := c.rules.Lab(domain.ParamEGFR); ok {
		if v, _, resolved := ResolveLabValue(bundle.Observations[domain.ParamEGFR], rule); resolved {
			return v, true
		}
	}
	if bundle.Demographics.Age == nil {
		return 0, false
	}
	crRule, ok := c.rules.Lab(domain.ParamCreatinine)
	if !ok {
		return 0, false
	}
	cr, _, resolved := ResolveLabValue(bundle.Observations[domain.ParamCreatinine], crRule)
	if !resolved {
		return 0, false
	}
	return CalculateEGFR(cr, *bundle.Demographics.Age, bundle.Demographics.Gender)
}

// isCurrentSmoker inspects the most recent smoking status survey answer.
func (c *TradeoffCalculator) isCurrentSmoker(observations []domain.ObservationRecord) bool {
	obs, ok := MostRecent(observations)
	if !ok {
		return false
	}
	for _, code := range c.rules.Tradeoff.Smoking.CurrentSmokerCodes {
		if obs.HasValueCode(code) {
			return true
		}
	}
	return false
}

// ApplyOverrides merges explicit what-if factor states over the detected
// ones. Every override key must name a factor of the model.
func (c *TradeoffCalculator) ApplyOverrides(active domain.ActiveFactors, overrides map[string]bool) (domain.ActiveFactors, error) {
	known := make(map[string]bool)
	for _, p := range c.rules.Tradeoff.Model.BleedingEvents.Predictors {
		known[p.Factor] = true
	}
	for _, p := range c.rules.Tradeoff.Model.ThromboticEvents.Predictors {
		known[p.Factor] = true
	}

	merged := domain.ActiveFactors{}
	for k, v := range active {
		merged[k] = v
	}
	for k, v := range overrides {
		if !known[k] {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownFactor, k)
		}
		merged[k] = v
	}
	return merged, nil
}

// Calculate aggregates the hazard ratios of every active factor
// multiplicatively per outcome, starting at HR 1.0, and converts the totals
// into 1-year probabilities.
func (c *TradeoffCalculator) Calculate(active domain.ActiveFactors) domain.TradeoffResult {
	model := c.rules.Tradeoff.Model

	bleedingHR, bleedingFactors := c.aggregateHR(domain.EventBleeding, model.BleedingEvents, active)
	thromboticHR, thromboticFactors := c.aggregateHR(domain.EventThrombotic, model.ThromboticEvents, active)

	result := domain.TradeoffResult{
		BleedingRiskPercent:   hrToProbability(bleedingHR, model.BleedingEvents.BaselineRatePercent),
		ThromboticRiskPercent: hrToProbability(thromboticHR, model.ThromboticEvents.BaselineRatePercent),
		BleedingFactors:       bleedingFactors,
		ThromboticFactors:     thromboticFactors,
	}

	c.logger.WithFields(logrus.Fields{
		"bleedingHR":    bleedingHR,
		"thromboticHR":  thromboticHR,
		"bleedingPct":   result.BleedingRiskPercent,
		"thromboticPct": result.ThromboticRiskPercent,
	}).Info("Trade-off risks calculated")

	return result
}

func (c *TradeoffCalculator) aggregateHR(evt domain.EventType, model domain.EventModel, active domain.ActiveFactors) (float64, []string) {
	totalHR := 1.0
	factors := []string{}
	for _, p := range model.Predictors {
		if !active[p.Factor] {
			continue
		}
		totalHR *= p.HazardRatio
		factors = append(factors, fmt.Sprintf("%s (HR: %g)", p.Description, p.HazardRatio))
	}

	c.logger.WithFields(logrus.Fields{
		"event":   evt,
		"totalHR": totalHR,
		"factors": len(factors),
	}).Debug("Aggregated hazard ratios")

	return totalHR, factors
}

// hrToProbability converts a total hazard ratio into a 1-year event
// probability under a proportional hazards assumption. With HR 1.0 the
// result equals the baseline rate, growth is non-linear in HR, and the
// output is capped at 100 percent and rounded to two decimals.
func hrToProbability(totalHR, baselineRatePercent float64) float64 {
	baseline := baselineRatePercent / 100.0
	if baseline >= 1.0 {
		return 100.0
	}

	baselineHazard := -math.Log(1 - baseline)
	probability := (1 - math.Exp(-baselineHazard*totalHR)) * 100.0

	return math.Round(math.Min(probability, 100.0)*100) / 100
}
