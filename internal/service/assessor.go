// Package service implements the bleeding-risk assessment engine: unit
// normalization, observation resolution, feature extraction, the PRECISE-HBR
// score and the bleeding versus thrombotic trade-off model. The engine is
// pure and synchronous; retrieval and transport live elsewhere.
package service

import (
	"github.com/sirupsen/logrus"

	"github.com/precise-hbr-cdss/internal/domain"
	"github.com/precise-hbr-cdss/internal/ruleset"
)

// Assessor orchestrates a full assessment over a patient's clinical bundle.
// It resolves the clinical ruleset lazily and refuses to score while the
// ruleset is unavailable.
type Assessor struct {
	loader *ruleset.Loader
	logger *logrus.Logger
}

// NewAssessor creates an assessor backed by a lazy ruleset loader.
func NewAssessor(loader *ruleset.Loader, logger *logrus.Logger) *Assessor {
	return &Assessor{loader: loader, logger: logger}
}

// Assess computes the PRECISE-HBR score for the bundle. Missing or unusable
// inputs degrade to zero-contribution components rather than failing the
// whole assessment.
func (a *Assessor) Assess(bundle domain.ClinicalBundle) (*domain.ScoreResult, error) {
	rules, err := a.loader.Get()
	if err != nil {
		return nil, err
	}

	result := NewScorer(rules, a.logger).Score(bundle)
	return &result, nil
}

// Tradeoff detects the trade-off model factors for the bundle, applies any
// explicit what-if overrides and computes the per-outcome probabilities.
func (a *Assessor) Tradeoff(bundle domain.ClinicalBundle, overrides map[string]bool) (*domain.TradeoffResult, domain.ActiveFactors, error) {
	rules, err := a.loader.Get()
	if err != nil {
		return nil, nil, err
	}

	calc := NewTradeoffCalculator(rules, a.logger)
	active := calc.DetectFactors(bundle)
	if len(overrides) > 0 {
		active, err = calc.ApplyOverrides(active, overrides)
		if err != nil {
			return nil, nil, err
		}
	}

	result := calc.Calculate(active)
	return &result, active, nil
}

// RulesetInfo exposes version and provenance metadata of the loaded ruleset.
func (a *Assessor) RulesetInfo() (version, source string, err error) {
	rules, err := a.loader.Get()
	if err != nil {
		return "", "", err
	}
	return rules.Version, rules.Source, nil
}
