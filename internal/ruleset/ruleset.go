// Package ruleset loads and validates the clinical ruleset file: the code
// sets, keyword lists, unit conversion tables and hazard-ratio model that
// drive bleeding-risk assessment. The ruleset is external structured data,
// versioned independently of the engine, and immutable once loaded.
package ruleset

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/precise-hbr-cdss/internal/domain"
)

// LabRule describes how one laboratory parameter is located and normalized.
// Factors map lower-cased source units to multipliers into the canonical unit.
type LabRule struct {
	LOINCCodes []string           `json:"loinc_codes"`
	TextSearch []string           `json:"text_search"`
	Unit       string             `json:"unit"`
	Factors    map[string]float64 `json:"factors"`
}

// CodedRule pairs a SNOMED code list with fallback text keywords.
type CodedRule struct {
	SpecificCodes []string `json:"specific_codes"`
	Keywords      []string `json:"keywords"`
}

// MalignancyRule detects active malignant disease while excluding the
// non-melanoma skin cancers that do not qualify as an ARC-HBR criterion.
type MalignancyRule struct {
	ParentCode        string   `json:"parent_code"`
	ExcludeCodes      []string `json:"exclude_codes"`
	Keywords          []string `json:"keywords"`
	ExclusionKeywords []string `json:"exclusion_keywords"`
}

// CirrhosisRule requires both cirrhosis evidence and a portal hypertension
// manifestation, which may come from separate condition records.
type CirrhosisRule struct {
	ParentCode         string    `json:"parent_code"`
	Keywords           []string  `json:"keywords"`
	PortalHypertension CodedRule `json:"portal_hypertension"`
}

// ThrombocytopeniaRule holds the platelet cutoff in 10^9/L.
type ThrombocytopeniaRule struct {
	PlateletThreshold float64 `json:"platelet_threshold"`
}

// ConditionRules groups the per-check detection rules.
type ConditionRules struct {
	PriorBleeding     CodedRule            `json:"prior_bleeding"`
	BleedingDiathesis CodedRule            `json:"bleeding_diathesis"`
	ActiveMalignancy  MalignancyRule       `json:"active_malignancy"`
	LiverCirrhosis    CirrhosisRule        `json:"liver_cirrhosis"`
	Thrombocytopenia  ThrombocytopeniaRule `json:"thrombocytopenia"`
}

// OACKeywords lists oral anticoagulant names matched against medication text.
type OACKeywords struct {
	GenericNames []string `json:"generic_names"`
	BrandNames   []string `json:"brand_names"`
}

// MedicationKeywords groups the medication text-match lists.
type MedicationKeywords struct {
	OralAnticoagulants OACKeywords `json:"oral_anticoagulants"`
	NSAIDs             []string    `json:"nsaids"`
	Corticosteroids    []string    `json:"corticosteroids"`
}

// TradeoffThresholds holds the banding cutpoints of the trade-off model.
// Hemoglobin and eGFR bands are half-open: moderate is [min, max).
type TradeoffThresholds struct {
	AgeYears              int     `json:"age_years"`
	HemoglobinModerateMin float64 `json:"hemoglobin_moderate_min"`
	HemoglobinModerateMax float64 `json:"hemoglobin_moderate_max"`
	EGFRModerateMin       float64 `json:"egfr_moderate_min"`
	EGFRModerateMax       float64 `json:"egfr_moderate_max"`
}

// TradeoffCodes holds the SNOMED codes for the binary trade-off factors.
type TradeoffCodes struct {
	Diabetes             string `json:"diabetes"`
	MyocardialInfarction string `json:"myocardial_infarction"`
	NSTEMI               string `json:"nstemi"`
	STEMI                string `json:"stemi"`
	COPD                 string `json:"copd"`
	ComplexPCI           string `json:"complex_pci"`
	BareMetalStent       string `json:"bare_metal_stent"`
}

// SmokingRule identifies the smoking-status survey observation and the
// answer codes that count as current smoking.
type SmokingRule struct {
	LOINCCode          string   `json:"loinc_code"`
	CurrentSmokerCodes []string `json:"current_smoker_codes"`
}

// TradeoffModel carries the published hazard-ratio predictors per outcome.
// Key and field names follow the source model document.
type TradeoffModel struct {
	BleedingEvents   domain.EventModel `json:"bleedingEvents"`
	ThromboticEvents domain.EventModel `json:"thromboticEvents"`
}

// TradeoffRules is the complete trade-off analysis section.
type TradeoffRules struct {
	Thresholds     TradeoffThresholds `json:"thresholds"`
	SNOMEDCodes    TradeoffCodes      `json:"snomed_codes"`
	Smoking        SmokingRule        `json:"smoking"`
	RxNormOACCodes []string           `json:"rxnorm_oac_codes"`
	Model          TradeoffModel      `json:"model"`
}

// Ruleset is the full clinical ruleset document.
type Ruleset struct {
	Version            string                              `json:"version"`
	Source             string                              `json:"source,omitempty"`
	LabParameters      map[domain.LabParameter]LabRule     `json:"lab_parameters"`
	ConditionRules     ConditionRules                      `json:"condition_rules"`
	MedicationKeywords MedicationKeywords                  `json:"medication_keywords"`
	Tradeoff           TradeoffRules                       `json:"tradeoff"`
}

// Lab returns the rule for a lab parameter.
func (r *Ruleset) Lab(p domain.LabParameter) (LabRule, bool) {
	rule, ok := r.LabParameters[p]
	return rule, ok
}

// Load reads, parses and validates a ruleset file. Any failure is fatal for
// scoring and reported as is.
func Load(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset %s: %w", path, err)
	}

	var rs Ruleset
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse ruleset %s: %w", path, err)
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Loader resolves the ruleset exactly once. A failed load latches its error;
// the process keeps refusing assessments rather than retrying with partial
// rules.
type Loader struct {
	path   string
	logger *logrus.Logger

	once sync.Once
	rs   *Ruleset
	err  error
}

// NewLoader creates a lazy loader for the given ruleset path.
func NewLoader(path string, logger *logrus.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

// Get returns the loaded ruleset, loading it on first use.
func (l *Loader) Get() (*Ruleset, error) {
	l.once.Do(func() {
		l.rs, l.err = Load(l.path)
		if l.err != nil {
			l.logger.WithFields(logrus.Fields{
				"path":  l.path,
				"error": l.err.Error(),
			}).Error("Failed to load clinical ruleset")
			return
		}
		l.logger.WithFields(logrus.Fields{
			"path":    l.path,
			"version": l.rs.Version,
		}).Info("Clinical ruleset loaded")
	})
	if l.err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRulesetNotLoaded, l.err)
	}
	return l.rs, nil
}
