package domain

// ScoreComponent is one row of the PRECISE-HBR breakdown. Score holds the
// per-component display value rounded independently; Contribution carries
// the unrounded value that actually enters the total.
type ScoreComponent struct {
	Parameter    string   `json:"parameter"`
	Value        string   `json:"value,omitempty"`
	RawValue     *float64 `json:"rawValue,omitempty"`
	Score        int      `json:"score"`
	Contribution float64  `json:"-"`
	Present      bool     `json:"present"`
	Available    bool     `json:"available"`
	ARCHBR       bool     `json:"arcHbrElement,omitempty"`
	Date         string   `json:"date,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// ScoreResult is the complete PRECISE-HBR outcome. FinalScore is the
// rounded sum of unrounded contributions, never the sum of per-component
// display scores.
type ScoreResult struct {
	Components  []ScoreComponent `json:"components"`
	RawTotal    float64          `json:"-"`
	FinalScore  int              `json:"finalScore"`
	Category    RiskCategory     `json:"category"`
	BleedingPct float64          `json:"bleedingRiskPercent"`
	ScoreRange  string           `json:"scoreRange"`
	Advice      string           `json:"recommendation"`
}

// Predictor is one hazard-ratio entry of an outcome model.
type Predictor struct {
	Factor      string  `json:"factor"`
	HazardRatio float64 `json:"hazardRatio"`
	Description string  `json:"description,omitempty"`
}

// EventModel groups the predictors for a single outcome.
type EventModel struct {
	BaselineRatePercent float64     `json:"baselineRatePercent"`
	Predictors          []Predictor `json:"predictors"`
}

// ActiveFactors maps predictor factor keys to whether the factor applies
// to the current patient. Keys absent from the map count as inactive.
type ActiveFactors map[string]bool

// TradeoffResult is the outcome of the bleeding versus thrombotic
// hazard-ratio model. Factor lists name the predictors that were active
// for each outcome, in model order.
type TradeoffResult struct {
	BleedingRiskPercent   float64  `json:"bleedingRiskPercent"`
	ThromboticRiskPercent float64  `json:"thromboticRiskPercent"`
	BleedingFactors       []string `json:"bleedingFactors"`
	ThromboticFactors     []string `json:"thromboticFactors"`
}
