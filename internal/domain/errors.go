package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRulesetNotLoaded is returned when scoring is attempted before the
	// clinical ruleset has been loaded and validated.
	ErrRulesetNotLoaded = errors.New("clinical ruleset not loaded")

	// ErrMissingDemographics is returned when a request lacks the patient
	// attributes required to compute any score component.
	ErrMissingDemographics = errors.New("patient demographics unavailable")

	// ErrUnknownFactor is returned when a trade-off override names a factor
	// key that appears in neither outcome model.
	ErrUnknownFactor = errors.New("unknown trade-off factor")
)

// RulesetError reports a fatal defect in the clinical ruleset file. The
// process must refuse to serve assessments while one of these is present.
type RulesetError struct {
	Section string
	Reason  string
}

func (e *RulesetError) Error() string {
	return fmt.Sprintf("ruleset section %q invalid: %s", e.Section, e.Reason)
}
