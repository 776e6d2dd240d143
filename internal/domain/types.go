// Package domain contains the core business entities for bleeding-risk
// assessment following the PRECISE-HBR score and the ARC-HBR
// (Academic Research Consortium High Bleeding Risk) criteria.
//
// Reference: Urban et al. (2019) Defining high bleeding risk in patients
// undergoing percutaneous coronary intervention. Eur Heart J. 40(31):2632-2653.
package domain

import "time"

// LabParameter identifies one of the laboratory values consumed by the
// PRECISE-HBR score.
type LabParameter string

const (
	ParamEGFR       LabParameter = "EGFR"
	ParamCreatinine LabParameter = "CREATININE"
	ParamHemoglobin LabParameter = "HEMOGLOBIN"
	ParamWBC        LabParameter = "WBC"
	ParamPlatelets  LabParameter = "PLATELETS"
)

// LabParameters lists all lab parameters in a stable order, used for
// retrieval loops and deterministic output.
var LabParameters = []LabParameter{
	ParamEGFR,
	ParamCreatinine,
	ParamHemoglobin,
	ParamWBC,
	ParamPlatelets,
}

// IsValid validates the lab parameter key.
func (p LabParameter) IsValid() bool {
	switch p {
	case ParamEGFR, ParamCreatinine, ParamHemoglobin, ParamWBC, ParamPlatelets:
		return true
	default:
		return false
	}
}

func (p LabParameter) String() string {
	return string(p)
}

// Gender represents administrative gender as reported by the clinical
// data source.
type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderUnknown Gender = "unknown"
)

// IsValid reports whether the gender is one of the recognized values.
func (g Gender) IsValid() bool {
	switch g {
	case GenderMale, GenderFemale, GenderUnknown:
		return true
	default:
		return false
	}
}

func (g Gender) String() string {
	return string(g)
}

// RiskCategory is the PRECISE-HBR risk stratum derived from the final score.
type RiskCategory string

const (
	CategoryNotHBR  RiskCategory = "Not high bleeding risk"
	CategoryHBR     RiskCategory = "HBR"
	CategoryVeryHBR RiskCategory = "Very HBR"
)

// IsValid validates the risk category. Only the three published strata are
// permitted in clinical output.
func (c RiskCategory) IsValid() bool {
	switch c {
	case CategoryNotHBR, CategoryHBR, CategoryVeryHBR:
		return true
	default:
		return false
	}
}

func (c RiskCategory) String() string {
	return string(c)
}

// EventType identifies one of the two outcome buckets of the trade-off model.
type EventType string

const (
	EventBleeding   EventType = "bleeding"
	EventThrombotic EventType = "thrombotic"
)

// AgeInYears computes whole years between birth and now, the convention used
// for all age-dependent scoring inputs.
func AgeInYears(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}
