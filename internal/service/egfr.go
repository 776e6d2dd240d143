package service

import (
	"math"

	"github.com/precise-hbr-cdss/internal/domain"
)

// EGFRMethod names the CKD-EPI 2021 creatinine equation used when no direct
// eGFR observation is available.
const EGFRMethod = "CKD-EPI 2021"

// CalculateEGFR estimates the glomerular filtration rate from serum
// creatinine (mg/dL) using the race-free CKD-EPI 2021 equation. The result
// is rounded to the nearest whole mL/min/1.73m2. Returns false when the
// inputs cannot support the calculation.
func CalculateEGFR(creatinine float64, age int, gender domain.Gender) (float64, bool) {
	if creatinine <= 0 || age <= 0 {
		return 0, false
	}
	if gender != domain.GenderMale && gender != domain.GenderFemale {
		return 0, false
	}

	k := 0.9
	alpha := -0.302
	if gender == domain.GenderFemale {
		k = 0.7
		alpha = -0.241
	}

	ratio := creatinine / k
	egfr := 142 *
		math.Pow(math.Min(ratio, 1), alpha) *
		math.Pow(math.Max(ratio, 1), -1.2) *
		math.Pow(0.9938, float64(age))
	if gender == domain.GenderFemale {
		egfr *= 1.012
	}

	return math.Round(egfr), true
}
