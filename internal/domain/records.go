package domain

import "time"

// Coding is a single system/code pair attached to a clinical record.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Quantity is a measured value with its reported unit. Unit may be empty
// when the source omitted it.
type Quantity struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}

// ObservationRecord is a normalized laboratory or survey observation.
// Effective is nil when the source carried no usable timestamp; such
// records sort as oldest during most-recent selection.
type ObservationRecord struct {
	Codings      []Coding   `json:"codings,omitempty"`
	Value        *Quantity  `json:"value,omitempty"`
	ValueCodings []Coding   `json:"valueCodings,omitempty"`
	Effective    *time.Time `json:"effective,omitempty"`
}

// HasCode reports whether any coding matches the given system and code.
func (o ObservationRecord) HasCode(system, code string) bool {
	return codingsContain(o.Codings, system, code)
}

// HasValueCode reports whether any value coding carries the given code.
// Survey answers such as smoking status mix SNOMED and LOINC answer-list
// codes, so matching is by code alone.
func (o ObservationRecord) HasValueCode(code string) bool {
	for _, c := range o.ValueCodings {
		if c.Code == code {
			return true
		}
	}
	return false
}

// ConditionRecord is a normalized problem-list or encounter-diagnosis entry.
type ConditionRecord struct {
	Codings        []Coding `json:"codings,omitempty"`
	Text           string   `json:"text,omitempty"`
	ClinicalStatus string   `json:"clinicalStatus,omitempty"`
}

// HasCode reports whether any coding matches the given system and code.
func (c ConditionRecord) HasCode(system, code string) bool {
	return codingsContain(c.Codings, system, code)
}

// MedicationRecord is a normalized medication order or statement.
type MedicationRecord struct {
	Codings []Coding `json:"codings,omitempty"`
	Text    string   `json:"text,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// HasCode reports whether any coding matches the given system and code.
func (m MedicationRecord) HasCode(system, code string) bool {
	return codingsContain(m.Codings, system, code)
}

// ProcedureRecord is a normalized completed or in-progress procedure.
type ProcedureRecord struct {
	Codings []Coding `json:"codings,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// HasCode reports whether any coding matches the given system and code.
func (p ProcedureRecord) HasCode(system, code string) bool {
	return codingsContain(p.Codings, system, code)
}

func codingsContain(codings []Coding, system, code string) bool {
	for _, c := range codings {
		if c.System == system && c.Code == code {
			return true
		}
	}
	return false
}

// Demographics holds the patient attributes needed for scoring. Age is
// derived once at retrieval time so downstream stages share a single value.
type Demographics struct {
	Name      string     `json:"name,omitempty"`
	Gender    Gender     `json:"gender,omitempty"`
	BirthDate *time.Time `json:"birthDate,omitempty"`
	Age       *int       `json:"age,omitempty"`
}

// ClinicalBundle is the complete per-patient input to the assessment
// pipeline. Categories that could not be retrieved are listed in
// FailedCategories and left empty so scoring degrades gracefully.
type ClinicalBundle struct {
	Demographics        Demographics                           `json:"demographics"`
	Observations        map[LabParameter][]ObservationRecord   `json:"observations,omitempty"`
	SmokingObservations []ObservationRecord                    `json:"smokingObservations,omitempty"`
	Conditions          []ConditionRecord                      `json:"conditions,omitempty"`
	Medications         []MedicationRecord                     `json:"medications,omitempty"`
	Procedures          []ProcedureRecord                      `json:"procedures,omitempty"`
	FailedCategories    []string                               `json:"failedCategories,omitempty"`
}
