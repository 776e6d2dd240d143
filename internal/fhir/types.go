// Package fhir retrieves and normalizes patient data from a FHIR R4 server.
// It maps the handful of resource types the assessment pipeline consumes
// (Patient, Observation, Condition, MedicationRequest, Procedure) into the
// domain record shapes; everything else in the resources is ignored.
package fhir

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/precise-hbr-cdss/internal/domain"
)

// searchBundle is the subset of a FHIR searchset Bundle we consume.
type searchBundle struct {
	ResourceType string        `json:"resourceType"`
	Total        *int          `json:"total,omitempty"`
	Entry        []bundleEntry `json:"entry,omitempty"`
}

type bundleEntry struct {
	Resource json.RawMessage `json:"resource,omitempty"`
}

type wireCoding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type wireCodeableConcept struct {
	Coding []wireCoding `json:"coding,omitempty"`
	Text   string       `json:"text,omitempty"`
}

type wireQuantity struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}

type wirePeriod struct {
	Start string `json:"start,omitempty"`
}

type patientResource struct {
	Name []struct {
		Text   string   `json:"text,omitempty"`
		Given  []string `json:"given,omitempty"`
		Family string   `json:"family,omitempty"`
	} `json:"name,omitempty"`
	Gender    string `json:"gender,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
}

type observationResource struct {
	Code                 wireCodeableConcept  `json:"code"`
	ValueQuantity        *wireQuantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *wireCodeableConcept `json:"valueCodeableConcept,omitempty"`
	EffectiveDateTime    string               `json:"effectiveDateTime,omitempty"`
	EffectivePeriod      *wirePeriod          `json:"effectivePeriod,omitempty"`
}

type conditionResource struct {
	Code           wireCodeableConcept `json:"code"`
	ClinicalStatus wireCodeableConcept `json:"clinicalStatus"`
}

type medicationRequestResource struct {
	MedicationCodeableConcept *wireCodeableConcept `json:"medicationCodeableConcept,omitempty"`
	Status                    string               `json:"status,omitempty"`
}

type procedureResource struct {
	Code wireCodeableConcept `json:"code"`
}

func mapCodings(codings []wireCoding) []domain.Coding {
	if len(codings) == 0 {
		return nil
	}
	out := make([]domain.Coding, 0, len(codings))
	for _, c := range codings {
		out = append(out, domain.Coding{System: c.System, Code: c.Code, Display: c.Display})
	}
	return out
}

// effectiveTimeLayouts covers the datetime precisions FHIR permits on
// effective[x]. Year and year-month records keep only what the server sent.
var effectiveTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseEffective(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range effectiveTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}

func (o observationResource) toDomain() domain.ObservationRecord {
	rec := domain.ObservationRecord{
		Codings: mapCodings(o.Code.Coding),
	}
	if o.ValueQuantity != nil {
		rec.Value = &domain.Quantity{Value: o.ValueQuantity.Value, Unit: o.ValueQuantity.Unit}
	}
	if o.ValueCodeableConcept != nil {
		rec.ValueCodings = mapCodings(o.ValueCodeableConcept.Coding)
	}
	if o.EffectiveDateTime != "" {
		rec.Effective = parseEffective(o.EffectiveDateTime)
	} else if o.EffectivePeriod != nil {
		rec.Effective = parseEffective(o.EffectivePeriod.Start)
	}
	return rec
}

func (c conditionResource) toDomain() domain.ConditionRecord {
	rec := domain.ConditionRecord{
		Codings: mapCodings(c.Code.Coding),
		Text:    c.Code.Text,
	}
	for _, coding := range c.ClinicalStatus.Coding {
		if coding.Code != "" {
			rec.ClinicalStatus = coding.Code
			break
		}
	}
	if rec.ClinicalStatus == "" {
		rec.ClinicalStatus = c.ClinicalStatus.Text
	}
	return rec
}

func (m medicationRequestResource) toDomain() domain.MedicationRecord {
	rec := domain.MedicationRecord{Status: m.Status}
	if m.MedicationCodeableConcept != nil {
		rec.Codings = mapCodings(m.MedicationCodeableConcept.Coding)
		rec.Text = m.MedicationCodeableConcept.Text
	}
	return rec
}

func (p procedureResource) toDomain() domain.ProcedureRecord {
	return domain.ProcedureRecord{
		Codings: mapCodings(p.Code.Coding),
		Text:    p.Code.Text,
	}
}

// toDemographics extracts name, gender, birth date and whole-year age from a
// Patient resource. A formatted name text wins over assembling given/family
// parts. Unparseable birth dates leave both BirthDate and Age unset.
func (p patientResource) toDemographics(now time.Time) domain.Demographics {
	demo := domain.Demographics{Name: "Unknown", Gender: domain.GenderUnknown}

	if len(p.Name) > 0 {
		name := p.Name[0]
		if name.Text != "" {
			demo.Name = name.Text
		} else {
			parts := append([]string{}, name.Given...)
			if name.Family != "" {
				parts = append(parts, name.Family)
			}
			if joined := strings.TrimSpace(strings.Join(parts, " ")); joined != "" {
				demo.Name = joined
			}
		}
	}

	switch p.Gender {
	case "male":
		demo.Gender = domain.GenderMale
	case "female":
		demo.Gender = domain.GenderFemale
	}

	if p.BirthDate != "" {
		if birth, err := time.Parse("2006-01-02", p.BirthDate); err == nil {
			demo.BirthDate = &birth
			age := domain.AgeInYears(birth, now)
			demo.Age = &age
		}
	}

	return demo
}
