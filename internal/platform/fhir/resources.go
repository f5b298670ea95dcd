// Package fhir holds the partial FHIR R4 resource models this service
// consumes from Epic and the normalizers that flatten them into the portal's
// internal shapes. Only the fields the normalizers read are modeled; decoding
// is defensive field-by-field, never speculative.
package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidResource is returned when a payload's top-level shape is not the
// expected resource kind. Malformed optional sub-fields never produce it.
var ErrInvalidResource = errors.New("fhir: invalid resource payload")

// Coding represents a FHIR Coding.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept represents a FHIR CodeableConcept.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// First returns the first coding, or a zero Coding when absent.
func (c *CodeableConcept) First() Coding {
	if c == nil || len(c.Coding) == 0 {
		return Coding{}
	}
	return c.Coding[0]
}

// Label returns the best human-readable rendering of the concept: the first
// coding's display, then the free text, then the first code itself.
func (c *CodeableConcept) Label() string {
	if c == nil {
		return ""
	}
	if d := c.First().Display; d != "" {
		return d
	}
	if c.Text != "" {
		return c.Text
	}
	return c.First().Code
}

// HumanName represents a FHIR HumanName.
type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
}

// ContactPoint represents a FHIR ContactPoint.
type ContactPoint struct {
	System string `json:"system,omitempty"` // phone | email | ...
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// Address represents a FHIR Address.
type Address struct {
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// Reference represents a FHIR Reference.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Quantity represents a FHIR Quantity.
type Quantity struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
	Code  string   `json:"code,omitempty"`
}

// Period represents a FHIR Period.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Annotation represents a FHIR Annotation.
type Annotation struct {
	Text string `json:"text,omitempty"`
}

// PatientResource is the partial FHIR Patient this service reads.
type PatientResource struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Gender       string         `json:"gender,omitempty"`
	BirthDate    string         `json:"birthDate,omitempty"`
	Identifier   []Identifier   `json:"identifier,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	Address      []Address      `json:"address,omitempty"`
}

// ConditionResource is the partial FHIR Condition this service reads.
type ConditionResource struct {
	ResourceType       string            `json:"resourceType"`
	ID                 string            `json:"id,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Severity           *CodeableConcept  `json:"severity,omitempty"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
}

// DosageInstruction is the partial FHIR Dosage this service reads.
type DosageInstruction struct {
	Text               string           `json:"text,omitempty"`
	PatientInstruction string           `json:"patientInstruction,omitempty"`
	Route              *CodeableConcept `json:"route,omitempty"`
	Timing             *struct {
		Code   *CodeableConcept `json:"code,omitempty"`
		Repeat *struct {
			Frequency  int     `json:"frequency,omitempty"`
			Period     float64 `json:"period,omitempty"`
			PeriodUnit string  `json:"periodUnit,omitempty"`
		} `json:"repeat,omitempty"`
	} `json:"timing,omitempty"`
	DoseAndRate []struct {
		DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
	} `json:"doseAndRate,omitempty"`
}

// MedicationRequestResource is the partial FHIR MedicationRequest this
// service reads.
type MedicationRequestResource struct {
	ResourceType              string              `json:"resourceType"`
	ID                        string              `json:"id,omitempty"`
	Status                    string              `json:"status,omitempty"`
	Intent                    string              `json:"intent,omitempty"`
	MedicationCodeableConcept *CodeableConcept    `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference          `json:"medicationReference,omitempty"`
	AuthoredOn                string              `json:"authoredOn,omitempty"`
	DosageInstruction         []DosageInstruction `json:"dosageInstruction,omitempty"`
	DispenseRequest           *struct {
		Quantity               *Quantity `json:"quantity,omitempty"`
		NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	} `json:"dispenseRequest,omitempty"`
}

// Attachment represents a FHIR Attachment.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        string `json:"data,omitempty"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
}

// DocumentReferenceResource is the partial FHIR DocumentReference this
// service reads.
type DocumentReferenceResource struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Type         *CodeableConcept  `json:"type,omitempty"`
	Category     []CodeableConcept `json:"category,omitempty"`
	Date         string            `json:"date,omitempty"`
	Author       []Reference       `json:"author,omitempty"`
	Description  string            `json:"description,omitempty"`
	Content      []struct {
		Attachment Attachment `json:"attachment"`
	} `json:"content,omitempty"`
	Context *struct {
		Period *Period `json:"period,omitempty"`
	} `json:"context,omitempty"`
}

// ObservationResource is the partial FHIR Observation this service reads.
type ObservationResource struct {
	ResourceType         string            `json:"resourceType"`
	ID                   string            `json:"id,omitempty"`
	Status               string            `json:"status,omitempty"`
	Code                 *CodeableConcept  `json:"code,omitempty"`
	Category             []CodeableConcept `json:"category,omitempty"`
	EffectiveDateTime    string            `json:"effectiveDateTime,omitempty"`
	ValueQuantity        *Quantity         `json:"valueQuantity,omitempty"`
	ValueString          *string           `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept  `json:"valueCodeableConcept,omitempty"`
	ValueBoolean         *bool             `json:"valueBoolean,omitempty"`
	Interpretation       []CodeableConcept `json:"interpretation,omitempty"`
	ReferenceRange       []struct {
		Low  *Quantity `json:"low,omitempty"`
		High *Quantity `json:"high,omitempty"`
		Text string    `json:"text,omitempty"`
	} `json:"referenceRange,omitempty"`
}

// Bundle is the container Epic returns for search interactions.
type Bundle struct {
	ResourceType string `json:"resourceType"`
	Type         string `json:"type,omitempty"`
	Total        *int   `json:"total,omitempty"`
	Entry        []struct {
		Resource json.RawMessage `json:"resource,omitempty"`
	} `json:"entry,omitempty"`
}

// DecodeBundle parses a FHIR Bundle payload. Any top-level shape other than
// a Bundle fails with ErrInvalidResource.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: expected Bundle, got %q", ErrInvalidResource, b.ResourceType)
	}
	return &b, nil
}

// Resources returns the raw resource payloads of the bundle's entries,
// skipping entries with no resource.
func (b *Bundle) Resources() []json.RawMessage {
	if b == nil {
		return nil
	}
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out
}
