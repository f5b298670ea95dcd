package fhir

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Normalized entity shapes. These are what the rest of the system (snapshot
// persistence, summary generation, the portal API) consumes; nothing outside
// this package reads raw FHIR.

type Person struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Sex        string `json:"sex,omitempty"`
	BirthDate  string `json:"birth_date,omitempty"`
	Age        int    `json:"age,omitempty"`
	MRN        string `json:"mrn,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Address    string `json:"address,omitempty"`
}

type Condition struct {
	ID                 string     `json:"id"`
	System             string     `json:"system,omitempty"`
	Code               string     `json:"code,omitempty"`
	Display            string     `json:"display"`
	ClinicalStatus     string     `json:"clinical_status,omitempty"`
	VerificationStatus string     `json:"verification_status,omitempty"`
	Category           string     `json:"category,omitempty"`
	Severity           string     `json:"severity,omitempty"`
	OnsetDate          *time.Time `json:"onset_date,omitempty"`
	Note               string     `json:"note,omitempty"`
}

type MedicationOrder struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Code                string     `json:"code,omitempty"`
	Status              string     `json:"status,omitempty"`
	Intent              string     `json:"intent,omitempty"`
	Dosage              string     `json:"dosage,omitempty"`
	Frequency           string     `json:"frequency,omitempty"`
	Route               string     `json:"route,omitempty"`
	Quantity            string     `json:"quantity,omitempty"`
	Refills             int        `json:"refills,omitempty"`
	PrescribedDate      *time.Time `json:"prescribed_date,omitempty"`
	PatientInstructions string     `json:"patient_instructions,omitempty"`
}

type DocumentRef struct {
	ID          string     `json:"id"`
	Type        string     `json:"type,omitempty"`
	Category    string     `json:"category,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
	Author      string     `json:"author,omitempty"`
	Description string     `json:"description,omitempty"`
	Content     string     `json:"content,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	ContentURL  string     `json:"content_url,omitempty"`
}

type Observation struct {
	ID             string     `json:"id"`
	Code           string     `json:"code,omitempty"`
	Display        string     `json:"display"`
	Category       string     `json:"category,omitempty"`
	Value          string     `json:"value,omitempty"`
	Unit           string     `json:"unit,omitempty"`
	ReferenceRange string     `json:"reference_range,omitempty"`
	Status         string     `json:"status,omitempty"`
	EffectiveDate  *time.Time `json:"effective_date,omitempty"`
	Interpretation string     `json:"interpretation,omitempty"`
}

// fhirDateLayouts covers the precision levels FHIR dates arrive in.
var fhirDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// parseFHIRDate parses a FHIR date/dateTime string. Unparseable or empty
// input returns nil, which normalization treats as the lowest sort key.
func parseFHIRDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range fhirDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// sortByDateDesc orders entries newest-first; entries with no parseable date
// sort last. The sort is stable so equal dates keep upstream order.
func sortByDateDesc[T any](items []T, dateOf func(T) *time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := dateOf(items[i]), dateOf(items[j])
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

// ageAt computes whole years between a birth date and now, decrementing when
// the birthday has not yet occurred this year.
func ageAt(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// NormalizePatient flattens a FHIR Patient payload into a Person. Only a
// structurally wrong top-level shape fails; missing optional fields degrade
// to zero values.
func NormalizePatient(raw json.RawMessage) (*Person, error) {
	var p PatientResource
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	if p.ResourceType != "Patient" {
		return nil, fmt.Errorf("%w: expected Patient, got %q", ErrInvalidResource, p.ResourceType)
	}

	person := &Person{
		ID:        p.ID,
		Sex:       p.Gender,
		BirthDate: p.BirthDate,
	}

	if len(p.Name) > 0 {
		n := p.Name[0]
		person.GivenName = strings.Join(n.Given, " ")
		person.FamilyName = n.Family
		if n.Text != "" {
			person.Name = n.Text
		} else {
			person.Name = strings.TrimSpace(person.GivenName + " " + n.Family)
		}
	}

	if birth := parseFHIRDate(p.BirthDate); birth != nil {
		person.Age = ageAt(*birth, time.Now().UTC())
	}

	// Prefer the identifier explicitly typed as a medical record number,
	// falling back to the first identifier present.
	for _, id := range p.Identifier {
		if id.Type != nil && id.Type.First().Code == "MR" {
			person.MRN = id.Value
			break
		}
	}
	if person.MRN == "" && len(p.Identifier) > 0 {
		person.MRN = p.Identifier[0].Value
	}

	for _, t := range p.Telecom {
		switch t.System {
		case "phone":
			if person.Phone == "" {
				person.Phone = t.Value
			}
		case "email":
			if person.Email == "" {
				person.Email = t.Value
			}
		}
	}

	if len(p.Address) > 0 {
		person.Address = formatAddress(p.Address[0])
	}

	return person, nil
}

func formatAddress(a Address) string {
	var parts []string
	if len(a.Line) > 0 {
		parts = append(parts, strings.Join(a.Line, ", "))
	}
	if a.City != "" {
		parts = append(parts, a.City)
	}
	region := strings.TrimSpace(a.State + " " + a.PostalCode)
	if region != "" {
		parts = append(parts, region)
	}
	if a.Country != "" {
		parts = append(parts, a.Country)
	}
	return strings.Join(parts, ", ")
}

// NormalizeConditions flattens the Condition entries of a bundle, silently
// skipping entries of other kinds, ordered descending by onset date.
func NormalizeConditions(b *Bundle) []Condition {
	out := []Condition{}
	for _, raw := range b.Resources() {
		var c ConditionResource
		if err := json.Unmarshal(raw, &c); err != nil || c.ResourceType != "Condition" {
			continue
		}

		display := c.Code.Label()
		if display == "" {
			display = "Unknown condition"
		}

		cond := Condition{
			ID:                 c.ID,
			System:             c.Code.First().System,
			Code:               c.Code.First().Code,
			Display:            display,
			ClinicalStatus:     c.ClinicalStatus.First().Code,
			VerificationStatus: c.VerificationStatus.First().Code,
			Severity:           c.Severity.Label(),
		}
		if len(c.Category) > 0 {
			cond.Category = c.Category[0].Label()
		}
		if len(c.Note) > 0 {
			cond.Note = c.Note[0].Text
		}

		// Onset wins over the recorded date when both are present.
		cond.OnsetDate = parseFHIRDate(c.OnsetDateTime)
		if cond.OnsetDate == nil {
			cond.OnsetDate = parseFHIRDate(c.RecordedDate)
		}

		out = append(out, cond)
	}

	sortByDateDesc(out, func(c Condition) *time.Time { return c.OnsetDate })
	return out
}

// NormalizeMedications flattens the MedicationRequest entries of a bundle,
// ordered descending by prescribed date.
func NormalizeMedications(b *Bundle) []MedicationOrder {
	out := []MedicationOrder{}
	for _, raw := range b.Resources() {
		var m MedicationRequestResource
		if err := json.Unmarshal(raw, &m); err != nil || m.ResourceType != "MedicationRequest" {
			continue
		}

		med := MedicationOrder{
			ID:             m.ID,
			Name:           m.MedicationCodeableConcept.Label(),
			Code:           m.MedicationCodeableConcept.First().Code,
			Status:         m.Status,
			Intent:         m.Intent,
			PrescribedDate: parseFHIRDate(m.AuthoredOn),
		}
		if med.Name == "" && m.MedicationReference != nil {
			med.Name = m.MedicationReference.Display
		}

		if len(m.DosageInstruction) > 0 {
			d := m.DosageInstruction[0]
			med.Dosage = d.Text
			med.PatientInstructions = d.PatientInstruction
			med.Route = d.Route.Label()
			if d.Timing != nil {
				if d.Timing.Code != nil {
					med.Frequency = d.Timing.Code.Label()
				}
				if med.Frequency == "" && d.Timing.Repeat != nil && d.Timing.Repeat.Frequency > 0 {
					med.Frequency = fmt.Sprintf("%dx per %g %s",
						d.Timing.Repeat.Frequency, d.Timing.Repeat.Period, d.Timing.Repeat.PeriodUnit)
				}
			}
			if med.Dosage == "" && len(d.DoseAndRate) > 0 {
				med.Dosage = formatQuantity(d.DoseAndRate[0].DoseQuantity)
			}
		}

		if m.DispenseRequest != nil {
			med.Quantity = formatQuantity(m.DispenseRequest.Quantity)
			med.Refills = m.DispenseRequest.NumberOfRepeatsAllowed
			if med.Dosage == "" {
				med.Dosage = med.Quantity
			}
		}

		out = append(out, med)
	}

	sortByDateDesc(out, func(m MedicationOrder) *time.Time { return m.PrescribedDate })
	return out
}

func formatQuantity(q *Quantity) string {
	if q == nil || q.Value == nil {
		return ""
	}
	s := strconv.FormatFloat(*q.Value, 'f', -1, 64)
	unit := q.Unit
	if unit == "" {
		unit = q.Code
	}
	if unit != "" {
		s += " " + unit
	}
	return s
}

// NormalizeDocuments flattens the DocumentReference entries of a bundle,
// ordered descending by document date. Inline base64 content is decoded;
// external content keeps its URL.
func NormalizeDocuments(b *Bundle) []DocumentRef {
	out := []DocumentRef{}
	for _, raw := range b.Resources() {
		var d DocumentReferenceResource
		if err := json.Unmarshal(raw, &d); err != nil || d.ResourceType != "DocumentReference" {
			continue
		}

		doc := DocumentRef{
			ID:          d.ID,
			Type:        d.Type.Label(),
			Description: d.Description,
		}
		if len(d.Category) > 0 {
			doc.Category = d.Category[0].Label()
		}
		if len(d.Author) > 0 {
			doc.Author = d.Author[0].Display
		}

		// An explicit document date wins over the encounter period start.
		doc.Date = parseFHIRDate(d.Date)
		if doc.Date == nil && d.Context != nil && d.Context.Period != nil {
			doc.Date = parseFHIRDate(d.Context.Period.Start)
		}

		if len(d.Content) > 0 {
			att := d.Content[0].Attachment
			doc.ContentType = att.ContentType
			doc.ContentURL = att.URL
			if att.Data != "" {
				if decoded, err := base64.StdEncoding.DecodeString(att.Data); err == nil {
					doc.Content = string(decoded)
				}
			}
		}

		out = append(out, doc)
	}

	sortByDateDesc(out, func(d DocumentRef) *time.Time { return d.Date })
	return out
}

// NormalizeObservations flattens the Observation entries of a bundle,
// ordered descending by effective date. Each observation's value takes
// exactly one of four shapes: numeric quantity, free string, coded concept
// display, or a boolean rendered Yes/No.
func NormalizeObservations(b *Bundle) []Observation {
	out := []Observation{}
	for _, raw := range b.Resources() {
		var o ObservationResource
		if err := json.Unmarshal(raw, &o); err != nil || o.ResourceType != "Observation" {
			continue
		}

		obs := Observation{
			ID:            o.ID,
			Code:          o.Code.First().Code,
			Display:       o.Code.Label(),
			Status:        o.Status,
			EffectiveDate: parseFHIRDate(o.EffectiveDateTime),
		}
		if len(o.Category) > 0 {
			obs.Category = o.Category[0].First().Code
			if obs.Category == "" {
				obs.Category = o.Category[0].Text
			}
		}
		if len(o.Interpretation) > 0 {
			obs.Interpretation = o.Interpretation[0].Label()
		}

		switch {
		case o.ValueQuantity != nil:
			if o.ValueQuantity.Value != nil {
				obs.Value = strconv.FormatFloat(*o.ValueQuantity.Value, 'f', -1, 64)
			}
			obs.Unit = o.ValueQuantity.Unit
		case o.ValueString != nil:
			obs.Value = *o.ValueString
		case o.ValueCodeableConcept != nil:
			obs.Value = o.ValueCodeableConcept.Label()
		case o.ValueBoolean != nil:
			if *o.ValueBoolean {
				obs.Value = "Yes"
			} else {
				obs.Value = "No"
			}
		}

		if len(o.ReferenceRange) > 0 {
			rr := o.ReferenceRange[0]
			if rr.Text != "" {
				obs.ReferenceRange = rr.Text
			} else if rr.Low != nil || rr.High != nil {
				obs.ReferenceRange = strings.TrimSpace(formatQuantity(rr.Low) + " - " + formatQuantity(rr.High))
			}
		}

		out = append(out, obs)
	}

	sortByDateDesc(out, func(o Observation) *time.Time { return o.EffectiveDate })
	return out
}
