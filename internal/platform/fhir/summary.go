package fhir

import (
	"fmt"
	"strings"
)

// PatientBundle groups the normalized entities produced by one sync.
type PatientBundle struct {
	Patient      Person            `json:"patient"`
	Conditions   []Condition       `json:"conditions"`
	Medications  []MedicationOrder `json:"medications"`
	Documents    []DocumentRef     `json:"documents"`
	Observations []Observation     `json:"observations"`
}

// Summary section caps. Documents and labs are already recency-ordered, so
// the caps keep the newest entries.
const (
	summaryDocumentLimit = 3
	summaryLabLimit      = 5
)

// BuildClinicalSummary renders a sectioned plain-text overview of a patient
// bundle: demographics, active diagnoses, current medications, recent
// documents, and recent laboratory results. It is a pure function of its
// input; the same bundle always yields the same text.
func BuildClinicalSummary(b PatientBundle) string {
	var sb strings.Builder

	p := b.Patient
	sb.WriteString("PATIENT SUMMARY\n")
	sb.WriteString("===============\n\n")
	sb.WriteString("Demographics\n------------\n")
	fmt.Fprintf(&sb, "Name: %s\n", p.Name)
	if p.MRN != "" {
		fmt.Fprintf(&sb, "MRN: %s\n", p.MRN)
	}
	if p.BirthDate != "" {
		if p.Age > 0 {
			fmt.Fprintf(&sb, "Date of birth: %s (age %d)\n", p.BirthDate, p.Age)
		} else {
			fmt.Fprintf(&sb, "Date of birth: %s\n", p.BirthDate)
		}
	}
	if p.Sex != "" {
		fmt.Fprintf(&sb, "Sex: %s\n", p.Sex)
	}

	sb.WriteString("\nDiagnoses\n---------\n")
	active := 0
	for _, c := range b.Conditions {
		// Unspecified status counts as reportable; only explicitly
		// resolved/inactive problems are excluded.
		if c.ClinicalStatus != "" && c.ClinicalStatus != "active" {
			continue
		}
		active++
		line := c.Display
		if c.OnsetDate != nil {
			line += fmt.Sprintf(" (onset %s)", c.OnsetDate.Format("2006-01-02"))
		}
		if c.Severity != "" {
			line += ", " + c.Severity
		}
		fmt.Fprintf(&sb, "- %s\n", line)
	}
	if active == 0 {
		sb.WriteString("No active diagnoses on record.\n")
	}

	sb.WriteString("\nCurrent Medications\n-------------------\n")
	current := 0
	for _, m := range b.Medications {
		if m.Status != "" && m.Status != "active" && m.Status != "unknown" {
			continue
		}
		current++
		line := m.Name
		if m.Dosage != "" {
			line += " — " + m.Dosage
		}
		if m.Frequency != "" {
			line += ", " + m.Frequency
		}
		fmt.Fprintf(&sb, "- %s\n", line)
	}
	if current == 0 {
		sb.WriteString("No current medications on record.\n")
	}

	sb.WriteString("\nRecent Documents\n----------------\n")
	docs := b.Documents
	if len(docs) > summaryDocumentLimit {
		docs = docs[:summaryDocumentLimit]
	}
	for _, d := range docs {
		line := d.Type
		if line == "" {
			line = d.Description
		}
		if d.Date != nil {
			line += fmt.Sprintf(" (%s)", d.Date.Format("2006-01-02"))
		}
		if d.Author != "" {
			line += " by " + d.Author
		}
		fmt.Fprintf(&sb, "- %s\n", line)
	}
	if len(docs) == 0 {
		sb.WriteString("No documents on record.\n")
	}

	sb.WriteString("\nRecent Lab Results\n------------------\n")
	labs := 0
	for _, o := range b.Observations {
		if labs >= summaryLabLimit {
			break
		}
		if !strings.EqualFold(o.Category, "laboratory") {
			continue
		}
		labs++
		line := o.Display + ": " + o.Value
		if o.Unit != "" {
			line += " " + o.Unit
		}
		if o.ReferenceRange != "" {
			line += " (ref " + o.ReferenceRange + ")"
		}
		if o.EffectiveDate != nil {
			line += ", " + o.EffectiveDate.Format("2006-01-02")
		}
		fmt.Fprintf(&sb, "- %s\n", line)
	}
	if labs == 0 {
		sb.WriteString("No laboratory results on record.\n")
	}

	return sb.String()
}

// DocumentNotes flattens the inline contents of the given documents into the
// denormalized clinical-notes text stored on the snapshot. External-only
// documents contribute their metadata line without content.
func DocumentNotes(docs []DocumentRef) string {
	var sb strings.Builder
	for i, d := range docs {
		if i > 0 {
			sb.WriteString("\n\n----------------------------------------\n\n")
		}
		header := d.Type
		if header == "" {
			header = "Clinical Document"
		}
		if d.Date != nil {
			header += " — " + d.Date.Format("2006-01-02")
		}
		if d.Author != "" {
			header += " — " + d.Author
		}
		sb.WriteString(header + "\n\n")

		switch {
		case d.Content != "":
			sb.WriteString(d.Content)
		case d.ContentURL != "":
			sb.WriteString("[external document: " + d.ContentURL + "]")
		case d.Description != "":
			sb.WriteString(d.Description)
		}
	}
	return sb.String()
}
