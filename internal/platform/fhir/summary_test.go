package fhir

import (
	"strings"
	"testing"
	"time"
)

func datePtr(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

func sampleBundle() PatientBundle {
	return PatientBundle{
		Patient: Person{
			ID: "p1", Name: "Keisha Washington", MRN: "MRN-204631",
			BirthDate: "1987-09-12", Age: 38, Sex: "female",
		},
		Conditions: []Condition{
			{ID: "c1", Display: "Type 2 diabetes", ClinicalStatus: "active", OnsetDate: datePtr("2019-03-01")},
			{ID: "c2", Display: "Ankle sprain", ClinicalStatus: "resolved"},
			{ID: "c3", Display: "Hypertension"},
		},
		Medications: []MedicationOrder{
			{ID: "m1", Name: "Metformin 500 MG", Status: "active", Dosage: "1 tablet", Frequency: "twice daily"},
			{ID: "m2", Name: "Amoxicillin", Status: "completed"},
			{ID: "m3", Name: "Lisinopril 10 MG", Status: "unknown"},
		},
		Documents: []DocumentRef{
			{ID: "d1", Type: "Progress Note", Date: datePtr("2024-06-02")},
			{ID: "d2", Type: "Discharge Summary", Date: datePtr("2024-05-10")},
			{ID: "d3", Type: "Consult Note", Date: datePtr("2024-04-01")},
			{ID: "d4", Type: "Old Note", Date: datePtr("2023-01-01")},
		},
		Observations: []Observation{
			{ID: "o1", Display: "Glucose", Category: "laboratory", Value: "98.5", Unit: "mg/dL"},
			{ID: "o2", Display: "Blood pressure", Category: "vital-signs", Value: "120/80"},
			{ID: "o3", Display: "HbA1c", Category: "laboratory", Value: "6.8", Unit: "%"},
		},
	}
}

func TestBuildClinicalSummarySections(t *testing.T) {
	text := BuildClinicalSummary(sampleBundle())

	for _, want := range []string{
		"Keisha Washington",
		"MRN: MRN-204631",
		"Type 2 diabetes",
		"Hypertension", // unspecified status counts as reportable
		"Metformin 500 MG",
		"Lisinopril 10 MG", // unknown status counts as current
		"Progress Note",
		"Glucose: 98.5 mg/dL",
		"HbA1c: 6.8 %",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q", want)
		}
	}

	for _, absent := range []string{
		"Ankle sprain",      // resolved condition excluded
		"Amoxicillin",       // completed medication excluded
		"Old Note",          // fourth document beyond the cap
		"Blood pressure",    // non-laboratory observation excluded
	} {
		if strings.Contains(text, absent) {
			t.Errorf("summary should not contain %q", absent)
		}
	}
}

func TestBuildClinicalSummaryDeterministic(t *testing.T) {
	a := BuildClinicalSummary(sampleBundle())
	b := BuildClinicalSummary(sampleBundle())
	if a != b {
		t.Fatal("same bundle produced different summaries")
	}
}

func TestBuildClinicalSummaryEmptySections(t *testing.T) {
	text := BuildClinicalSummary(PatientBundle{Patient: Person{Name: "Sam Ortiz"}})

	for _, want := range []string{
		"No active diagnoses on record.",
		"No current medications on record.",
		"No documents on record.",
		"No laboratory results on record.",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q", want)
		}
	}
}

func TestDocumentNotes(t *testing.T) {
	notes := DocumentNotes([]DocumentRef{
		{Type: "Progress Note", Date: datePtr("2024-06-02"), Author: "Dr. Okafor", Content: "Doing well."},
		{Type: "Imaging Report", ContentURL: "Binary/xyz"},
		{Description: "Scanned referral"},
	})

	for _, want := range []string{
		"Progress Note — 2024-06-02 — Dr. Okafor",
		"Doing well.",
		"[external document: Binary/xyz]",
		"Clinical Document",
		"Scanned referral",
	} {
		if !strings.Contains(notes, want) {
			t.Errorf("notes missing %q", want)
		}
	}

	if DocumentNotes(nil) != "" {
		t.Error("no documents should produce empty notes")
	}
}
