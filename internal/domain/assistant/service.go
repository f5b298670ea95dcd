// Package assistant answers clinician questions about a synced patient from
// a fixed keyword rule table over the local snapshot. There is no inference
// involved; every intent maps to a deterministic rendering of stored data.
package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/plasmahealth/plasma-server/internal/domain/epic"
	"github.com/plasmahealth/plasma-server/internal/platform/fhir"
)

// SnapshotReader is the slice of the Epic domain the assistant needs.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, principal uuid.UUID, patientID string, meta epic.ClientMeta) (*epic.PatientSnapshot, error)
}

type Service struct {
	snapshots SnapshotReader
}

func NewService(snapshots SnapshotReader) *Service {
	return &Service{snapshots: snapshots}
}

// Answer holds the assistant's response plus the intent that produced it,
// so the client can render intent-specific UI.
type Answer struct {
	Intent string `json:"intent"`
	Text   string `json:"text"`
}

// intent keywords, checked in order; the first matching rule wins.
var rules = []struct {
	intent   string
	keywords []string
}{
	{"medications", []string{"medication", "medicine", "drug", "prescription", "taking"}},
	{"diagnoses", []string{"diagnos", "condition", "problem", "disease"}},
	{"notes", []string{"note", "document", "report", "chart"}},
	{"summary", []string{"summary", "summarize", "overview"}},
}

func classify(question string) string {
	q := strings.ToLower(question)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(q, kw) {
				return r.intent
			}
		}
	}
	return "default"
}

// Ask answers a question about a previously synced patient.
func (s *Service) Ask(ctx context.Context, principal uuid.UUID, patientID, question string, meta epic.ClientMeta) (*Answer, error) {
	snap, err := s.snapshots.GetSnapshot(ctx, principal, patientID, meta)
	if err != nil {
		return nil, err
	}

	intent := classify(question)
	var text string
	switch intent {
	case "medications":
		text = renderMedications(snap)
	case "diagnoses":
		text = renderDiagnoses(snap)
	case "notes":
		text = renderNotes(snap)
	case "summary":
		text = renderSummary(snap)
	default:
		text = fmt.Sprintf(
			"I can answer questions about %s's medications, diagnoses, clinical notes, or give you an overall summary. Try asking about one of those.",
			snap.Name)
	}
	return &Answer{Intent: intent, Text: text}, nil
}

func renderMedications(snap *epic.PatientSnapshot) string {
	if len(snap.Medications) == 0 {
		return fmt.Sprintf("%s has no medications on record.", snap.Name)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s has %d medication(s) on record:\n", snap.Name, len(snap.Medications))
	for _, m := range snap.Medications {
		line := "- " + m.Name
		if m.Status != "" {
			line += " (" + m.Status + ")"
		}
		if m.Dosage != "" {
			line += ": " + m.Dosage
		}
		if m.Frequency != "" {
			line += ", " + m.Frequency
		}
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderDiagnoses(snap *epic.PatientSnapshot) string {
	if len(snap.Diagnoses) == 0 {
		return fmt.Sprintf("%s has no diagnoses on record.", snap.Name)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s has %d diagnosis(es) on record:\n", snap.Name, len(snap.Diagnoses))
	for _, d := range snap.Diagnoses {
		line := "- " + d.Display
		if d.ClinicalStatus != "" {
			line += " (" + d.ClinicalStatus + ")"
		}
		if d.OnsetDate != nil {
			line += ", onset " + d.OnsetDate.Format("2006-01-02")
		}
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderNotes(snap *epic.PatientSnapshot) string {
	if snap.ClinicalNotes == "" {
		return fmt.Sprintf("No clinical notes are on record for %s.", snap.Name)
	}
	return snap.ClinicalNotes
}

func renderSummary(snap *epic.PatientSnapshot) string {
	bundle := fhir.PatientBundle{
		Patient: fhir.Person{
			Name:      snap.Name,
			MRN:       snap.MRN,
			BirthDate: snap.BirthDate,
		},
		Conditions:  snap.Diagnoses,
		Medications: snap.Medications,
	}
	return fhir.BuildClinicalSummary(bundle)
}
