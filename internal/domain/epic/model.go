package epic

import (
	"time"

	"github.com/google/uuid"

	"github.com/plasmahealth/plasma-server/internal/platform/fhir"
)

// CredentialRecord is one clinician's Epic OAuth credential. Tokens are held
// as plaintext in memory; the repository seals them before they touch the
// database and opens them on the way back out. Exactly one record exists per
// user.
type CredentialRecord struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	FHIRBaseURL  string    `json:"fhir_base_url"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token has passed its expiry.
func (c *CredentialRecord) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// PatientSnapshot is the denormalized local copy of one synced patient,
// unique per (user, Epic patient id). Diagnoses and medications keep the
// normalized recency order they were fetched in.
type PatientSnapshot struct {
	ID            uuid.UUID              `json:"id"`
	UserID        uuid.UUID              `json:"user_id"`
	EpicPatientID string                 `json:"epic_patient_id"`
	Name          string                 `json:"name"`
	MRN           string                 `json:"mrn,omitempty"`
	BirthDate     string                 `json:"birth_date,omitempty"`
	ClinicalNotes string                 `json:"clinical_notes,omitempty"`
	Diagnoses     []fhir.Condition       `json:"diagnoses"`
	Medications   []fhir.MedicationOrder `json:"medications"`
	LastSynced    time.Time              `json:"last_synced"`
	CreatedAt     time.Time              `json:"created_at"`
}

// PersonSummary is one row of a patient search result.
type PersonSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MRN       string `json:"mrn,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
	Sex       string `json:"sex,omitempty"`
	Email     string `json:"email,omitempty"`
}

// ConnectResult is what Connect hands back to the HTTP layer: either a
// redirect to Epic's authorize endpoint, or Demo=true when the connection
// was synthesized locally.
type ConnectResult struct {
	RedirectURL string `json:"redirect_url,omitempty"`
	Demo        bool   `json:"demo"`
}

// ClientMeta carries request metadata into audit events.
type ClientMeta struct {
	IPAddress string
	UserAgent string
}
