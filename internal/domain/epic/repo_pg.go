package epic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plasmahealth/plasma-server/internal/platform/hipaa"
)

// =========== Credential Repository ===========

type credentialRepoPG struct {
	pool   *pgxpool.Pool
	cipher *hipaa.TokenCipher
}

// NewCredentialRepoPG stores credentials in Postgres with both token
// columns encrypted by the given cipher.
func NewCredentialRepoPG(pool *pgxpool.Pool, cipher *hipaa.TokenCipher) CredentialRepository {
	return &credentialRepoPG{pool: pool, cipher: cipher}
}

func (r *credentialRepoPG) Save(ctx context.Context, c *CredentialRecord) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	access, err := r.cipher.Seal(c.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.cipher.Seal(c.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO epic_credential (id, user_id, access_token, refresh_token, expires_at, fhir_base_url)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			fhir_base_url = EXCLUDED.fhir_base_url,
			updated_at = NOW()`,
		c.ID, c.UserID, access, refresh, c.ExpiresAt.UTC(), c.FHIRBaseURL)
	return err
}

func (r *credentialRepoPG) Get(ctx context.Context, userID uuid.UUID) (*CredentialRecord, error) {
	var c CredentialRecord
	var access, refresh string
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, access_token, refresh_token, expires_at, fhir_base_url, created_at, updated_at
		FROM epic_credential WHERE user_id = $1`, userID).
		Scan(&c.ID, &c.UserID, &access, &refresh, &c.ExpiresAt, &c.FHIRBaseURL, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	if c.AccessToken, err = r.cipher.Open(access); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if c.RefreshToken, err = r.cipher.Open(refresh); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	return &c, nil
}

func (r *credentialRepoPG) Delete(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM epic_credential WHERE user_id = $1`, userID)
	return err
}

// =========== Snapshot Repository ===========

type snapshotRepoPG struct{ pool *pgxpool.Pool }

func NewSnapshotRepoPG(pool *pgxpool.Pool) SnapshotRepository {
	return &snapshotRepoPG{pool: pool}
}

func (r *snapshotRepoPG) Upsert(ctx context.Context, s *PatientSnapshot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	diagnoses, err := json.Marshal(s.Diagnoses)
	if err != nil {
		return err
	}
	medications, err := json.Marshal(s.Medications)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO epic_patient_snapshot
			(id, user_id, epic_patient_id, name, mrn, birth_date, clinical_notes, diagnoses, medications, last_synced)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (user_id, epic_patient_id) DO UPDATE SET
			name = EXCLUDED.name,
			mrn = EXCLUDED.mrn,
			birth_date = EXCLUDED.birth_date,
			clinical_notes = EXCLUDED.clinical_notes,
			diagnoses = EXCLUDED.diagnoses,
			medications = EXCLUDED.medications,
			last_synced = EXCLUDED.last_synced`,
		s.ID, s.UserID, s.EpicPatientID, s.Name, s.MRN, s.BirthDate,
		s.ClinicalNotes, diagnoses, medications, s.LastSynced.UTC())
	return err
}

func (r *snapshotRepoPG) Get(ctx context.Context, userID uuid.UUID, epicPatientID string) (*PatientSnapshot, error) {
	var s PatientSnapshot
	var diagnoses, medications []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, epic_patient_id, name, mrn, birth_date, clinical_notes,
			diagnoses, medications, last_synced, created_at
		FROM epic_patient_snapshot WHERE user_id = $1 AND epic_patient_id = $2`,
		userID, epicPatientID).
		Scan(&s.ID, &s.UserID, &s.EpicPatientID, &s.Name, &s.MRN, &s.BirthDate, &s.ClinicalNotes,
			&diagnoses, &medications, &s.LastSynced, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(diagnoses, &s.Diagnoses); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(medications, &s.Medications); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSyncedBefore implements hipaa.SnapshotPruner for retention sweeps.
func (r *snapshotRepoPG) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM epic_patient_snapshot WHERE last_synced < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
