package epic

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CredentialRepository stores one Epic OAuth credential per user. Save
// upserts: both secrets and the expiry move in a single statement so a
// concurrent reader never sees a half-rotated credential.
type CredentialRepository interface {
	Save(ctx context.Context, c *CredentialRecord) error
	Get(ctx context.Context, userID uuid.UUID) (*CredentialRecord, error)
	Delete(ctx context.Context, userID uuid.UUID) error
}

// SnapshotRepository stores synced patient snapshots, unique per
// (user, Epic patient id). DeleteSyncedBefore is the retention hook.
type SnapshotRepository interface {
	Upsert(ctx context.Context, s *PatientSnapshot) error
	Get(ctx context.Context, userID uuid.UUID, epicPatientID string) (*PatientSnapshot, error)
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
