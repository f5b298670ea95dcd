package hipaa

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Retention windows. Audit rows outlive snapshots: the ledger must still
// explain accesses to data that has already been purged.
const (
	AuditRetention    = 90 * 24 * time.Hour
	SnapshotRetention = 30 * 24 * time.Hour
)

// SnapshotPruner removes patient snapshots whose last sync predates the cutoff.
type SnapshotPruner interface {
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepResult reports how many rows a sweep removed.
type SweepResult struct {
	AuditEventsDeleted int64 `json:"audit_events_deleted"`
	SnapshotsDeleted   int64 `json:"snapshots_deleted"`
}

// Sweeper enforces the retention windows. Both deletes are independently
// idempotent range operations, so overlapping or repeated runs are safe
// without coordination.
type Sweeper struct {
	audit     AccessEventRepository
	snapshots SnapshotPruner
	logger    zerolog.Logger
	now       func() time.Time
}

func NewSweeper(audit AccessEventRepository, snapshots SnapshotPruner, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		audit:     audit,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "retention-sweeper").Logger(),
		now:       time.Now,
	}
}

// Sweep deletes audit rows older than AuditRetention and snapshots whose
// last_synced exceeds SnapshotRetention. A failure on one table does not stop
// the other; the first error is returned after both are attempted.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now().UTC()
	var result SweepResult
	var firstErr error

	deleted, err := s.audit.DeleteOlderThan(ctx, now.Add(-AuditRetention))
	if err != nil {
		s.logger.Error().Err(err).Msg("audit retention delete failed")
		firstErr = err
	} else {
		result.AuditEventsDeleted = deleted
	}

	deleted, err = s.snapshots.DeleteSyncedBefore(ctx, now.Add(-SnapshotRetention))
	if err != nil {
		s.logger.Error().Err(err).Msg("snapshot retention delete failed")
		if firstErr == nil {
			firstErr = err
		}
	} else {
		result.SnapshotsDeleted = deleted
	}

	s.logger.Info().
		Int64("audit_events_deleted", result.AuditEventsDeleted).
		Int64("snapshots_deleted", result.SnapshotsDeleted).
		Msg("retention sweep completed")

	return result, firstErr
}

// Run executes Sweep on the given interval until ctx is cancelled. Intended
// for the serve process; cron deployments call Sweep directly via the sweep
// subcommand.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled sweep failed")
			}
		}
	}
}
