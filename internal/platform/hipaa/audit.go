package hipaa

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ActionKind enumerates the auditable access actions. The set is closed;
// repositories and reports rely on these exact values.
type ActionKind string

const (
	ActionDemoConnectionCreated ActionKind = "demo_connection_created"
	ActionEpicOAuthConnected    ActionKind = "epic_oauth_connected"
	ActionEpicTokenRefreshed    ActionKind = "epic_token_refreshed"
	ActionEpicDisconnected      ActionKind = "epic_disconnected"
	ActionPatientSearch         ActionKind = "plasma_patient_search"
	ActionDemoPatientSearch     ActionKind = "demo_patient_search"
	ActionPatientDataFetched    ActionKind = "plasma_patient_data_fetched"
	ActionDemoPatientDataFetch  ActionKind = "demo_patient_data_fetched"
)

// AccessEvent is one append-only row in the access ledger.
type AccessEvent struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	EpicPatientID *string    `json:"epic_patient_id,omitempty"`
	Action        ActionKind `json:"action"`
	Resource      string     `json:"resource"`
	IPAddress     string     `json:"ip_address"`
	UserAgent     string     `json:"user_agent"`
	CreatedAt     time.Time  `json:"created_at"`
}

// AccessEventRepository persists ledger rows. Rows are never updated or
// deleted individually; DeleteOlderThan is the only removal path.
type AccessEventRepository interface {
	Insert(ctx context.Context, event *AccessEvent) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type accessEventRepoPG struct{ pool *pgxpool.Pool }

func NewAccessEventRepoPG(pool *pgxpool.Pool) AccessEventRepository {
	return &accessEventRepoPG{pool: pool}
}

func (r *accessEventRepoPG) Insert(ctx context.Context, e *AccessEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO access_event (id, user_id, epic_patient_id, action, resource, ip_address, user_agent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.UserID, e.EpicPatientID, string(e.Action), e.Resource, e.IPAddress, e.UserAgent, e.CreatedAt)
	return err
}

func (r *accessEventRepoPG) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM access_event WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AccessLog records access-relevant actions. Writes are fire-and-forget:
// a failed insert is logged and swallowed so audit persistence can never
// abort the operation it describes.
type AccessLog struct {
	repo   AccessEventRepository
	logger zerolog.Logger
}

func NewAccessLog(repo AccessEventRepository, logger zerolog.Logger) *AccessLog {
	return &AccessLog{
		repo:   repo,
		logger: logger.With().Str("component", "access-log").Logger(),
	}
}

// Record appends one event to the ledger, filling id and timestamp defaults.
func (l *AccessLog) Record(ctx context.Context, event *AccessEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if err := l.repo.Insert(ctx, event); err != nil {
		l.logger.Error().
			Err(err).
			Str("action", string(event.Action)).
			Str("user_id", event.UserID.String()).
			Msg("failed to write access event")
	}
}
