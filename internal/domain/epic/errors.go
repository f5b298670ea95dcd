package epic

import (
	"errors"
	"fmt"
)

var (
	// ErrStateMismatch means the OAuth callback carried a state value we
	// never issued or that already expired. The token endpoint is never
	// contacted in that case.
	ErrStateMismatch = errors.New("epic: oauth state mismatch")

	// ErrNotConnected means the principal has no stored Epic credential.
	ErrNotConnected = errors.New("epic: not connected")

	// ErrNoRefreshToken means the stored credential expired and carries no
	// refresh secret, so the user must reconnect.
	ErrNoRefreshToken = errors.New("epic: no refresh token")

	// ErrSnapshotNotFound means no synced snapshot exists for the
	// (principal, patient) pair.
	ErrSnapshotNotFound = errors.New("epic: snapshot not found")
)

// TokenExchangeError reports a non-2xx response from the token endpoint
// during the authorization-code exchange.
type TokenExchangeError struct {
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("epic: token exchange failed with status %d: %s", e.Status, e.Body)
}

// RefreshFailedError reports a non-2xx response from the token endpoint
// during a refresh grant. Callers should treat it as reconnect-required
// rather than retrying.
type RefreshFailedError struct {
	Status int
	Body   string
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("epic: token refresh failed with status %d: %s", e.Status, e.Body)
}

// SyncFailedError wraps the failure that aborted a patient sync. Category
// fetch failures degrade and never produce this; only the Patient resource
// itself is fatal.
type SyncFailedError struct {
	PatientID string
	Err       error
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("epic: sync failed for patient %s: %v", e.PatientID, e.Err)
}

func (e *SyncFailedError) Unwrap() error { return e.Err }
