package epic

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// stateTTL bounds how long an issued OAuth state stays redeemable. Ten
// minutes comfortably covers the authorize round-trip.
const stateTTL = 10 * time.Minute

type stateEntry struct {
	userID    uuid.UUID
	expiresAt time.Time
}

// StateStore holds server-side OAuth state tokens keyed by their random
// value, each bound to the principal that started the flow. Consume is
// single-use: redeeming a state removes it.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	ttl     time.Duration
}

func NewStateStore() *StateStore {
	return &StateStore{
		entries: make(map[string]stateEntry),
		ttl:     stateTTL,
	}
}

// Create issues a fresh 32-byte random state for the given principal.
func (s *StateStore) Create(userID uuid.UUID) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = stateEntry{userID: userID, expiresAt: time.Now().Add(s.ttl)}
	return state, nil
}

// Consume redeems a state, returning the principal it was issued to.
// Unknown or expired states return false.
func (s *StateStore) Consume(state string) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return uuid.Nil, false
	}
	delete(s.entries, state)
	if time.Now().After(e.expiresAt) {
		return uuid.Nil, false
	}
	return e.userID, true
}

// Cleanup drops expired entries.
func (s *StateStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for state, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, state)
		}
	}
}

// StartCleanup runs Cleanup on a ticker until the context is canceled.
func (s *StateStore) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}
