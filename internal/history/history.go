// Package history provides the per-user conversation history store.
//
// Each user has a bounded ring of prior turns; the oldest turns are
// evicted first once the cap is reached.
package history

import (
	"log/slog"
	"sync"

	"github.com/avazbek-dev/chatrelay/internal/models"
)

// DefaultLimit is the maximum number of turns retained per user.
const DefaultLimit = 20

// Store keeps a bounded conversation history per user.
// It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	turns map[string][]models.Turn
	limit int
}

// NewStore creates a history store with the default per-user limit.
func NewStore() *Store {
	return NewStoreWithLimit(DefaultLimit)
}

// NewStoreWithLimit creates a history store with a custom per-user limit.
func NewStoreWithLimit(limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		turns: make(map[string][]models.Turn),
		limit: limit,
	}
}

// Append adds a turn to the user's history, evicting the oldest turn
// if the cap is exceeded.
func (s *Store) Append(userID string, role models.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.turns[userID], models.Turn{Role: role, Content: content})
	if len(turns) > s.limit {
		turns = turns[len(turns)-s.limit:]
	}
	s.turns[userID] = turns
	slog.Debug("history appended turn", "user", userID, "role", role, "len", len(turns))
}

// Snapshot returns a copy of the user's history in chronological order.
func (s *Store) Snapshot(userID string) []models.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[userID]
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out
}

// LastRole returns the role of the user's most recent turn.
// The second return value is false when the user has no history.
func (s *Store) LastRole(userID string) (models.Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[userID]
	if len(turns) == 0 {
		return "", false
	}
	return turns[len(turns)-1].Role, true
}

// Len returns the number of turns currently retained for the user.
func (s *Store) Len(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[userID])
}

// Has reports whether the user appears as a key in the store.
func (s *Store) Has(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.turns[userID]
	return ok
}

// Forget removes all retained history for the user.
func (s *Store) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, userID)
}
