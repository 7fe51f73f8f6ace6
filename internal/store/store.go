// Package store provides storage backends for ChatRelay.
//
// It persists captured order info and the session-name to device-JID
// mapping used to resume client sessions at startup. An in-memory
// store, an SQLite store, and a PostgreSQL store are provided.
package store

import (
	"log/slog"
	"sync"

	"github.com/avazbek-dev/chatrelay/internal/models"
)

// Store abstracts persistence of order info and session registrations.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveOrder creates or replaces the order info for a user.
	SaveOrder(userID string, info models.OrderInfo) error

	// GetOrder returns the order info for a user. The second return
	// value is false when no order info has been captured.
	GetOrder(userID string) (models.OrderInfo, bool, error)

	// SaveSession records the device JID bound to a session name.
	SaveSession(name, jid string) error

	// GetSession returns the device JID bound to a session name.
	GetSession(name string) (string, bool, error)

	// ListSessions returns all registered sessions as name -> JID.
	ListSessions() (map[string]string, error)

	// DeleteSession removes a session registration.
	DeleteSession(name string) error

	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string (SQLite path or PostgreSQL DSN)
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// NewStore creates a store backend based on the provided options.
// Without a DSN it falls back to the in-memory store.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.DSN == "" {
		slog.Debug("No store DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, using Postgres store")
		return NewPostgresStore(opts...)
	}
	slog.Debug("Detected SQLite DSN, using SQLite store", "path", cfg.DSN)
	return NewSQLiteStore(opts...)
}

// InMemoryStore is a simple map-backed store used when no DSN is set
// and in tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]models.OrderInfo
	sessions map[string]string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders:   make(map[string]models.OrderInfo),
		sessions: make(map[string]string),
	}
}

// SaveOrder creates or replaces the order info for a user.
func (s *InMemoryStore) SaveOrder(userID string, info models.OrderInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[userID] = info
	return nil
}

// GetOrder returns the order info for a user.
func (s *InMemoryStore) GetOrder(userID string) (models.OrderInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.orders[userID]
	return info, ok, nil
}

// SaveSession records the device JID bound to a session name.
func (s *InMemoryStore) SaveSession(name, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[name] = jid
	return nil
}

// GetSession returns the device JID bound to a session name.
func (s *InMemoryStore) GetSession(name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jid, ok := s.sessions[name]
	return jid, ok, nil
}

// ListSessions returns all registered sessions.
func (s *InMemoryStore) ListSessions() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.sessions))
	for name, jid := range s.sessions {
		out[name] = jid
	}
	return out, nil
}

// DeleteSession removes a session registration.
func (s *InMemoryStore) DeleteSession(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
