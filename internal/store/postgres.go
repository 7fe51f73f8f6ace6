// Package store provides storage backends for ChatRelay.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/avazbek-dev/chatrelay/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists orders and session registrations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveOrder creates or replaces the order info for a user.
func (s *PostgresStore) SaveOrder(userID string, info models.OrderInfo) error {
	_, err := s.db.Exec(
		`INSERT INTO orders (user_id, phone_number, username, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id) DO UPDATE SET phone_number=EXCLUDED.phone_number, username=EXCLUDED.username, updated_at=now()`,
		userID, nilIfEmpty(info.PhoneNumber), nilIfEmpty(info.Username),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder returns the order info for a user.
func (s *PostgresStore) GetOrder(userID string) (models.OrderInfo, bool, error) {
	var phone, username sql.NullString
	err := s.db.QueryRow(
		`SELECT phone_number, username FROM orders WHERE user_id = $1`, userID,
	).Scan(&phone, &username)
	if err == sql.ErrNoRows {
		return models.OrderInfo{}, false, nil
	}
	if err != nil {
		return models.OrderInfo{}, false, fmt.Errorf("failed to get order: %w", err)
	}
	return models.OrderInfo{PhoneNumber: phone.String, Username: username.String}, true, nil
}

// SaveSession records the device JID bound to a session name.
func (s *PostgresStore) SaveSession(name, jid string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (name, jid, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET jid=EXCLUDED.jid`,
		name, jid,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns the device JID bound to a session name.
func (s *PostgresStore) GetSession(name string) (string, bool, error) {
	var jid string
	err := s.db.QueryRow(`SELECT jid FROM sessions WHERE name = $1`, name).Scan(&jid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get session: %w", err)
	}
	return jid, true, nil
}

// ListSessions returns all registered sessions as name -> JID.
func (s *PostgresStore) ListSessions() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT name, jid FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]string)
	for rows.Next() {
		var name, jid string
		if err := rows.Scan(&name, &jid); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions[name] = jid
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session registration.
func (s *PostgresStore) DeleteSession(name string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
