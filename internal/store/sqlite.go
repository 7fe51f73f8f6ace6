// Package store provides storage backends for ChatRelay.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/avazbek-dev/chatrelay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists orders and session registrations in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given options.
// The DSN should be a file path; its directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveOrder creates or replaces the order info for a user.
func (s *SQLiteStore) SaveOrder(userID string, info models.OrderInfo) error {
	_, err := s.db.Exec(
		`INSERT INTO orders (user_id, phone_number, username, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET phone_number=excluded.phone_number, username=excluded.username, updated_at=CURRENT_TIMESTAMP`,
		userID, nilIfEmpty(info.PhoneNumber), nilIfEmpty(info.Username),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder returns the order info for a user.
func (s *SQLiteStore) GetOrder(userID string) (models.OrderInfo, bool, error) {
	var phone, username sql.NullString
	err := s.db.QueryRow(
		`SELECT phone_number, username FROM orders WHERE user_id = ?`, userID,
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
func (s *SQLiteStore) SaveSession(name, jid string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (name, jid, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET jid=excluded.jid`,
		name, jid,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns the device JID bound to a session name.
func (s *SQLiteStore) GetSession(name string) (string, bool, error) {
	var jid string
	err := s.db.QueryRow(`SELECT jid FROM sessions WHERE name = ?`, name).Scan(&jid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get session: %w", err)
	}
	return jid, true, nil
}

// ListSessions returns all registered sessions as name -> JID.
func (s *SQLiteStore) ListSessions() (map[string]string, error) {
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
func (s *SQLiteStore) DeleteSession(name string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
