package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/MetaMind/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the default Store, kept in a single database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
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
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveProgress(p *models.SessionProgress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	payload, err := p.ToJSON()
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.Exec(
		`INSERT INTO session_progress (progress_key, session_id, module_id, payload_json, last_saved, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(progress_key) DO UPDATE SET session_id = excluded.session_id, module_id = excluded.module_id,
		   payload_json = excluded.payload_json, last_saved = excluded.last_saved, updated_at = excluded.updated_at`,
		p.Key(), nilIfEmpty(p.SessionID), nilIfEmpty(p.ModuleID), payload, p.LastSaved, now,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveProgress failed", "error", err, "key", p.Key())
		return fmt.Errorf("failed to save progress %s: %w", p.Key(), err)
	}
	slog.Debug("SQLiteStore SaveProgress succeeded", "key", p.Key(), "contentIndex", p.ContentIndex)
	return nil
}

func (s *SQLiteStore) GetProgress(key string) (*models.SessionProgress, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload_json FROM session_progress WHERE progress_key = ?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProgress failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get progress %s: %w", key, err)
	}
	return decodeProgress(payload)
}

func (s *SQLiteStore) DeleteProgress(key string) error {
	if _, err := s.db.Exec(`DELETE FROM session_progress WHERE progress_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete progress %s: %w", key, err)
	}
	slog.Debug("SQLiteStore DeleteProgress succeeded", "key", key)
	return nil
}

func (s *SQLiteStore) ListProgressKeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT progress_key FROM session_progress ORDER BY progress_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan progress key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) SaveCompletedSession(rec models.CompletedSessionRecord) error {
	if !strings.HasPrefix(rec.Key, models.CompletedSessionKeyPrefix) {
		return ErrInvalidCompletedKey
	}
	payload, err := marshalCompletion(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO completed_sessions (record_key, session_id, payload_json, sync_error, saved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(record_key) DO UPDATE SET session_id = excluded.session_id, payload_json = excluded.payload_json, sync_error = excluded.sync_error, saved_at = excluded.saved_at`,
		rec.Key, nilIfEmpty(rec.SessionID), payload, nilIfEmpty(rec.SyncError), rec.SavedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveCompletedSession failed", "error", err, "key", rec.Key)
		return fmt.Errorf("failed to save completed session %s: %w", rec.Key, err)
	}
	slog.Debug("SQLiteStore SaveCompletedSession succeeded", "key", rec.Key)
	return nil
}

func (s *SQLiteStore) ListCompletedSessions() ([]models.CompletedSessionRecord, error) {
	rows, err := s.db.Query(`SELECT record_key, session_id, payload_json, sync_error, saved_at FROM completed_sessions ORDER BY saved_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed sessions: %w", err)
	}
	defer rows.Close()

	var out []models.CompletedSessionRecord
	for rows.Next() {
		rec, err := scanCompletedSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteCompletedSession(key string) error {
	if _, err := s.db.Exec(`DELETE FROM completed_sessions WHERE record_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete completed session %s: %w", key, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
