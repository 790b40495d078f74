// This file implements the PostgreSQL-backed store, used when several
// engine instances share one database.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/MetaMind/internal/models"
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

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
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
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveProgress(p *models.SessionProgress) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (progress_key) DO UPDATE SET session_id = excluded.session_id, module_id = excluded.module_id,
		   payload_json = excluded.payload_json, last_saved = excluded.last_saved, updated_at = excluded.updated_at`,
		p.Key(), nilIfEmpty(p.SessionID), nilIfEmpty(p.ModuleID), payload, p.LastSaved, now,
	)
	if err != nil {
		slog.Error("PostgresStore SaveProgress failed", "error", err, "key", p.Key())
		return fmt.Errorf("failed to save progress %s: %w", p.Key(), err)
	}
	slog.Debug("PostgresStore SaveProgress succeeded", "key", p.Key(), "contentIndex", p.ContentIndex)
	return nil
}

func (s *PostgresStore) GetProgress(key string) (*models.SessionProgress, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload_json FROM session_progress WHERE progress_key = $1`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProgress failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get progress %s: %w", key, err)
	}
	return decodeProgress(payload)
}

func (s *PostgresStore) DeleteProgress(key string) error {
	if _, err := s.db.Exec(`DELETE FROM session_progress WHERE progress_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete progress %s: %w", key, err)
	}
	slog.Debug("PostgresStore DeleteProgress succeeded", "key", key)
	return nil
}

func (s *PostgresStore) ListProgressKeys() ([]string, error) {
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

func (s *PostgresStore) SaveCompletedSession(rec models.CompletedSessionRecord) error {
	if !strings.HasPrefix(rec.Key, models.CompletedSessionKeyPrefix) {
		return ErrInvalidCompletedKey
	}
	payload, err := marshalCompletion(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO completed_sessions (record_key, session_id, payload_json, sync_error, saved_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (record_key) DO UPDATE SET session_id = excluded.session_id, payload_json = excluded.payload_json, sync_error = excluded.sync_error, saved_at = excluded.saved_at`,
		rec.Key, nilIfEmpty(rec.SessionID), payload, nilIfEmpty(rec.SyncError), rec.SavedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveCompletedSession failed", "error", err, "key", rec.Key)
		return fmt.Errorf("failed to save completed session %s: %w", rec.Key, err)
	}
	slog.Debug("PostgresStore SaveCompletedSession succeeded", "key", rec.Key)
	return nil
}

func (s *PostgresStore) ListCompletedSessions() ([]models.CompletedSessionRecord, error) {
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

func (s *PostgresStore) DeleteCompletedSession(key string) error {
	if _, err := s.db.Exec(`DELETE FROM completed_sessions WHERE record_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete completed session %s: %w", key, err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
