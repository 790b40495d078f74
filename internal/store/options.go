package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrInvalidCompletedKey is returned when a completion record key lacks the completed-session prefix.
var ErrInvalidCompletedKey = errors.New("completed session key must start with completed_session_")

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// Opts holds configuration for opening a store.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(path string) Option {
	return func(o *Opts) { o.DSN = path }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports whether dsn addresses PostgreSQL or an SQLite file.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") || strings.Contains(d, "host=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open returns the store selected by dsn: PostgreSQL for a postgres DSN,
// SQLite for a file path, and an in-memory store when dsn is empty.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		slog.Debug("store.Open: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case DSNTypePostgres:
		slog.Debug("store.Open: detected PostgreSQL DSN", "dsn_set", true)
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		slog.Debug("store.Open: detected SQLite DSN", "db_path", dsn)
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
