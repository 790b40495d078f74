package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/BTreeMap/MetaMind/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.SessionID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// scanCompletedSession scans a completed session record from a row.
func scanCompletedSession(row rowScanner) (models.CompletedSessionRecord, error) {
	var rec models.CompletedSessionRecord
	var sessionID, syncError sql.NullString
	var payload string
	if err := row.Scan(&rec.Key, &sessionID, &payload, &syncError, &rec.SavedAt); err != nil {
		return rec, fmt.Errorf("scan completed session failed: %w", err)
	}
	rec.SessionID = sessionID.String
	rec.SyncError = syncError.String
	if err := json.Unmarshal([]byte(payload), &rec.Completion); err != nil {
		return rec, fmt.Errorf("failed to unmarshal completion %s: %w", rec.Key, err)
	}
	return rec, nil
}

// decodeProgress turns a stored payload into a snapshot.
func decodeProgress(payload string) (*models.SessionProgress, error) {
	var p models.SessionProgress
	if err := p.FromJSON(payload); err != nil {
		return nil, err
	}
	return &p, nil
}

// marshalCompletion encodes the completion payload of a record.
func marshalCompletion(rec models.CompletedSessionRecord) (string, error) {
	data, err := json.Marshal(rec.Completion)
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion %s: %w", rec.Key, err)
	}
	return string(data), nil
}

// outboxColumns is the column list read by scanOutboxMessage.
const outboxColumns = `id, session_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// collectOutbox drains and closes rows, returning messages oldest first.
// Postgres RETURNING does not keep the subquery order.
func collectOutbox(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	slices.SortStableFunc(msgs, func(a, b OutboxMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return msgs, nil
}

// rowsAffected reports the affected row count of an exec, or zero.
func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
