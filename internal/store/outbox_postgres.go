package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MetaMind/internal/util"
)

var _ OutboxRepo = (*PostgresStore)(nil)

// EnqueueOutboxMessage inserts a queued message. A queued message with the
// same dedupe key absorbs the new one; a message already being sent does not.
func (s *PostgresStore) EnqueueOutboxMessage(sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(
			`SELECT id FROM outbox_messages WHERE dedupe_key = $1 AND status = 'queued' LIMIT 1`,
			dedupeKey,
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug("PostgresStore.EnqueueOutboxMessage: merged into queued message", "dedupeKey", dedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("outbox dedupe lookup failed: %w", err)
		}
	}

	id := util.GenerateOutboxID()
	now := time.Now()
	if _, err := s.db.Exec(
		`INSERT INTO outbox_messages (id, session_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $6)`,
		id, sessionID, kind, payloadJSON, nilIfEmpty(dedupeKey), now,
	); err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "sessionID", sessionID, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages moves due queued rows to sending. SKIP LOCKED keeps
// concurrent claimers on disjoint rows.
func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM outbox_messages
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	return collectOutbox(rows)
}

func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	if _, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := s.db.Exec(
		`UPDATE outbox_messages
		 SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4`,
		errMsg, nextAttemptAt, time.Now(), id,
	); err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueSendingMessages() (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending'`,
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue sending outbox messages failed: %w", err)
	}
	return rowsAffected(res), nil
}

func (s *PostgresStore) CountPendingOutboxMessages(sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM outbox_messages WHERE session_id = $1 AND status IN ('queued', 'sending')`,
		sessionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending outbox messages failed: %w", err)
	}
	return n, nil
}
