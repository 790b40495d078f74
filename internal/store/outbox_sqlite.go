package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MetaMind/internal/util"
)

var _ OutboxRepo = (*SQLiteStore)(nil)

// EnqueueOutboxMessage inserts a queued message. A queued message with the
// same dedupe key absorbs the new one; a message already being sent does not.
func (s *SQLiteStore) EnqueueOutboxMessage(sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status = 'queued' LIMIT 1`,
			dedupeKey,
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug("SQLiteStore.EnqueueOutboxMessage: merged into queued message", "dedupeKey", dedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("outbox dedupe lookup failed: %w", err)
		}
	}

	id := util.GenerateOutboxID()
	now := time.Now()
	if _, err := s.db.Exec(
		`INSERT INTO outbox_messages (id, session_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, sessionID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	); err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutboxMessage", "id", id, "sessionID", sessionID, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages selects and marks due rows inside one transaction.
// The store holds a single connection, so concurrent claims run one after the
// other and never receive the same row.
func (s *SQLiteStore) ClaimDueOutboxMessages(now time.Time, limit int) (_ []OutboxMessage, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	rows, err := tx.Query(
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	msgs, err := collectOutbox(rows)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if _, err = tx.Exec(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
			now, now, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		locked := now
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &locked
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit failed: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkOutboxMessageSent(id string) error {
	if _, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now(), id,
	); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := s.db.Exec(
		`UPDATE outbox_messages
		 SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, nextAttemptAt, time.Now(), id,
	); err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueSendingMessages() (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending'`,
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue sending outbox messages failed: %w", err)
	}
	return rowsAffected(res), nil
}

func (s *SQLiteStore) CountPendingOutboxMessages(sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM outbox_messages WHERE session_id = ? AND status IN ('queued', 'sending')`,
		sessionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending outbox messages failed: %w", err)
	}
	return n, nil
}
