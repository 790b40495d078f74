package store

import (
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

func (s OutboxStatus) terminal() bool {
	return s == OutboxStatusSent || s == OutboxStatusCanceled
}

// Outbox message kinds.
const (
	OutboxKindProgressPatch        = "progress_patch"
	OutboxKindInterventionFired    = "intervention_fired"
	OutboxKindInterventionResponse = "intervention_response"
	OutboxKindSessionPause         = "session_pause"
	OutboxKindSessionResume        = "session_resume"
)

// OutboxMessage is a durable record of a remote call still to be made.
type OutboxMessage struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists pending remote calls.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a queued message. With a non-empty
	// dedupeKey, a still-queued message with that key is returned instead.
	EnqueueOutboxMessage(sessionID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages atomically moves up to limit due queued
	// messages to sending and returns them, oldest first.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage requeues a message for a retry at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueSendingMessages returns every message left in sending to the
	// queue. Only valid while no sender is running.
	RequeueSendingMessages() (int, error)

	// CountPendingOutboxMessages counts the queued or sending messages of a session.
	CountPendingOutboxMessages(sessionID string) (int, error)
}
