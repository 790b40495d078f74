package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrPermanent marks a send failure that retrying cannot fix. Such messages
// are marked sent so they leave the queue.
var ErrPermanent = errors.New("permanent outbox failure")

// OutboxSendFunc is the callback that performs the actual remote call.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// FlushResult counts the outcome of one pass over the due messages.
type FlushResult struct {
	Sent    int
	Failed  int
	Dropped int
}

// OutboxSender drains due outbox messages through sendFunc. Flushes are
// serialized, so each message is in at most one send at a time and sends
// happen in claim order.
type OutboxSender struct {
	repo       OutboxRepo
	sendFunc   OutboxSendFunc
	claimLimit int
	maxBackoff time.Duration

	flushMu sync.Mutex
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc) *OutboxSender {
	return &OutboxSender{
		repo:       repo,
		sendFunc:   sendFunc,
		claimLimit: 25,
		maxBackoff: 10 * time.Minute,
	}
}

// RecoverInterrupted requeues every message a previous process left in
// sending. Call it at startup, before the first Flush; the state directory
// lock guarantees no other sender owns those rows.
func (s *OutboxSender) RecoverInterrupted() (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	n, err := s.repo.RequeueSendingMessages()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverInterrupted: requeued interrupted messages", "count", n)
	}
	return n, nil
}

// Flush sends every message that is due now, claiming in batches until none are left.
// Messages are processed oldest first.
func (s *OutboxSender) Flush(ctx context.Context) FlushResult {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var res FlushResult
	now := time.Now()
	for ctx.Err() == nil {
		msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
		if err != nil {
			slog.Error("OutboxSender.Flush: claim failed", "error", err)
			return res
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			s.send(ctx, now, msg, &res)
		}
		if len(msgs) < s.claimLimit {
			break
		}
	}
	if res.Sent+res.Failed+res.Dropped > 0 {
		slog.Debug("OutboxSender.Flush: completed", "sent", res.Sent, "failed", res.Failed, "dropped", res.Dropped)
	}
	return res
}

func (s *OutboxSender) send(ctx context.Context, now time.Time, msg OutboxMessage, res *FlushResult) {
	slog.Debug("OutboxSender.send: sending message", "id", msg.ID, "sessionID", msg.SessionID, "kind", msg.Kind)
	err := s.sendFunc(ctx, msg)
	switch {
	case err == nil:
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.send: mark sent error", "id", msg.ID, "error", err)
		}
		res.Sent++
	case errors.Is(err, ErrPermanent):
		slog.Warn("OutboxSender.send: dropping message after permanent failure", "id", msg.ID, "kind", msg.Kind, "error", err)
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.send: mark sent error", "id", msg.ID, "error", err)
		}
		res.Dropped++
	default:
		slog.Warn("OutboxSender.send: send failed", "id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts, "error", err)
		if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), now.Add(s.backoff(msg.Attempts))); err != nil {
			slog.Error("OutboxSender.send: fail message error", "id", msg.ID, "error", err)
		}
		res.Failed++
	}
}

// backoff grows exponentially: 10s, 20s, 40s, ... capped at maxBackoff.
func (s *OutboxSender) backoff(attempts int) time.Duration {
	if attempts > 10 {
		return s.maxBackoff
	}
	d := time.Duration(10*(1<<attempts)) * time.Second
	if d > s.maxBackoff {
		return s.maxBackoff
	}
	return d
}
