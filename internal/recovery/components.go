package recovery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/MetaMind/internal/api"
	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/store"
)

// Completer posts a session completion, creating the session when a run
// never got one.
type Completer interface {
	CreateSession(ctx context.Context, req api.CreateSessionRequest) (*models.Session, error)
	CompleteSession(ctx context.Context, id string, completion models.SessionCompletion) error
}

// CompletedSessions retries completions whose sync failed. A record from a
// run that never reached the API first gets a session for its module; the
// new ID is stored before the completion is posted. Records that sync are
// deleted; the rest stay for the next pass.
type CompletedSessions struct {
	Remote Completer
}

func (c CompletedSessions) RecoverState(ctx context.Context, registry *Registry) error {
	st := registry.GetStore()
	recs, err := st.ListCompletedSessions()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Remote == nil || (rec.SessionID == "" && rec.Completion.Module == "") {
			registry.record(func(r *Report) { r.CompletionsKept++ })
			continue
		}
		if rec.SessionID == "" {
			sess, err := c.Remote.CreateSession(ctx, api.CreateSessionRequest{Module: rec.Completion.Module, StartTime: rec.SavedAt})
			if err != nil {
				if errors.Is(err, api.ErrUnauthorized) {
					return err
				}
				slog.Warn("CompletedSessions.RecoverState: session still cannot be created", "key", rec.Key, "moduleID", rec.Completion.Module, "error", err)
				registry.record(func(r *Report) { r.CompletionsKept++ })
				continue
			}
			rec.SessionID = sess.ID
			if err := st.SaveCompletedSession(rec); err != nil {
				slog.Warn("CompletedSessions.RecoverState: failed to store new session ID", "key", rec.Key, "error", err)
			}
		}
		if err := c.Remote.CompleteSession(ctx, rec.SessionID, rec.Completion); err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				return err
			}
			slog.Warn("CompletedSessions.RecoverState: sync still failing", "key", rec.Key, "sessionID", rec.SessionID, "error", err)
			registry.record(func(r *Report) { r.CompletionsKept++ })
			continue
		}
		if err := st.DeleteCompletedSession(rec.Key); err != nil {
			slog.Warn("CompletedSessions.RecoverState: synced but not removed", "key", rec.Key, "error", err)
		}
		slog.Info("CompletedSessions.RecoverState: completion synced", "key", rec.Key, "sessionID", rec.SessionID)
		registry.record(func(r *Report) { r.CompletionsSynced++ })
	}
	return nil
}

// InterruptedOutbox requeues outbox messages a previous process claimed but
// never finished.
type InterruptedOutbox struct {
	Sender *store.OutboxSender
}

func (s InterruptedOutbox) RecoverState(ctx context.Context, registry *Registry) error {
	if s.Sender == nil {
		return nil
	}
	n, err := s.Sender.RecoverInterrupted()
	if err != nil {
		return err
	}
	registry.record(func(r *Report) { r.OutboxRequeued += n })
	return nil
}
