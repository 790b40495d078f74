package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/MetaMind/internal/api"
	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/store"
)

type fakeCompleter struct {
	calls     []string
	created   []string
	errs      map[string]error
	createErr error
}

func (f *fakeCompleter) CreateSession(ctx context.Context, req api.CreateSessionRequest) (*models.Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req.Module)
	return &models.Session{ID: "new-" + req.Module, Module: req.Module}, nil
}

func (f *fakeCompleter) CompleteSession(ctx context.Context, id string, c models.SessionCompletion) error {
	f.calls = append(f.calls, id)
	return f.errs[id]
}

type failingRecoverable struct{}

func (failingRecoverable) RecoverState(ctx context.Context, r *Registry) error {
	return errors.New("boom")
}

type countingRecoverable struct{ n *int }

func (c countingRecoverable) RecoverState(ctx context.Context, r *Registry) error {
	*c.n++
	return nil
}

func saveRecord(t *testing.T, st store.Store, key, sessionID string) {
	t.Helper()
	saveModuleRecord(t, st, key, sessionID, "m1")
}

func saveModuleRecord(t *testing.T, st store.Store, key, sessionID, moduleID string) {
	t.Helper()
	rec := models.CompletedSessionRecord{
		Key:        models.CompletedSessionKeyPrefix + key,
		SessionID:  sessionID,
		Completion: models.SessionCompletion{Module: moduleID, ContentProgress: "3/3"},
		SyncError:  "api error (503): unavailable",
		SavedAt:    time.Now(),
	}
	if err := st.SaveCompletedSession(rec); err != nil {
		t.Fatalf("SaveCompletedSession: %v", err)
	}
}

func TestManagerContinuesAfterFailure(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	var n int
	m.RegisterRecoverable(failingRecoverable{})
	m.RegisterRecoverable(countingRecoverable{&n})

	if err := m.RecoverAll(context.Background()); err == nil {
		t.Error("expected error from failing component")
	}
	if n != 1 {
		t.Errorf("expected the second component to run, got %d", n)
	}
}

func TestCompletedSessionsRetry(t *testing.T) {
	st := store.NewInMemoryStore()
	saveRecord(t, st, "1", "s1")
	saveRecord(t, st, "2", "s2")
	saveModuleRecord(t, st, "3", "", "")

	remote := &fakeCompleter{errs: map[string]error{"s2": &api.Error{Status: 503, Detail: "unavailable"}}}
	m := NewManager(st)
	m.RegisterRecoverable(CompletedSessions{Remote: remote})
	if err := m.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}

	rep := m.GetRegistry().Report()
	if rep.CompletionsSynced != 1 || rep.CompletionsKept != 2 {
		t.Errorf("unexpected report %+v", rep)
	}
	if len(remote.calls) != 2 {
		t.Errorf("records without a session or module should not be posted, calls=%v", remote.calls)
	}
	recs, _ := st.ListCompletedSessions()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records left, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.SessionID == "s1" {
			t.Error("synced record was not deleted")
		}
	}
}

func TestCompletedSessionsUnauthorized(t *testing.T) {
	st := store.NewInMemoryStore()
	saveRecord(t, st, "1", "s1")
	remote := &fakeCompleter{errs: map[string]error{"s1": &api.Error{Status: 401}}}

	err := CompletedSessions{Remote: remote}.RecoverState(context.Background(), NewRegistry(st))
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCompletedSessionsWithoutRemote(t *testing.T) {
	st := store.NewInMemoryStore()
	saveRecord(t, st, "1", "s1")
	reg := NewRegistry(st)
	if err := (CompletedSessions{}).RecoverState(context.Background(), reg); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	if reg.Report().CompletionsKept != 1 {
		t.Errorf("expected the record to be kept, got %+v", reg.Report())
	}
}

func TestCompletedSessionsCreatesMissingSession(t *testing.T) {
	st := store.NewInMemoryStore()
	saveRecord(t, st, "1", "")

	remote := &fakeCompleter{}
	reg := NewRegistry(st)
	if err := (CompletedSessions{Remote: remote}).RecoverState(context.Background(), reg); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	if len(remote.created) != 1 || remote.created[0] != "m1" {
		t.Errorf("expected a session created for m1, got %v", remote.created)
	}
	if len(remote.calls) != 1 || remote.calls[0] != "new-m1" {
		t.Errorf("expected completion posted to the new session, got %v", remote.calls)
	}
	if reg.Report().CompletionsSynced != 1 {
		t.Errorf("unexpected report %+v", reg.Report())
	}
	if recs, _ := st.ListCompletedSessions(); len(recs) != 0 {
		t.Errorf("expected the record removed, got %d", len(recs))
	}
}

func TestCompletedSessionsKeepsNewSessionID(t *testing.T) {
	st := store.NewInMemoryStore()
	saveRecord(t, st, "1", "")

	remote := &fakeCompleter{errs: map[string]error{"new-m1": &api.Error{Status: 503}}}
	if err := (CompletedSessions{Remote: remote}).RecoverState(context.Background(), NewRegistry(st)); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	recs, _ := st.ListCompletedSessions()
	if len(recs) != 1 || recs[0].SessionID != "new-m1" {
		t.Fatalf("expected the created session ID stored on the record, got %+v", recs)
	}

	// The next pass reuses the stored session instead of creating another.
	delete(remote.errs, "new-m1")
	if err := (CompletedSessions{Remote: remote}).RecoverState(context.Background(), NewRegistry(st)); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	if len(remote.created) != 1 {
		t.Errorf("expected one session created across passes, got %v", remote.created)
	}
	if recs, _ := st.ListCompletedSessions(); len(recs) != 0 {
		t.Errorf("expected the record removed, got %d", len(recs))
	}
}

func TestCompletedSessionsCreateFailureKeepsRecord(t *testing.T) {
	st := store.NewInMemoryStore()
	saveRecord(t, st, "1", "")
	remote := &fakeCompleter{createErr: errors.New("connection refused")}
	reg := NewRegistry(st)
	if err := (CompletedSessions{Remote: remote}).RecoverState(context.Background(), reg); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	if reg.Report().CompletionsKept != 1 || len(remote.calls) != 0 {
		t.Errorf("expected record kept without posting, report %+v calls %v", reg.Report(), remote.calls)
	}
}

func TestInterruptedOutbox(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := st.EnqueueOutboxMessage("s1", store.OutboxKindSessionPause, "{}", ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := st.ClaimDueOutboxMessages(time.Now(), 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	reg := NewRegistry(st)
	sender := store.NewOutboxSender(st, nil)
	if err := (InterruptedOutbox{Sender: sender}).RecoverState(context.Background(), reg); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	if reg.Report().OutboxRequeued != 1 {
		t.Errorf("expected 1 requeued, got %+v", reg.Report())
	}
	if err := (InterruptedOutbox{}).RecoverState(context.Background(), reg); err != nil {
		t.Errorf("nil sender should be a no-op, got %v", err)
	}
}
