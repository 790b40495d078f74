package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/MetaMind/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "metamind-store-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(dir, "nested", "test.db")))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	for _, table := range []string{"session_progress", "completed_sessions", "outbox_messages"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("failed to clean %s: %v", table, err)
		}
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func sampleProgress() *models.SessionProgress {
	return &models.SessionProgress{
		SessionID:        "s1",
		ModuleID:         "m1",
		ContentIndex:     2,
		Notes:            "limits first",
		Metrics:          models.DefaultMetricState(),
		ElapsedSeconds:   95,
		SubmittedAnswers: map[string]string{"0_question_0": "42"},
		AnswerStatus:     map[string]models.AnswerStatus{"0_question_0": {IsCorrect: true, Points: 1}},
		AssessmentScore:  1,
		LastSaved:        time.Now().UTC().Truncate(time.Second),
	}
}

func testProgressRepo(t *testing.T, s Store) {
	t.Helper()

	got, err := s.GetProgress(models.ProgressKey("missing", ""))
	if err != nil {
		t.Fatalf("GetProgress missing: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing progress, got %+v", got)
	}

	p := sampleProgress()
	if err := s.SaveProgress(p); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	p.ContentIndex = 3
	p.Reflection = "done"
	if err := s.SaveProgress(p); err != nil {
		t.Fatalf("SaveProgress overwrite: %v", err)
	}

	got, err = s.GetProgress("progress_s1")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if got == nil {
		t.Fatal("expected stored progress")
	}
	if got.ContentIndex != 3 || got.Reflection != "done" || got.Notes != "limits first" {
		t.Errorf("unexpected progress: %+v", got)
	}
	if got.SubmittedAnswers["0_question_0"] != "42" {
		t.Errorf("submitted answers not round-tripped: %v", got.SubmittedAnswers)
	}
	if !got.AnswerStatus["0_question_0"].IsCorrect {
		t.Errorf("answer status not round-tripped: %v", got.AnswerStatus)
	}

	keys, err := s.ListProgressKeys()
	if err != nil {
		t.Fatalf("ListProgressKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "progress_s1" {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err := s.DeleteProgress("progress_s1"); err != nil {
		t.Fatalf("DeleteProgress: %v", err)
	}
	got, err = s.GetProgress("progress_s1")
	if err != nil || got != nil {
		t.Errorf("expected progress deleted, got %+v err %v", got, err)
	}
}

func testCompletedSessions(t *testing.T, s Store) {
	t.Helper()

	bad := models.CompletedSessionRecord{Key: "session_1", SavedAt: time.Now()}
	if err := s.SaveCompletedSession(bad); !errors.Is(err, ErrInvalidCompletedKey) {
		t.Fatalf("expected ErrInvalidCompletedKey, got %v", err)
	}

	older := models.CompletedSessionRecord{
		Key:        "completed_session_1000",
		SessionID:  "s1",
		Completion: models.SessionCompletion{Module: "m1", FocusScore: 70, UserAnswers: map[string]string{}},
		SyncError:  "connection refused",
		SavedAt:    time.Now().Add(-time.Minute).UTC().Truncate(time.Second),
	}
	newer := models.CompletedSessionRecord{
		Key:        "completed_session_2000",
		Completion: models.SessionCompletion{Module: "m2"},
		SavedAt:    time.Now().UTC().Truncate(time.Second),
	}
	for _, rec := range []models.CompletedSessionRecord{newer, older} {
		if err := s.SaveCompletedSession(rec); err != nil {
			t.Fatalf("SaveCompletedSession %s: %v", rec.Key, err)
		}
	}

	recs, err := s.ListCompletedSessions()
	if err != nil {
		t.Fatalf("ListCompletedSessions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Key != older.Key {
		t.Errorf("expected oldest first, got %s", recs[0].Key)
	}
	if recs[0].SessionID != "s1" || recs[0].SyncError != "connection refused" || recs[0].Completion.FocusScore != 70 {
		t.Errorf("record not round-tripped: %+v", recs[0])
	}

	if err := s.DeleteCompletedSession(older.Key); err != nil {
		t.Fatalf("DeleteCompletedSession: %v", err)
	}
	recs, _ = s.ListCompletedSessions()
	if len(recs) != 1 || recs[0].Key != newer.Key {
		t.Errorf("unexpected records after delete: %+v", recs)
	}
}

func testOutbox(t *testing.T, s Store) {
	t.Helper()

	id1, err := s.EnqueueOutboxMessage("s1", OutboxKindProgressPatch, "progress_s1", "progress:progress_s1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dup, err := s.EnqueueOutboxMessage("s1", OutboxKindProgressPatch, "progress_s1", "progress:progress_s1")
	if err != nil {
		t.Fatalf("Enqueue dup: %v", err)
	}
	if dup != id1 {
		t.Errorf("expected dedupe to return %s, got %s", id1, dup)
	}
	if _, err := s.EnqueueOutboxMessage("s1", OutboxKindSessionPause, "{}", ""); err != nil {
		t.Fatalf("Enqueue pause: %v", err)
	}

	n, err := s.CountPendingOutboxMessages("s1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 pending, got %d err %v", n, err)
	}

	now := time.Now()
	msgs, err := s.ClaimDueOutboxMessages(now, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(msgs))
	}
	if msgs[0].ID != id1 || msgs[0].SessionID != "s1" || msgs[0].Status != OutboxStatusSending {
		t.Errorf("unexpected first claim: %+v", msgs[0])
	}

	again, _ := s.ClaimDueOutboxMessages(now, 10)
	if len(again) != 0 {
		t.Errorf("claimed messages must not be claimed twice, got %d", len(again))
	}

	if err := s.MarkOutboxMessageSent(msgs[0].ID); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := s.FailOutboxMessage(msgs[1].ID, "offline", now.Add(time.Hour)); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	n, _ = s.CountPendingOutboxMessages("s1")
	if n != 1 {
		t.Errorf("expected 1 pending after send, got %d", n)
	}

	due, _ := s.ClaimDueOutboxMessages(now, 10)
	if len(due) != 0 {
		t.Errorf("message with future retry must not be due, got %d", len(due))
	}
	due, _ = s.ClaimDueOutboxMessages(now.Add(2*time.Hour), 10)
	if len(due) != 1 || due[0].Attempts != 1 || due[0].LastError != "offline" {
		t.Fatalf("expected retried message, got %+v", due)
	}

	requeued, err := s.RequeueSendingMessages()
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued != 1 {
		t.Errorf("expected 1 requeued, got %d", requeued)
	}

	// A sent message no longer blocks its dedupe key.
	id3, _ := s.EnqueueOutboxMessage("s1", OutboxKindProgressPatch, "progress_s1", "progress:progress_s1")
	if id3 == id1 {
		t.Error("expected a new message once the deduped one was sent")
	}

	// A message being sent may carry an older snapshot, so it does not absorb a new one.
	claimed, _ := s.ClaimDueOutboxMessages(now.Add(4*time.Hour), 10)
	found := false
	for _, m := range claimed {
		found = found || m.ID == id3
	}
	if !found {
		t.Fatalf("expected %s claimed, got %+v", id3, claimed)
	}
	id4, _ := s.EnqueueOutboxMessage("s1", OutboxKindProgressPatch, "progress_s1", "progress:progress_s1")
	if id4 == id3 {
		t.Error("expected a new message while the previous one is sending")
	}
	id5, _ := s.EnqueueOutboxMessage("s1", OutboxKindProgressPatch, "progress_s1", "progress:progress_s1")
	if id5 != id4 {
		t.Errorf("expected the queued message %s to absorb the save, got %s", id4, id5)
	}
}

func TestInMemoryStore(t *testing.T) {
	t.Run("progress", func(t *testing.T) { testProgressRepo(t, NewInMemoryStore()) })
	t.Run("completed", func(t *testing.T) { testCompletedSessions(t, NewInMemoryStore()) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, NewInMemoryStore()) })
}

func TestSQLiteStore(t *testing.T) {
	t.Run("progress", func(t *testing.T) { testProgressRepo(t, newTestSQLiteStore(t)) })
	t.Run("completed", func(t *testing.T) { testCompletedSessions(t, newTestSQLiteStore(t)) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, newTestSQLiteStore(t)) })
}

func TestPostgresStore(t *testing.T) {
	t.Run("progress", func(t *testing.T) { testProgressRepo(t, newTestPostgresStore(t)) })
	t.Run("completed", func(t *testing.T) { testCompletedSessions(t, newTestPostgresStore(t)) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, newTestPostgresStore(t)) })
}

func TestSaveProgressRejectsInvalid(t *testing.T) {
	s := newTestSQLiteStore(t)
	p := sampleProgress()
	p.SessionID, p.ModuleID = "", ""
	if err := s.SaveProgress(p); !errors.Is(err, models.ErrEmptyProgressKey) {
		t.Errorf("expected ErrEmptyProgressKey, got %v", err)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	s, err := NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SaveProgress(sampleProgress()); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetProgress("progress_s1")
	if err != nil || got == nil {
		t.Fatalf("expected progress after reopen, got %v err %v", got, err)
	}
	if got.ElapsedSeconds != 95 {
		t.Errorf("expected elapsed 95, got %d", got.ElapsedSeconds)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@localhost/db", DSNTypePostgres},
		{"postgresql://localhost/db", DSNTypePostgres},
		{"host=localhost user=u dbname=db", DSNTypePostgres},
		{"/var/lib/metamind/state.db", DSNTypeSQLite},
		{"file:state.db?cache=shared", DSNTypeSQLite},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestOpenEmptyDSNUsesMemory(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", s)
	}
}

func TestOutboxSenderFlush(t *testing.T) {
	s := NewInMemoryStore()
	okID, _ := s.EnqueueOutboxMessage("s1", OutboxKindInterventionFired, `{"id":"a"}`, "")
	failID, _ := s.EnqueueOutboxMessage("s1", OutboxKindInterventionResponse, `{"id":"b"}`, "")
	dropID, _ := s.EnqueueOutboxMessage("s1", OutboxKindSessionPause, `{}`, "")

	var sent []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		sent = append(sent, msg.ID)
		switch msg.ID {
		case failID:
			return errors.New("network down")
		case dropID:
			return ErrPermanent
		}
		return nil
	})

	res := sender.Flush(context.Background())
	if res.Sent != 1 || res.Failed != 1 || res.Dropped != 1 {
		t.Fatalf("unexpected flush result: %+v", res)
	}
	if len(sent) != 3 || sent[0] != okID {
		t.Errorf("expected oldest first, got %v", sent)
	}

	n, _ := s.CountPendingOutboxMessages("s1")
	if n != 1 {
		t.Errorf("expected only the failed message pending, got %d", n)
	}

	// The failed message backs off, so an immediate flush sends nothing.
	res = sender.Flush(context.Background())
	if res.Sent+res.Failed+res.Dropped != 0 {
		t.Errorf("expected nothing due, got %+v", res)
	}
}

func TestOutboxSenderBackoff(t *testing.T) {
	sender := NewOutboxSender(NewInMemoryStore(), nil)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{3, 80 * time.Second},
		{6, 10 * time.Minute},
		{40, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := sender.backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestOutboxSenderRecoverInterrupted(t *testing.T) {
	s := newTestSQLiteStore(t)
	id, _ := s.EnqueueOutboxMessage("s1", OutboxKindProgressPatch, "progress_s1", "progress:progress_s1")
	// Claimed moments ago by a process that then crashed.
	if _, err := s.ClaimDueOutboxMessages(time.Now(), 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	var sent []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		sent = append(sent, msg.ID)
		return nil
	})
	n, err := sender.RecoverInterrupted()
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered, got %d", n)
	}
	if again, _ := s.EnqueueOutboxMessage("s1", OutboxKindProgressPatch, "progress_s1", "progress:progress_s1"); again != id {
		t.Errorf("expected the requeued message to absorb a new save, got %s", again)
	}
	if res := sender.Flush(context.Background()); res.Sent != 1 {
		t.Errorf("expected the requeued message sent, got %+v", res)
	}
	if len(sent) != 1 || sent[0] != id {
		t.Errorf("unexpected sends %v", sent)
	}
}

func TestOutboxSenderConcurrentFlushSendsOnce(t *testing.T) {
	s := newTestSQLiteStore(t)
	const total = 20
	for i := 0; i < total; i++ {
		if _, err := s.EnqueueOutboxMessage("s1", OutboxKindInterventionFired, fmt.Sprintf(`{"id":"%d"}`, i), ""); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	calls := make(map[string]int)
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		mu.Lock()
		calls[msg.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender.Flush(context.Background())
		}()
	}
	wg.Wait()

	if len(calls) != total {
		t.Errorf("expected %d messages sent, got %d", total, len(calls))
	}
	for id, n := range calls {
		if n != 1 {
			t.Errorf("message %s sent %d times", id, n)
		}
	}
}

func TestSQLiteClaimIsExclusive(t *testing.T) {
	s := newTestSQLiteStore(t)
	for i := 0; i < 10; i++ {
		s.EnqueueOutboxMessage("s1", OutboxKindSessionPause, "{}", "")
	}
	now := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := s.ClaimDueOutboxMessages(now, 3)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			mu.Lock()
			for _, m := range msgs {
				seen[m.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 10 {
		t.Errorf("expected all 10 messages claimed, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s claimed %d times", id, n)
		}
	}
}
