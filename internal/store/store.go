// Package store provides durable local storage for study-session state.
//
// It holds progress snapshots, completion records whose remote sync failed,
// and the outbox of pending remote calls. SQLite is the default backend;
// PostgreSQL and an in-memory store implement the same interfaces.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/util"
)

// ProgressRepo persists session progress snapshots keyed by models.ProgressKey.
type ProgressRepo interface {
	// SaveProgress inserts or replaces the snapshot stored under p.Key().
	SaveProgress(p *models.SessionProgress) error
	// GetProgress returns the snapshot stored under key, or nil if there is none.
	GetProgress(key string) (*models.SessionProgress, error)
	DeleteProgress(key string) error
	ListProgressKeys() ([]string, error)
}

// CompletedSessionRepo persists completions that could not be synced.
type CompletedSessionRepo interface {
	SaveCompletedSession(rec models.CompletedSessionRecord) error
	ListCompletedSessions() ([]models.CompletedSessionRecord, error)
	DeleteCompletedSession(key string) error
}

// Store is the full local store used by the engine.
type Store interface {
	ProgressRepo
	CompletedSessionRepo
	OutboxRepo
	Close() error
}

// InMemoryStore is a Store that keeps everything in process memory.
type InMemoryStore struct {
	mu        sync.Mutex
	progress  map[string]string
	completed map[string]models.CompletedSessionRecord
	outbox    []*OutboxMessage
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		progress:  make(map[string]string),
		completed: make(map[string]models.CompletedSessionRecord),
	}
}

func (s *InMemoryStore) SaveProgress(p *models.SessionProgress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := p.ToJSON()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[p.Key()] = data
	return nil
}

func (s *InMemoryStore) GetProgress(key string) (*models.SessionProgress, error) {
	s.mu.Lock()
	data, ok := s.progress[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var p models.SessionProgress
	if err := p.FromJSON(data); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *InMemoryStore) DeleteProgress(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress, key)
	return nil
}

func (s *InMemoryStore) ListProgressKeys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.progress))
	for k := range s.progress {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *InMemoryStore) SaveCompletedSession(rec models.CompletedSessionRecord) error {
	if !strings.HasPrefix(rec.Key, models.CompletedSessionKeyPrefix) {
		return ErrInvalidCompletedKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[rec.Key] = rec
	return nil
}

func (s *InMemoryStore) ListCompletedSessions() ([]models.CompletedSessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CompletedSessionRecord, 0, len(s.completed))
	for _, rec := range s.completed {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.Before(out[j].SavedAt) })
	return out, nil
}

func (s *InMemoryStore) DeleteCompletedSession(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.completed, key)
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status == OutboxStatusQueued {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          util.GenerateOutboxID(),
		SessionID:   sessionID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox = append(s.outbox, m)
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if len(out) >= limit {
			break
		}
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.update(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.update(id, func(m *OutboxMessage) {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueSendingMessages() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountPendingOutboxMessages(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.SessionID == sessionID && !m.Status.terminal() {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) update(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.outbox {
		if m.ID == id {
			fn(m)
			m.UpdatedAt = time.Now()
			return nil
		}
	}
	return nil
}
