package genai

import (
	"context"
	"sync"
)

// MockAnnouncer records announcements instead of speaking them.
type MockAnnouncer struct {
	mu        sync.Mutex
	Announced []string
	Err       error
}

func NewMockAnnouncer() *MockAnnouncer {
	return &MockAnnouncer{}
}

func (m *MockAnnouncer) Announce(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Announced = append(m.Announced, text)
	return m.Err
}

// Texts returns a copy of what was announced so far.
func (m *MockAnnouncer) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Announced...)
}
