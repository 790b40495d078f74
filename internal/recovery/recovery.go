// Package recovery restores work an earlier run left unsynced: completed
// sessions kept locally and outbox messages abandoned mid-send. Components
// register with a Manager and are recovered in order at startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/MetaMind/internal/store"
)

// Recoverable is a component that can restore its state from the store.
type Recoverable interface {
	RecoverState(ctx context.Context, registry *Registry) error
}

// Report counts what a recovery pass did.
type Report struct {
	CompletionsSynced int `json:"completions_synced"`
	CompletionsKept   int `json:"completions_kept"`
	OutboxRequeued    int `json:"outbox_requeued"`
}

// Registry provides the services a component uses while recovering.
type Registry struct {
	store store.Store

	mu     sync.Mutex
	report Report
}

// NewRegistry creates a registry over st.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

// GetStore provides access to the store for recovery operations.
func (r *Registry) GetStore() store.Store {
	return r.store
}

func (r *Registry) record(fn func(*Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.report)
}

// Report returns the totals recorded so far.
func (r *Registry) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	registry     *Registry
	recoverables []Recoverable
}

// NewManager creates a recovery manager over st.
func NewManager(st store.Store) *Manager {
	return &Manager{registry: NewRegistry(st)}
}

// RegisterRecoverable adds a component to recover.
func (m *Manager) RegisterRecoverable(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll recovers every registered component. A failing component does
// not stop the others.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered, failed := 0, 0
	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx, m.registry); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", fmt.Sprintf("%T", r), "error", err)
			failed++
			continue
		}
		recovered++
	}

	rep := m.registry.Report()
	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed,
		"completionsSynced", rep.CompletionsSynced, "completionsKept", rep.CompletionsKept, "outboxRequeued", rep.OutboxRequeued)

	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}

// GetRegistry provides access to the registry.
func (m *Manager) GetRegistry() *Registry {
	return m.registry
}
