package session

import (
	"context"

	"github.com/BTreeMap/MetaMind/internal/models"
)

// Status is the lifecycle position of a session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// Lifecycle messages shown in place of the save status.
const (
	MessageStarted = "Session started"
	MessagePaused  = "Session paused"
	MessageResumed = "Session resumed"
)

// State is the snapshot handed to the rendering surface after every change.
type State struct {
	Status           Status                   `json:"status"`
	Metrics          models.MetricState       `json:"metrics"`
	ScrollHint       models.EngagementDepth   `json:"scroll_hint,omitempty"`
	Intervention     models.InterventionState `json:"intervention"`
	LastIntervention models.InterventionState `json:"last_intervention"`
	Interventions    int                      `json:"interventions_triggered"`
	OnBreak          bool                     `json:"on_break"`
	ElapsedSeconds   int                      `json:"elapsed_time"`
	SaveStatus       string                   `json:"save_status,omitempty"`
	ContentIndex     int                      `json:"content_index"`
	SectionCount     int                      `json:"section_count"`
	ConfidenceCheck  bool                     `json:"confidence_check"`
	AssessmentScore  int                      `json:"assessment_score"`
	TotalPossible    int                      `json:"total_possible_score"`
	RemoteEnded      bool                     `json:"remote_ended,omitempty"`
}

// Observer is the rendering surface. StateChanged is never called with the
// engine lock held, so it may call back into the Engine.
type Observer interface {
	StateChanged(State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(State)

func (f ObserverFunc) StateChanged(s State) { f(s) }

// Announcer speaks a notification aloud.
type Announcer interface {
	Announce(ctx context.Context, text string) error
}

// Notifier delivers an out-of-band reminder, such as an SMS.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Persister is the durable side of the session, normally a *progress.Bridge.
type Persister interface {
	Save(p *models.SessionProgress) error
	Complete(ctx context.Context, p *models.SessionProgress, completion models.SessionCompletion) error
	RecordIntervention(ev models.InterventionEvent)
	RecordResponse(ev models.InterventionEvent)
	SessionPaused()
	SessionResumed()
}
