// Package intervention implements the rule engine that fires, times out and resolves learner prompts.
package intervention

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/MetaMind/internal/clock"
	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/util"
)

const (
	// DefaultTimeout is how long an unanswered intervention stays open.
	DefaultTimeout = 45 * time.Second
	// DefaultBreakDuration is the length of a break accepted from a break suggestion.
	DefaultBreakDuration = 2 * time.Minute
)

// Trigger thresholds, evaluated in priority order.
const (
	LowFocusThreshold = 60
	HighLoadThreshold = 80
)

var (
	ErrAlreadyActive        = errors.New("an intervention is already active")
	ErrNoActiveIntervention = errors.New("no active intervention")
	ErrInvalidResponse      = errors.New("invalid response code")
)

// Scheduler runs delayed callbacks. The session supplies an implementation
// that serializes callbacks with its own event handlers.
type Scheduler interface {
	ScheduleAfter(delay time.Duration, description string, fn func()) (string, error)
	Cancel(id string)
}

// Hooks are notified of lifecycle transitions. They are invoked synchronously
// from Engine methods and must not call back into the Engine.
type Hooks struct {
	OnFired    func(models.InterventionEvent)
	OnResolved func(models.InterventionEvent)
	OnTimedOut func(models.InterventionEvent)
	// OnBreakStart is called when a break is accepted; OnBreakEnd when it is over,
	// just before the follow-up intervention fires.
	OnBreakStart func()
	OnBreakEnd   func()
}

// Config configures an Engine. Scheduler is required.
type Config struct {
	Scheduler     Scheduler
	Clock         clock.Clock
	Random        util.Random
	Metrics       func() models.MetricState
	Hooks         Hooks
	Timeout       time.Duration
	BreakDuration time.Duration
}

// Engine owns the single intervention slot of a session. It is not safe for
// concurrent use; callers serialize access.
type Engine struct {
	cfg Config

	current   models.InterventionState
	trigger   string
	last      models.InterventionState
	count     int
	timeoutID string
	breakID   string
}

// NewEngine creates an Engine, filling unset Config fields with defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("intervention engine requires a scheduler")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Random == nil {
		cfg.Random = util.DefaultRandom()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = models.DefaultMetricState
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = DefaultBreakDuration
	}
	return &Engine{
		cfg:     cfg,
		current: models.InterventionState{Status: models.InterventionStatusNone},
		last:    models.InterventionState{Status: models.InterventionStatusNone},
	}, nil
}

// State returns the current intervention slot.
func (e *Engine) State() models.InterventionState {
	return e.current
}

// Last returns the most recent intervention to leave the slot, with its
// final status (resolved or timed_out).
func (e *Engine) Last() models.InterventionState {
	return e.last
}

// Count returns the number of interventions fired this session.
func (e *Engine) Count() int {
	return e.count
}

// SetCount restores the lifetime count, e.g. from a saved snapshot.
func (e *Engine) SetCount(n int) {
	if n > 0 {
		e.count = n
	}
}

// OnBreak reports whether an accepted break is in progress.
func (e *Engine) OnBreak() bool {
	return e.breakID != ""
}

// Fire opens an intervention of type t. An empty message selects one of the
// type's candidate prompts at random. It returns ErrAlreadyActive when the
// slot is occupied.
func (e *Engine) Fire(t models.InterventionType, message, trigger string) (models.InterventionState, error) {
	if !models.IsValidInterventionType(t) {
		return models.InterventionState{}, fmt.Errorf("%w: %q", models.ErrInvalidInterventionType, t)
	}
	if e.current.IsActive() {
		slog.Debug("Engine.Fire: suppressed, intervention already active", "type", t, "active", e.current.Type, "trigger", trigger)
		return e.current, ErrAlreadyActive
	}
	if message == "" {
		message = e.pick(t)
	}

	id := uuid.NewString()
	e.current = models.InterventionState{
		ID:      id,
		Type:    t,
		Message: message,
		Status:  models.InterventionStatusActive,
		FiredAt: e.cfg.Clock.Now(),
	}
	e.trigger = trigger
	e.count++

	timeoutID, err := e.cfg.Scheduler.ScheduleAfter(e.cfg.Timeout, "intervention timeout "+id, func() { e.expire(id) })
	if err != nil {
		slog.Warn("Engine.Fire: failed to schedule timeout", "id", id, "error", err)
	}
	e.timeoutID = timeoutID

	slog.Info("Engine.Fire: intervention fired", "id", id, "type", t, "trigger", trigger, "count", e.count)
	if e.cfg.Hooks.OnFired != nil {
		e.cfg.Hooks.OnFired(e.event(""))
	}
	return e.current, nil
}

// RequestHelp fires the learner-initiated socratic prompt.
func (e *Engine) RequestHelp() (models.InterventionState, error) {
	return e.Fire(models.InterventionSocratic, HelpRequestMessage, TriggerHelpRequest)
}

// Evaluate checks the trigger conditions in priority order and fires at most
// one intervention. It does nothing while an intervention is active.
//
// The derived depth only reaches skimming below the focus threshold or above
// the load threshold, where the first two rules already match, so the
// skimming rule also accepts the scroll classification in hint.
func (e *Engine) Evaluate(m models.MetricState, hint models.EngagementDepth, sectionType string) (models.InterventionState, bool) {
	if e.current.IsActive() {
		return e.current, false
	}

	var (
		t       models.InterventionType
		trigger string
	)
	switch {
	case m.FocusScore < LowFocusThreshold:
		t, trigger = models.InterventionSocratic, TriggerLowFocus
	case m.CognitiveLoad > HighLoadThreshold:
		t, trigger = models.InterventionBreakSuggestion, TriggerHighLoad
	case (m.EngagementDepth == models.EngagementSkimming || hint == models.EngagementSkimming) && sectionType == models.SectionTypeConcept:
		t, trigger = models.InterventionStrategyShift, TriggerSkimmingConcept
	default:
		slog.Debug("Engine.Evaluate: no trigger condition met", "focus", m.FocusScore, "load", m.CognitiveLoad, "depth", m.EngagementDepth, "hint", hint)
		return e.current, false
	}

	state, err := e.Fire(t, "", trigger)
	return state, err == nil
}

// Acknowledge records that the rendering surface displayed the active prompt.
func (e *Engine) Acknowledge() error {
	if !e.current.IsActive() {
		return ErrNoActiveIntervention
	}
	e.current.Status = models.InterventionStatusAwaitingResponse
	return nil
}

// Respond resolves the active intervention with the learner's response.
// A break response to a break suggestion starts the break timer.
func (e *Engine) Respond(code models.ResponseCode) (models.InterventionEvent, error) {
	if !e.current.IsActive() {
		return models.InterventionEvent{}, ErrNoActiveIntervention
	}
	if err := models.ValidateResponse(e.current.Type, code); err != nil {
		return models.InterventionEvent{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	e.cfg.Scheduler.Cancel(e.timeoutID)
	e.timeoutID = ""

	ev := e.event(code)
	brk := code == models.ResponseBreak && e.current.Type == models.InterventionBreakSuggestion
	e.current.Status = models.InterventionStatusResolved
	e.settle()

	slog.Info("Engine.Respond: intervention resolved", "id", ev.ID, "type", ev.Type, "response", code)
	if e.cfg.Hooks.OnResolved != nil {
		e.cfg.Hooks.OnResolved(ev)
	}
	if brk {
		e.startBreak()
	}
	return ev, nil
}

func (e *Engine) startBreak() {
	if e.breakID != "" {
		return
	}
	if e.cfg.Hooks.OnBreakStart != nil {
		e.cfg.Hooks.OnBreakStart()
	}
	id, err := e.cfg.Scheduler.ScheduleAfter(e.cfg.BreakDuration, "break", e.endBreak)
	if err != nil {
		slog.Warn("Engine.startBreak: failed to schedule break end", "error", err)
		return
	}
	e.breakID = id
	slog.Info("Engine.startBreak: break started", "duration", e.cfg.BreakDuration)
}

func (e *Engine) endBreak() {
	e.breakID = ""
	if e.cfg.Hooks.OnBreakEnd != nil {
		e.cfg.Hooks.OnBreakEnd()
	}
	if _, err := e.Fire(models.InterventionStrategyShift, BreakCompleteMessage, TriggerBreakComplete); err != nil {
		slog.Warn("Engine.endBreak: follow-up intervention not fired", "error", err)
	}
}

func (e *Engine) expire(id string) {
	if !e.current.IsActive() || e.current.ID != id {
		return
	}
	e.timeoutID = ""
	ev := e.event("")
	ev.TimedOut = true
	e.current.Status = models.InterventionStatusTimedOut
	e.settle()

	slog.Info("Engine.expire: intervention timed out", "id", id, "type", ev.Type)
	if e.cfg.Hooks.OnTimedOut != nil {
		e.cfg.Hooks.OnTimedOut(ev)
	}
}

// settle moves the finished intervention out of the slot.
func (e *Engine) settle() {
	e.last = e.current
	e.current = models.InterventionState{Status: models.InterventionStatusNone}
	e.trigger = ""
}

func (e *Engine) event(code models.ResponseCode) models.InterventionEvent {
	m := e.cfg.Metrics()
	return models.InterventionEvent{
		ID:            e.current.ID,
		Type:          e.current.Type,
		Message:       e.current.Message,
		Trigger:       e.trigger,
		Response:      code,
		FocusScore:    m.FocusScore,
		CognitiveLoad: m.CognitiveLoad,
		At:            e.cfg.Clock.Now(),
	}
}

func (e *Engine) pick(t models.InterventionType) string {
	msgs := candidates[t]
	return msgs[e.cfg.Random.IntN(len(msgs))]
}
