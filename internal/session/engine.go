// Package session owns the live state of one study session. It feeds raw
// interaction events through the sampler and estimator, runs the periodic
// tick and the intervention engine on a shared timer arena, and hands
// snapshots to the durable bridge and the rendering surface.
//
// Every event handler and every timer callback runs under one mutex.
// Observer, announcer and persistence calls are queued while the lock is
// held and run after it is released.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/MetaMind/internal/assessment"
	"github.com/BTreeMap/MetaMind/internal/clock"
	"github.com/BTreeMap/MetaMind/internal/intervention"
	"github.com/BTreeMap/MetaMind/internal/metrics"
	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/sampler"
	"github.com/BTreeMap/MetaMind/internal/util"
)

const (
	TickInterval     = time.Second
	AutosaveInterval = 30 * time.Second

	// Tick counts at which the periodic nudges and the trigger check run.
	FocusDriftEvery   = 30
	LoadDriftEvery    = 60
	TriggerCheckEvery = 120

	// ConfidenceCheckChance is the probability that moving to the next
	// section asks for a confidence rating, ConfidenceCheckDelay later.
	ConfidenceCheckChance = 0.4
	ConfidenceCheckDelay  = time.Second
)

var (
	ErrNotRunning       = errors.New("session is not running")
	ErrNotPaused        = errors.New("session is not paused")
	ErrAlreadyStarted   = errors.New("session already started")
	ErrStopped          = errors.New("session stopped")
	ErrInvalidDirection = errors.New("invalid navigation direction")
	ErrNoConfidenceAsk  = errors.New("no confidence check pending")
)

// Config configures an Engine. Module and Persister are required.
type Config struct {
	Module    *models.Module
	Persister Persister

	Observer  Observer
	Announcer Announcer
	Notifier  Notifier

	Clock  clock.Clock
	Random util.Random

	// Restore resumes from a saved snapshot.
	Restore *models.SessionProgress

	// Dispatch runs announcer and notifier calls. The default runs each on
	// its own goroutine tracked by Wait.
	Dispatch func(fn func())

	InterventionTimeout time.Duration
	BreakDuration       time.Duration
}

// Engine is the single owner of a session's mutable state.
type Engine struct {
	mu sync.Mutex

	module    *models.Module
	persister Persister
	observer  Observer
	announcer Announcer
	notifier  Notifier
	clock     clock.Clock
	rnd       util.Random
	dispatch  func(fn func())

	arena         *clock.Arena
	sampler       *sampler.Sampler
	metrics       *metrics.Estimator
	interventions *intervention.Engine

	status          Status
	elapsed         int
	contentIndex    int
	notes           string
	reflection      string
	answers         map[string]string
	answerStatus    map[string]models.AnswerStatus
	score           int
	saveStatus      string
	confidenceCheck bool
	breakPause      bool
	remoteEnded     bool
	tickID          string
	autosaveID      string

	effects []func()
	saveSeq uint64

	saveMu   sync.Mutex
	savedSeq uint64

	wg sync.WaitGroup
}

// New creates an Engine in the idle state.
func New(cfg Config) (*Engine, error) {
	if cfg.Module == nil {
		return nil, fmt.Errorf("session requires a module")
	}
	if cfg.Persister == nil {
		return nil, fmt.Errorf("session requires a persister")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Random == nil {
		cfg.Random = util.DefaultRandom()
	}

	e := &Engine{
		module:       cfg.Module,
		persister:    cfg.Persister,
		observer:     cfg.Observer,
		announcer:    cfg.Announcer,
		notifier:     cfg.Notifier,
		clock:        cfg.Clock,
		rnd:          cfg.Random,
		arena:        clock.NewArena(cfg.Clock),
		status:       StatusIdle,
		answers:      make(map[string]string),
		answerStatus: make(map[string]models.AnswerStatus),
	}
	e.dispatch = cfg.Dispatch
	if e.dispatch == nil {
		e.dispatch = e.goDispatch
	}
	e.sampler = sampler.New(e.nowMs())

	initial := models.DefaultMetricState()
	if p := cfg.Restore; p != nil {
		initial = p.Metrics
		e.elapsed = p.ElapsedSeconds
		e.contentIndex = p.ContentIndex
		if n := len(e.module.Contents); n > 0 && e.contentIndex >= n {
			e.contentIndex = n - 1
		}
		e.notes = p.Notes
		e.reflection = p.Reflection
		for k, v := range p.SubmittedAnswers {
			e.answers[k] = v
		}
		for k, v := range p.AnswerStatus {
			e.answerStatus[k] = v
		}
		e.score = p.AssessmentScore
	}
	e.metrics = metrics.NewEstimator(initial, cfg.Random)

	ie, err := intervention.NewEngine(intervention.Config{
		Scheduler:     lockedScheduler{e},
		Clock:         cfg.Clock,
		Random:        cfg.Random,
		Metrics:       e.metrics.State,
		Timeout:       cfg.InterventionTimeout,
		BreakDuration: cfg.BreakDuration,
		Hooks: intervention.Hooks{
			OnFired:      e.onInterventionFired,
			OnResolved:   e.onInterventionResolved,
			OnTimedOut:   e.onInterventionTimedOut,
			OnBreakStart: e.onBreakStart,
			OnBreakEnd:   e.onBreakEnd,
		},
	})
	if err != nil {
		return nil, err
	}
	if cfg.Restore != nil {
		ie.SetCount(cfg.Restore.Interventions)
	}
	e.interventions = ie

	slog.Debug("Engine.New: session created", "module", e.module.ID, "sections", len(e.module.Contents), "restored", cfg.Restore != nil)
	return e, nil
}

// lockedScheduler runs intervention timers under the engine lock.
type lockedScheduler struct{ e *Engine }

func (s lockedScheduler) ScheduleAfter(delay time.Duration, description string, fn func()) (string, error) {
	return s.e.arena.ScheduleAfter(delay, description, s.e.guard(fn))
}

func (s lockedScheduler) Cancel(id string) { s.e.arena.Cancel(id) }

// guard wraps a timer callback so it runs under the lock and never after Stop.
func (e *Engine) guard(fn func()) func() {
	return func() {
		e.mu.Lock()
		if e.status == StatusStopped {
			e.mu.Unlock()
			return
		}
		fn()
		e.unlock()
	}
}

// later queues fn to run once the lock is released.
func (e *Engine) later(fn func()) {
	e.effects = append(e.effects, fn)
}

// unlock releases the lock, publishes the new state and runs queued effects.
func (e *Engine) unlock() {
	effects := e.effects
	e.effects = nil
	st := e.stateLocked()
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.StateChanged(st)
	}
	for _, fn := range effects {
		fn()
	}
}

func (e *Engine) goDispatch(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Wait blocks until dispatched announcements and reminders have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) nowMs() int64 {
	return e.clock.Now().UnixMilli()
}

// State returns the current snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	return State{
		Status:           e.status,
		Metrics:          e.metrics.State(),
		ScrollHint:       e.metrics.ScrollHint(),
		Intervention:     e.interventions.State(),
		LastIntervention: e.interventions.Last(),
		Interventions:    e.interventions.Count(),
		OnBreak:          e.interventions.OnBreak(),
		ElapsedSeconds:   e.elapsed,
		SaveStatus:       e.saveStatus,
		ContentIndex:     e.contentIndex,
		SectionCount:     len(e.module.Contents),
		ConfidenceCheck:  e.confidenceCheck,
		AssessmentScore:  e.score,
		TotalPossible:    assessment.TotalPossible(e.module),
		RemoteEnded:      e.remoteEnded,
	}
}

// Progress returns the snapshot that a save would write.
func (e *Engine) Progress() *models.SessionProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progressLocked()
}

func (e *Engine) progressLocked() *models.SessionProgress {
	p := &models.SessionProgress{
		ModuleID:         e.module.ID,
		ContentIndex:     e.contentIndex,
		Notes:            e.notes,
		Reflection:       e.reflection,
		Metrics:          e.metrics.State(),
		ElapsedSeconds:   e.elapsed,
		SubmittedAnswers: make(map[string]string, len(e.answers)),
		AnswerStatus:     make(map[string]models.AnswerStatus, len(e.answerStatus)),
		AssessmentScore:  e.score,
		Interventions:    e.interventions.Count(),
	}
	for k, v := range e.answers {
		p.SubmittedAnswers[k] = v
	}
	for k, v := range e.answerStatus {
		p.AnswerStatus[k] = v
	}
	return p
}

// saveLocked snapshots the progress now and writes it after unlock. Writes
// that lose a race to a newer snapshot are skipped.
func (e *Engine) saveLocked() {
	e.saveSeq++
	seq := e.saveSeq
	p := e.progressLocked()
	e.later(func() { e.persist(seq, p) })
}

func (e *Engine) persist(seq uint64, p *models.SessionProgress) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if seq <= e.savedSeq {
		return
	}
	e.savedSeq = seq
	if err := e.persister.Save(p); err != nil {
		slog.Error("Engine.persist: save failed", "error", err)
	}
}

// SetSaveStatus records the latest persistence status for the surface.
func (e *Engine) SetSaveStatus(status string) {
	e.mu.Lock()
	if e.saveStatus == status {
		e.mu.Unlock()
		return
	}
	e.saveStatus = status
	e.unlock()
}

// ApplyRemoteSession adopts the session state the API reported after a
// reconnect. The API decides whether the session has ended; a running
// session that ended remotely is paused. Whether it is active is decided
// locally, so a running session the API holds as inactive is resumed there.
func (e *Engine) ApplyRemoteSession(s models.Session) {
	e.mu.Lock()
	e.remoteEnded = s.EndTime != nil
	switch {
	case e.status != StatusRunning:
	case e.remoteEnded:
		slog.Warn("Engine.ApplyRemoteSession: session ended remotely, pausing", "sessionID", s.ID, "endTime", *s.EndTime)
		e.pauseLocked()
	case !s.IsActive:
		slog.Info("Engine.ApplyRemoteSession: remote session inactive, resuming it", "sessionID", s.ID)
		e.later(e.persister.SessionResumed)
	}
	e.unlock()
}

func (e *Engine) announceLocked(text string) {
	if e.announcer == nil || text == "" {
		return
	}
	a := e.announcer
	e.later(func() {
		e.dispatch(func() {
			if err := a.Announce(context.Background(), text); err != nil {
				slog.Warn("Engine.announce: announcement failed", "error", err)
			}
		})
	})
}

func (e *Engine) notifyLocked(text string) {
	if e.notifier == nil {
		return
	}
	n := e.notifier
	e.later(func() {
		e.dispatch(func() {
			if err := n.Notify(context.Background(), text); err != nil {
				slog.Warn("Engine.notify: reminder failed", "error", err)
			}
		})
	})
}

// Start begins the tick and autosave timers.
func (e *Engine) Start() error {
	e.mu.Lock()
	switch e.status {
	case StatusStopped:
		e.mu.Unlock()
		return ErrStopped
	case StatusIdle:
	default:
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.sampler = sampler.New(e.nowMs())
	if err := e.armLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.status = StatusRunning
	e.saveStatus = MessageStarted
	e.sampler.Track(e.nowMs(), models.InteractionSessionStart, e.contentIndex, nil)
	slog.Info("Engine.Start: session started", "module", e.module.ID, "elapsed", e.elapsed)
	e.unlock()
	return nil
}

func (e *Engine) armLocked() error {
	tickID, err := e.arena.ScheduleEvery(TickInterval, "session tick", e.guard(e.tickLocked))
	if err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	autosaveID, err := e.arena.ScheduleEvery(AutosaveInterval, "autosave", e.guard(e.saveLocked))
	if err != nil {
		e.arena.Cancel(tickID)
		return fmt.Errorf("failed to schedule autosave: %w", err)
	}
	e.tickID, e.autosaveID = tickID, autosaveID
	return nil
}

func (e *Engine) disarmLocked() {
	e.arena.Cancel(e.tickID)
	e.arena.Cancel(e.autosaveID)
	e.tickID, e.autosaveID = "", ""
}

func (e *Engine) tickLocked() {
	if e.status != StatusRunning {
		return
	}
	e.elapsed++
	if e.elapsed%FocusDriftEvery == 0 {
		e.metrics.FocusDrift()
	}
	if e.elapsed%LoadDriftEvery == 0 {
		e.metrics.LoadDrift()
	}
	if e.elapsed%TriggerCheckEvery == 0 {
		e.interventions.Evaluate(e.metrics.State(), e.metrics.ScrollHint(), e.module.SectionType(e.contentIndex))
	}
}

// Pause stops the tick and saves.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.pauseLocked()
	e.unlock()
	return nil
}

func (e *Engine) pauseLocked() {
	e.disarmLocked()
	e.status = StatusPaused
	e.saveStatus = MessagePaused
	e.sampler.Track(e.nowMs(), models.InteractionSessionPause, e.contentIndex, nil)
	e.later(e.persister.SessionPaused)
	e.saveLocked()
	slog.Info("Engine.Pause: session paused", "elapsed", e.elapsed)
}

// Resume restarts the tick. Elapsed time does not catch up.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.status != StatusPaused {
		e.mu.Unlock()
		return ErrNotPaused
	}
	if err := e.resumeLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.unlock()
	return nil
}

func (e *Engine) resumeLocked() error {
	if err := e.armLocked(); err != nil {
		return err
	}
	e.status = StatusRunning
	e.breakPause = false
	e.saveStatus = MessageResumed
	e.sampler.Track(e.nowMs(), models.InteractionSessionResume, e.contentIndex, nil)
	e.later(e.persister.SessionResumed)
	slog.Info("Engine.Resume: session resumed", "elapsed", e.elapsed)
	return nil
}

// Stop cancels every timer and completes the session. The only error
// surfaced from the completion is an authorization failure.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.status == StatusStopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.status = StatusStopped
	e.arena.Stop()
	e.tickID, e.autosaveID = "", ""
	e.confidenceCheck = false
	p := e.progressLocked()
	completion := e.completionLocked()
	e.unlock()

	slog.Info("Engine.Stop: session stopped", "elapsed", completion.TotalDuration, "progress", completion.ContentProgress)

	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	e.savedSeq = ^uint64(0)
	return e.persister.Complete(ctx, p, completion)
}

func (e *Engine) completionLocked() models.SessionCompletion {
	m := e.metrics.State()
	answers := make(map[string]string, len(e.answers))
	for k, v := range e.answers {
		answers[k] = v
	}
	return models.SessionCompletion{
		Module:                 e.module.ID,
		Subject:                e.module.Subject,
		Unit:                   e.module.Unit,
		Topic:                  e.module.Topic,
		EndTime:                e.clock.Now(),
		TotalDuration:          e.elapsed,
		FocusScore:             m.FocusScore,
		CognitiveLoad:          m.CognitiveLoad,
		EngagementDepth:        m.EngagementDepth,
		ContentProgress:        fmt.Sprintf("%d/%d", e.contentIndex+1, len(e.module.Contents)),
		Notes:                  e.notes,
		Reflection:             e.reflection,
		UserAnswers:            answers,
		AssessmentScore:        e.score,
		TotalPossibleScore:     assessment.TotalPossible(e.module),
		InterventionsTriggered: e.interventions.Count(),
		ScrollPatterns:         e.sampler.ScrollSamples(),
		Interactions:           e.sampler.Interactions(),
	}
}

// Timers lists the outstanding timers of the session.
func (e *Engine) Timers() []clock.TimerInfo {
	return e.arena.ListActive()
}

func (e *Engine) onInterventionFired(ev models.InterventionEvent) {
	e.later(func() { e.persister.RecordIntervention(ev) })
	e.announceLocked(ev.Message)
}

func (e *Engine) onInterventionResolved(ev models.InterventionEvent) {
	e.sampler.Track(e.nowMs(), models.InteractionInterventionReply, e.contentIndex, map[string]string{
		"type":     string(ev.Type),
		"response": string(ev.Response),
	})
	e.later(func() { e.persister.RecordResponse(ev) })
}

func (e *Engine) onInterventionTimedOut(ev models.InterventionEvent) {
	e.sampler.Track(e.nowMs(), models.InteractionInterventionExpiry, e.contentIndex, map[string]string{
		"type": string(ev.Type),
	})
	e.later(func() { e.persister.RecordResponse(ev) })
}

func (e *Engine) onBreakStart() {
	if e.status != StatusRunning {
		return
	}
	e.pauseLocked()
	e.breakPause = true
}

func (e *Engine) onBreakEnd() {
	if e.status == StatusPaused && e.breakPause {
		if err := e.resumeLocked(); err != nil {
			slog.Error("Engine.onBreakEnd: failed to resume", "error", err)
		}
	}
	e.notifyLocked(intervention.BreakCompleteMessage)
}
