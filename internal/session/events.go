package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/MetaMind/internal/assessment"
	"github.com/BTreeMap/MetaMind/internal/intervention"
	"github.com/BTreeMap/MetaMind/internal/metrics"
	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/sampler"
)

// Direction of a move between sections.
type Direction string

const (
	DirectionNext Direction = "next"
	DirectionPrev Direction = "prev"
)

// Spoken confidence check texts.
const (
	ConfidencePrompt     = "Confidence check: Before moving on, how well do you understand this content?"
	ConfidenceHighReply  = "Great! You're feeling confident. Let's continue."
	ConfidenceLowReply   = "It's okay to review. Consider going back or taking notes."
	ConfidenceOtherReply = "Moving on to the next section."
)

// OnScroll samples a scroll of the content area and runs the engagement
// analysis. Rapid scrolling requests a comprehension check.
func (e *Engine) OnScroll(v sampler.Viewport) {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return
	}
	if _, ok := e.sampler.Scroll(e.nowMs(), v); !ok {
		e.mu.Unlock()
		return
	}
	a := e.metrics.Analyze(e.sampler.ScrollSamples())
	if a.RequestsComprehensionCheck() {
		_, err := e.interventions.Fire(models.InterventionSocratic, intervention.ComprehensionCheckMessage, intervention.TriggerRapidScroll)
		if err != nil && !errors.Is(err, intervention.ErrAlreadyActive) {
			slog.Warn("Engine.OnScroll: comprehension check not fired", "error", err)
		}
	}
	e.unlock()
}

// OnKeyDown samples a keystroke. Ctrl+S saves even when the session is not running.
func (e *Engine) OnKeyDown(k sampler.KeyEvent) {
	e.mu.Lock()
	if e.status == StatusStopped {
		e.mu.Unlock()
		return
	}
	if e.status == StatusRunning {
		e.sampler.KeyDown(e.nowMs(), k, e.contentIndex)
	}
	if k.IsSaveShortcut() {
		e.saveLocked()
	}
	e.unlock()
}

// OnClick samples a click on an element of the given category.
func (e *Engine) OnClick(target string) {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return
	}
	e.sampler.Click(e.nowMs(), target, e.contentIndex)
	e.unlock()
}

// OnFocusChange samples the window gaining or losing focus.
func (e *Engine) OnFocusChange(gained bool) {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return
	}
	_, delta := e.sampler.FocusChange(e.nowMs(), gained, e.contentIndex)
	e.metrics.AdjustFocus(delta)
	e.unlock()
}

// Save snapshots the progress.
func (e *Engine) Save() error {
	e.mu.Lock()
	if e.status == StatusStopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.saveLocked()
	e.unlock()
	return nil
}

// Navigate moves one section forward or back and saves. Moving forward may
// schedule a confidence check; moving forward from the last section
// suggests the mastery check instead. It returns the new content index.
func (e *Engine) Navigate(dir Direction) (int, error) {
	e.mu.Lock()
	if e.status == StatusStopped {
		e.mu.Unlock()
		return 0, ErrStopped
	}
	last := len(e.module.Contents) - 1
	from := e.contentIndex
	now := e.nowMs()

	switch dir {
	case DirectionNext:
		if from >= last {
			if last >= 0 {
				_, err := e.interventions.Fire(models.InterventionStrategyShift, intervention.SectionsCompleteMessage, intervention.TriggerSectionsComplete)
				if err != nil && !errors.Is(err, intervention.ErrAlreadyActive) {
					slog.Warn("Engine.Navigate: sections complete prompt not fired", "error", err)
				}
			}
			e.unlock()
			return from, nil
		}
		e.sampler.Track(now, models.InteractionContentNavigation, from, sampler.NavigationData(from, from+1, e.sampler.TimeOnContent(from)))
		e.contentIndex = from + 1
		if e.rnd.Float64() < ConfidenceCheckChance {
			e.scheduleConfidenceLocked()
		}
	case DirectionPrev:
		if from <= 0 {
			e.mu.Unlock()
			return from, nil
		}
		e.sampler.Track(now, models.InteractionContentNavigation, from, map[string]string{
			"from": strconv.Itoa(from),
			"to":   strconv.Itoa(from - 1),
		})
		e.contentIndex = from - 1
	default:
		e.mu.Unlock()
		return from, fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}

	idx := e.contentIndex
	slog.Debug("Engine.Navigate: moved", "from", from, "to", idx)
	e.saveLocked()
	e.unlock()
	return idx, nil
}

func (e *Engine) scheduleConfidenceLocked() {
	_, err := e.arena.ScheduleAfter(ConfidenceCheckDelay, "confidence check", e.guard(func() {
		e.confidenceCheck = true
		e.announceLocked(ConfidencePrompt)
	}))
	if err != nil {
		slog.Warn("Engine.scheduleConfidenceLocked: failed to schedule", "error", err)
	}
}

// SubmitConfidence answers a pending confidence check and calibrates focus.
func (e *Engine) SubmitConfidence(level string) error {
	c, err := metrics.ParseConfidence(level)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if !e.confidenceCheck {
		e.mu.Unlock()
		return ErrNoConfidenceAsk
	}
	e.confidenceCheck = false
	m := e.metrics.Calibrate(c)
	e.sampler.Track(e.nowMs(), models.InteractionConfidenceCheck, e.contentIndex, map[string]string{
		"level":       string(c),
		"focus_score": strconv.Itoa(m.FocusScore),
	})
	switch c {
	case metrics.ConfidenceHigh:
		e.announceLocked(ConfidenceHighReply)
	case metrics.ConfidenceLow:
		e.announceLocked(ConfidenceLowReply)
	default:
		e.announceLocked(ConfidenceOtherReply)
	}
	e.saveLocked()
	e.unlock()
	return nil
}

// SubmitAnswer grades an answer to an item of the current section, or to a
// mastery check question, and saves. Resubmitting replaces the earlier grade.
func (e *Engine) SubmitAnswer(kind string, itemIndex int, answer string) (assessment.Grade, error) {
	k, err := assessment.ParseKind(kind)
	if err != nil {
		return assessment.Grade{}, err
	}
	e.mu.Lock()
	if e.status == StatusStopped {
		e.mu.Unlock()
		return assessment.Grade{}, ErrStopped
	}
	section := e.contentIndex
	if k == assessment.KindMastery {
		// mastery questions belong to the module, keyed past the last section
		section = len(e.module.Contents)
	}
	g, err := assessment.GradeAnswer(e.module, section, k, itemIndex, answer)
	if err != nil {
		e.mu.Unlock()
		return assessment.Grade{}, err
	}

	if prev, ok := e.answerStatus[g.Key]; ok && prev.IsCorrect {
		e.score -= prev.Points
	}
	e.score += g.Points
	e.answers[g.Key] = answer
	e.answerStatus[g.Key] = models.AnswerStatus{
		IsCorrect:   g.IsCorrect,
		Points:      g.Points,
		SubmittedAt: e.clock.Now(),
	}
	e.sampler.Track(e.nowMs(), models.InteractionAnswerSubmission, e.contentIndex, map[string]string{
		"key":        g.Key,
		"type":       string(k),
		"is_correct": strconv.FormatBool(g.IsCorrect),
		"points":     strconv.Itoa(g.Points),
	})
	slog.Debug("Engine.SubmitAnswer: graded", "key", g.Key, "correct", g.IsCorrect, "score", e.score)
	e.saveLocked()
	e.unlock()
	return g, nil
}

// Results grades the current section and speaks its summary.
func (e *Engine) Results() assessment.SectionResult {
	e.mu.Lock()
	r := assessment.ResultsFor(e.module, e.contentIndex, e.progressLocked())
	e.announceLocked(r.Summary())
	e.unlock()
	return r
}

func (e *Engine) SetNotes(notes string) {
	e.mu.Lock()
	e.notes = notes
	e.unlock()
}

func (e *Engine) SetReflection(reflection string) {
	e.mu.Lock()
	e.reflection = reflection
	e.unlock()
}

// AcknowledgeIntervention marks the active prompt as displayed.
func (e *Engine) AcknowledgeIntervention() error {
	e.mu.Lock()
	if e.status == StatusStopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if err := e.interventions.Acknowledge(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.unlock()
	return nil
}

// RequestHelp opens the learner-initiated socratic prompt. It returns
// intervention.ErrAlreadyActive while another prompt is open.
func (e *Engine) RequestHelp() (models.InterventionState, error) {
	e.mu.Lock()
	if e.status == StatusStopped {
		e.mu.Unlock()
		return models.InterventionState{}, ErrStopped
	}
	state, err := e.interventions.RequestHelp()
	if err != nil {
		e.mu.Unlock()
		return state, err
	}
	e.unlock()
	return state, nil
}

// RespondToIntervention resolves the active prompt. Accepting a break
// pauses the session until the break is over.
func (e *Engine) RespondToIntervention(code models.ResponseCode) (models.InterventionEvent, error) {
	e.mu.Lock()
	if e.status == StatusStopped {
		e.mu.Unlock()
		return models.InterventionEvent{}, ErrStopped
	}
	ev, err := e.interventions.Respond(code)
	if err != nil {
		e.mu.Unlock()
		return models.InterventionEvent{}, err
	}
	e.unlock()
	return ev, nil
}

// Elapsed returns the session time counted by the tick.
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.elapsed) * time.Second
}
