// Intervention lifecycle types.
package models

import (
	"fmt"
	"time"
)

// InterventionType is the kind of prompt shown to the learner.
type InterventionType string

const (
	InterventionSocratic        InterventionType = "socratic"
	InterventionBreakSuggestion InterventionType = "break_suggestion"
	InterventionStrategyShift   InterventionType = "strategy_shift"
)

// IsValidInterventionType checks if the given intervention type is supported.
func IsValidInterventionType(t InterventionType) bool {
	switch t {
	case InterventionSocratic, InterventionBreakSuggestion, InterventionStrategyShift:
		return true
	default:
		return false
	}
}

// InterventionStatus is a step of the intervention lifecycle.
type InterventionStatus string

const (
	InterventionStatusNone             InterventionStatus = "none"
	InterventionStatusActive           InterventionStatus = "active"
	InterventionStatusAwaitingResponse InterventionStatus = "awaiting_response"
	InterventionStatusResolved         InterventionStatus = "resolved"
	InterventionStatusTimedOut         InterventionStatus = "timed_out"
)

// ResponseCode is the learner's answer to an intervention.
type ResponseCode string

const (
	ResponseContinue ResponseCode = "continue"
	ResponseNeedHelp ResponseCode = "need_help"
	ResponseExample  ResponseCode = "example"
	ResponseBreak    ResponseCode = "break"
	ResponseEasyTask ResponseCode = "easy_task"
	ResponseReflect  ResponseCode = "reflect"
	ResponseApply    ResponseCode = "apply"
	ResponseDismiss  ResponseCode = "dismiss"
)

// responsesByType lists the response codes offered for each intervention type.
var responsesByType = map[InterventionType][]ResponseCode{
	InterventionSocratic:        {ResponseContinue, ResponseNeedHelp, ResponseExample, ResponseReflect, ResponseDismiss},
	InterventionBreakSuggestion: {ResponseBreak, ResponseEasyTask, ResponseContinue, ResponseDismiss},
	InterventionStrategyShift:   {ResponseApply, ResponseContinue, ResponseReflect, ResponseDismiss},
}

// ResponsesFor returns the response codes the rendering surface should offer for t.
func ResponsesFor(t InterventionType) []ResponseCode {
	codes := responsesByType[t]
	out := make([]ResponseCode, len(codes))
	copy(out, codes)
	return out
}

// ValidateResponse checks that code is an accepted answer to an intervention of type t.
func ValidateResponse(t InterventionType, code ResponseCode) error {
	if !IsValidInterventionType(t) {
		return fmt.Errorf("%w: %q", ErrInvalidInterventionType, t)
	}
	for _, c := range responsesByType[t] {
		if c == code {
			return nil
		}
	}
	return fmt.Errorf("%w: %q for %s", ErrInvalidResponseCode, code, t)
}

// InterventionState is the single intervention slot of a session.
type InterventionState struct {
	ID      string             `json:"id,omitempty"`
	Type    InterventionType   `json:"type,omitempty"`
	Message string             `json:"message,omitempty"`
	Status  InterventionStatus `json:"status"`
	FiredAt time.Time          `json:"fired_at,omitempty"`
}

// IsActive reports whether an intervention currently occupies the slot.
func (s InterventionState) IsActive() bool {
	return s.Status == InterventionStatusActive || s.Status == InterventionStatusAwaitingResponse
}

// InterventionEvent is the analytics record of an intervention being fired,
// answered or timing out.
type InterventionEvent struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"session_id,omitempty"`
	Type          InterventionType `json:"intervention_type"`
	Message       string           `json:"message"`
	Trigger       string           `json:"trigger,omitempty"`
	Response      ResponseCode     `json:"response,omitempty"`
	TimedOut      bool             `json:"timed_out,omitempty"`
	FocusScore    int              `json:"focus_score"`
	CognitiveLoad int              `json:"cognitive_load"`
	At            time.Time        `json:"at"`
}
