package models

// SampleKind identifies the user action an InteractionSample was created from.
type SampleKind string

const (
	SampleKindScroll    SampleKind = "scroll"
	SampleKindKeypress  SampleKind = "keypress"
	SampleKindClick     SampleKind = "click"
	SampleKindFocusGain SampleKind = "focus_gain"
	SampleKindFocusLost SampleKind = "focus_lost"
)

// InteractionSample is one observed, normalized user action.
// Timestamp is in milliseconds on the engine's clock.
type InteractionSample struct {
	Kind      SampleKind `json:"kind"`
	Timestamp int64      `json:"timestamp"`

	// Scroll payload
	Position float64 `json:"position,omitempty"` // scroll position percentage, 0-100
	Speed    int64   `json:"speed,omitempty"`    // ms since the previous scroll sample

	// Keypress payload
	Backspace bool  `json:"backspace,omitempty"`
	Latency   int64 `json:"latency,omitempty"` // ms since the previous keypress

	// Click payload
	Target string `json:"target,omitempty"` // target element category
}

// ScrollSample is the entry kept in the rolling scroll buffer.
type ScrollSample struct {
	Time     int64   `json:"time"`
	Position float64 `json:"position"`
	Speed    int64   `json:"speed"`
}

// Interaction is an entry of the generic interaction log used for analytics.
type Interaction struct {
	Type         string            `json:"type"`
	Timestamp    int64             `json:"timestamp"`
	ContentIndex int               `json:"content_index"`
	Data         map[string]string `json:"data,omitempty"`
}

// Interaction types recorded in the interaction log.
const (
	InteractionClick              = "click"
	InteractionKeyPress           = "key_press"
	InteractionGainedFocus        = "gained_focus"
	InteractionLostFocus          = "lost_focus"
	InteractionContentNavigation  = "content_navigation"
	InteractionAnswerSubmission   = "answer_submission"
	InteractionConfidenceCheck    = "confidence_check"
	InteractionInterventionReply  = "intervention_response"
	InteractionInterventionExpiry = "intervention_timeout"
	InteractionSessionStart       = "session_start"
	InteractionSessionPause       = "session_pause"
	InteractionSessionResume      = "session_resume"
)
