package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProgressKeyPrefix prefixes the durable key of a session's progress snapshot.
const ProgressKeyPrefix = "progress_"

// CompletedSessionKeyPrefix prefixes completion records kept locally after a failed sync.
const CompletedSessionKeyPrefix = "completed_session_"

// ProgressKey returns the durable key for a session, falling back to the module ID.
func ProgressKey(sessionID, moduleID string) string {
	id := sessionID
	if id == "" {
		id = moduleID
	}
	return ProgressKeyPrefix + id
}

// AnswerStatus records the grading of one submitted answer.
type AnswerStatus struct {
	IsCorrect   bool      `json:"isCorrect"`
	Points      int       `json:"points"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// SessionProgress is the durable snapshot of a study session.
type SessionProgress struct {
	SessionID        string                  `json:"session_id,omitempty"`
	ModuleID         string                  `json:"module_id,omitempty"`
	ContentIndex     int                     `json:"content_index"`
	Notes            string                  `json:"notes"`
	Reflection       string                  `json:"reflection"`
	Metrics          MetricState             `json:"metrics"`
	ElapsedSeconds   int                     `json:"elapsed_time"`
	SubmittedAnswers map[string]string       `json:"submitted_answers"`
	AnswerStatus     map[string]AnswerStatus `json:"answer_status,omitempty"`
	AssessmentScore  int                     `json:"assessment_score"`
	Interventions    int                     `json:"interventions_triggered,omitempty"`
	LastSaved        time.Time               `json:"last_saved"`
}

// Key returns the durable key of this snapshot.
func (p *SessionProgress) Key() string {
	return ProgressKey(p.SessionID, p.ModuleID)
}

// Validate performs basic validation on a progress snapshot before it is persisted.
func (p *SessionProgress) Validate() error {
	if strings.TrimSpace(p.SessionID) == "" && strings.TrimSpace(p.ModuleID) == "" {
		return ErrEmptyProgressKey
	}
	if p.ContentIndex < 0 {
		return ErrNegativeContentIndex
	}
	return p.Metrics.Validate()
}

// ToJSON serializes the snapshot.
func (p *SessionProgress) ToJSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session progress: %w", err)
	}
	return string(data), nil
}

// FromJSON deserializes a snapshot produced by ToJSON.
func (p *SessionProgress) FromJSON(data string) error {
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return fmt.Errorf("failed to unmarshal session progress: %w", err)
	}
	if p.SubmittedAnswers == nil {
		p.SubmittedAnswers = make(map[string]string)
	}
	if p.AnswerStatus == nil {
		p.AnswerStatus = make(map[string]AnswerStatus)
	}
	return nil
}

// Session is the remote record of a study session.
type Session struct {
	ID        string     `json:"id"`
	Module    string     `json:"module,omitempty"`
	IsActive  bool       `json:"is_active"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// SessionCompletion is the final payload sent when a session is stopped.
type SessionCompletion struct {
	Module                 string            `json:"module,omitempty"`
	Subject                string            `json:"subject,omitempty"`
	Unit                   string            `json:"unit,omitempty"`
	Topic                  string            `json:"topic,omitempty"`
	EndTime                time.Time         `json:"end_time"`
	TotalDuration          int               `json:"total_duration"`
	FocusScore             int               `json:"focus_score"`
	CognitiveLoad          int               `json:"cognitive_load"`
	EngagementDepth        EngagementDepth   `json:"engagement_depth"`
	ContentProgress        string            `json:"content_progress"`
	Notes                  string            `json:"notes"`
	Reflection             string            `json:"reflection"`
	UserAnswers            map[string]string `json:"user_answers"`
	AssessmentScore        int               `json:"assessment_score"`
	TotalPossibleScore     int               `json:"total_possible_score"`
	InterventionsTriggered int               `json:"interventions_triggered"`
	ScrollPatterns         []ScrollSample    `json:"scroll_patterns"`
	Interactions           []Interaction     `json:"interactions"`
}

// CompletedSessionRecord is a completion kept locally because the remote sync failed.
type CompletedSessionRecord struct {
	Key        string            `json:"key"`
	SessionID  string            `json:"session_id"`
	Completion SessionCompletion `json:"completion"`
	SyncError  string            `json:"error,omitempty"`
	SavedAt    time.Time         `json:"saved_at"`
}
