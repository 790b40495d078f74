package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BTreeMap/MetaMind/internal/models"
)

// CreateSessionRequest opens a new session for a module.
type CreateSessionRequest struct {
	Module    string    `json:"module"`
	IsActive  bool      `json:"is_active"`
	StartTime time.Time `json:"start_time"`
}

// ProgressPatch is the body of PATCH /sessions/{id}/progress/.
type ProgressPatch struct {
	SessionID        string                         `json:"session_id,omitempty"`
	ModuleID         string                         `json:"module_id,omitempty"`
	ContentIndex     int                            `json:"content_index"`
	Notes            string                         `json:"notes"`
	Reflection       string                         `json:"reflection"`
	FocusScore       int                            `json:"focus_score"`
	CognitiveLoad    int                            `json:"cognitive_load"`
	EngagementDepth  models.EngagementDepth         `json:"engagement_depth"`
	ElapsedTime      int                            `json:"elapsed_time"`
	SubmittedAnswers map[string]string              `json:"submitted_answers"`
	AnswerStatus     map[string]models.AnswerStatus `json:"answer_status"`
	AssessmentScore  int                            `json:"assessment_score"`
	LastSaved        time.Time                      `json:"last_saved"`
}

// NewProgressPatch flattens a progress snapshot into the API's shape.
func NewProgressPatch(p *models.SessionProgress) ProgressPatch {
	return ProgressPatch{
		SessionID:        p.SessionID,
		ModuleID:         p.ModuleID,
		ContentIndex:     p.ContentIndex,
		Notes:            p.Notes,
		Reflection:       p.Reflection,
		FocusScore:       p.Metrics.FocusScore,
		CognitiveLoad:    p.Metrics.CognitiveLoad,
		EngagementDepth:  p.Metrics.EngagementDepth,
		ElapsedTime:      p.ElapsedSeconds,
		SubmittedAnswers: p.SubmittedAnswers,
		AnswerStatus:     p.AnswerStatus,
		AssessmentScore:  p.AssessmentScore,
		LastSaved:        p.LastSaved,
	}
}

func sessionPath(id, action string) string {
	p := "/sessions/" + url.PathEscape(id) + "/"
	if action != "" {
		p += action + "/"
	}
	return p
}

// CreateSession opens a new session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	var s models.Session
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/", req, &s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &s, nil
}

// GetSession reads the authoritative state of a session.
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(id, ""), nil, &s); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

// StartSession marks an existing session active.
func (c *Client) StartSession(ctx context.Context, id string) error {
	return c.sessionAction(ctx, id, "start")
}

func (c *Client) PauseSession(ctx context.Context, id string) error {
	return c.sessionAction(ctx, id, "pause")
}

func (c *Client) ResumeSession(ctx context.Context, id string) error {
	return c.sessionAction(ctx, id, "resume")
}

func (c *Client) sessionAction(ctx context.Context, id, action string) error {
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(id, action), nil, nil); err != nil {
		return fmt.Errorf("%s session %s: %w", action, id, err)
	}
	return nil
}

// CompleteSession posts the final session payload.
func (c *Client) CompleteSession(ctx context.Context, id string, completion models.SessionCompletion) error {
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(id, "complete"), completion, nil); err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	return nil
}

// PatchProgress uploads a progress snapshot.
func (c *Client) PatchProgress(ctx context.Context, id string, p *models.SessionProgress) error {
	if err := c.doJSON(ctx, http.MethodPatch, sessionPath(id, "progress"), NewProgressPatch(p), nil); err != nil {
		return fmt.Errorf("patch progress %s: %w", id, err)
	}
	return nil
}

// GetModule reads module content.
func (c *Client) GetModule(ctx context.Context, id string) (*models.Module, error) {
	var m models.Module
	if err := c.doJSON(ctx, http.MethodGet, "/modules/"+url.PathEscape(id)+"/", nil, &m); err != nil {
		return nil, fmt.Errorf("get module %s: %w", id, err)
	}
	return &m, nil
}

// RecordIntervention posts the analytics event of a fired intervention.
func (c *Client) RecordIntervention(ctx context.Context, ev models.InterventionEvent) error {
	if err := c.doJSON(ctx, http.MethodPost, "/interventions/", ev, nil); err != nil {
		return fmt.Errorf("record intervention %s: %w", ev.ID, err)
	}
	return nil
}

// RecordResponse posts the learner's response to, or the timeout of, an intervention.
func (c *Client) RecordResponse(ctx context.Context, ev models.InterventionEvent) error {
	path := "/interventions/" + url.PathEscape(ev.ID) + "/respond/"
	if err := c.doJSON(ctx, http.MethodPost, path, ev, nil); err != nil {
		return fmt.Errorf("record intervention response %s: %w", ev.ID, err)
	}
	return nil
}
