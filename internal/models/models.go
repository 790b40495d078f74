// Package models defines the core data structures for MetaMind.
//
// It includes interaction samples, the live metric state, intervention state,
// module content and the durable session progress snapshot shared across modules.
package models

import (
	"errors"
	"fmt"
)

// Metric bounds and defaults.
const (
	// MinFocusScore is the floor of the focus score; focus is never modeled as fully absent.
	MinFocusScore = 30
	// MaxFocusScore is the ceiling of the focus score.
	MaxFocusScore = 100
	// MinCognitiveLoad is the floor of the cognitive load.
	MinCognitiveLoad = 0
	// MaxCognitiveLoad is the ceiling of the cognitive load.
	MaxCognitiveLoad = 100
	// DefaultFocusScore is the focus score a new session starts with.
	DefaultFocusScore = 85
	// DefaultCognitiveLoad is the cognitive load a new session starts with.
	DefaultCognitiveLoad = 50
)

// Error variables for better error handling and testability
var (
	ErrInvalidEngagementDepth  = errors.New("invalid engagement depth")
	ErrFocusOutOfRange         = errors.New("focus score out of range")
	ErrLoadOutOfRange          = errors.New("cognitive load out of range")
	ErrInvalidInterventionType = errors.New("invalid intervention type")
	ErrInvalidResponseCode     = errors.New("invalid response code")
	ErrEmptyProgressKey        = errors.New("progress key cannot be empty")
	ErrNegativeContentIndex    = errors.New("content index cannot be negative")
)

// EngagementDepth is the categorical read of how thoroughly content is processed.
type EngagementDepth string

const (
	EngagementSkimming EngagementDepth = "skimming"
	EngagementBalanced EngagementDepth = "balanced"
	EngagementDeep     EngagementDepth = "deep"
)

// IsValidEngagementDepth checks if the given depth is one of the known values.
func IsValidEngagementDepth(d EngagementDepth) bool {
	switch d {
	case EngagementSkimming, EngagementBalanced, EngagementDeep:
		return true
	default:
		return false
	}
}

// MetricState is the live cognitive-state snapshot.
// EngagementDepth is derived from FocusScore and CognitiveLoad and must never be
// set independently of them.
type MetricState struct {
	FocusScore      int             `json:"focus_score"`
	CognitiveLoad   int             `json:"cognitive_load"`
	EngagementDepth EngagementDepth `json:"engagement_depth"`
}

// DefaultMetricState returns the metric state a new session starts with.
func DefaultMetricState() MetricState {
	return MetricState{
		FocusScore:      DefaultFocusScore,
		CognitiveLoad:   DefaultCognitiveLoad,
		EngagementDepth: EngagementBalanced,
	}
}

// Validate checks the clamping invariants of a metric state.
func (m MetricState) Validate() error {
	if m.FocusScore < MinFocusScore || m.FocusScore > MaxFocusScore {
		return fmt.Errorf("%w: %d", ErrFocusOutOfRange, m.FocusScore)
	}
	if m.CognitiveLoad < MinCognitiveLoad || m.CognitiveLoad > MaxCognitiveLoad {
		return fmt.Errorf("%w: %d", ErrLoadOutOfRange, m.CognitiveLoad)
	}
	if !IsValidEngagementDepth(m.EngagementDepth) {
		return fmt.Errorf("%w: %q", ErrInvalidEngagementDepth, m.EngagementDepth)
	}
	return nil
}
