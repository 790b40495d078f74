// Package metrics maintains the rolling focus, cognitive load and engagement depth of a session.
package metrics

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/util"
)

// Scroll analysis thresholds.
const (
	MinSamples     = 5  // analysis is skipped below this many buffered samples
	AnalysisWindow = 10 // most recent samples considered

	SkimmingSpeedMs = 500  // mean inter-scroll delta below which reading is skimming
	DeepSpeedMs     = 2000 // mean inter-scroll delta above which reading is deep
	RapidScrollMs   = 300  // a single delta below this is a rapid scroll
	RapidScrollMax  = 3    // more rapid scrolls than this raise load and request a check
	ConfusionChange = 30   // mean position change above this suggests re-reading

	SkimmingFocusPenalty = 2
	DeepFocusBoost       = 3
	RapidScrollLoad      = 5
	ConfusionLoad        = 8
)

// Periodic drift and calibration nudges.
const (
	FocusDriftUp   = 2
	FocusDriftDown = -1
	LoadDriftUp    = 3
	LoadDriftDown  = -1
	// DriftLoadFloor is the lowest cognitive load the periodic drift produces.
	DriftLoadFloor = 10

	ConfidenceNudge = 5
)

// Confidence is the learner's self-reported understanding of a section.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence validates a self-reported confidence level.
func ParseConfidence(s string) (Confidence, error) {
	switch c := Confidence(s); c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return c, nil
	default:
		return "", fmt.Errorf("invalid confidence level %q", s)
	}
}

// Analysis is the outcome of one scroll analysis pass.
type Analysis struct {
	Analyzed     bool                   `json:"analyzed"`
	AvgSpeed     float64                `json:"avg_speed"`
	ScrollHint   models.EngagementDepth `json:"scroll_hint,omitempty"`
	RapidScrolls int                    `json:"rapid_scrolls"`
	AvgChange    float64                `json:"avg_change"`
	FocusDelta   int                    `json:"focus_delta"`
	LoadDelta    int                    `json:"load_delta"`
}

// RequestsComprehensionCheck reports whether the pass saw enough rapid
// scrolling to warrant a socratic prompt.
func (a Analysis) RequestsComprehensionCheck() bool {
	return a.RapidScrolls > RapidScrollMax
}

// DeriveDepth is the authoritative engagement depth for a focus and load pair.
func DeriveDepth(focus, load int) models.EngagementDepth {
	switch {
	case focus > 70 && load < 60:
		return models.EngagementDeep
	case focus < 50 || load > 80:
		return models.EngagementSkimming
	default:
		return models.EngagementBalanced
	}
}

// Estimator owns a session's MetricState. Every mutation clamps the scores
// and recomputes the engagement depth. It is not safe for concurrent use.
type Estimator struct {
	state models.MetricState
	rnd   util.Random
	hint  models.EngagementDepth
}

// NewEstimator creates an Estimator starting from initial.
func NewEstimator(initial models.MetricState, rnd util.Random) *Estimator {
	if rnd == nil {
		rnd = util.DefaultRandom()
	}
	e := &Estimator{rnd: rnd}
	e.Restore(initial)
	return e
}

// State returns the current metric state.
func (e *Estimator) State() models.MetricState {
	return e.state
}

// ScrollHint returns the classification of the most recent scroll analysis.
func (e *Estimator) ScrollHint() models.EngagementDepth {
	return e.hint
}

// Restore replaces the state, e.g. from a saved progress snapshot.
func (e *Estimator) Restore(m models.MetricState) {
	e.state.FocusScore = clampFocus(m.FocusScore)
	e.state.CognitiveLoad = clamp(m.CognitiveLoad, models.MinCognitiveLoad, models.MaxCognitiveLoad)
	e.recompute()
}

// AdjustFocus adds delta to the focus score.
func (e *Estimator) AdjustFocus(delta int) models.MetricState {
	e.state.FocusScore = clampFocus(e.state.FocusScore + delta)
	e.recompute()
	return e.state
}

// AdjustLoad adds delta to the cognitive load.
func (e *Estimator) AdjustLoad(delta int) models.MetricState {
	e.state.CognitiveLoad = clamp(e.state.CognitiveLoad+delta, models.MinCognitiveLoad, models.MaxCognitiveLoad)
	e.recompute()
	return e.state
}

// Analyze runs one engagement analysis over the rolling scroll buffer,
// oldest sample first. Buffers shorter than MinSamples leave the state untouched.
func (e *Estimator) Analyze(samples []models.ScrollSample) Analysis {
	if len(samples) < MinSamples {
		return Analysis{}
	}
	recent := samples
	if len(recent) > AnalysisWindow {
		recent = recent[len(recent)-AnalysisWindow:]
	}

	var speedSum int64
	rapid := 0
	for _, s := range recent {
		speedSum += s.Speed
		if s.Speed < RapidScrollMs {
			rapid++
		}
	}
	avgSpeed := float64(speedSum) / float64(len(recent))

	var changeSum float64
	for i := 1; i < len(recent); i++ {
		d := recent[i].Position - recent[i-1].Position
		if d < 0 {
			d = -d
		}
		changeSum += d
	}
	avgChange := changeSum / float64(len(recent)-1)

	a := Analysis{
		Analyzed:     true,
		AvgSpeed:     avgSpeed,
		RapidScrolls: rapid,
		AvgChange:    avgChange,
	}

	switch {
	case avgSpeed < SkimmingSpeedMs:
		a.ScrollHint = models.EngagementSkimming
		a.FocusDelta = -SkimmingFocusPenalty
	case avgSpeed > DeepSpeedMs:
		a.ScrollHint = models.EngagementDeep
		a.FocusDelta = DeepFocusBoost
	default:
		a.ScrollHint = models.EngagementBalanced
	}
	if rapid > RapidScrollMax {
		a.LoadDelta += RapidScrollLoad
	}
	if avgChange > ConfusionChange {
		a.LoadDelta += ConfusionLoad
	}

	e.hint = a.ScrollHint
	e.state.FocusScore = clampFocus(e.state.FocusScore + a.FocusDelta)
	e.state.CognitiveLoad = clamp(e.state.CognitiveLoad+a.LoadDelta, models.MinCognitiveLoad, models.MaxCognitiveLoad)
	e.recompute()

	slog.Debug("Estimator.Analyze: completed", "avgSpeed", avgSpeed, "rapidScrolls", rapid, "avgChange", avgChange,
		"hint", a.ScrollHint, "focus", e.state.FocusScore, "load", e.state.CognitiveLoad, "depth", e.state.EngagementDepth)
	return a
}

// FocusDrift applies the periodic focus nudge and returns the delta used.
func (e *Estimator) FocusDrift() int {
	delta := FocusDriftDown
	if e.rnd.Float64() > 0.5 {
		delta = FocusDriftUp
	}
	e.AdjustFocus(delta)
	return delta
}

// LoadDrift applies the periodic cognitive load nudge and returns the delta used.
// A downward nudge stops at DriftLoadFloor; a load already below the floor
// is left where it is rather than raised.
func (e *Estimator) LoadDrift() int {
	delta := LoadDriftDown
	if e.rnd.Float64() > 0.3 {
		delta = LoadDriftUp
	}
	next := e.state.CognitiveLoad + delta
	if delta < 0 {
		next = max(next, min(e.state.CognitiveLoad, DriftLoadFloor))
	}
	e.state.CognitiveLoad = clamp(next, models.MinCognitiveLoad, models.MaxCognitiveLoad)
	e.recompute()
	return delta
}

// Calibrate applies a self-reported confidence level to the focus score.
func (e *Estimator) Calibrate(c Confidence) models.MetricState {
	switch c {
	case ConfidenceHigh:
		return e.AdjustFocus(ConfidenceNudge)
	case ConfidenceLow:
		return e.AdjustFocus(-ConfidenceNudge)
	default:
		return e.state
	}
}

func (e *Estimator) recompute() {
	e.state.EngagementDepth = DeriveDepth(e.state.FocusScore, e.state.CognitiveLoad)
}

func clampFocus(v int) int {
	return clamp(v, models.MinFocusScore, models.MaxFocusScore)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
