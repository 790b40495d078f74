package metrics

import (
	"testing"

	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/util"
)

// samplesWith builds n scroll samples with a constant speed and positions taken cyclically.
func samplesWith(n int, speed int64, positions ...float64) []models.ScrollSample {
	if len(positions) == 0 {
		positions = []float64{50}
	}
	out := make([]models.ScrollSample, n)
	for i := range out {
		out[i] = models.ScrollSample{Time: int64(i) * speed, Position: positions[i%len(positions)], Speed: speed}
	}
	return out
}

func newDefaultEstimator() *Estimator {
	return NewEstimator(models.DefaultMetricState(), &util.SequenceRandom{})
}

func TestAnalyzeBelowThresholdIsNoop(t *testing.T) {
	for n := 0; n < MinSamples; n++ {
		e := newDefaultEstimator()
		before := e.State()
		a := e.Analyze(samplesWith(n, 100, 0, 100))
		if a.Analyzed {
			t.Errorf("n=%d: analysis should be skipped", n)
		}
		if e.State() != before {
			t.Errorf("n=%d: state changed from %+v to %+v", n, before, e.State())
		}
	}
}

func TestAnalyzeSlowScrollingIsDeep(t *testing.T) {
	e := newDefaultEstimator()
	a := e.Analyze(samplesWith(10, 2500))

	if a.ScrollHint != models.EngagementDeep {
		t.Errorf("expected deep hint, got %q", a.ScrollHint)
	}
	got := e.State()
	if got.FocusScore != models.DefaultFocusScore+3 {
		t.Errorf("expected focus %d, got %d", models.DefaultFocusScore+3, got.FocusScore)
	}
	if got.EngagementDepth != models.EngagementDeep {
		t.Errorf("expected deep depth, got %q", got.EngagementDepth)
	}
	if a.RequestsComprehensionCheck() {
		t.Error("slow scrolling should not request a comprehension check")
	}
}

func TestAnalyzeRapidScrolling(t *testing.T) {
	e := newDefaultEstimator()
	samples := append(samplesWith(6, 1000), samplesWith(4, 200)...)
	a := e.Analyze(samples)

	if a.RapidScrolls != 4 {
		t.Fatalf("expected 4 rapid scrolls, got %d", a.RapidScrolls)
	}
	if !a.RequestsComprehensionCheck() {
		t.Error("4 rapid scrolls should request a comprehension check")
	}
	if e.State().CognitiveLoad != models.DefaultCognitiveLoad+RapidScrollLoad {
		t.Errorf("expected load +5, got %d", e.State().CognitiveLoad)
	}
}

func TestAnalyzeUsesLastTenSamples(t *testing.T) {
	e := newDefaultEstimator()
	// Forty fast samples followed by ten slow ones: only the slow ones count.
	samples := append(samplesWith(40, 100), samplesWith(10, 3000)...)
	a := e.Analyze(samples)
	if a.AvgSpeed != 3000 || a.RapidScrolls != 0 {
		t.Errorf("expected window of slow samples, got %+v", a)
	}
}

func TestAnalyzeConfusionIsAdditive(t *testing.T) {
	e := newDefaultEstimator()
	a := e.Analyze(samplesWith(10, 100, 0, 100))

	if a.AvgChange != 100 {
		t.Errorf("expected avg change 100, got %v", a.AvgChange)
	}
	if a.LoadDelta != RapidScrollLoad+ConfusionLoad {
		t.Errorf("expected both load nudges, got %d", a.LoadDelta)
	}
	got := e.State()
	if got.CognitiveLoad != 63 || got.FocusScore != 83 {
		t.Errorf("unexpected state %+v", got)
	}
	if a.ScrollHint != models.EngagementSkimming {
		t.Errorf("expected skimming hint, got %q", a.ScrollHint)
	}
	// The focus/load rule decides the label, not the scroll hint.
	if got.EngagementDepth != models.EngagementBalanced {
		t.Errorf("expected balanced depth from focus/load rule, got %q", got.EngagementDepth)
	}
}

func TestClampingInvariant(t *testing.T) {
	e := newDefaultEstimator()
	for i := 0; i < 50; i++ {
		e.Analyze(samplesWith(10, 100, 0, 100))
		e.AdjustFocus(-10)
	}
	got := e.State()
	if got.FocusScore != models.MinFocusScore || got.CognitiveLoad != models.MaxCognitiveLoad {
		t.Errorf("expected clamped extremes, got %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("state invalid: %v", err)
	}

	for i := 0; i < 50; i++ {
		e.AdjustFocus(20)
		e.AdjustLoad(-20)
	}
	got = e.State()
	if got.FocusScore != models.MaxFocusScore || got.CognitiveLoad != models.MinCognitiveLoad {
		t.Errorf("expected clamped extremes, got %+v", got)
	}
}

func TestDeriveDepth(t *testing.T) {
	tests := []struct {
		focus, load int
		want        models.EngagementDepth
	}{
		{85, 50, models.EngagementDeep},
		{71, 59, models.EngagementDeep},
		{70, 50, models.EngagementBalanced},
		{49, 10, models.EngagementSkimming},
		{90, 81, models.EngagementSkimming},
		{60, 70, models.EngagementBalanced},
	}
	for _, tt := range tests {
		if got := DeriveDepth(tt.focus, tt.load); got != tt.want {
			t.Errorf("DeriveDepth(%d, %d) = %q, want %q", tt.focus, tt.load, got, tt.want)
		}
	}
}

func TestDrift(t *testing.T) {
	rnd := &util.SequenceRandom{Floats: []float64{0.9, 0.1}}
	e := NewEstimator(models.DefaultMetricState(), rnd)

	if d := e.FocusDrift(); d != FocusDriftUp {
		t.Errorf("rand 0.9 should drift focus up, got %d", d)
	}
	if d := e.FocusDrift(); d != FocusDriftDown {
		t.Errorf("rand 0.1 should drift focus down, got %d", d)
	}
	if e.State().FocusScore != 86 {
		t.Errorf("expected focus 86, got %d", e.State().FocusScore)
	}

	if d := e.LoadDrift(); d != LoadDriftUp {
		t.Errorf("rand 0.9 should drift load up, got %d", d)
	}
	if d := e.LoadDrift(); d != LoadDriftDown {
		t.Errorf("rand 0.1 should drift load down, got %d", d)
	}
	if e.State().CognitiveLoad != 52 {
		t.Errorf("expected load 52, got %d", e.State().CognitiveLoad)
	}
}

func TestLoadDriftFloor(t *testing.T) {
	e := NewEstimator(models.MetricState{FocusScore: 80, CognitiveLoad: 10}, &util.SequenceRandom{Floats: []float64{0}})
	e.LoadDrift()
	if e.State().CognitiveLoad != DriftLoadFloor {
		t.Errorf("load drift should not go below %d, got %d", DriftLoadFloor, e.State().CognitiveLoad)
	}
}

func TestLoadDriftBelowFloorNotRaised(t *testing.T) {
	rnd := &util.SequenceRandom{Floats: []float64{0, 0.9}}
	e := NewEstimator(models.MetricState{FocusScore: 80, CognitiveLoad: 4}, rnd)

	if d := e.LoadDrift(); d != LoadDriftDown {
		t.Fatalf("rand 0 should drift load down, got %d", d)
	}
	if got := e.State().CognitiveLoad; got != 4 {
		t.Errorf("restored load below the floor should stay at 4, got %d", got)
	}
	e.LoadDrift()
	if got := e.State().CognitiveLoad; got != 4+LoadDriftUp {
		t.Errorf("upward drift should apply, got %d", got)
	}
}

func TestCalibrate(t *testing.T) {
	e := newDefaultEstimator()
	e.Calibrate(ConfidenceHigh)
	if e.State().FocusScore != 90 {
		t.Errorf("high confidence should add 5, got %d", e.State().FocusScore)
	}
	e.Calibrate(ConfidenceMedium)
	e.Calibrate(ConfidenceLow)
	if e.State().FocusScore != 85 {
		t.Errorf("expected 85 after low confidence, got %d", e.State().FocusScore)
	}
	if _, err := ParseConfidence("extreme"); err == nil {
		t.Error("expected invalid confidence to be rejected")
	}
}

func TestRestoreClampsAndDerives(t *testing.T) {
	e := NewEstimator(models.MetricState{FocusScore: 5, CognitiveLoad: 150, EngagementDepth: models.EngagementDeep}, nil)
	got := e.State()
	if got.FocusScore != 30 || got.CognitiveLoad != 100 || got.EngagementDepth != models.EngagementSkimming {
		t.Errorf("unexpected restored state %+v", got)
	}
}
