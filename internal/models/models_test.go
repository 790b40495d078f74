package models

import (
	"errors"
	"testing"
)

func TestDefaultMetricStateIsValid(t *testing.T) {
	m := DefaultMetricState()
	if err := m.Validate(); err != nil {
		t.Fatalf("default metric state invalid: %v", err)
	}
	if m.FocusScore != 85 || m.CognitiveLoad != 50 || m.EngagementDepth != EngagementBalanced {
		t.Errorf("unexpected defaults: %+v", m)
	}
}

func TestMetricStateValidate(t *testing.T) {
	tests := []struct {
		name string
		m    MetricState
		want error
	}{
		{"focus below floor", MetricState{FocusScore: 29, CognitiveLoad: 50, EngagementDepth: EngagementDeep}, ErrFocusOutOfRange},
		{"load above ceiling", MetricState{FocusScore: 50, CognitiveLoad: 101, EngagementDepth: EngagementDeep}, ErrLoadOutOfRange},
		{"empty depth", MetricState{FocusScore: 50, CognitiveLoad: 50}, ErrInvalidEngagementDepth},
		{"ok", MetricState{FocusScore: 30, CognitiveLoad: 0, EngagementDepth: EngagementSkimming}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateResponse(t *testing.T) {
	if err := ValidateResponse(InterventionBreakSuggestion, ResponseBreak); err != nil {
		t.Errorf("break should be valid for break_suggestion: %v", err)
	}
	if err := ValidateResponse(InterventionSocratic, ResponseBreak); !errors.Is(err, ErrInvalidResponseCode) {
		t.Errorf("break should be rejected for socratic, got %v", err)
	}
	if err := ValidateResponse("nap", ResponseContinue); !errors.Is(err, ErrInvalidInterventionType) {
		t.Errorf("unknown type should be rejected, got %v", err)
	}
}

func TestResponsesForReturnsCopy(t *testing.T) {
	codes := ResponsesFor(InterventionStrategyShift)
	codes[0] = "mutated"
	if ResponsesFor(InterventionStrategyShift)[0] == "mutated" {
		t.Error("ResponsesFor leaked its internal slice")
	}
}

func TestProgressKey(t *testing.T) {
	if got := ProgressKey("s1", "m1"); got != "progress_s1" {
		t.Errorf("expected session id to win, got %q", got)
	}
	if got := ProgressKey("", "m1"); got != "progress_m1" {
		t.Errorf("expected module fallback, got %q", got)
	}
}

func TestSessionProgressJSON(t *testing.T) {
	p := SessionProgress{SessionID: "s1", ContentIndex: 2, Notes: "n", Metrics: DefaultMetricState()}
	data, err := p.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	var back SessionProgress
	if err := back.FromJSON(data); err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}
	if back.ContentIndex != 2 || back.Notes != "n" || back.Metrics != p.Metrics {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if back.SubmittedAnswers == nil || back.AnswerStatus == nil {
		t.Error("FromJSON should initialize answer maps")
	}
}

func TestSessionProgressValidate(t *testing.T) {
	p := SessionProgress{Metrics: DefaultMetricState()}
	if err := p.Validate(); !errors.Is(err, ErrEmptyProgressKey) {
		t.Errorf("expected ErrEmptyProgressKey, got %v", err)
	}
	p.ModuleID = "m1"
	p.ContentIndex = -1
	if err := p.Validate(); !errors.Is(err, ErrNegativeContentIndex) {
		t.Errorf("expected ErrNegativeContentIndex, got %v", err)
	}
}

func TestModuleSectionType(t *testing.T) {
	m := &Module{Contents: []Section{{Type: SectionTypeConcept}, {Type: "example"}}}
	if m.SectionType(0) != SectionTypeConcept || m.SectionType(1) != "example" {
		t.Error("unexpected section types")
	}
	if m.SectionType(5) != "" || m.SectionType(-1) != "" {
		t.Error("out of range index should return empty type")
	}
	var nilModule *Module
	if nilModule.SectionType(0) != "" {
		t.Error("nil module should return empty type")
	}
}
