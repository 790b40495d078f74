// Package sampler converts raw interaction events into bounded, timestamped sample streams.
package sampler

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/MetaMind/internal/models"
)

const (
	// ScrollBufferSize is the number of scroll samples retained for analysis.
	ScrollBufferSize = 50
	// InteractionLogSize is the number of interaction log entries retained.
	InteractionLogSize = 50

	// FocusGainBoost is applied to the focus score when the window regains focus.
	FocusGainBoost = 5
	// FocusLostPenalty is subtracted from the focus score when the window loses focus.
	FocusLostPenalty = 10
)

// Viewport is the geometry of the scrollable content area at the time of a scroll event.
type Viewport struct {
	ScrollTop    float64 `json:"scroll_top"`
	ScrollHeight float64 `json:"scroll_height"`
	ClientHeight float64 `json:"client_height"`
}

// Scrollable reports whether the content overflows the visible area.
func (v Viewport) Scrollable() bool {
	return v.ScrollHeight > v.ClientHeight
}

// Percentage returns the scroll position as a percentage of the scrollable range.
func (v Viewport) Percentage() float64 {
	return v.ScrollTop / (v.ScrollHeight - v.ClientHeight) * 100
}

// KeyEvent is a keydown observed by the rendering surface.
type KeyEvent struct {
	Key  string `json:"key"`
	Ctrl bool   `json:"ctrl,omitempty"`
}

// IsBackspace reports whether the key deletes text.
func (k KeyEvent) IsBackspace() bool {
	return k.Key == "Backspace"
}

// IsSaveShortcut reports whether the key combination requests a manual save.
func (k KeyEvent) IsSaveShortcut() bool {
	return k.Ctrl && strings.EqualFold(k.Key, "s")
}

// Counters are the session-long sampler totals.
type Counters struct {
	KeyPressCount  int         `json:"key_press_count"`
	BackspaceCount int         `json:"backspace_count"`
	TotalScrolls   int         `json:"total_scrolls"`
	TimeOnContent  map[int]int `json:"time_on_content"`
}

// Sampler holds the rolling sample buffers of one session. It is not safe
// for concurrent use; the owning session serializes access.
type Sampler struct {
	scrolls      []models.ScrollSample
	interactions []models.Interaction

	lastScrollAt int64
	lastKeyAt    int64

	keyPressCount  int
	backspaceCount int
	totalScrolls   int
	timeOnContent  map[int]int
}

// New creates a Sampler whose first inter-event deltas are measured from startMs.
func New(startMs int64) *Sampler {
	return &Sampler{
		scrolls:       make([]models.ScrollSample, 0, ScrollBufferSize),
		interactions:  make([]models.Interaction, 0, InteractionLogSize),
		lastScrollAt:  startMs,
		lastKeyAt:     startMs,
		timeOnContent: make(map[int]int),
	}
}

// Scroll records a scroll event. It returns false without recording anything
// when the content is not scrollable.
func (s *Sampler) Scroll(now int64, v Viewport) (models.InteractionSample, bool) {
	if !v.Scrollable() {
		slog.Debug("Sampler.Scroll: content not scrollable, skipping", "scrollHeight", v.ScrollHeight, "clientHeight", v.ClientHeight)
		return models.InteractionSample{}, false
	}

	position := v.Percentage()
	speed := now - s.lastScrollAt
	s.lastScrollAt = now

	s.scrolls = append(s.scrolls, models.ScrollSample{Time: now, Position: position, Speed: speed})
	if len(s.scrolls) > ScrollBufferSize {
		s.scrolls = s.scrolls[len(s.scrolls)-ScrollBufferSize:]
	}
	s.totalScrolls++

	return models.InteractionSample{
		Kind:      models.SampleKindScroll,
		Timestamp: now,
		Position:  position,
		Speed:     speed,
	}, true
}

// KeyDown records a keystroke and logs it against contentIndex.
func (s *Sampler) KeyDown(now int64, k KeyEvent, contentIndex int) models.InteractionSample {
	latency := now - s.lastKeyAt
	s.lastKeyAt = now

	s.keyPressCount++
	backspace := k.IsBackspace()
	if backspace {
		s.backspaceCount++
	}

	s.Track(now, models.InteractionKeyPress, contentIndex, map[string]string{"key": k.Key})

	return models.InteractionSample{
		Kind:      models.SampleKindKeypress,
		Timestamp: now,
		Backspace: backspace,
		Latency:   latency,
	}
}

// Click records a click on an element of the given category.
func (s *Sampler) Click(now int64, target string, contentIndex int) models.InteractionSample {
	s.Track(now, models.InteractionClick, contentIndex, map[string]string{"element": target})
	return models.InteractionSample{
		Kind:      models.SampleKindClick,
		Timestamp: now,
		Target:    target,
	}
}

// FocusChange records a window focus or blur and returns the focus score adjustment to apply.
func (s *Sampler) FocusChange(now int64, gained bool, contentIndex int) (models.InteractionSample, int) {
	if gained {
		s.Track(now, models.InteractionGainedFocus, contentIndex, nil)
		return models.InteractionSample{Kind: models.SampleKindFocusGain, Timestamp: now}, FocusGainBoost
	}
	s.Track(now, models.InteractionLostFocus, contentIndex, nil)
	return models.InteractionSample{Kind: models.SampleKindFocusLost, Timestamp: now}, -FocusLostPenalty
}

// Track appends an entry to the interaction log and counts it toward the
// time spent on contentIndex.
func (s *Sampler) Track(now int64, interactionType string, contentIndex int, data map[string]string) {
	s.interactions = append(s.interactions, models.Interaction{
		Type:         interactionType,
		Timestamp:    now,
		ContentIndex: contentIndex,
		Data:         data,
	})
	if len(s.interactions) > InteractionLogSize {
		s.interactions = s.interactions[len(s.interactions)-InteractionLogSize:]
	}
	s.timeOnContent[contentIndex]++
}

// ScrollSamples returns a copy of the rolling scroll buffer, oldest first.
func (s *Sampler) ScrollSamples() []models.ScrollSample {
	out := make([]models.ScrollSample, len(s.scrolls))
	copy(out, s.scrolls)
	return out
}

// Interactions returns a copy of the interaction log, oldest first.
func (s *Sampler) Interactions() []models.Interaction {
	out := make([]models.Interaction, len(s.interactions))
	copy(out, s.interactions)
	return out
}

// TimeOnContent returns the number of interactions recorded on contentIndex.
func (s *Sampler) TimeOnContent(contentIndex int) int {
	return s.timeOnContent[contentIndex]
}

// Counters returns a snapshot of the session totals.
func (s *Sampler) Counters() Counters {
	toc := make(map[int]int, len(s.timeOnContent))
	for k, v := range s.timeOnContent {
		toc[k] = v
	}
	return Counters{
		KeyPressCount:  s.keyPressCount,
		BackspaceCount: s.backspaceCount,
		TotalScrolls:   s.totalScrolls,
		TimeOnContent:  toc,
	}
}

// NavigationData builds the interaction payload for a move between sections.
func NavigationData(from, to, timeSpent int) map[string]string {
	return map[string]string{
		"from":       strconv.Itoa(from),
		"to":         strconv.Itoa(to),
		"time_spent": strconv.Itoa(timeSpent),
	}
}
