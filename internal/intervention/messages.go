package intervention

import "github.com/BTreeMap/MetaMind/internal/models"

// Fixed messages for interventions that are not chosen at random.
const (
	ComprehensionCheckMessage = "You're moving through this content quickly. Can you summarize what you just read in your own words?"
	BreakCompleteMessage      = "Break complete! Let's continue with a fresh perspective."
	SectionsCompleteMessage   = "You've completed all sections! Consider reviewing the mastery check questions."
	HelpRequestMessage        = "What's one thing you're still unclear about?"
)

// Trigger labels recorded with each fired intervention.
const (
	TriggerRapidScroll      = "rapid_scroll"
	TriggerLowFocus         = "low_focus"
	TriggerHighLoad         = "high_load"
	TriggerSkimmingConcept  = "skimming_concept"
	TriggerBreakComplete    = "break_complete"
	TriggerSectionsComplete = "sections_complete"
	TriggerHelpRequest      = "help_request"
)

var candidates = map[models.InterventionType][]string{
	models.InterventionSocratic: {
		"Your focus seems to be dipping. What's the main concept you're working on right now?",
		"Let's pause for a moment. Can you explain this section to an imaginary friend?",
		"Having trouble staying focused? Try summarizing the last two paragraphs in one sentence.",
	},
	models.InterventionBreakSuggestion: {
		"Cognitive load is getting high. Would a 2-minute break help?",
		"This is complex material. Consider taking a short break to let it sink in.",
		"Your brain might need a reset. Let's pause and stretch for a moment.",
	},
	models.InterventionStrategyShift: {
		"This is conceptual material. Try reading it aloud or teaching it back to yourself.",
		"Consider making quick notes or drawing diagrams for better retention.",
		"For complex concepts, try the Feynman technique: explain it simply.",
	},
}

// Candidates returns the prompts an intervention of type t is chosen from.
func Candidates(t models.InterventionType) []string {
	msgs := candidates[t]
	out := make([]string, len(msgs))
	copy(out, msgs)
	return out
}
