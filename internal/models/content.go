package models

// SectionTypeConcept marks conceptual material; skimming it triggers a strategy prompt.
const SectionTypeConcept = "concept"

// Question is an embedded question, practice problem or mastery-check item.
type Question struct {
	Question string `json:"question,omitempty"`
	Problem  string `json:"problem,omitempty"`
	Answer   string `json:"answer"`
	Points   int    `json:"points,omitempty"`
}

// Section is one content section of a module.
type Section struct {
	Type             string     `json:"type"`
	Title            string     `json:"title,omitempty"`
	Content          string     `json:"content,omitempty"`
	Questions        []Question `json:"questions,omitempty"`
	PracticeProblems []Question `json:"practice_problems,omitempty"`
}

// MasteryCheck holds the end-of-module questions.
type MasteryCheck struct {
	Questions []Question `json:"questions"`
}

// Module is the content structure read from the remote API.
type Module struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Title        string       `json:"title,omitempty"`
	Subject      string       `json:"subject,omitempty"`
	Unit         string       `json:"unit,omitempty"`
	Topic        string       `json:"topic,omitempty"`
	Difficulty   string       `json:"difficulty_level,omitempty"`
	BloomLevel   string       `json:"bloom_taxonomy_target,omitempty"`
	ExpectedTime string       `json:"expected_completion_time,omitempty"`
	Contents     []Section    `json:"contents"`
	MasteryCheck MasteryCheck `json:"mastery_check"`
}

// DisplayName returns the module name, falling back to its title.
func (m *Module) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Title
}

// SectionType returns the type of the section at index, or "" when out of range.
func (m *Module) SectionType(index int) string {
	if m == nil || index < 0 || index >= len(m.Contents) {
		return ""
	}
	return m.Contents[index].Type
}
