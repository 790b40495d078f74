// Package assessment grades submitted answers against a module's answer key.
package assessment

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/BTreeMap/MetaMind/internal/models"
)

// Kind is the category of an answerable item.
type Kind string

const (
	KindQuestion Kind = "question"
	KindProblem  Kind = "problem"
	KindMastery  Kind = "mastery"
)

var (
	ErrEmptyAnswer = errors.New("answer is empty")
	ErrUnknownKind = errors.New("unknown answer kind")
)

// ParseKind validates an item kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindQuestion, KindProblem, KindMastery:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Points awarded for a correct answer of each kind.
func (k Kind) Points() int {
	switch k {
	case KindProblem:
		return 2
	case KindMastery:
		return 3
	default:
		return 1
	}
}

// AnswerKey identifies a submitted answer within a session.
func AnswerKey(sectionIndex int, kind Kind, itemIndex int) string {
	return fmt.Sprintf("%d_%s_%d", sectionIndex, kind, itemIndex)
}

var punctuation = strings.NewReplacer(".", "", ",", "", ";", "", ":", "", "!", "", "?", "")

// Normalize lowercases, trims and strips punctuation for comparison.
func Normalize(s string) string {
	return punctuation.Replace(strings.TrimSpace(strings.ToLower(s)))
}

// CheckAnswer reports whether answer matches correct. Matching is lenient:
// after normalization the two are equal or either contains the other.
// An empty correct answer never matches, nor does an answer that normalizes to nothing.
func CheckAnswer(answer, correct string) bool {
	if correct == "" {
		return false
	}
	a := Normalize(answer)
	c := Normalize(correct)
	if a == "" {
		return false
	}
	return a == c || strings.Contains(a, c) || strings.Contains(c, a)
}

// CorrectAnswer looks up the answer key of an item. Missing sections or items yield "".
func CorrectAnswer(m *models.Module, sectionIndex int, kind Kind, itemIndex int) string {
	if m == nil || itemIndex < 0 {
		return ""
	}
	if kind == KindMastery {
		qs := m.MasteryCheck.Questions
		if itemIndex >= len(qs) {
			return ""
		}
		return qs[itemIndex].Answer
	}
	if sectionIndex < 0 || sectionIndex >= len(m.Contents) {
		return ""
	}
	qs := itemsOf(m.Contents[sectionIndex], kind)
	if itemIndex >= len(qs) {
		return ""
	}
	return qs[itemIndex].Answer
}

// Grade is the outcome of one submitted answer.
type Grade struct {
	Key           string `json:"key"`
	Kind          Kind   `json:"kind"`
	IsCorrect     bool   `json:"is_correct"`
	Points        int    `json:"points"`
	CorrectAnswer string `json:"correct_answer"`
}

// GradeAnswer checks an answer against the module's answer key.
func GradeAnswer(m *models.Module, sectionIndex int, kind Kind, itemIndex int, answer string) (Grade, error) {
	if strings.TrimSpace(answer) == "" {
		return Grade{}, ErrEmptyAnswer
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return Grade{}, err
	}
	correct := CorrectAnswer(m, sectionIndex, kind, itemIndex)
	g := Grade{
		Key:           AnswerKey(sectionIndex, kind, itemIndex),
		Kind:          kind,
		IsCorrect:     CheckAnswer(answer, correct),
		CorrectAnswer: correct,
	}
	if g.IsCorrect {
		g.Points = kind.Points()
	}
	return g, nil
}

// TotalPossible sums the points available in a module. Items without
// explicit points count for their kind's default.
func TotalPossible(m *models.Module) int {
	if m == nil {
		return 0
	}
	total := 0
	for _, s := range m.Contents {
		total += sumPoints(s.Questions, KindQuestion)
		total += sumPoints(s.PracticeProblems, KindProblem)
	}
	total += sumPoints(m.MasteryCheck.Questions, KindMastery)
	return total
}

// ItemResult is one row of a section's results.
type ItemResult struct {
	Prompt        string `json:"prompt"`
	UserAnswer    string `json:"user_answer"`
	CorrectAnswer string `json:"correct_answer"`
	IsCorrect     bool   `json:"is_correct"`
	Points        int    `json:"points"`
}

// SectionResult summarizes the graded items of one section.
type SectionResult struct {
	SectionScore int          `json:"section_score"`
	SectionTotal int          `json:"section_total"`
	Percentage   int          `json:"percentage"`
	Questions    []ItemResult `json:"questions"`
	Problems     []ItemResult `json:"problems"`
}

// Summary is the spoken form of a section result.
func (r SectionResult) Summary() string {
	return fmt.Sprintf("Section score: %d out of %d. That's %d percent correct.", r.SectionScore, r.SectionTotal, r.Percentage)
}

// ResultsFor builds the results of sectionIndex from a progress snapshot.
func ResultsFor(m *models.Module, sectionIndex int, p *models.SessionProgress) SectionResult {
	var r SectionResult
	if m == nil || p == nil || sectionIndex < 0 || sectionIndex >= len(m.Contents) {
		return r
	}
	s := m.Contents[sectionIndex]
	r.Questions = sectionItems(&r, s.Questions, KindQuestion, sectionIndex, p)
	r.Problems = sectionItems(&r, s.PracticeProblems, KindProblem, sectionIndex, p)
	if r.SectionTotal > 0 {
		r.Percentage = int(math.Round(float64(r.SectionScore) / float64(r.SectionTotal) * 100))
	}
	return r
}

func sectionItems(r *SectionResult, qs []models.Question, kind Kind, sectionIndex int, p *models.SessionProgress) []ItemResult {
	out := make([]ItemResult, 0, len(qs))
	for i, q := range qs {
		key := AnswerKey(sectionIndex, kind, i)
		status, graded := p.AnswerStatus[key]
		r.SectionTotal += itemPoints(q, kind)
		if graded && status.IsCorrect {
			r.SectionScore += status.Points
		}
		prompt := q.Question
		if kind == KindProblem {
			prompt = q.Problem
		}
		out = append(out, ItemResult{
			Prompt:        prompt,
			UserAnswer:    p.SubmittedAnswers[key],
			CorrectAnswer: q.Answer,
			IsCorrect:     graded && status.IsCorrect,
			Points:        status.Points,
		})
	}
	return out
}

func itemsOf(s models.Section, kind Kind) []models.Question {
	if kind == KindProblem {
		return s.PracticeProblems
	}
	return s.Questions
}

func itemPoints(q models.Question, kind Kind) int {
	if q.Points > 0 {
		return q.Points
	}
	return kind.Points()
}

func sumPoints(qs []models.Question, kind Kind) int {
	total := 0
	for _, q := range qs {
		total += itemPoints(q, kind)
	}
	return total
}
