// Package prompts renders the feedback drafting prompts.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/evalcard/internal/model"
)

//go:embed templates/*.txt
var Templates embed.FS

var scorecardTagRegex = regexp.MustCompile(`(?i)</?\s*(scorecard|system-instructions)\b[^>]*>`)

const maxTextRunes = 2000

// Style selects how much feedback is drafted.
type Style string

const (
	StyleConcise  Style = "concise"
	StyleStandard Style = "standard"
	StyleDetailed Style = "detailed"
)

var validStyles = map[Style]bool{
	StyleConcise:  true,
	StyleStandard: true,
	StyleDetailed: true,
}

// IsValidStyle checks if a feedback style name is valid.
func IsValidStyle(s string) bool {
	return validStyles[Style(s)]
}

// FeedbackData holds template data for feedback prompts.
type FeedbackData struct {
	RubricName string
	Phase      model.Phase
	Role       string
	Score      int
	Status     model.Status
	Language   string
	Card       string
}

// Set is a loaded collection of feedback templates, one per style.
type Set struct {
	feedback map[Style]*template.Template
}

// Load parses templates/feedback_<style>.txt for every style from fsys.
func Load(fsys fs.FS) (*Set, error) {
	set := &Set{feedback: make(map[Style]*template.Template, len(validStyles))}
	for _, st := range []Style{StyleConcise, StyleStandard, StyleDetailed} {
		name := "templates/feedback_" + string(st) + ".txt"
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read prompt file %s: %w", name, err)
		}
		tmpl, err := template.New(string(st)).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
		}
		set.feedback[st] = tmpl
	}
	return set, nil
}

// BuildFeedbackPrompt renders the system prompt for drafting feedback on an attempt.
func (s *Set) BuildFeedbackPrompt(style Style, r model.Rubric, a model.Attempt, lang string) (string, error) {
	tmpl, ok := s.feedback[style]
	if !ok {
		return "", errors.New("invalid feedback style: " + string(style))
	}
	if lang == "" {
		lang = "en"
	}
	role := a.Role
	if role == model.RoleAll {
		role = ""
	}
	data := FeedbackData{
		RubricName: sanitizeText(r.Name),
		Phase:      a.Phase,
		Role:       role,
		Score:      a.FinalScore,
		Status:     a.Status,
		Language:   lang,
		Card:       RenderCard(a),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderCard lists the applicable sections and selections of an attempt, one
// criterion per line.
func RenderCard(a model.Attempt) string {
	var sb strings.Builder
	multiPart := len(a.Parts) > 1
	for _, p := range a.Parts {
		if multiPart {
			fmt.Fprintf(&sb, "# %s (weight %g, score %.1f)\n", sanitizeText(p.PartName), p.Weight, p.CalculatedPartScore)
		}
		for _, sec := range p.SectionEvaluations {
			if !sec.Applicable {
				continue
			}
			fmt.Fprintf(&sb, "## %s (weight %g, score %.1f)\n", sanitizeText(sec.SectionName), sec.Weight, sec.CalculatedSectionScore)
			for _, c := range sec.CriterionSelections {
				fmt.Fprintf(&sb, "- %s: %d%%", sanitizeText(c.CriterionName), c.SelectedPercentage)
				if c.SelectedDescription != "" {
					sb.WriteString(" - " + sanitizeText(c.SelectedDescription))
				}
				sb.WriteString("\n")
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func sanitizeText(s string) string {
	s = scorecardTagRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxTextRunes {
		runes := []rune(s)
		s = string(runes[:maxTextRunes]) + " [truncated]"
	}
	return s
}
