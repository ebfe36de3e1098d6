// Package scoring turns criterion selections into section, part and phase
// scores and phase scores into a final grade. Nothing here blocks or keeps state.
package scoring

import (
	"fmt"
	"math"

	"github.com/pavelanni/evalcard/internal/model"
)

// Selection error codes.
const (
	CodeUnknownPart        = "unknown_part"
	CodeUnknownSection     = "unknown_section"
	CodeUnknownCriterion   = "unknown_criterion"
	CodeOutOfBand          = "out_of_band"
	CodeRoleMismatch       = "role_mismatch"
	CodeMissingSelection   = "missing_selection"
	CodeDuplicateSelection = "duplicate_selection"
)

// SelectionError rejects a whole attempt because of one bad selection.
type SelectionError struct {
	Code       string
	Part       string
	Section    string
	Criterion  string
	Percentage int
}

func (e *SelectionError) Error() string {
	loc := e.Part
	if e.Section != "" {
		loc += "/" + e.Section
	}
	if e.Criterion != "" {
		loc += "/" + e.Criterion
	}
	if e.Code == CodeOutOfBand {
		return fmt.Sprintf("%s: %s: %d%% is not an allowed percentage", e.Code, loc, e.Percentage)
	}
	return fmt.Sprintf("%s: %s", e.Code, loc)
}

// Weighted is a score paired with its weight. Inapplicable entries are left
// out of the mean and their weight is redistributed.
type Weighted struct {
	Score      float64
	Weight     float64
	Applicable bool
}

// WeightedMean returns Σ(score × weight / 100) when every entry applies, and
// the mean renormalized over applicable weight otherwise. ok is false when
// nothing applies.
func WeightedMean(items []Weighted) (score float64, ok bool) {
	var sum, weight float64
	all := true
	for _, it := range items {
		if !it.Applicable {
			all = false
			continue
		}
		sum += it.Score * it.Weight
		weight += it.Weight
	}
	if weight == 0 {
		return 0, false
	}
	if all {
		return sum / 100, true
	}
	return sum / weight, true
}

// ScoreSection averages the selected percentages of the criteria that apply to
// role. Criteria that do not apply are not part of the denominator.
func ScoreSection(sec model.Section, role string, picks map[string]int) (score float64, applicable bool) {
	var sum, n float64
	for _, c := range sec.Criteria {
		if !c.AppliesTo(role) {
			continue
		}
		sum += float64(picks[c.Name])
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / n, true
}

// ScorePart combines section scores by section weight.
func ScorePart(sections []model.SectionEvaluation) (float64, bool) {
	items := make([]Weighted, 0, len(sections))
	for _, s := range sections {
		items = append(items, Weighted{Score: s.CalculatedSectionScore, Weight: s.Weight, Applicable: s.Applicable})
	}
	return WeightedMean(items)
}

// ScorePhase combines part scores by part weight and clamps to [0,100].
func ScorePhase(parts []model.PartEvaluation) float64 {
	items := make([]Weighted, 0, len(parts))
	for _, p := range parts {
		items = append(items, Weighted{Score: p.CalculatedPartScore, Weight: p.Weight, Applicable: partApplies(p)})
	}
	score, _ := WeightedMean(items)
	return clamp(score, 0, 100)
}

// scoreEpsilon absorbs float error in weighted sums when comparing to a threshold.
const scoreEpsilon = 1e-9

// Round rounds a phase score for persistence and display. Pass/fail is
// decided on the unrounded score.
func Round(score float64) int {
	return int(math.Round(score))
}

// Scorecard is the validated and scored content of an attempt.
type Scorecard struct {
	Parts      []model.PartEvaluation
	RawScore   float64
	FinalScore int
	Status     model.Status
}

// Evaluate validates picks against the rubric for a subject with the given
// role and scores them. Any invalid pick rejects the whole card.
func Evaluate(r model.Rubric, role string, input []model.PartPicks, policy model.Policy) (*Scorecard, error) {
	picks, err := indexPicks(r, role, input, policy)
	if err != nil {
		return nil, err
	}

	parts := make([]model.PartEvaluation, 0, len(r.Parts))
	anyApplicable := false
	for _, p := range r.Parts {
		pe := model.PartEvaluation{PartName: p.Name, Weight: p.Weight}
		for _, s := range p.Sections {
			sp := picks[p.Name][s.Name]
			se := model.SectionEvaluation{SectionName: s.Name, Weight: s.Weight}
			for _, c := range s.Criteria {
				if !c.AppliesTo(role) {
					continue
				}
				pct, ok := sp[c.Name]
				if !ok {
					return nil, &SelectionError{Code: CodeMissingSelection, Part: p.Name, Section: s.Name, Criterion: c.Name}
				}
				desc, _ := c.Describe(pct)
				se.CriterionSelections = append(se.CriterionSelections, model.CriterionSelection{
					CriterionName:       c.Name,
					SelectedPercentage:  pct,
					SelectedDescription: desc,
				})
			}
			se.CalculatedSectionScore, se.Applicable = ScoreSection(s, role, sp)
			pe.SectionEvaluations = append(pe.SectionEvaluations, se)
		}
		pe.CalculatedPartScore, _ = ScorePart(pe.SectionEvaluations)
		if partApplies(pe) {
			anyApplicable = true
		}
		parts = append(parts, pe)
	}
	if !anyApplicable {
		return nil, &SelectionError{Code: CodeRoleMismatch, Part: r.Name}
	}

	raw := ScorePhase(parts)
	final := Round(raw)
	status := model.StatusFailed
	if raw+scoreEpsilon >= policy.PhasePassThreshold {
		status = model.StatusPassed
	}
	return &Scorecard{Parts: parts, RawScore: raw, FinalScore: final, Status: status}, nil
}

// indexPicks resolves input names against the rubric and returns
// part -> section -> criterion -> percentage.
func indexPicks(r model.Rubric, role string, input []model.PartPicks, policy model.Policy) (map[string]map[string]map[string]int, error) {
	out := make(map[string]map[string]map[string]int, len(r.Parts))
	for _, pp := range input {
		partName := pp.Part
		if partName == "" && len(r.Parts) == 1 {
			partName = r.Parts[0].Name
		}
		part, ok := findPart(r, partName)
		if !ok {
			return nil, &SelectionError{Code: CodeUnknownPart, Part: pp.Part}
		}
		if _, dup := out[part.Name]; dup {
			return nil, &SelectionError{Code: CodeDuplicateSelection, Part: part.Name}
		}
		sections := make(map[string]map[string]int, len(pp.Sections))
		out[part.Name] = sections

		for _, sp := range pp.Sections {
			sec, ok := findSection(part, sp.Section)
			if !ok {
				return nil, &SelectionError{Code: CodeUnknownSection, Part: part.Name, Section: sp.Section}
			}
			if _, dup := sections[sec.Name]; dup {
				return nil, &SelectionError{Code: CodeDuplicateSelection, Part: part.Name, Section: sec.Name}
			}
			crit := make(map[string]int, len(sp.Picks))
			sections[sec.Name] = crit

			for _, pick := range sp.Picks {
				c, ok := findCriterion(sec, pick.Criterion)
				if !ok {
					return nil, &SelectionError{Code: CodeUnknownCriterion, Part: part.Name, Section: sec.Name, Criterion: pick.Criterion}
				}
				if _, described := c.Describe(pick.Percentage); !policy.InBand(pick.Percentage) || !described {
					return nil, &SelectionError{Code: CodeOutOfBand, Part: part.Name, Section: sec.Name, Criterion: c.Name, Percentage: pick.Percentage}
				}
				if !c.AppliesTo(role) {
					return nil, &SelectionError{Code: CodeRoleMismatch, Part: part.Name, Section: sec.Name, Criterion: c.Name}
				}
				if _, dup := crit[c.Name]; dup {
					return nil, &SelectionError{Code: CodeDuplicateSelection, Part: part.Name, Section: sec.Name, Criterion: c.Name}
				}
				crit[c.Name] = pick.Percentage
			}
		}
	}
	return out, nil
}

func findPart(r model.Rubric, name string) (model.Part, bool) {
	for _, p := range r.Parts {
		if p.Name == name {
			return p, true
		}
	}
	return model.Part{}, false
}

func findSection(p model.Part, name string) (model.Section, bool) {
	for _, s := range p.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return model.Section{}, false
}

func findCriterion(s model.Section, name string) (model.Criterion, bool) {
	for _, c := range s.Criteria {
		if c.Name == name {
			return c, true
		}
	}
	return model.Criterion{}, false
}

func partApplies(p model.PartEvaluation) bool {
	for _, s := range p.SectionEvaluations {
		if s.Applicable {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
