package scoring

import "github.com/pavelanni/evalcard/internal/model"

// FinalGrade is the arithmetic outcome of combining phase scores.
type FinalGrade struct {
	FinalScore int
	MaxScore   int
	Percentage float64
	Status     model.Status
	Verbal     model.VerbalGrade
}

// GradeFinal combines the group score (nil for individual-only projects) with
// the individual score.
func GradeFinal(policy model.Policy, groupScore *int, individualScore int) FinalGrade {
	total := clampInt(individualScore, 0, 100)
	maxScore := policy.IndividualScoreCap
	if groupScore != nil {
		total += clampInt(*groupScore, 0, 100)
		maxScore = policy.TeamScoreCap
	}
	total = clampInt(total, 0, maxScore)

	pct := clamp(float64(total)*100/float64(maxScore), 0, 100)
	return FinalGrade{
		FinalScore: total,
		MaxScore:   maxScore,
		Percentage: pct,
		Status:     StatusFor(policy, pct),
		Verbal:     VerbalGradeFor(policy.Grades, pct),
	}
}

// StatusFor applies the final pass threshold to a percentage.
func StatusFor(policy model.Policy, pct float64) model.Status {
	if pct >= policy.FinalPassThreshold() {
		return model.StatusPassed
	}
	return model.StatusFailed
}

// VerbalGradeFor maps a percentage onto the verbal grade bands.
func VerbalGradeFor(g model.GradeBands, pct float64) model.VerbalGrade {
	switch {
	case pct >= g.Excellent:
		return model.GradeExcellent
	case pct >= g.VeryGood:
		return model.GradeVeryGood
	case pct >= g.Good:
		return model.GradeGood
	case pct >= g.Acceptable:
		return model.GradeAcceptable
	default:
		return model.GradeNotPassed
	}
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
