package model

import (
	"fmt"
	"slices"
)

// GradeBands holds the lower bounds of the verbal grade bands, in percent.
type GradeBands struct {
	Excellent  float64
	VeryGood   float64
	Good       float64
	Acceptable float64
}

// Policy holds the deployment-adjustable evaluation constants.
type Policy struct {
	PhasePassThreshold float64
	PercentageBand     []int
	Grades             GradeBands
	TeamScoreCap       int
	IndividualScoreCap int
	TeamRoles          []string
	LevelThresholds    []int
	ReopenGroupOnRetry bool
}

// DefaultPolicy returns the platform defaults.
func DefaultPolicy() Policy {
	return Policy{
		PhasePassThreshold: 60,
		PercentageBand:     []int{0, 20, 40, 60, 80, 100},
		Grades:             GradeBands{Excellent: 85, VeryGood: 75, Good: 65, Acceptable: 60},
		TeamScoreCap:       200,
		IndividualScoreCap: 100,
		TeamRoles:          []string{"leader", "developer", "analyst"},
		LevelThresholds:    []int{0, 100, 250, 500, 1000, 2000},
	}
}

// FinalPassThreshold is the percentage a final evaluation needs to pass.
// It is the lower bound of the lowest passing verbal band.
func (p Policy) FinalPassThreshold() float64 {
	return p.Grades.Acceptable
}

// InBand reports whether pct is one of the allowed percentages.
func (p Policy) InBand(pct int) bool {
	return slices.Contains(p.PercentageBand, pct)
}

// KnownRole reports whether role may appear in a criterion's applicable roles.
func (p Policy) KnownRole(role string) bool {
	return role == RoleAll || slices.Contains(p.TeamRoles, role)
}

// Validate checks the policy for internal consistency.
func (p Policy) Validate() error {
	if len(p.PercentageBand) == 0 {
		return fmt.Errorf("percentage band is empty")
	}
	for i, v := range p.PercentageBand {
		if v < 0 || v > 100 {
			return fmt.Errorf("percentage band value %d out of range 0-100", v)
		}
		if i > 0 && v <= p.PercentageBand[i-1] {
			return fmt.Errorf("percentage band must be strictly increasing")
		}
	}
	if p.PhasePassThreshold < 0 || p.PhasePassThreshold > 100 {
		return fmt.Errorf("phase pass threshold %.2f out of range 0-100", p.PhasePassThreshold)
	}
	g := p.Grades
	if !(g.Excellent > g.VeryGood && g.VeryGood > g.Good && g.Good > g.Acceptable && g.Acceptable > 0) {
		return fmt.Errorf("grade bands must be strictly decreasing and positive: %v", g)
	}
	if g.Excellent > 100 {
		return fmt.Errorf("grade band %.2f above 100", g.Excellent)
	}
	if p.IndividualScoreCap <= 0 || p.TeamScoreCap <= 0 {
		return fmt.Errorf("score caps must be positive")
	}
	if len(p.LevelThresholds) == 0 || p.LevelThresholds[0] != 0 {
		return fmt.Errorf("level thresholds must start at 0")
	}
	for i := 1; i < len(p.LevelThresholds); i++ {
		if p.LevelThresholds[i] <= p.LevelThresholds[i-1] {
			return fmt.Errorf("level thresholds must be strictly increasing")
		}
	}
	for _, r := range p.TeamRoles {
		if r == "" || r == RoleAll {
			return fmt.Errorf("invalid team role %q", r)
		}
	}
	return nil
}

// LevelFor maps cumulative points to a level. Level 1 starts at the first threshold.
func (p Policy) LevelFor(points int) int {
	level := 0
	for _, t := range p.LevelThresholds {
		if points >= t {
			level++
		}
	}
	return level
}
