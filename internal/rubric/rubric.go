// Package rubric validates observation-card definitions before anything can
// be scored against them.
package rubric

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/pavelanni/evalcard/internal/model"
)

// WeightTolerance is the allowed deviation of a weight sum from 100.
const WeightTolerance = 0.01

// WeightSumError reports weights that do not add up to 100.
type WeightSumError struct {
	Scope string // "parts" or the name of the part whose sections are summed
	Sum   float64
}

func (e *WeightSumError) Error() string {
	return fmt.Sprintf("weights of %s sum to %.2f, want 100", e.Scope, e.Sum)
}

// InvalidBandError reports a criterion whose options do not match the percentage band.
type InvalidBandError struct {
	Criterion  string
	Percentage int
	Reason     string
}

func (e *InvalidBandError) Error() string {
	return fmt.Sprintf("criterion %q: option %d%%: %s", e.Criterion, e.Percentage, e.Reason)
}

// InvalidRoleError reports a criterion with no or unknown applicable roles.
type InvalidRoleError struct {
	Criterion string
	Role      string
}

func (e *InvalidRoleError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("criterion %q has no applicable roles", e.Criterion)
	}
	return fmt.Sprintf("criterion %q: unknown role %q", e.Criterion, e.Role)
}

// DuplicateNameError reports an empty or repeated name inside one parent.
type DuplicateNameError struct {
	Kind string
	Name string
}

func (e *DuplicateNameError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s name is empty", e.Kind)
	}
	return fmt.Sprintf("duplicate %s name %q", e.Kind, e.Name)
}

var (
	// ErrInvalidDefinition is wrapped by structural errors that have no dedicated type.
	ErrInvalidDefinition = errors.New("invalid rubric definition")
	// ErrNoParts is returned for a rubric without any scoring content.
	ErrNoParts = fmt.Errorf("%w: no parts or sections", ErrInvalidDefinition)
)

// IsDefinitionError reports whether err rejects a rubric definition.
func IsDefinitionError(err error) bool {
	var (
		ws *WeightSumError
		ib *InvalidBandError
		ir *InvalidRoleError
		dn *DuplicateNameError
	)
	return errors.Is(err, ErrInvalidDefinition) ||
		errors.As(err, &ws) || errors.As(err, &ib) || errors.As(err, &ir) || errors.As(err, &dn)
}

// Normalize folds the flat section layout into a single part of weight 100.
func Normalize(r *model.Rubric) {
	if len(r.Parts) == 0 && len(r.Sections) > 0 {
		r.Parts = []model.Part{{
			Name:     string(r.Phase),
			Weight:   100,
			Sections: r.Sections,
		}}
	}
	r.Sections = nil
}

// Validate checks the structural invariants of a normalized rubric against policy.
func Validate(r model.Rubric, policy model.Policy) error {
	if !r.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidDefinition, r.Phase)
	}
	if len(r.Parts) == 0 {
		return ErrNoParts
	}

	var partSum float64
	partNames := make(map[string]bool, len(r.Parts))
	for _, p := range r.Parts {
		if err := checkName("part", p.Name, partNames); err != nil {
			return err
		}
		if p.Weight < 0 || p.Weight > 100 {
			return &WeightSumError{Scope: "part " + p.Name, Sum: p.Weight}
		}
		partSum += p.Weight
		if err := validateSections(p, policy); err != nil {
			return err
		}
	}
	if !weightsAddUp(partSum) {
		return &WeightSumError{Scope: "parts", Sum: partSum}
	}
	return nil
}

func validateSections(p model.Part, policy model.Policy) error {
	if len(p.Sections) == 0 {
		return fmt.Errorf("%w: part %q has no sections", ErrInvalidDefinition, p.Name)
	}
	var sum float64
	names := make(map[string]bool, len(p.Sections))
	for _, s := range p.Sections {
		if err := checkName("section", s.Name, names); err != nil {
			return err
		}
		if s.Weight < 0 || s.Weight > 100 {
			return &WeightSumError{Scope: "section " + s.Name, Sum: s.Weight}
		}
		sum += s.Weight
		if len(s.Criteria) == 0 {
			return fmt.Errorf("%w: section %q has no criteria", ErrInvalidDefinition, s.Name)
		}
		criteria := make(map[string]bool, len(s.Criteria))
		for _, c := range s.Criteria {
			if err := checkName("criterion", c.Name, criteria); err != nil {
				return err
			}
			if err := validateCriterion(c, policy); err != nil {
				return err
			}
		}
	}
	if !weightsAddUp(sum) {
		return &WeightSumError{Scope: p.Name, Sum: sum}
	}
	return nil
}

func validateCriterion(c model.Criterion, policy model.Policy) error {
	if len(c.ApplicableRoles) == 0 {
		return &InvalidRoleError{Criterion: c.Name}
	}
	for _, role := range c.ApplicableRoles {
		if !policy.KnownRole(role) {
			return &InvalidRoleError{Criterion: c.Name, Role: role}
		}
	}

	seen := make(map[int]bool, len(c.Options))
	for _, o := range c.Options {
		if !policy.InBand(o.Percentage) {
			return &InvalidBandError{Criterion: c.Name, Percentage: o.Percentage, Reason: "not in the percentage band"}
		}
		if seen[o.Percentage] {
			return &InvalidBandError{Criterion: c.Name, Percentage: o.Percentage, Reason: "duplicated"}
		}
		if strings.TrimSpace(o.Description) == "" {
			return &InvalidBandError{Criterion: c.Name, Percentage: o.Percentage, Reason: "missing description"}
		}
		seen[o.Percentage] = true
	}
	for _, pct := range policy.PercentageBand {
		if !seen[pct] {
			return &InvalidBandError{Criterion: c.Name, Percentage: pct, Reason: "missing"}
		}
	}
	return nil
}

func checkName(kind, name string, seen map[string]bool) error {
	name = strings.TrimSpace(name)
	if name == "" || seen[name] {
		return &DuplicateNameError{Kind: kind, Name: name}
	}
	seen[name] = true
	return nil
}

func weightsAddUp(sum float64) bool {
	return math.Abs(sum-100) <= WeightTolerance
}
