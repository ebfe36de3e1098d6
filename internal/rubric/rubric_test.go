package rubric

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pavelanni/evalcard/internal/model"
)

func fullOptions() []model.Option {
	return []model.Option{
		{Percentage: 0, Description: "absent"},
		{Percentage: 20, Description: "emerging"},
		{Percentage: 40, Description: "developing"},
		{Percentage: 60, Description: "adequate"},
		{Percentage: 80, Description: "proficient"},
		{Percentage: 100, Description: "exemplary"},
	}
}

func criterion(name string, roles ...string) model.Criterion {
	if len(roles) == 0 {
		roles = []string{model.RoleAll}
	}
	return model.Criterion{Name: name, ApplicableRoles: roles, Options: fullOptions()}
}

func validRubric() model.Rubric {
	return model.Rubric{
		ProjectID: 1,
		Phase:     model.PhaseGroup,
		Name:      "Team card",
		Sections: []model.Section{
			{Name: "Planning", Weight: 40, Criteria: []model.Criterion{criterion("Backlog"), criterion("Estimates")}},
			{Name: "Delivery", Weight: 60, Criteria: []model.Criterion{criterion("Demo")}},
		},
	}
}

func TestNormalizeFoldsSections(t *testing.T) {
	r := validRubric()
	Normalize(&r)
	if len(r.Sections) != 0 {
		t.Errorf("expected sections cleared, got %d", len(r.Sections))
	}
	if len(r.Parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(r.Parts))
	}
	if r.Parts[0].Weight != 100 {
		t.Errorf("expected part weight 100, got %.2f", r.Parts[0].Weight)
	}
	if r.Parts[0].Name != string(model.PhaseGroup) {
		t.Errorf("expected part named after phase, got %q", r.Parts[0].Name)
	}
}

func TestValidate(t *testing.T) {
	policy := model.DefaultPolicy()

	tests := []struct {
		name   string
		mutate func(r *model.Rubric)
		check  func(t *testing.T, err error)
	}{
		{
			name:   "valid",
			mutate: func(r *model.Rubric) {},
			check: func(t *testing.T, err error) {
				if err != nil {
					t.Fatalf("expected valid rubric, got %v", err)
				}
			},
		},
		{
			name: "weights sum to 97",
			mutate: func(r *model.Rubric) {
				r.Parts[0].Sections[1].Weight = 57
			},
			check: func(t *testing.T, err error) {
				var wErr *WeightSumError
				if !errors.As(err, &wErr) {
					t.Fatalf("expected WeightSumError, got %v", err)
				}
				if wErr.Sum != 97 {
					t.Errorf("expected sum 97, got %.2f", wErr.Sum)
				}
			},
		},
		{
			name: "within tolerance",
			mutate: func(r *model.Rubric) {
				r.Parts[0].Sections[0].Weight = 39.995
			},
			check: func(t *testing.T, err error) {
				if err != nil {
					t.Fatalf("expected tolerance to accept, got %v", err)
				}
			},
		},
		{
			name: "part weights",
			mutate: func(r *model.Rubric) {
				extra := r.Parts[0]
				extra.Name = "Second"
				r.Parts = append(r.Parts, extra)
				r.Parts[0].Weight = 50
				r.Parts[1].Weight = 40
			},
			check: func(t *testing.T, err error) {
				var wErr *WeightSumError
				if !errors.As(err, &wErr) || wErr.Scope != "parts" {
					t.Fatalf("expected parts WeightSumError, got %v", err)
				}
			},
		},
		{
			name: "out of band option",
			mutate: func(r *model.Rubric) {
				r.Parts[0].Sections[0].Criteria[0].Options[2].Percentage = 50
			},
			check: func(t *testing.T, err error) {
				var bErr *InvalidBandError
				if !errors.As(err, &bErr) {
					t.Fatalf("expected InvalidBandError, got %v", err)
				}
				if bErr.Percentage != 50 {
					t.Errorf("expected percentage 50, got %d", bErr.Percentage)
				}
			},
		},
		{
			name: "duplicated band",
			mutate: func(r *model.Rubric) {
				r.Parts[0].Sections[0].Criteria[0].Options[1].Percentage = 0
			},
			check: func(t *testing.T, err error) {
				var bErr *InvalidBandError
				if !errors.As(err, &bErr) || bErr.Reason != "duplicated" {
					t.Fatalf("expected duplicated InvalidBandError, got %v", err)
				}
			},
		},
		{
			name: "missing band",
			mutate: func(r *model.Rubric) {
				c := &r.Parts[0].Sections[0].Criteria[0]
				c.Options = c.Options[:5]
			},
			check: func(t *testing.T, err error) {
				var bErr *InvalidBandError
				if !errors.As(err, &bErr) || bErr.Percentage != 100 {
					t.Fatalf("expected missing 100 band, got %v", err)
				}
			},
		},
		{
			name: "blank description",
			mutate: func(r *model.Rubric) {
				r.Parts[0].Sections[0].Criteria[0].Options[3].Description = "  "
			},
			check: func(t *testing.T, err error) {
				var bErr *InvalidBandError
				if !errors.As(err, &bErr) {
					t.Fatalf("expected InvalidBandError, got %v", err)
				}
			},
		},
		{
			name: "unknown role",
			mutate: func(r *model.Rubric) {
				r.Parts[0].Sections[1].Criteria[0].ApplicableRoles = []string{"astronaut"}
			},
			check: func(t *testing.T, err error) {
				var rErr *InvalidRoleError
				if !errors.As(err, &rErr) || rErr.Role != "astronaut" {
					t.Fatalf("expected InvalidRoleError, got %v", err)
				}
			},
		},
		{
			name: "duplicate criterion",
			mutate: func(r *model.Rubric) {
				r.Parts[0].Sections[0].Criteria[1].Name = "Backlog"
			},
			check: func(t *testing.T, err error) {
				var dErr *DuplicateNameError
				if !errors.As(err, &dErr) {
					t.Fatalf("expected DuplicateNameError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRubric()
			Normalize(&r)
			tt.mutate(&r)
			tt.check(t, Validate(r, policy))
		})
	}
}

func TestValidateEmpty(t *testing.T) {
	r := model.Rubric{Phase: model.PhaseIndividual}
	Normalize(&r)
	if err := Validate(r, model.DefaultPolicy()); !errors.Is(err, ErrNoParts) {
		t.Errorf("expected ErrNoParts, got %v", err)
	}
}

func TestIsDefinitionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"weight sum", &WeightSumError{Scope: "parts", Sum: 90}, true},
		{"band", &InvalidBandError{Criterion: "C", Percentage: 50}, true},
		{"role", fmt.Errorf("put: %w", &InvalidRoleError{Criterion: "C"}), true},
		{"duplicate", &DuplicateNameError{Kind: "part"}, true},
		{"no parts", ErrNoParts, true},
		{"unrelated", errors.New("disk full"), false},
	}
	for _, tt := range tests {
		if got := IsDefinitionError(tt.err); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}

	r := validRubric()
	Normalize(&r)
	r.Parts[0].Sections[0].Criteria = nil
	if err := Validate(r, model.DefaultPolicy()); !IsDefinitionError(err) {
		t.Errorf("expected empty section to be a definition error, got %v", err)
	}
}
