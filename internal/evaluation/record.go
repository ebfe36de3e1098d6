package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/evalcard/internal/access"
	"github.com/pavelanni/evalcard/internal/model"
	"github.com/pavelanni/evalcard/internal/scoring"
)

// GroupInput records a team's group-phase attempt.
type GroupInput struct {
	ProjectID    int64
	TeamID       int64
	EvaluatorID  int64
	RubricID     int64
	SubmissionID *int64
	Selections   []model.PartPicks
}

// IndividualInput records a student's individual oral attempt. Role may be
// empty; on team projects it then defaults to the student's team role.
type IndividualInput struct {
	ProjectID    int64
	StudentID    int64
	EvaluatorID  int64
	RubricID     int64
	Role         string
	SubmissionID *int64
	Selections   []model.PartPicks
}

// FinalOutcome reports what happened to one student's final evaluation
// after an attempt was recorded.
type FinalOutcome struct {
	StudentID int64                  `json:"student_id"`
	Final     *model.FinalEvaluation `json:"final,omitempty"`
	Created   bool                   `json:"created"`
	NotReady  bool                   `json:"not_ready,omitempty"`
	Award     *model.AwardPlan       `json:"award,omitempty"`
	Err       error                  `json:"-"`
}

// Outcome is the result of recording an attempt. Exactly one of Attempt
// and Blocked is set.
type Outcome struct {
	Attempt *model.Attempt `json:"attempt,omitempty"`
	Blocked *Blocked       `json:"blocked,omitempty"`
	Finals  []FinalOutcome `json:"finals,omitempty"`
}

// RecordGroupAttempt scores and stores a group attempt, then recomputes the
// final evaluation of every team member.
func (s *Service) RecordGroupAttempt(ctx context.Context, in GroupInput) (*Outcome, error) {
	caller, err := s.authorize(ctx, access.AttemptRecord)
	if err != nil {
		return nil, err
	}
	p, err := s.project(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if !p.IsTeam() {
		return nil, inputErr(CodeSubjectMismatch, "project %d has no group phase", p.ID)
	}
	team, err := s.store.GetTeam(ctx, in.TeamID)
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	if team == nil || team.ProjectID != p.ID {
		return nil, inputErr(CodeSubjectMismatch, "team %d is not part of project %d", in.TeamID, p.ID)
	}
	evaluatorID, err := s.resolveEvaluator(ctx, caller, in.EvaluatorID)
	if err != nil {
		return nil, err
	}
	r, err := s.rubricFor(ctx, p.ID, model.PhaseGroup, in.RubricID)
	if err != nil {
		return nil, err
	}
	card, err := s.score(*r, model.RoleAll, in.Selections)
	if err != nil {
		return nil, err
	}

	a := newAttempt(p.ID, model.PhaseGroup, team.ID, evaluatorID, r.ID, model.RoleAll, in.SubmissionID, card)
	unlock := s.locks.Lock(attemptKey(p.ID, model.PhaseGroup, team.ID))
	err = s.insertAttempt(ctx, a, nil)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("record group attempt: %w", err)
	}

	out := &Outcome{Attempt: a}
	members, err := s.store.TeamMembers(ctx, team.ID)
	if err != nil {
		slog.Error("failed to list team members for final recompute", "team_id", team.ID, "error", err)
		return out, nil
	}
	for _, m := range members {
		out.Finals = append(out.Finals, s.settle(ctx, p.ID, m.StudentID))
	}
	return out, nil
}

// RecordIndividualAttempt scores and stores an individual attempt unless
// PhaseGate blocks it, then computes the student's final evaluation.
func (s *Service) RecordIndividualAttempt(ctx context.Context, in IndividualInput) (*Outcome, error) {
	caller, err := s.authorize(ctx, access.AttemptRecord)
	if err != nil {
		return nil, err
	}
	p, err := s.project(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	student, err := s.store.GetUserByID(ctx, in.StudentID)
	if err != nil {
		return nil, fmt.Errorf("get student: %w", err)
	}
	if student == nil || student.Role != model.UserRoleStudent {
		return nil, inputErr(CodeSubjectMismatch, "user %d is not a student", in.StudentID)
	}
	role, err := s.subjectRole(ctx, *p, in.StudentID, in.Role)
	if err != nil {
		return nil, err
	}

	// Explain a block before complaining about the card.
	snap, err := s.store.Snapshot(ctx, p.ID, in.StudentID)
	if err != nil {
		return nil, fmt.Errorf("load phase state: %w", err)
	}
	if err := gateIndividual(*snap); err != nil {
		return blockedOutcome(p.ID, in.StudentID, err)
	}

	evaluatorID, err := s.resolveEvaluator(ctx, caller, in.EvaluatorID)
	if err != nil {
		return nil, err
	}
	r, err := s.rubricFor(ctx, p.ID, model.PhaseIndividual, in.RubricID)
	if err != nil {
		return nil, err
	}
	card, err := s.score(*r, role, in.Selections)
	if err != nil {
		return nil, err
	}

	a := newAttempt(p.ID, model.PhaseIndividual, in.StudentID, evaluatorID, r.ID, role, in.SubmissionID, card)
	unlock := s.locks.Lock(attemptKey(p.ID, model.PhaseIndividual, in.StudentID))
	err = s.insertAttempt(ctx, a, gateIndividual)
	unlock()
	if err != nil {
		var be *blockedError
		if errors.As(err, &be) {
			return blockedOutcome(p.ID, in.StudentID, err)
		}
		return nil, fmt.Errorf("record individual attempt: %w", err)
	}

	return &Outcome{Attempt: a, Finals: []FinalOutcome{s.settle(ctx, p.ID, in.StudentID)}}, nil
}

// subjectRole resolves the role the student is scored in.
func (s *Service) subjectRole(ctx context.Context, p model.Project, studentID int64, requested string) (string, error) {
	if !p.IsTeam() {
		if requested == "" {
			return model.RoleAll, nil
		}
		if !s.policy.KnownRole(requested) {
			return "", inputErr(scoring.CodeRoleMismatch, "unknown role %q", requested)
		}
		return requested, nil
	}
	m, err := s.store.MembershipFor(ctx, p.ID, studentID)
	if err != nil {
		return "", fmt.Errorf("get membership: %w", err)
	}
	if m == nil {
		return "", inputErr(CodeSubjectMismatch, "student %d has no team in project %d", studentID, p.ID)
	}
	if requested != "" && requested != m.Role {
		return "", inputErr(scoring.CodeRoleMismatch, "student %d is %q in their team, not %q", studentID, m.Role, requested)
	}
	return m.Role, nil
}

func (s *Service) score(r model.Rubric, role string, picks []model.PartPicks) (*scoring.Scorecard, error) {
	card, err := scoring.Evaluate(r, role, picks, s.policy)
	if err != nil {
		var se *scoring.SelectionError
		if errors.As(err, &se) {
			return nil, &InputError{Code: se.Code, Err: se}
		}
		return nil, err
	}
	return card, nil
}

func newAttempt(projectID int64, phase model.Phase, subjectID, evaluatorID, rubricID int64, role string, submissionID *int64, card *scoring.Scorecard) *model.Attempt {
	return &model.Attempt{
		ProjectID:    projectID,
		Phase:        phase,
		SubjectKind:  model.SubjectKindFor(phase),
		SubjectID:    subjectID,
		EvaluatorID:  evaluatorID,
		RubricID:     rubricID,
		Role:         role,
		SubmissionID: submissionID,
		Parts:        card.Parts,
		RawScore:     card.RawScore,
		FinalScore:   card.FinalScore,
		Status:       card.Status,
	}
}

func blockedOutcome(projectID, studentID int64, err error) (*Outcome, error) {
	var be *blockedError
	if !errors.As(err, &be) {
		return nil, err
	}
	slog.Info("individual attempt blocked",
		"project_id", projectID, "student_id", studentID, "reason", be.Reason, "state", be.State)
	b := be.Blocked
	return &Outcome{Blocked: &b}, nil
}
