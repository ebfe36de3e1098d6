package evaluation

import (
	"context"
	"fmt"

	"github.com/pavelanni/evalcard/internal/access"
	"github.com/pavelanni/evalcard/internal/model"
	"github.com/pavelanni/evalcard/internal/rubric"
)

// PhaseStatus summarizes where a subject stands in a project.
type PhaseStatus struct {
	ProjectID      int64             `json:"project_id"`
	SubjectKind    model.SubjectKind `json:"subject_kind"`
	SubjectID      int64             `json:"subject_id"`
	State          State             `json:"state,omitempty"`
	Phase1Complete bool              `json:"phase1_complete"`
	Phase2Complete bool              `json:"phase2_complete"`
	LatestScore    *int              `json:"latest_score,omitempty"`
	Role           string            `json:"role"`
	Members        []PhaseStatus     `json:"members,omitempty"`
}

func studentStatus(snap model.FinalSnapshot, studentID int64, role string) PhaseStatus {
	st := PhaseStatus{
		ProjectID:   snap.Project.ID,
		SubjectKind: model.SubjectStudent,
		SubjectID:   studentID,
		State:       DeriveState(snap),
		Role:        role,
	}
	// Individual-only projects have nothing to wait for in the first phase.
	st.Phase1Complete = !snap.Project.IsTeam() || (snap.Group != nil && !snap.Group.RetryAllowed)
	if snap.Individual != nil {
		st.Phase2Complete = !snap.Individual.RetryAllowed
		score := snap.Individual.FinalScore
		st.LatestScore = &score
		if st.Role == "" {
			st.Role = snap.Individual.Role
		}
	} else if snap.Group != nil {
		score := snap.Group.FinalScore
		st.LatestScore = &score
	}
	return st
}

// StudentStatus reports the phase status of a student.
func (s *Service) StudentStatus(ctx context.Context, projectID, studentID int64) (*PhaseStatus, error) {
	if err := s.authorizeOwner(ctx, studentID, access.AttemptViewOwn, access.AttemptViewAll); err != nil {
		return nil, err
	}
	if _, err := s.project(ctx, projectID); err != nil {
		return nil, err
	}
	m, err := s.store.MembershipFor(ctx, projectID, studentID)
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	snap, err := s.store.Snapshot(ctx, projectID, studentID)
	if err != nil {
		return nil, fmt.Errorf("load phase state: %w", err)
	}
	role := ""
	if m != nil {
		role = m.Role
	}
	st := studentStatus(*snap, studentID, role)
	return &st, nil
}

// TeamStatus reports the group phase of a team and the status of each member.
// Phase 2 is complete once every member has a standing individual attempt.
func (s *Service) TeamStatus(ctx context.Context, projectID, teamID int64) (*PhaseStatus, error) {
	if _, err := s.authorize(ctx, access.AttemptViewAll); err != nil {
		return nil, err
	}
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	if team == nil || team.ProjectID != projectID {
		return nil, notFound("team", teamID)
	}
	members, err := s.store.TeamMembers(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	group, err := s.store.LatestAttempt(ctx, projectID, model.PhaseGroup, teamID)
	if err != nil {
		return nil, fmt.Errorf("load group attempt: %w", err)
	}

	st := &PhaseStatus{
		ProjectID:      projectID,
		SubjectKind:    model.SubjectTeam,
		SubjectID:      teamID,
		Role:           model.RoleAll,
		Phase2Complete: len(members) > 0,
	}
	if group != nil {
		st.Phase1Complete = !group.RetryAllowed
		score := group.FinalScore
		st.LatestScore = &score
	}
	for _, m := range members {
		snap, err := s.store.Snapshot(ctx, projectID, m.StudentID)
		if err != nil {
			return nil, fmt.Errorf("load phase state: %w", err)
		}
		ms := studentStatus(*snap, m.StudentID, m.Role)
		st.Phase2Complete = st.Phase2Complete && ms.Phase2Complete
		st.Members = append(st.Members, ms)
	}
	return st, nil
}

// TeamAttempts returns a team's group attempt history.
func (s *Service) TeamAttempts(ctx context.Context, projectID, teamID int64) ([]model.Attempt, error) {
	if _, err := s.authorize(ctx, access.AttemptViewAll); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, projectID, model.PhaseGroup, teamID)
}

// StudentAttempts returns a student's individual attempt history.
func (s *Service) StudentAttempts(ctx context.Context, projectID, studentID int64) ([]model.Attempt, error) {
	if err := s.authorizeOwner(ctx, studentID, access.AttemptViewOwn, access.AttemptViewAll); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, projectID, model.PhaseIndividual, studentID)
}

// PutRubric validates and stores the rubric of a project phase. Definition
// errors are returned unchanged.
func (s *Service) PutRubric(ctx context.Context, r *model.Rubric) error {
	caller, err := s.authorize(ctx, access.RubricWrite)
	if err != nil {
		return err
	}
	if _, err := s.project(ctx, r.ProjectID); err != nil {
		return err
	}
	rubric.Normalize(r)
	if err := rubric.Validate(*r, s.policy); err != nil {
		return err
	}
	if r.CreatedBy == 0 {
		r.CreatedBy = caller.UserID
	}
	return s.store.PutRubric(ctx, r)
}

// Rubric returns the rubric of a project phase.
func (s *Service) Rubric(ctx context.Context, projectID int64, phase model.Phase) (*model.Rubric, error) {
	if _, err := s.authorize(ctx, access.RubricView); err != nil {
		return nil, err
	}
	r, err := s.store.RubricFor(ctx, projectID, phase)
	if err != nil {
		return nil, fmt.Errorf("get rubric: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("%s rubric of project %d: %w", phase, projectID, ErrNotFound)
	}
	return r, nil
}
