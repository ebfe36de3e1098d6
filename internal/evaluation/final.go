package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/evalcard/internal/access"
	"github.com/pavelanni/evalcard/internal/model"
	"github.com/pavelanni/evalcard/internal/scoring"
	"github.com/pavelanni/evalcard/internal/store"
)

// buildFinal returns the final evaluation implied by snap, nil when the
// latest final already reflects the latest attempts, or ErrNotReady. A
// required attempt reopened by a retry is treated as missing.
func buildFinal(policy model.Policy, snap model.FinalSnapshot) (*model.FinalEvaluation, error) {
	if snap.Project.ID == 0 {
		return nil, ErrNotFound
	}
	var groupScore *int
	if snap.Project.IsTeam() {
		if snap.TeamID == nil || snap.Group == nil {
			return nil, ErrNotReady
		}
		gs := snap.Group.FinalScore
		groupScore = &gs
	}
	if snap.Individual == nil {
		return nil, ErrNotReady
	}
	// Reopened attempts no longer count until they are replaced.
	if snap.Individual.RetryAllowed || (snap.Group != nil && snap.Group.RetryAllowed) {
		return nil, ErrNotReady
	}
	gid := groupID(snap)
	if snap.LatestFinal != nil && snap.LatestFinal.SameSources(gid, snap.Individual.ID) {
		return nil, nil
	}

	g := scoring.GradeFinal(policy, groupScore, snap.Individual.FinalScore)
	return &model.FinalEvaluation{
		TeamID:              snap.TeamID,
		GroupAttemptID:      gid,
		IndividualAttemptID: snap.Individual.ID,
		GroupScore:          groupScore,
		IndividualScore:     snap.Individual.FinalScore,
		FinalScore:          g.FinalScore,
		MaxScore:            g.MaxScore,
		FinalPercentage:     g.Percentage,
		Status:              g.Status,
		VerbalGrade:         g.Verbal,
	}, nil
}

// computeFinal creates a new final evaluation when the latest attempts
// changed. It is safe to call repeatedly.
func (s *Service) computeFinal(ctx context.Context, projectID, studentID int64) (*model.FinalEvaluation, bool, error) {
	unlock := s.locks.Lock(finalKey(projectID, studentID))
	defer unlock()

	build := func(snap model.FinalSnapshot) (*model.FinalEvaluation, error) {
		return buildFinal(s.policy, snap)
	}
	f, created, err := s.store.SaveFinal(ctx, projectID, studentID, build)
	if errors.Is(err, store.ErrConflict) {
		slog.Warn("final evaluation conflict, retrying", "project_id", projectID, "student_id", studentID, "error", err)
		f, created, err = s.store.SaveFinal(ctx, projectID, studentID, build)
	}
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, false, fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	case errors.Is(err, ErrNotFound):
		return nil, false, notFound("project", projectID)
	case err != nil:
		return nil, false, err
	}
	return f, created, nil
}

// settle computes the final evaluation after an attempt and awards a first
// pass. Failures are reported in the outcome because the attempt stands.
func (s *Service) settle(ctx context.Context, projectID, studentID int64) FinalOutcome {
	out := FinalOutcome{StudentID: studentID}
	f, created, err := s.computeFinal(ctx, projectID, studentID)
	switch {
	case errors.Is(err, ErrNotReady):
		out.NotReady = true
		return out
	case err != nil:
		slog.Error("failed to compute final evaluation",
			"project_id", projectID, "student_id", studentID, "error", err)
		out.Err = err
		return out
	}
	out.Final, out.Created = f, created
	if f.Status != model.StatusPassed {
		return out
	}
	plan, err := s.award(ctx, f.ID)
	if err != nil {
		out.Err = err
		return out
	}
	out.Award = plan
	return out
}

// ComputeFinal recomputes a student's final evaluation and awards a pending
// first pass. It returns ErrNotReady when a required latest attempt is missing.
func (s *Service) ComputeFinal(ctx context.Context, projectID, studentID int64) (*FinalOutcome, error) {
	if _, err := s.authorize(ctx, access.AttemptRecord); err != nil {
		return nil, err
	}
	if _, err := s.project(ctx, projectID); err != nil {
		return nil, err
	}
	out := s.settle(ctx, projectID, studentID)
	if out.NotReady {
		return nil, ErrNotReady
	}
	var ae *AwardError
	if out.Err != nil && !errors.As(out.Err, &ae) {
		return nil, out.Err
	}
	return &out, nil
}

// LatestFinal returns the student's current final evaluation or ErrNotReady.
func (s *Service) LatestFinal(ctx context.Context, projectID, studentID int64) (*model.FinalEvaluation, error) {
	if err := s.authorizeOwner(ctx, studentID, access.FinalViewOwn, access.FinalViewAll); err != nil {
		return nil, err
	}
	f, err := s.store.LatestFinal(ctx, projectID, studentID)
	if err != nil {
		return nil, fmt.Errorf("get final: %w", err)
	}
	if f == nil {
		return nil, ErrNotReady
	}
	return f, nil
}

// FinalHistory returns every final evaluation of the student in the project.
func (s *Service) FinalHistory(ctx context.Context, projectID, studentID int64) ([]model.FinalEvaluation, error) {
	if err := s.authorizeOwner(ctx, studentID, access.FinalViewOwn, access.FinalViewAll); err != nil {
		return nil, err
	}
	return s.store.ListFinals(ctx, projectID, studentID)
}
