package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/evalcard/internal/access"
	"github.com/pavelanni/evalcard/internal/model"
)

// planAward decides what a final evaluation earns. Only the earliest passed
// final of a (project, student) pair earns anything, and only once.
func planAward(policy model.Policy, newID func() string, snap model.AwardSnapshot) (*model.AwardPlan, error) {
	f := snap.Final
	if f.Status != model.StatusPassed || snap.FirstPassedID != f.ID || snap.AlreadyCredited {
		return nil, nil
	}
	if snap.Project.Points < 0 {
		return nil, fmt.Errorf("project %d has negative point value %d", snap.Project.ID, snap.Project.Points)
	}
	if snap.Badge != nil && snap.Badge.ProjectID != snap.Project.ID {
		return nil, fmt.Errorf("badge %d belongs to project %d", snap.Badge.ID, snap.Badge.ProjectID)
	}

	total := snap.CurrentPoints + snap.Project.Points
	plan := &model.AwardPlan{
		LedgerID:  newID(),
		Points:    snap.Project.Points,
		NewTotal:  total,
		NewLevel:  policy.LevelFor(total),
		AttemptID: f.IndividualAttemptID,
	}
	if snap.Badge != nil {
		plan.BadgeID = &snap.Badge.ID
	}
	return plan, nil
}

// award applies the award owed for a final evaluation, if any. Failures are
// returned as *AwardError.
func (s *Service) award(ctx context.Context, finalID int64) (*model.AwardPlan, error) {
	plan := func(snap model.AwardSnapshot) (*model.AwardPlan, error) {
		return planAward(s.policy, s.newID, snap)
	}
	applied, err := s.store.ApplyAward(ctx, finalID, plan)
	if err != nil {
		slog.Warn("award failed, final evaluation stands", "final_id", finalID, "error", err)
		return nil, &AwardError{FinalID: finalID, Err: err}
	}
	return applied, nil
}

// RetryAward re-runs the award for a final evaluation whose bookkeeping
// failed earlier. It is a no-op when nothing is owed.
func (s *Service) RetryAward(ctx context.Context, finalID int64) (*model.AwardPlan, error) {
	if _, err := s.authorize(ctx, access.AwardReconcile); err != nil {
		return nil, err
	}
	f, err := s.store.GetFinal(ctx, finalID)
	if err != nil {
		return nil, fmt.Errorf("get final: %w", err)
	}
	if f == nil {
		return nil, notFound("final evaluation", finalID)
	}
	return s.award(ctx, finalID)
}

// ReconcileAwards applies every award still owed for a first pass. It
// returns the number of awards applied.
func (s *Service) ReconcileAwards(ctx context.Context) (int, error) {
	if _, err := s.authorize(ctx, access.AwardReconcile); err != nil {
		return 0, err
	}
	pending, err := s.store.PassedFinalsWithoutAward(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending awards: %w", err)
	}
	applied := 0
	var errs []error
	for _, f := range pending {
		plan, err := s.award(ctx, f.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if plan != nil {
			applied++
		}
	}
	slog.Info("reconciled awards", "pending", len(pending), "applied", applied, "failed", len(errs))
	return applied, errors.Join(errs...)
}

// Progress returns a student's points, level, badges and completed projects.
func (s *Service) Progress(ctx context.Context, studentID int64) (*model.Progress, error) {
	if err := s.authorizeOwner(ctx, studentID, access.ProgressViewOwn, access.ProgressViewAll); err != nil {
		return nil, err
	}
	return s.store.GetProgress(ctx, studentID)
}

// PutBadge defines the badge a first pass of the project earns.
func (s *Service) PutBadge(ctx context.Context, b model.Badge) (*model.Badge, error) {
	if _, err := s.authorize(ctx, access.BadgeWrite); err != nil {
		return nil, err
	}
	if _, err := s.project(ctx, b.ProjectID); err != nil {
		return nil, err
	}
	return s.store.PutBadge(ctx, b)
}
