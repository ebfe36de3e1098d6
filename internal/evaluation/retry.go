package evaluation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/evalcard/internal/access"
	"github.com/pavelanni/evalcard/internal/model"
)

// RetryInput authorizes a new attempt after a failed final evaluation.
type RetryInput struct {
	ProjectID   int64
	StudentID   int64
	EvaluatorID int64
}

// RetryOutcome lists the reopened attempts and the resulting gate state.
type RetryOutcome struct {
	Reopened []int64 `json:"reopened_attempt_ids"`
	State    State   `json:"state"`
}

// AllowRetry reopens the student's individual phase, and the team's group
// phase when the policy says so. Only a failed latest final can be retried.
// No attempt or final evaluation is deleted or rescored.
func (s *Service) AllowRetry(ctx context.Context, in RetryInput) (*RetryOutcome, error) {
	caller, err := s.authorize(ctx, access.RetryAuthorize)
	if err != nil {
		return nil, err
	}
	p, err := s.project(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	evaluatorID, err := s.resolveEvaluator(ctx, caller, in.EvaluatorID)
	if err != nil {
		return nil, err
	}

	check := func(snap model.FinalSnapshot) error {
		switch {
		case snap.LatestFinal == nil:
			return &RetryError{Reason: ReasonNoFinal}
		case snap.LatestFinal.Status != model.StatusFailed:
			return &RetryError{Reason: ReasonFinalPassed}
		}
		return nil
	}
	reopenGroup := p.IsTeam() && s.policy.ReopenGroupOnRetry
	ids, err := s.store.AllowRetry(ctx, p.ID, in.StudentID, reopenGroup, check)
	if err != nil {
		return nil, fmt.Errorf("allow retry: %w", err)
	}

	snap, err := s.store.Snapshot(ctx, p.ID, in.StudentID)
	if err != nil {
		return nil, fmt.Errorf("load phase state: %w", err)
	}
	out := &RetryOutcome{Reopened: ids, State: DeriveState(*snap)}
	slog.Info("retry authorized",
		"project_id", p.ID, "student_id", in.StudentID, "evaluator_id", evaluatorID,
		"reopened", ids, "reopen_group", reopenGroup, "state", out.State)
	return out, nil
}
