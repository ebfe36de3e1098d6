package evaluation

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/evalcard/internal/access"
	"github.com/pavelanni/evalcard/internal/model"
)

// ErrNoDrafter is returned when feedback drafting is not configured.
var ErrNoDrafter = errors.New("feedback drafting is not configured")

// Drafter writes narrative feedback for a scored attempt.
type Drafter interface {
	DraftFeedback(ctx context.Context, r model.Rubric, a model.Attempt, lang string) (string, error)
	ModelName() string
}

// SetDrafter enables feedback drafting.
func (s *Service) SetDrafter(d Drafter) { s.drafter = d }

// DraftFeedback drafts and stores feedback for an attempt in the given language.
func (s *Service) DraftFeedback(ctx context.Context, attemptID int64, lang string) (string, error) {
	if _, err := s.authorize(ctx, access.FeedbackDraft); err != nil {
		return "", err
	}
	if s.drafter == nil {
		return "", ErrNoDrafter
	}
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return "", fmt.Errorf("get attempt: %w", err)
	}
	if a == nil {
		return "", notFound("attempt", attemptID)
	}
	r, err := s.store.GetRubric(ctx, a.RubricID)
	if err != nil {
		return "", fmt.Errorf("get rubric: %w", err)
	}
	if r == nil {
		return "", notFound("rubric", a.RubricID)
	}
	text, err := s.drafter.DraftFeedback(ctx, *r, *a, lang)
	if err != nil {
		return "", fmt.Errorf("draft feedback: %w", err)
	}
	if err := s.store.SaveFeedback(ctx, a.ID, text, s.drafter.ModelName()); err != nil {
		return "", fmt.Errorf("save feedback: %w", err)
	}
	return text, nil
}
