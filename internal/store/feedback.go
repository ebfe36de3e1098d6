package store

import (
	"context"
	"time"
)

// Feedback is a narrative comment drafted for an attempt.
type Feedback struct {
	AttemptID int64     `db:"attempt_id" json:"attempt_id"`
	Feedback  string    `db:"feedback" json:"feedback"`
	Model     string    `db:"model" json:"model"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SaveFeedback stores or replaces the feedback draft of an attempt.
func (s *Store) SaveFeedback(ctx context.Context, attemptID int64, text, modelName string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO attempt_feedback (attempt_id, feedback, model, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (attempt_id) DO UPDATE SET feedback = excluded.feedback, model = excluded.model,
			created_at = excluded.created_at`),
		attemptID, text, modelName, time.Now().UTC(),
	)
	return err
}

// GetFeedback returns the feedback draft of an attempt, or nil.
func (s *Store) GetFeedback(ctx context.Context, attemptID int64) (*Feedback, error) {
	var f Feedback
	err := s.db.GetContext(ctx, &f, s.q(
		`SELECT attempt_id, feedback, model, created_at FROM attempt_feedback WHERE attempt_id = ?`), attemptID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
