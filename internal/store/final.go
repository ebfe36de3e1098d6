package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/evalcard/internal/model"
)

const finalColumns = `id, project_id, student_id, team_id, group_attempt_id, individual_attempt_id,
	group_score, individual_score, final_score, max_score, final_percentage, status, verbal_grade,
	is_latest, attempt_number, created_at`

// SaveFinal builds and stores a new final evaluation for (project, student)
// from a snapshot read in the same transaction. build returns nil to signal
// that the latest final is already current; SaveFinal then returns that
// final and created=false. Errors from build are returned unchanged.
func (s *Store) SaveFinal(ctx context.Context, projectID, studentID int64, build func(model.FinalSnapshot) (*model.FinalEvaluation, error)) (final *model.FinalEvaluation, created bool, err error) {
	now := time.Now().UTC()
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		snap, err := loadSnapshot(ctx, tx, projectID, studentID)
		if err != nil {
			return err
		}
		f, err := build(*snap)
		if err != nil {
			return err
		}
		if f == nil {
			final = snap.LatestFinal
			return nil
		}

		var prior int
		if err := tx.GetContext(ctx, &prior, tx.Rebind(
			`SELECT COALESCE(MAX(attempt_number), 0) FROM final_evaluations WHERE project_id = ? AND student_id = ?`),
			projectID, studentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE final_evaluations SET is_latest = ? WHERE project_id = ? AND student_id = ? AND is_latest = ?`),
			false, projectID, studentID, true); err != nil {
			return err
		}

		f.ProjectID = projectID
		f.StudentID = studentID
		f.AttemptNumber = prior + 1
		f.IsLatest = true
		f.CreatedAt = now
		if err := tx.QueryRowxContext(ctx, tx.Rebind(
			`INSERT INTO final_evaluations (project_id, student_id, team_id, group_attempt_id,
				individual_attempt_id, group_score, individual_score, final_score, max_score,
				final_percentage, status, verbal_grade, is_latest, attempt_number, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			f.ProjectID, f.StudentID, f.TeamID, f.GroupAttemptID,
			f.IndividualAttemptID, f.GroupScore, f.IndividualScore, f.FinalScore, f.MaxScore,
			f.FinalPercentage, f.Status, f.VerbalGrade, true, f.AttemptNumber, f.CreatedAt,
		).Scan(&f.ID); err != nil {
			return err
		}
		final, created = f, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		slog.Info("created final evaluation",
			"id", final.ID, "project_id", projectID, "student_id", studentID,
			"attempt_number", final.AttemptNumber, "final_percentage", final.FinalPercentage,
			"status", final.Status)
	}
	return final, created, nil
}

// GetFinal returns a final evaluation by ID, or nil if there is none.
func (s *Store) GetFinal(ctx context.Context, id int64) (*model.FinalEvaluation, error) {
	return getFinal(ctx, s.db, id)
}

func getFinal(ctx context.Context, q queryer, id int64) (*model.FinalEvaluation, error) {
	var f model.FinalEvaluation
	err := sqlx.GetContext(ctx, q, &f, q.Rebind(`SELECT `+finalColumns+` FROM final_evaluations WHERE id = ?`), id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// LatestFinal returns the latest final evaluation for (project, student), or nil.
func (s *Store) LatestFinal(ctx context.Context, projectID, studentID int64) (*model.FinalEvaluation, error) {
	return latestFinal(ctx, s.db, projectID, studentID)
}

func latestFinal(ctx context.Context, q queryer, projectID, studentID int64) (*model.FinalEvaluation, error) {
	var f model.FinalEvaluation
	err := sqlx.GetContext(ctx, q, &f, q.Rebind(
		`SELECT `+finalColumns+` FROM final_evaluations WHERE project_id = ? AND student_id = ? AND is_latest = ?`),
		projectID, studentID, true)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFinals returns the final evaluation history of a student in a project.
func (s *Store) ListFinals(ctx context.Context, projectID, studentID int64) ([]model.FinalEvaluation, error) {
	var out []model.FinalEvaluation
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT `+finalColumns+` FROM final_evaluations WHERE project_id = ? AND student_id = ? ORDER BY attempt_number`),
		projectID, studentID)
	return out, err
}

// ListLatestFinals returns the latest final of every student, optionally
// restricted to one project (projectID 0 means all projects).
func (s *Store) ListLatestFinals(ctx context.Context, projectID int64) ([]model.FinalEvaluation, error) {
	query := `SELECT ` + finalColumns + ` FROM final_evaluations WHERE is_latest = ?`
	args := []any{true}
	if projectID != 0 {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY project_id, student_id`
	var out []model.FinalEvaluation
	err := s.db.SelectContext(ctx, &out, s.q(query), args...)
	return out, err
}

// PassedFinalsWithoutAward returns, per (project, student), the first passed
// final evaluation when no ledger entry exists for the pair yet.
func (s *Store) PassedFinalsWithoutAward(ctx context.Context) ([]model.FinalEvaluation, error) {
	var out []model.FinalEvaluation
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT `+finalColumns+` FROM final_evaluations f
		 WHERE f.status = ?
		   AND f.attempt_number = (
			SELECT MIN(g.attempt_number) FROM final_evaluations g
			WHERE g.project_id = f.project_id AND g.student_id = f.student_id AND g.status = ?)
		   AND NOT EXISTS (
			SELECT 1 FROM award_ledger l WHERE l.project_id = f.project_id AND l.student_id = f.student_id)
		 ORDER BY f.id`),
		model.StatusPassed, model.StatusPassed)
	return out, err
}
