package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/evalcard/internal/model"
)

// ApplyAward plans and applies the award for a final evaluation in one
// transaction. plan receives the award facts read in that transaction and
// returns nil when nothing is owed. The ledger's uniqueness on cause and on
// (student, project) rejects a second credit even if plan is wrong.
func (s *Store) ApplyAward(ctx context.Context, finalID int64, plan func(model.AwardSnapshot) (*model.AwardPlan, error)) (*model.AwardPlan, error) {
	var applied *model.AwardPlan
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		snap, err := loadAwardSnapshot(ctx, tx, finalID)
		if err != nil {
			return err
		}
		p, err := plan(*snap)
		if err != nil || p == nil {
			return err
		}
		f := snap.Final

		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO award_ledger (id, student_id, project_id, cause_id, points, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			p.LedgerID, f.StudentID, f.ProjectID, f.ID, p.Points, now); err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO student_progress (student_id, points, level, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (student_id) DO UPDATE SET points = excluded.points, level = excluded.level,
				updated_at = excluded.updated_at`),
			f.StudentID, p.NewTotal, p.NewLevel, now); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO completed_projects (student_id, project_id, completed_at) VALUES (?, ?, ?)
			 ON CONFLICT (student_id, project_id) DO NOTHING`),
			f.StudentID, f.ProjectID, now); err != nil {
			return fmt.Errorf("mark project completed: %w", err)
		}
		if p.BadgeID != nil {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO badge_awards (badge_id, student_id, awarded_at, evaluation_attempt_id) VALUES (?, ?, ?, ?)
				 ON CONFLICT (badge_id, student_id) DO NOTHING`),
				*p.BadgeID, f.StudentID, now, p.AttemptID); err != nil {
				return fmt.Errorf("award badge: %w", err)
			}
		}
		applied = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied != nil {
		slog.Info("applied award", "final_id", finalID, "ledger_id", applied.LedgerID,
			"points", applied.Points, "total", applied.NewTotal, "level", applied.NewLevel)
	}
	return applied, nil
}

func loadAwardSnapshot(ctx context.Context, tx *sqlx.Tx, finalID int64) (*model.AwardSnapshot, error) {
	f, err := getFinal(ctx, tx, finalID)
	if err != nil {
		return nil, fmt.Errorf("load final: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("final evaluation %d not found", finalID)
	}
	p, err := getProject(ctx, tx, f.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("project %d not found", f.ProjectID)
	}
	snap := &model.AwardSnapshot{Final: *f, Project: *p}

	err = tx.GetContext(ctx, &snap.FirstPassedID, tx.Rebind(
		`SELECT id FROM final_evaluations WHERE project_id = ? AND student_id = ? AND status = ?
		 ORDER BY attempt_number LIMIT 1`),
		f.ProjectID, f.StudentID, model.StatusPassed)
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("load first pass: %w", err)
	}

	var credited int
	if err := tx.GetContext(ctx, &credited, tx.Rebind(
		`SELECT COUNT(*) FROM award_ledger WHERE student_id = ? AND project_id = ?`),
		f.StudentID, f.ProjectID); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	snap.AlreadyCredited = credited > 0

	if snap.Badge, err = badgeFor(ctx, tx, f.ProjectID); err != nil {
		return nil, fmt.Errorf("load badge: %w", err)
	}
	if err := tx.GetContext(ctx, &snap.CurrentPoints, tx.Rebind(
		`SELECT COALESCE(SUM(points), 0) FROM award_ledger WHERE student_id = ?`), f.StudentID); err != nil {
		return nil, fmt.Errorf("sum ledger: %w", err)
	}
	var completed int
	if err := tx.GetContext(ctx, &completed, tx.Rebind(
		`SELECT COUNT(*) FROM completed_projects WHERE student_id = ? AND project_id = ?`),
		f.StudentID, f.ProjectID); err != nil {
		return nil, fmt.Errorf("load completed projects: %w", err)
	}
	snap.HasCompletedEntry = completed > 0
	return snap, nil
}

// Ledger returns a student's award ledger in insertion order.
func (s *Store) Ledger(ctx context.Context, studentID int64) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT id, student_id, project_id, cause_id, points, created_at FROM award_ledger
		 WHERE student_id = ? ORDER BY created_at, id`), studentID)
	return out, err
}

// GetProgress returns the progress projection of a student. A student
// without awards has zero points.
func (s *Store) GetProgress(ctx context.Context, studentID int64) (*model.Progress, error) {
	p := &model.Progress{StudentID: studentID, CompletedProjects: []int64{}, Badges: []model.BadgeAward{}}
	err := s.db.QueryRowxContext(ctx, s.q(
		`SELECT points, level FROM student_progress WHERE student_id = ?`), studentID).Scan(&p.Points, &p.Level)
	if err != nil && !notFound(err) {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &p.CompletedProjects, s.q(
		`SELECT project_id FROM completed_projects WHERE student_id = ? ORDER BY project_id`), studentID); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &p.Badges, s.q(
		`SELECT badge_id, student_id, awarded_at, evaluation_attempt_id FROM badge_awards
		 WHERE student_id = ? ORDER BY awarded_at, badge_id`), studentID); err != nil {
		return nil, err
	}
	return p, nil
}
