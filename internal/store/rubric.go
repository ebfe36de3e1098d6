package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/evalcard/internal/model"
)

type rubricRow struct {
	ID         int64       `db:"id"`
	ProjectID  int64       `db:"project_id"`
	Phase      model.Phase `db:"phase"`
	Name       string      `db:"name"`
	Definition string      `db:"definition"`
	CreatedBy  int64       `db:"created_by"`
	UpdatedAt  time.Time   `db:"updated_at"`
}

const rubricColumns = `id, project_id, phase, name, definition, created_by, updated_at`

func (row rubricRow) toModel() (*model.Rubric, error) {
	r := &model.Rubric{
		ID:        row.ID,
		ProjectID: row.ProjectID,
		Phase:     row.Phase,
		Name:      row.Name,
		CreatedBy: row.CreatedBy,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Definition), &r.Parts); err != nil {
		return nil, fmt.Errorf("decode rubric %d: %w", row.ID, err)
	}
	return r, nil
}

// PutRubric stores the rubric for (project, phase), replacing an existing one
// unless attempts already reference it. The rubric must be validated and
// normalized beforehand. On success r.ID and r.UpdatedAt are set.
func (s *Store) PutRubric(ctx context.Context, r *model.Rubric) error {
	def, err := json.Marshal(r.Parts)
	if err != nil {
		return fmt.Errorf("encode rubric: %w", err)
	}
	now := time.Now().UTC()

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing int64
		err := tx.GetContext(ctx, &existing, tx.Rebind(
			`SELECT id FROM rubrics WHERE project_id = ? AND phase = ?`), r.ProjectID, r.Phase)
		switch {
		case notFound(err):
			return tx.QueryRowxContext(ctx, tx.Rebind(
				`INSERT INTO rubrics (project_id, phase, name, definition, created_by, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
				r.ProjectID, r.Phase, r.Name, string(def), r.CreatedBy, now,
			).Scan(&r.ID)
		case err != nil:
			return err
		}

		var refs int
		if err := tx.GetContext(ctx, &refs, tx.Rebind(
			`SELECT COUNT(*) FROM evaluation_attempts WHERE rubric_id = ?`), existing); err != nil {
			return err
		}
		if refs > 0 {
			return ErrRubricInUse
		}
		r.ID = existing
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE rubrics SET name = ?, definition = ?, created_by = ?, updated_at = ? WHERE id = ?`),
			r.Name, string(def), r.CreatedBy, now, existing,
		)
		return err
	})
	if err != nil {
		return err
	}
	r.UpdatedAt = now
	slog.Info("stored rubric", "id", r.ID, "project_id", r.ProjectID, "phase", r.Phase)
	return nil
}

// GetRubric returns a rubric by ID, or nil if there is none.
func (s *Store) GetRubric(ctx context.Context, id int64) (*model.Rubric, error) {
	var row rubricRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+rubricColumns+` FROM rubrics WHERE id = ?`), id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// RubricFor returns the rubric of a project phase, or nil if none is defined.
func (s *Store) RubricFor(ctx context.Context, projectID int64, phase model.Phase) (*model.Rubric, error) {
	var row rubricRow
	err := s.db.GetContext(ctx, &row, s.q(
		`SELECT `+rubricColumns+` FROM rubrics WHERE project_id = ? AND phase = ?`), projectID, phase)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// ListRubrics returns the rubrics of a project.
func (s *Store) ListRubrics(ctx context.Context, projectID int64) ([]model.Rubric, error) {
	var rows []rubricRow
	if err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT `+rubricColumns+` FROM rubrics WHERE project_id = ? ORDER BY phase`), projectID); err != nil {
		return nil, err
	}
	out := make([]model.Rubric, 0, len(rows))
	for _, row := range rows {
		r, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}
