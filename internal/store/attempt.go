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

type attemptRow struct {
	ID            int64             `db:"id"`
	ProjectID     int64             `db:"project_id"`
	Phase         model.Phase       `db:"phase"`
	SubjectKind   model.SubjectKind `db:"subject_kind"`
	SubjectID     int64             `db:"subject_id"`
	EvaluatorID   int64             `db:"evaluator_id"`
	RubricID      int64             `db:"rubric_id"`
	Role          string            `db:"role"`
	SubmissionID  *int64            `db:"submission_id"`
	AttemptNumber int               `db:"attempt_number"`
	IsLatest      bool              `db:"is_latest"`
	RawScore      float64           `db:"raw_score"`
	FinalScore    int               `db:"final_score"`
	Status        model.Status      `db:"status"`
	RetryAllowed  bool              `db:"retry_allowed"`
	Detail        string            `db:"detail"`
	CreatedAt     time.Time         `db:"created_at"`
}

const attemptColumns = `id, project_id, phase, subject_kind, subject_id, evaluator_id, rubric_id, role,
	submission_id, attempt_number, is_latest, raw_score, final_score, status, retry_allowed, detail, created_at`

func (row attemptRow) toModel() (*model.Attempt, error) {
	a := &model.Attempt{
		ID:            row.ID,
		ProjectID:     row.ProjectID,
		Phase:         row.Phase,
		SubjectKind:   row.SubjectKind,
		SubjectID:     row.SubjectID,
		EvaluatorID:   row.EvaluatorID,
		RubricID:      row.RubricID,
		Role:          row.Role,
		SubmissionID:  row.SubmissionID,
		AttemptNumber: row.AttemptNumber,
		IsLatest:      row.IsLatest,
		RawScore:      row.RawScore,
		FinalScore:    row.FinalScore,
		Status:        row.Status,
		RetryAllowed:  row.RetryAllowed,
		CreatedAt:     row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Detail), &a.Parts); err != nil {
		return nil, fmt.Errorf("decode attempt %d: %w", row.ID, err)
	}
	return a, nil
}

// InsertAttempt appends a scored attempt for (project, phase, subject) and
// makes it the latest one. The attempt number, the flip of the previous
// latest attempt and the insert happen in one transaction.
//
// When gate is non-nil it is called inside the same transaction with the
// student's current facts; a non-nil error aborts the insert and is returned
// unchanged. Only individual attempts are gated.
func (s *Store) InsertAttempt(ctx context.Context, a *model.Attempt, gate func(model.FinalSnapshot) error) error {
	detail, err := json.Marshal(a.Parts)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	now := time.Now().UTC()

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if gate != nil {
			snap, err := loadSnapshot(ctx, tx, a.ProjectID, a.SubjectID)
			if err != nil {
				return err
			}
			if err := gate(*snap); err != nil {
				return err
			}
		}

		var prior int
		if err := tx.GetContext(ctx, &prior, tx.Rebind(
			`SELECT COALESCE(MAX(attempt_number), 0) FROM evaluation_attempts
			 WHERE project_id = ? AND phase = ? AND subject_id = ?`),
			a.ProjectID, a.Phase, a.SubjectID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE evaluation_attempts SET is_latest = ?
			 WHERE project_id = ? AND phase = ? AND subject_id = ? AND is_latest = ?`),
			false, a.ProjectID, a.Phase, a.SubjectID, true); err != nil {
			return err
		}

		a.AttemptNumber = prior + 1
		return tx.QueryRowxContext(ctx, tx.Rebind(
			`INSERT INTO evaluation_attempts (project_id, phase, subject_kind, subject_id, evaluator_id,
				rubric_id, role, submission_id, attempt_number, is_latest, raw_score, final_score, status,
				retry_allowed, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			a.ProjectID, a.Phase, a.SubjectKind, a.SubjectID, a.EvaluatorID,
			a.RubricID, a.Role, a.SubmissionID, a.AttemptNumber, true, a.RawScore, a.FinalScore, a.Status,
			false, string(detail), now,
		).Scan(&a.ID)
	})
	if err != nil {
		return err
	}
	a.IsLatest = true
	a.RetryAllowed = false
	a.CreatedAt = now
	slog.Info("recorded attempt",
		"id", a.ID, "project_id", a.ProjectID, "phase", a.Phase,
		"subject_id", a.SubjectID, "attempt_number", a.AttemptNumber,
		"final_score", a.FinalScore, "status", a.Status)
	return nil
}

// GetAttempt returns an attempt by ID, or nil if there is none.
func (s *Store) GetAttempt(ctx context.Context, id int64) (*model.Attempt, error) {
	var row attemptRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+attemptColumns+` FROM evaluation_attempts WHERE id = ?`), id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// LatestAttempt returns the latest attempt for (project, phase, subject), or nil.
func (s *Store) LatestAttempt(ctx context.Context, projectID int64, phase model.Phase, subjectID int64) (*model.Attempt, error) {
	return latestAttempt(ctx, s.db, projectID, phase, subjectID)
}

func latestAttempt(ctx context.Context, q queryer, projectID int64, phase model.Phase, subjectID int64) (*model.Attempt, error) {
	var row attemptRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(
		`SELECT `+attemptColumns+` FROM evaluation_attempts
		 WHERE project_id = ? AND phase = ? AND subject_id = ? AND is_latest = ?`),
		projectID, phase, subjectID, true)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// ListAttempts returns every attempt for (project, phase, subject) in attempt order.
func (s *Store) ListAttempts(ctx context.Context, projectID int64, phase model.Phase, subjectID int64) ([]model.Attempt, error) {
	var rows []attemptRow
	if err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT `+attemptColumns+` FROM evaluation_attempts
		 WHERE project_id = ? AND phase = ? AND subject_id = ? ORDER BY attempt_number`),
		projectID, phase, subjectID); err != nil {
		return nil, err
	}
	out := make([]model.Attempt, 0, len(rows))
	for _, row := range rows {
		a, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// AllowRetry reopens a student's latest individual attempt and, when
// reopenGroup is set on a team project, the team's latest group attempt.
// check receives the student's latest final evaluation inside the
// transaction and may veto the retry. It returns the reopened attempt IDs.
func (s *Store) AllowRetry(ctx context.Context, projectID, studentID int64, reopenGroup bool, check func(model.FinalSnapshot) error) ([]int64, error) {
	var reopened []int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		snap, err := loadSnapshot(ctx, tx, projectID, studentID)
		if err != nil {
			return err
		}
		if err := check(*snap); err != nil {
			return err
		}
		targets := []*model.Attempt{snap.Individual}
		if reopenGroup && snap.Group != nil {
			targets = append(targets, snap.Group)
		}
		for _, a := range targets {
			if a == nil {
				continue
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`UPDATE evaluation_attempts SET retry_allowed = ? WHERE id = ?`), true, a.ID); err != nil {
				return err
			}
			reopened = append(reopened, a.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reopened, nil
}

// loadSnapshot reads the facts PhaseGate and the final calculator work from.
// It returns a snapshot with a zero Project when the project does not exist.
func loadSnapshot(ctx context.Context, q queryer, projectID, studentID int64) (*model.FinalSnapshot, error) {
	snap := &model.FinalSnapshot{}
	p, err := getProject(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if p == nil {
		return snap, nil
	}
	snap.Project = *p

	if p.IsTeam() {
		m, err := membershipFor(ctx, q, projectID, studentID)
		if err != nil {
			return nil, fmt.Errorf("load membership: %w", err)
		}
		if m != nil {
			snap.TeamID = &m.TeamID
			if snap.Group, err = latestAttempt(ctx, q, projectID, model.PhaseGroup, m.TeamID); err != nil {
				return nil, fmt.Errorf("load group attempt: %w", err)
			}
		}
	}
	if snap.Individual, err = latestAttempt(ctx, q, projectID, model.PhaseIndividual, studentID); err != nil {
		return nil, fmt.Errorf("load individual attempt: %w", err)
	}
	if snap.LatestFinal, err = latestFinal(ctx, q, projectID, studentID); err != nil {
		return nil, fmt.Errorf("load final: %w", err)
	}
	return snap, nil
}

// Snapshot returns a consistent view of a student's evaluation facts.
func (s *Store) Snapshot(ctx context.Context, projectID, studentID int64) (*model.FinalSnapshot, error) {
	var snap *model.FinalSnapshot
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		snap, err = loadSnapshot(ctx, tx, projectID, studentID)
		return err
	})
	return snap, err
}
