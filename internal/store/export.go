package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/evalcard/internal/model"
)

// ExportLatestFinals builds export-ready results from the latest final
// evaluations, optionally restricted to one project (0 means all).
func (s *Store) ExportLatestFinals(ctx context.Context, projectID int64) ([]model.StudentResult, error) {
	finals, err := s.ListLatestFinals(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list finals: %w", err)
	}

	projects := make(map[int64]*model.Project)
	var results []model.StudentResult
	for _, f := range finals {
		p, ok := projects[f.ProjectID]
		if !ok {
			if p, err = s.GetProject(ctx, f.ProjectID); err != nil {
				return nil, fmt.Errorf("get project %d: %w", f.ProjectID, err)
			}
			projects[f.ProjectID] = p
		}

		user, err := s.GetUserByID(ctx, f.StudentID)
		if err != nil {
			return nil, fmt.Errorf("get user %d: %w", f.StudentID, err)
		}

		r := model.StudentResult{
			StudentID: f.StudentID,
			ProjectID: f.ProjectID,
			Final:     f,
		}
		if user != nil {
			r.Username = user.Username
			r.DisplayName = user.DisplayName
		}
		if p != nil {
			r.ProjectName = p.Name
		}
		if f.GroupAttemptID != nil {
			if r.Group, err = s.GetAttempt(ctx, *f.GroupAttemptID); err != nil {
				return nil, fmt.Errorf("get attempt %d: %w", *f.GroupAttemptID, err)
			}
		}
		if r.Individual, err = s.GetAttempt(ctx, f.IndividualAttemptID); err != nil {
			return nil, fmt.Errorf("get attempt %d: %w", f.IndividualAttemptID, err)
		}
		results = append(results, r)
	}

	return results, nil
}
