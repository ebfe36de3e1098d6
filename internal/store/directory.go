package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/evalcard/internal/model"
)

// CreateProject inserts a project and returns its ID.
func (s *Store) CreateProject(ctx context.Context, p model.Project) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(
		`INSERT INTO projects (name, kind, points) VALUES (?, ?, ?) RETURNING id`),
		p.Name, p.Kind, p.Points,
	).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}
	slog.Info("created project", "id", id, "name", p.Name, "kind", p.Kind)
	return id, nil
}

// UpdateProjectPoints sets the point value credited on a first pass.
func (s *Store) UpdateProjectPoints(ctx context.Context, id int64, points int) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE projects SET points = ? WHERE id = ?`), points, id)
	return err
}

// GetProject returns a project by ID, or nil if there is none.
func (s *Store) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return getProject(ctx, s.db, id)
}

// GetProjectByName returns a project by name, or nil if there is none.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*model.Project, error) {
	var p model.Project
	err := s.db.GetContext(ctx, &p, s.q(`SELECT id, name, kind, points FROM projects WHERE name = ?`), name)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all projects ordered by ID.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := s.db.SelectContext(ctx, &out, `SELECT id, name, kind, points FROM projects ORDER BY id`)
	return out, err
}

func getProject(ctx context.Context, q queryer, id int64) (*model.Project, error) {
	var p model.Project
	err := sqlx.GetContext(ctx, q, &p, q.Rebind(`SELECT id, name, kind, points FROM projects WHERE id = ?`), id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateTeam inserts a team for a team project.
func (s *Store) CreateTeam(ctx context.Context, t model.Team) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(
		`INSERT INTO teams (project_id, name) VALUES (?, ?) RETURNING id`),
		t.ProjectID, t.Name,
	).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// GetTeam returns a team by ID, or nil if there is none.
func (s *Store) GetTeam(ctx context.Context, id int64) (*model.Team, error) {
	var t model.Team
	err := s.db.GetContext(ctx, &t, s.q(`SELECT id, project_id, name FROM teams WHERE id = ?`), id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTeamByName returns the named team of a project, or nil.
func (s *Store) GetTeamByName(ctx context.Context, projectID int64, name string) (*model.Team, error) {
	var t model.Team
	err := s.db.GetContext(ctx, &t, s.q(
		`SELECT id, project_id, name FROM teams WHERE project_id = ? AND name = ?`), projectID, name)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTeams returns the teams of a project.
func (s *Store) ListTeams(ctx context.Context, projectID int64) ([]model.Team, error) {
	var out []model.Team
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT id, project_id, name FROM teams WHERE project_id = ? ORDER BY id`), projectID)
	return out, err
}

// AddTeamMember places a student in a team. A student belongs to at most
// one team per project; adding them again updates their role.
func (s *Store) AddTeamMember(ctx context.Context, teamID, studentID int64, role string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var projectID int64
		if err := tx.GetContext(ctx, &projectID, tx.Rebind(`SELECT project_id FROM teams WHERE id = ?`), teamID); err != nil {
			if notFound(err) {
				return fmt.Errorf("team %d not found", teamID)
			}
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO team_members (team_id, project_id, student_id, role) VALUES (?, ?, ?, ?)
			 ON CONFLICT (team_id, student_id) DO UPDATE SET role = excluded.role`),
			teamID, projectID, studentID, role,
		)
		return err
	})
}

// TeamMembers returns the members of a team.
func (s *Store) TeamMembers(ctx context.Context, teamID int64) ([]model.TeamMember, error) {
	var out []model.TeamMember
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT team_id, student_id, role FROM team_members WHERE team_id = ? ORDER BY student_id`), teamID)
	return out, err
}

// MembershipFor returns the student's team membership in a project, or nil.
func (s *Store) MembershipFor(ctx context.Context, projectID, studentID int64) (*model.TeamMember, error) {
	return membershipFor(ctx, s.db, projectID, studentID)
}

func membershipFor(ctx context.Context, q queryer, projectID, studentID int64) (*model.TeamMember, error) {
	var m model.TeamMember
	err := sqlx.GetContext(ctx, q, &m, q.Rebind(
		`SELECT team_id, student_id, role FROM team_members WHERE project_id = ? AND student_id = ?`),
		projectID, studentID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PutBadge creates or replaces the badge of a project.
func (s *Store) PutBadge(ctx context.Context, b model.Badge) (*model.Badge, error) {
	var out model.Badge
	err := s.db.GetContext(ctx, &out, s.q(
		`INSERT INTO badges (project_id, name, description) VALUES (?, ?, ?)
		 ON CONFLICT (project_id) DO UPDATE SET name = excluded.name, description = excluded.description
		 RETURNING id, project_id, name, description`),
		b.ProjectID, b.Name, b.Description,
	)
	if err != nil {
		return nil, classify(err)
	}
	return &out, nil
}

// BadgeFor returns the project's badge, or nil if it has none.
func (s *Store) BadgeFor(ctx context.Context, projectID int64) (*model.Badge, error) {
	return badgeFor(ctx, s.db, projectID)
}

func badgeFor(ctx context.Context, q queryer, projectID int64) (*model.Badge, error) {
	var b model.Badge
	err := sqlx.GetContext(ctx, q, &b, q.Rebind(
		`SELECT id, project_id, name, description FROM badges WHERE project_id = ?`), projectID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
