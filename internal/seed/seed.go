// Package seed imports users, projects, teams, badges and rubrics from a JSON
// seed file. Files are tracked by content hash so an unchanged file is skipped.
package seed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/evalcard/internal/evaluation"
	"github.com/pavelanni/evalcard/internal/model"
	"github.com/pavelanni/evalcard/internal/store"
)

// Result summarizes one import.
type Result struct {
	Skipped        bool     `json:"skipped"`
	UsersCreated   int      `json:"users_created"`
	Projects       int      `json:"projects"`
	Teams          int      `json:"teams"`
	Rubrics        int      `json:"rubrics"`
	RubricsInUse   []string `json:"rubrics_in_use,omitempty"`
	UnknownMembers []string `json:"unknown_members,omitempty"`
}

// Importer writes seed data through the store and the evaluation service.
// Rubrics and badges go through the service so they are validated and
// authorized like API writes.
type Importer struct {
	store *store.Store
	svc   *evaluation.Service
}

// NewImporter creates an Importer.
func NewImporter(st *store.Store, svc *evaluation.Service) *Importer {
	return &Importer{store: st, svc: svc}
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Import applies the seed file data recorded under name. ctx must carry a
// principal allowed to write rubrics and badges.
func (im *Importer) Import(ctx context.Context, name string, data []byte) (*Result, error) {
	hash := Hash(data)
	stored, err := im.store.FileHash(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check import status: %w", err)
	}
	if stored == hash {
		slog.Info("seed file unchanged, skipping", "file", name)
		return &Result{Skipped: true}, nil
	}

	var sf model.SeedFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", name, err)
	}

	res := &Result{}
	for _, u := range sf.Users {
		created, err := im.ensureUser(ctx, u)
		if err != nil {
			return nil, err
		}
		if created {
			res.UsersCreated++
		}
	}
	for _, p := range sf.Projects {
		if err := im.importProject(ctx, p, res); err != nil {
			return nil, fmt.Errorf("project %q: %w", p.Name, err)
		}
		res.Projects++
	}

	if err := im.store.SetFileHash(ctx, name, hash); err != nil {
		slog.Error("failed to record import", "file", name, "error", err)
	}
	slog.Info("imported seed file", "file", name,
		"users", res.UsersCreated, "projects", res.Projects, "teams", res.Teams, "rubrics", res.Rubrics)
	return res, nil
}

func (im *Importer) ensureUser(ctx context.Context, u model.SeedUser) (bool, error) {
	if u.Username == "" || u.Password == "" {
		return false, fmt.Errorf("user %q: username and password required", u.Username)
	}
	switch u.Role {
	case model.UserRoleStudent, model.UserRoleTeacher, model.UserRoleAdmin:
	default:
		return false, fmt.Errorf("user %q: unknown role %q", u.Username, u.Role)
	}
	existing, err := im.store.GetUserByUsername(ctx, u.Username)
	if err != nil {
		return false, fmt.Errorf("get user %q: %w", u.Username, err)
	}
	if existing != nil {
		return false, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	displayName := u.DisplayName
	if displayName == "" {
		displayName = u.Username
	}
	if _, err := im.store.CreateUser(ctx, model.User{
		Username:     u.Username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         u.Role,
		Active:       true,
	}); err != nil {
		return false, fmt.Errorf("create user %q: %w", u.Username, err)
	}
	return true, nil
}

func (im *Importer) importProject(ctx context.Context, sp model.SeedProject, res *Result) error {
	if sp.Kind != model.ProjectTeam && sp.Kind != model.ProjectIndividual {
		return fmt.Errorf("unknown project kind %q", sp.Kind)
	}
	if sp.Points < 0 {
		return fmt.Errorf("negative points %d", sp.Points)
	}

	p, err := im.store.GetProjectByName(ctx, sp.Name)
	if err != nil {
		return err
	}
	var projectID int64
	if p == nil {
		projectID, err = im.store.CreateProject(ctx, model.Project{Name: sp.Name, Kind: sp.Kind, Points: sp.Points})
		if err != nil {
			return err
		}
	} else {
		if p.Kind != sp.Kind {
			return fmt.Errorf("kind is %q in the store, %q in the seed file", p.Kind, sp.Kind)
		}
		projectID = p.ID
		if err := im.store.UpdateProjectPoints(ctx, projectID, sp.Points); err != nil {
			return err
		}
	}

	if sp.Badge != nil {
		if _, err := im.svc.PutBadge(ctx, model.Badge{
			ProjectID:   projectID,
			Name:        sp.Badge.Name,
			Description: sp.Badge.Description,
		}); err != nil {
			return fmt.Errorf("badge: %w", err)
		}
	}

	if len(sp.Teams) > 0 && sp.Kind != model.ProjectTeam {
		return errors.New("teams given for an individual project")
	}
	for _, st := range sp.Teams {
		if err := im.importTeam(ctx, projectID, st, res); err != nil {
			return fmt.Errorf("team %q: %w", st.Name, err)
		}
		res.Teams++
	}

	for _, r := range sp.Rubrics {
		r.ProjectID = projectID
		err := im.svc.PutRubric(ctx, &r)
		if errors.Is(err, store.ErrRubricInUse) {
			slog.Warn("rubric already used by attempts, keeping stored version",
				"project", sp.Name, "phase", r.Phase)
			res.RubricsInUse = append(res.RubricsInUse, fmt.Sprintf("%s/%s", sp.Name, r.Phase))
			continue
		}
		if err != nil {
			return fmt.Errorf("rubric %s: %w", r.Phase, err)
		}
		res.Rubrics++
	}
	return nil
}

func (im *Importer) importTeam(ctx context.Context, projectID int64, st model.SeedTeam, res *Result) error {
	t, err := im.store.GetTeamByName(ctx, projectID, st.Name)
	if err != nil {
		return err
	}
	var teamID int64
	if t == nil {
		teamID, err = im.store.CreateTeam(ctx, model.Team{ProjectID: projectID, Name: st.Name})
		if err != nil {
			return err
		}
	} else {
		teamID = t.ID
	}

	policy := im.svc.Policy()
	for username, role := range st.Members {
		if role == model.RoleAll || !policy.KnownRole(role) {
			return fmt.Errorf("member %q: unknown team role %q", username, role)
		}
		u, err := im.store.GetUserByUsername(ctx, username)
		if err != nil {
			return err
		}
		if u == nil || u.Role != model.UserRoleStudent {
			slog.Warn("seed team member is not a student, skipping", "team", st.Name, "username", username)
			res.UnknownMembers = append(res.UnknownMembers, username)
			continue
		}
		if err := im.store.AddTeamMember(ctx, teamID, u.ID, role); err != nil {
			return fmt.Errorf("member %q: %w", username, err)
		}
	}
	return nil
}
