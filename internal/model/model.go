package model

import (
	"context"
	"time"
)

// UserRole represents a user's platform access level (distinct from TeamRole,
// which is the role a student plays inside a project team).
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role; teachers evaluate.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         UserRole  `db:"role" json:"role"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string    `db:"id"`
	UserID    int64     `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Principal is the caller of a core operation, resolved once at the boundary.
type Principal struct {
	UserID int64
	Role   UserRole
}

type principalCtxKey struct{}

// ContextWithPrincipal stores the calling principal in the request context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext retrieves the calling principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	return p, ok
}

// ProjectKind distinguishes team projects from individual-only projects.
type ProjectKind string

const (
	ProjectTeam       ProjectKind = "team"
	ProjectIndividual ProjectKind = "individual"
)

// Project is the slice of the course catalog the evaluation engine needs.
type Project struct {
	ID     int64       `db:"id" json:"id"`
	Name   string      `db:"name" json:"name"`
	Kind   ProjectKind `db:"kind" json:"kind"`
	Points int         `db:"points" json:"points"`
}

// IsTeam reports whether the project is evaluated in two phases.
func (p Project) IsTeam() bool { return p.Kind == ProjectTeam }

// Team is a group of students working on one team project.
type Team struct {
	ID        int64  `db:"id" json:"id"`
	ProjectID int64  `db:"project_id" json:"project_id"`
	Name      string `db:"name" json:"name"`
}

// TeamMember links a student to a team with the role they play in it.
type TeamMember struct {
	TeamID    int64  `db:"team_id" json:"team_id"`
	StudentID int64  `db:"student_id" json:"student_id"`
	Role      string `db:"role" json:"role"`
}
