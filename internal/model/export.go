package model

import "time"

// EvaluationExport is the top-level JSON structure for result export.
type EvaluationExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	ProjectID  int64           `json:"project_id,omitempty"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one student's latest final evaluation for export.
type StudentResult struct {
	StudentID   int64           `json:"student_id"`
	Username    string          `json:"username"`
	DisplayName string          `json:"display_name"`
	ProjectID   int64           `json:"project_id"`
	ProjectName string          `json:"project_name"`
	Final       FinalEvaluation `json:"final"`
	Group       *Attempt        `json:"group_attempt,omitempty"`
	Individual  *Attempt        `json:"individual_attempt,omitempty"`
}

// SeedFile is the JSON document accepted by the import command.
type SeedFile struct {
	Users    []SeedUser    `json:"users"`
	Projects []SeedProject `json:"projects"`
}

// SeedUser is a user entry in a seed file.
type SeedUser struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Password    string   `json:"password"`
	Role        UserRole `json:"role"`
}

// SeedProject is a project entry in a seed file.
type SeedProject struct {
	Name    string      `json:"name"`
	Kind    ProjectKind `json:"kind"`
	Points  int         `json:"points"`
	Badge   *SeedBadge  `json:"badge,omitempty"`
	Teams   []SeedTeam  `json:"teams"`
	Rubrics []Rubric    `json:"rubrics"`
}

// SeedBadge is a badge definition in a seed file.
type SeedBadge struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SeedTeam is a team entry in a seed file. Members map username to team role.
type SeedTeam struct {
	Name    string            `json:"name"`
	Members map[string]string `json:"members"`
}
