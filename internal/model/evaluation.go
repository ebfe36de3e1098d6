package model

import "time"

// Phase is one of the two evaluation stages.
type Phase string

const (
	PhaseGroup      Phase = "group"
	PhaseIndividual Phase = "individual_oral"
)

// Valid reports whether p names a known phase.
func (p Phase) Valid() bool {
	return p == PhaseGroup || p == PhaseIndividual
}

// RoleAll marks a criterion that applies to every subject regardless of team role.
const RoleAll = "all"

// Option is one discrete band of a criterion.
type Option struct {
	Percentage  int    `json:"percentage"`
	Description string `json:"description"`
}

// Criterion is a single observable item of a rubric section.
type Criterion struct {
	Name            string   `json:"name"`
	ApplicableRoles []string `json:"applicable_roles"`
	Options         []Option `json:"options"`
}

// AppliesTo reports whether the criterion is scored for a subject with the given role.
func (c Criterion) AppliesTo(role string) bool {
	if role == RoleAll {
		return true
	}
	for _, r := range c.ApplicableRoles {
		if r == RoleAll || r == role {
			return true
		}
	}
	return false
}

// Describe returns the description of the option for the given percentage.
func (c Criterion) Describe(pct int) (string, bool) {
	for _, o := range c.Options {
		if o.Percentage == pct {
			return o.Description, true
		}
	}
	return "", false
}

// Section groups criteria under a weight.
type Section struct {
	Name     string      `json:"name"`
	Weight   float64     `json:"weight"`
	Criteria []Criterion `json:"criteria"`
}

// Part is a weighted group of sections (an assessment part of the card).
type Part struct {
	Name     string    `json:"name"`
	Weight   float64   `json:"weight"`
	Sections []Section `json:"sections"`
}

// Rubric is the observation card for one (project, phase).
type Rubric struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	Phase     Phase     `json:"phase"`
	Name      string    `json:"name"`
	Parts     []Part    `json:"parts,omitempty"`
	Sections  []Section `json:"sections,omitempty"`
	CreatedBy int64     `json:"created_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubjectKind is the identity type of an evaluated subject.
type SubjectKind string

const (
	SubjectTeam    SubjectKind = "team"
	SubjectStudent SubjectKind = "student"
)

// SubjectKindFor returns the subject kind a phase evaluates.
func SubjectKindFor(p Phase) SubjectKind {
	if p == PhaseGroup {
		return SubjectTeam
	}
	return SubjectStudent
}

// CriterionPick is evaluator input for one criterion.
type CriterionPick struct {
	Criterion  string `json:"criterion" validate:"required"`
	Percentage int    `json:"percentage"`
}

// SectionPicks is evaluator input for one section.
type SectionPicks struct {
	Section string          `json:"section" validate:"required"`
	Picks   []CriterionPick `json:"picks" validate:"required,dive"`
}

// PartPicks is evaluator input for one part.
type PartPicks struct {
	Part     string         `json:"part"`
	Sections []SectionPicks `json:"sections" validate:"required,dive"`
}

// CriterionSelection is a validated, persisted pick.
type CriterionSelection struct {
	CriterionName       string `json:"criterion_name"`
	SelectedPercentage  int    `json:"selected_percentage"`
	SelectedDescription string `json:"selected_description"`
}

// SectionEvaluation is the scored result of one section.
type SectionEvaluation struct {
	SectionName            string               `json:"section_name"`
	Weight                 float64              `json:"weight"`
	CriterionSelections    []CriterionSelection `json:"criterion_selections"`
	CalculatedSectionScore float64              `json:"calculated_section_score"`
	Applicable             bool                 `json:"applicable"`
}

// PartEvaluation is the scored result of one part.
type PartEvaluation struct {
	PartName            string              `json:"part_name"`
	Weight              float64             `json:"weight"`
	SectionEvaluations  []SectionEvaluation `json:"section_evaluations"`
	CalculatedPartScore float64             `json:"calculated_part_score"`
}

// Status is the pass/fail outcome of an attempt or final evaluation.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)

// Attempt is one immutable scoring event. Only IsLatest and RetryAllowed
// change after creation.
type Attempt struct {
	ID            int64            `json:"id"`
	ProjectID     int64            `json:"project_id"`
	Phase         Phase            `json:"phase"`
	SubjectKind   SubjectKind      `json:"subject_kind"`
	SubjectID     int64            `json:"subject_id"`
	EvaluatorID   int64            `json:"evaluator_id"`
	RubricID      int64            `json:"rubric_id"`
	Role          string           `json:"role"`
	SubmissionID  *int64           `json:"submission_id,omitempty"`
	AttemptNumber int              `json:"attempt_number"`
	IsLatest      bool             `json:"is_latest_attempt"`
	Parts         []PartEvaluation `json:"assessment_part_evaluations"`
	RawScore      float64          `json:"raw_score"`
	FinalScore    int              `json:"final_score"`
	Status        Status           `json:"status"`
	RetryAllowed  bool             `json:"retry_allowed"`
	CreatedAt     time.Time        `json:"created_at"`
}

// VerbalGrade is the label derived from a final percentage.
type VerbalGrade string

const (
	GradeExcellent  VerbalGrade = "excellent"
	GradeVeryGood   VerbalGrade = "very good"
	GradeGood       VerbalGrade = "good"
	GradeAcceptable VerbalGrade = "acceptable"
	GradeNotPassed  VerbalGrade = "not passed"
)

// FinalEvaluation combines the latest group and individual attempts of a student.
type FinalEvaluation struct {
	ID                  int64       `db:"id" json:"id"`
	ProjectID           int64       `db:"project_id" json:"project_id"`
	StudentID           int64       `db:"student_id" json:"student_id"`
	TeamID              *int64      `db:"team_id" json:"team_id,omitempty"`
	GroupAttemptID      *int64      `db:"group_attempt_id" json:"group_attempt_id,omitempty"`
	IndividualAttemptID int64       `db:"individual_attempt_id" json:"individual_attempt_id"`
	GroupScore          *int        `db:"group_score" json:"group_score,omitempty"`
	IndividualScore     int         `db:"individual_score" json:"individual_score"`
	FinalScore          int         `db:"final_score" json:"final_score"`
	MaxScore            int         `db:"max_score" json:"max_score"`
	FinalPercentage     float64     `db:"final_percentage" json:"final_percentage"`
	Status              Status      `db:"status" json:"status"`
	VerbalGrade         VerbalGrade `db:"verbal_grade" json:"verbal_grade"`
	IsLatest            bool        `db:"is_latest" json:"is_latest"`
	AttemptNumber       int         `db:"attempt_number" json:"attempt_number"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
}

// SameSources reports whether f was computed from exactly these attempts.
func (f FinalEvaluation) SameSources(groupAttemptID *int64, individualAttemptID int64) bool {
	if f.IndividualAttemptID != individualAttemptID {
		return false
	}
	switch {
	case f.GroupAttemptID == nil && groupAttemptID == nil:
		return true
	case f.GroupAttemptID == nil || groupAttemptID == nil:
		return false
	default:
		return *f.GroupAttemptID == *groupAttemptID
	}
}

// Badge is the per-project badge definition.
type Badge struct {
	ID          int64  `db:"id" json:"id"`
	ProjectID   int64  `db:"project_id" json:"project_id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
}

// BadgeAward is one entry of a badge's awardedTo list.
type BadgeAward struct {
	BadgeID             int64     `db:"badge_id" json:"badge_id"`
	StudentID           int64     `db:"student_id" json:"student_id"`
	AwardedAt           time.Time `db:"awarded_at" json:"awarded_at"`
	EvaluationAttemptID int64     `db:"evaluation_attempt_id" json:"evaluation_attempt_id"`
}

// LedgerEntry is one append-only point-awarding event.
type LedgerEntry struct {
	ID        string    `db:"id" json:"id"`
	StudentID int64     `db:"student_id" json:"student_id"`
	ProjectID int64     `db:"project_id" json:"project_id"`
	CauseID   int64     `db:"cause_id" json:"cause_id"`
	Points    int       `db:"points" json:"points"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Progress is the derived projection of a student's ledger.
type Progress struct {
	StudentID         int64        `json:"student_id"`
	Points            int          `json:"points"`
	Level             int          `json:"level"`
	CompletedProjects []int64      `json:"completed_projects"`
	Badges            []BadgeAward `json:"badges"`
}

// AwardSnapshot is read inside the award transaction.
type AwardSnapshot struct {
	Final             FinalEvaluation
	Project           Project
	FirstPassedID     int64 // earliest passed final for (project, student), 0 if none
	AlreadyCredited   bool  // a ledger entry exists for (student, project)
	Badge             *Badge
	CurrentPoints     int
	HasCompletedEntry bool
}

// AwardPlan describes the side effects to apply atomically. A nil plan means no award.
type AwardPlan struct {
	LedgerID  string
	Points    int
	NewTotal  int
	NewLevel  int
	BadgeID   *int64
	AttemptID int64
}

// FinalSnapshot is the consistent view the final calculator works from.
type FinalSnapshot struct {
	Project     Project
	TeamID      *int64
	Group       *Attempt
	Individual  *Attempt
	LatestFinal *FinalEvaluation
}
