// Package evaluation records scored attempts, gates the individual phase on
// the group phase, combines phase scores into final evaluations and applies
// first-pass awards.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pavelanni/evalcard/internal/access"
	"github.com/pavelanni/evalcard/internal/model"
	"github.com/pavelanni/evalcard/internal/store"
)

// Store is the persistence the service depends on.
type Store interface {
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	GetTeam(ctx context.Context, id int64) (*model.Team, error)
	TeamMembers(ctx context.Context, teamID int64) ([]model.TeamMember, error)
	MembershipFor(ctx context.Context, projectID, studentID int64) (*model.TeamMember, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	PutBadge(ctx context.Context, b model.Badge) (*model.Badge, error)

	GetRubric(ctx context.Context, id int64) (*model.Rubric, error)
	RubricFor(ctx context.Context, projectID int64, phase model.Phase) (*model.Rubric, error)
	PutRubric(ctx context.Context, r *model.Rubric) error

	InsertAttempt(ctx context.Context, a *model.Attempt, gate func(model.FinalSnapshot) error) error
	GetAttempt(ctx context.Context, id int64) (*model.Attempt, error)
	LatestAttempt(ctx context.Context, projectID int64, phase model.Phase, subjectID int64) (*model.Attempt, error)
	ListAttempts(ctx context.Context, projectID int64, phase model.Phase, subjectID int64) ([]model.Attempt, error)
	Snapshot(ctx context.Context, projectID, studentID int64) (*model.FinalSnapshot, error)
	AllowRetry(ctx context.Context, projectID, studentID int64, reopenGroup bool, check func(model.FinalSnapshot) error) ([]int64, error)

	SaveFinal(ctx context.Context, projectID, studentID int64, build func(model.FinalSnapshot) (*model.FinalEvaluation, error)) (*model.FinalEvaluation, bool, error)
	GetFinal(ctx context.Context, id int64) (*model.FinalEvaluation, error)
	LatestFinal(ctx context.Context, projectID, studentID int64) (*model.FinalEvaluation, error)
	ListFinals(ctx context.Context, projectID, studentID int64) ([]model.FinalEvaluation, error)
	PassedFinalsWithoutAward(ctx context.Context) ([]model.FinalEvaluation, error)

	ApplyAward(ctx context.Context, finalID int64, plan func(model.AwardSnapshot) (*model.AwardPlan, error)) (*model.AwardPlan, error)
	GetProgress(ctx context.Context, studentID int64) (*model.Progress, error)

	SaveFeedback(ctx context.Context, attemptID int64, text, modelName string) error
}

// Service implements the evaluation operations. All coordination beyond a
// per-key lock goes through the store.
type Service struct {
	store   Store
	policy  model.Policy
	access  *access.Checker
	locks   *keyedMutex
	newID   func() string
	drafter Drafter
}

// New returns a service. A nil checker uses the default capability table.
func New(st Store, policy model.Policy, checker *access.Checker) *Service {
	if checker == nil {
		checker = access.NewChecker(nil)
	}
	return &Service{
		store:  st,
		policy: policy,
		access: checker,
		locks:  newKeyedMutex(),
		newID:  uuid.NewString,
	}
}

// Policy returns the evaluation policy in force.
func (s *Service) Policy() model.Policy { return s.policy }

// Authorize checks that the principal in ctx holds perm. It guards operations
// that live outside the service, such as user administration.
func (s *Service) Authorize(ctx context.Context, perm string) error {
	_, err := s.authorize(ctx, perm)
	return err
}

func (s *Service) authorize(ctx context.Context, perm string) (model.Principal, error) {
	p, ok := model.PrincipalFromContext(ctx)
	if !ok {
		return p, &access.ForbiddenError{Perm: perm}
	}
	return p, s.access.Require(p, perm)
}

func (s *Service) authorizeOwner(ctx context.Context, ownerID int64, ownPerm, allPerm string) error {
	p, ok := model.PrincipalFromContext(ctx)
	if !ok {
		return &access.ForbiddenError{Perm: allPerm}
	}
	return s.access.RequireOwnerOr(p, ownerID, ownPerm, allPerm)
}

// resolveEvaluator defaults the evaluator to the caller and checks that the
// evaluator is an active user allowed to record attempts.
func (s *Service) resolveEvaluator(ctx context.Context, caller model.Principal, evaluatorID int64) (int64, error) {
	if evaluatorID == 0 {
		evaluatorID = caller.UserID
	}
	u, err := s.store.GetUserByID(ctx, evaluatorID)
	if err != nil {
		return 0, fmt.Errorf("get evaluator: %w", err)
	}
	if u == nil || !u.Active || !s.access.Has(u.Role, access.AttemptRecord) {
		return 0, inputErr(CodeEvaluatorNotAllowed, "user %d cannot evaluate", evaluatorID)
	}
	return evaluatorID, nil
}

func (s *Service) project(ctx context.Context, id int64) (*model.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if p == nil {
		return nil, notFound("project", id)
	}
	return p, nil
}

// rubricFor loads the rubric an attempt is scored against. rubricID 0 picks
// the project's rubric for the phase.
func (s *Service) rubricFor(ctx context.Context, projectID int64, phase model.Phase, rubricID int64) (*model.Rubric, error) {
	var (
		r   *model.Rubric
		err error
	)
	if rubricID == 0 {
		r, err = s.store.RubricFor(ctx, projectID, phase)
	} else {
		r, err = s.store.GetRubric(ctx, rubricID)
	}
	if err != nil {
		return nil, fmt.Errorf("get rubric: %w", err)
	}
	if r == nil {
		return nil, inputErr(CodeRubricNotFound, "no %s rubric for project %d", phase, projectID)
	}
	if r.ProjectID != projectID || r.Phase != phase {
		return nil, inputErr(CodeRubricPhaseMismatch, "rubric %d belongs to project %d phase %s", r.ID, r.ProjectID, r.Phase)
	}
	return r, nil
}

// insertAttempt retries once when another writer claimed the latest slot.
func (s *Service) insertAttempt(ctx context.Context, a *model.Attempt, gate func(model.FinalSnapshot) error) error {
	err := s.store.InsertAttempt(ctx, a, gate)
	if errors.Is(err, store.ErrConflict) {
		slog.Warn("attempt insert conflict, retrying",
			"project_id", a.ProjectID, "phase", a.Phase, "subject_id", a.SubjectID, "error", err)
		err = s.store.InsertAttempt(ctx, a, gate)
	}
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	}
	return err
}
