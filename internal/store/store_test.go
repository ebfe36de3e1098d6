package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pavelanni/evalcard/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	projectID int64
	teamID    int64
	students  []int64
	group     *model.Rubric
	oral      *model.Rubric
}

func testParts() []model.Part {
	return []model.Part{{
		Name:   "Main",
		Weight: 100,
		Sections: []model.Section{{
			Name:   "Work",
			Weight: 100,
			Criteria: []model.Criterion{{
				Name:            "Quality",
				ApplicableRoles: []string{model.RoleAll},
				Options:         []model.Option{{Percentage: 0, Description: "none"}, {Percentage: 100, Description: "full"}},
			}},
		}},
	}}
}

func seedTeamProject(t *testing.T, s *Store) fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture
	var err error

	f.projectID, err = s.CreateProject(ctx, model.Project{Name: "Robots", Kind: model.ProjectTeam, Points: 50})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	f.teamID, err = s.CreateTeam(ctx, model.Team{ProjectID: f.projectID, Name: "Alpha"})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	for i, name := range []string{"ana", "ben"} {
		id, err := s.CreateUser(ctx, model.User{Username: name, Role: model.UserRoleStudent, Active: true})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		role := "developer"
		if i == 0 {
			role = "leader"
		}
		if err := s.AddTeamMember(ctx, f.teamID, id, role); err != nil {
			t.Fatalf("AddTeamMember: %v", err)
		}
		f.students = append(f.students, id)
	}

	f.group = &model.Rubric{ProjectID: f.projectID, Phase: model.PhaseGroup, Name: "group card", Parts: testParts(), CreatedBy: 1}
	if err := s.PutRubric(ctx, f.group); err != nil {
		t.Fatalf("PutRubric group: %v", err)
	}
	f.oral = &model.Rubric{ProjectID: f.projectID, Phase: model.PhaseIndividual, Name: "oral card", Parts: testParts(), CreatedBy: 1}
	if err := s.PutRubric(ctx, f.oral); err != nil {
		t.Fatalf("PutRubric oral: %v", err)
	}
	return f
}

func newAttempt(projectID int64, phase model.Phase, subjectID, rubricID int64, score int) *model.Attempt {
	status := model.StatusFailed
	if score >= 60 {
		status = model.StatusPassed
	}
	return &model.Attempt{
		ProjectID:   projectID,
		Phase:       phase,
		SubjectKind: model.SubjectKindFor(phase),
		SubjectID:   subjectID,
		EvaluatorID: 99,
		RubricID:    rubricID,
		Role:        model.RoleAll,
		Parts:       []model.PartEvaluation{{PartName: "Main", Weight: 100, CalculatedPartScore: float64(score)}},
		RawScore:    float64(score),
		FinalScore:  score,
		Status:      status,
	}
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.UserCount(ctx)
	if err != nil {
		t.Fatalf("UserCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 users, got %d", count)
	}

	id, err := s.CreateUser(ctx, model.User{Username: "alice", DisplayName: "Alice", PasswordHash: "h", Role: model.UserRoleTeacher, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u == nil || u.ID != id {
		t.Fatalf("expected user %d, got %+v", id, u)
	}
	if u.Role != model.UserRoleTeacher || !u.Active {
		t.Errorf("expected active teacher, got role=%q active=%v", u.Role, u.Active)
	}

	missing, err := s.GetUserByID(ctx, 9999)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing user, got %+v", missing)
	}

	if err := s.ToggleUserActive(ctx, id); err != nil {
		t.Fatalf("ToggleUserActive: %v", err)
	}
	u, _ = s.GetUserByID(ctx, id)
	if u.Active {
		t.Error("expected user to be inactive after toggle")
	}

	_, err = s.CreateUser(ctx, model.User{Username: "alice", Role: model.UserRoleStudent})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate username, got %v", err)
	}
}

func TestAuthSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid, err := s.CreateUser(ctx, model.User{Username: "bob", Role: model.UserRoleAdmin, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token, err := s.CreateAuthSession(ctx, uid)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("expected 64-char token, got %d", len(token))
	}

	sess, err := s.GetAuthSession(ctx, token)
	if err != nil {
		t.Fatalf("GetAuthSession: %v", err)
	}
	if sess == nil || sess.UserID != uid {
		t.Fatalf("expected session for user %d, got %+v", uid, sess)
	}

	if err := s.DeleteAuthSession(ctx, token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	sess, err = s.GetAuthSession(ctx, token)
	if err != nil {
		t.Fatalf("GetAuthSession after delete: %v", err)
	}
	if sess != nil {
		t.Error("expected nil session after delete")
	}
}

func TestFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.FileHash(ctx, "seed.json")
	if err != nil {
		t.Fatalf("FileHash: %v", err)
	}
	if h != "" {
		t.Errorf("expected empty hash, got %q", h)
	}
	for _, want := range []string{"abc", "def"} {
		if err := s.SetFileHash(ctx, "seed.json", want); err != nil {
			t.Fatalf("SetFileHash: %v", err)
		}
		got, err := s.FileHash(ctx, "seed.json")
		if err != nil {
			t.Fatalf("FileHash: %v", err)
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedTeamProject(t, s)

	m, err := s.MembershipFor(ctx, f.projectID, f.students[0])
	if err != nil {
		t.Fatalf("MembershipFor: %v", err)
	}
	if m == nil || m.TeamID != f.teamID || m.Role != "leader" {
		t.Fatalf("expected leader of team %d, got %+v", f.teamID, m)
	}

	members, err := s.TeamMembers(ctx, f.teamID)
	if err != nil {
		t.Fatalf("TeamMembers: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 members, got %d", len(members))
	}

	// A student cannot sit in two teams of the same project.
	other, err := s.CreateTeam(ctx, model.Team{ProjectID: f.projectID, Name: "Beta"})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if err := s.AddTeamMember(ctx, other, f.students[0], "analyst"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for second team, got %v", err)
	}

	b, err := s.PutBadge(ctx, model.Badge{ProjectID: f.projectID, Name: "Builder"})
	if err != nil {
		t.Fatalf("PutBadge: %v", err)
	}
	b2, err := s.PutBadge(ctx, model.Badge{ProjectID: f.projectID, Name: "Master Builder"})
	if err != nil {
		t.Fatalf("PutBadge replace: %v", err)
	}
	if b2.ID != b.ID || b2.Name != "Master Builder" {
		t.Errorf("expected badge %d renamed, got %+v", b.ID, b2)
	}
}

func TestRubricReplaceAndInUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedTeamProject(t, s)

	replacement := &model.Rubric{ProjectID: f.projectID, Phase: model.PhaseGroup, Name: "group card v2", Parts: testParts(), CreatedBy: 2}
	if err := s.PutRubric(ctx, replacement); err != nil {
		t.Fatalf("PutRubric replace: %v", err)
	}
	if replacement.ID != f.group.ID {
		t.Errorf("expected rubric id %d to be reused, got %d", f.group.ID, replacement.ID)
	}

	got, err := s.RubricFor(ctx, f.projectID, model.PhaseGroup)
	if err != nil {
		t.Fatalf("RubricFor: %v", err)
	}
	if got.Name != "group card v2" || len(got.Parts) != 1 || got.Parts[0].Sections[0].Criteria[0].Name != "Quality" {
		t.Errorf("unexpected rubric after replace: %+v", got)
	}

	if err := s.InsertAttempt(ctx, newAttempt(f.projectID, model.PhaseGroup, f.teamID, f.group.ID, 80), nil); err != nil {
		t.Fatalf("InsertAttempt: %v", err)
	}
	err = s.PutRubric(ctx, &model.Rubric{ProjectID: f.projectID, Phase: model.PhaseGroup, Name: "v3", Parts: testParts()})
	if !errors.Is(err, ErrRubricInUse) {
		t.Errorf("expected ErrRubricInUse, got %v", err)
	}
}

func TestInsertAttemptNumbering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedTeamProject(t, s)

	for i := 1; i <= 3; i++ {
		a := newAttempt(f.projectID, model.PhaseGroup, f.teamID, f.group.ID, 40+i*10)
		if err := s.InsertAttempt(ctx, a, nil); err != nil {
			t.Fatalf("InsertAttempt %d: %v", i, err)
		}
		if a.AttemptNumber != i {
			t.Errorf("expected attempt number %d, got %d", i, a.AttemptNumber)
		}

		all, err := s.ListAttempts(ctx, f.projectID, model.PhaseGroup, f.teamID)
		if err != nil {
			t.Fatalf("ListAttempts: %v", err)
		}
		latest := 0
		for _, x := range all {
			if x.IsLatest {
				latest++
				if x.ID != a.ID {
					t.Errorf("expected attempt %d to be latest, got %d", a.ID, x.ID)
				}
			}
		}
		if latest != 1 {
			t.Errorf("expected exactly one latest attempt, got %d", latest)
		}
	}

	got, err := s.LatestAttempt(ctx, f.projectID, model.PhaseGroup, f.teamID)
	if err != nil {
		t.Fatalf("LatestAttempt: %v", err)
	}
	if got.FinalScore != 70 || got.Parts[0].PartName != "Main" {
		t.Errorf("unexpected latest attempt: %+v", got)
	}
}

func TestInsertAttemptGateVeto(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedTeamProject(t, s)

	blocked := errors.New("blocked")
	var seen model.FinalSnapshot
	err := s.InsertAttempt(ctx, newAttempt(f.projectID, model.PhaseIndividual, f.students[0], f.oral.ID, 90),
		func(snap model.FinalSnapshot) error {
			seen = snap
			return blocked
		})
	if !errors.Is(err, blocked) {
		t.Fatalf("expected gate error, got %v", err)
	}
	if seen.TeamID == nil || *seen.TeamID != f.teamID || seen.Group != nil {
		t.Errorf("unexpected snapshot passed to gate: %+v", seen)
	}

	all, err := s.ListAttempts(ctx, f.projectID, model.PhaseIndividual, f.students[0])
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected no persisted attempt, got %d", len(all))
	}
}

func TestDuplicateAttemptNumberIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedTeamProject(t, s)

	if err := s.InsertAttempt(ctx, newAttempt(f.projectID, model.PhaseGroup, f.teamID, f.group.ID, 80), nil); err != nil {
		t.Fatalf("InsertAttempt: %v", err)
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO evaluation_attempts (project_id, phase, subject_kind, subject_id, evaluator_id, rubric_id,
			attempt_number, is_latest, raw_score, final_score, status, detail, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, 1, ?, 0, 0, ?, '[]', CURRENT_TIMESTAMP)`),
		f.projectID, model.PhaseGroup, model.SubjectTeam, f.teamID, f.group.ID, false, model.StatusFailed)
	if !errors.Is(classify(err), ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestSaveFinalAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedTeamProject(t, s)
	student := f.students[0]

	g := newAttempt(f.projectID, model.PhaseGroup, f.teamID, f.group.ID, 80)
	if err := s.InsertAttempt(ctx, g, nil); err != nil {
		t.Fatalf("InsertAttempt group: %v", err)
	}
	ind := newAttempt(f.projectID, model.PhaseIndividual, student, f.oral.ID, 70)
	if err := s.InsertAttempt(ctx, ind, nil); err != nil {
		t.Fatalf("InsertAttempt individual: %v", err)
	}

	build := func(snap model.FinalSnapshot) (*model.FinalEvaluation, error) {
		if snap.LatestFinal != nil && snap.LatestFinal.SameSources(&snap.Group.ID, snap.Individual.ID) {
			return nil, nil
		}
		gs := snap.Group.FinalScore
		return &model.FinalEvaluation{
			TeamID:              snap.TeamID,
			GroupAttemptID:      &snap.Group.ID,
			IndividualAttemptID: snap.Individual.ID,
			GroupScore:          &gs,
			IndividualScore:     snap.Individual.FinalScore,
			FinalScore:          gs + snap.Individual.FinalScore,
			MaxScore:            200,
			FinalPercentage:     float64(gs+snap.Individual.FinalScore) / 2,
			Status:              model.StatusPassed,
			VerbalGrade:         model.GradeVeryGood,
		}, nil
	}

	first, created, err := s.SaveFinal(ctx, f.projectID, student, build)
	if err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}
	if !created || first.AttemptNumber != 1 || first.FinalScore != 150 {
		t.Fatalf("unexpected first final: created=%v %+v", created, first)
	}

	again, created, err := s.SaveFinal(ctx, f.projectID, student, build)
	if err != nil {
		t.Fatalf("SaveFinal again: %v", err)
	}
	if created || again.ID != first.ID {
		t.Errorf("expected no new final, got created=%v id=%d", created, again.ID)
	}

	if err := s.InsertAttempt(ctx, newAttempt(f.projectID, model.PhaseIndividual, student, f.oral.ID, 90), nil); err != nil {
		t.Fatalf("InsertAttempt individual 2: %v", err)
	}
	second, created, err := s.SaveFinal(ctx, f.projectID, student, build)
	if err != nil {
		t.Fatalf("SaveFinal second: %v", err)
	}
	if !created || second.AttemptNumber != 2 {
		t.Fatalf("expected attempt 2, got created=%v %+v", created, second)
	}

	history, err := s.ListFinals(ctx, f.projectID, student)
	if err != nil {
		t.Fatalf("ListFinals: %v", err)
	}
	if len(history) != 2 || history[0].IsLatest || !history[1].IsLatest {
		t.Errorf("expected only the second final to be latest, got %+v", history)
	}
	if history[0].GroupScore == nil || *history[0].GroupScore != 80 {
		t.Errorf("expected group score 80 round-tripped, got %v", history[0].GroupScore)
	}
}

func TestApplyAwardLedgerUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedTeamProject(t, s)
	student := f.students[1]

	badge, err := s.PutBadge(ctx, model.Badge{ProjectID: f.projectID, Name: "Builder"})
	if err != nil {
		t.Fatalf("PutBadge: %v", err)
	}
	ind := newAttempt(f.projectID, model.PhaseIndividual, student, f.oral.ID, 100)
	if err := s.InsertAttempt(ctx, ind, nil); err != nil {
		t.Fatalf("InsertAttempt: %v", err)
	}
	final, _, err := s.SaveFinal(ctx, f.projectID, student, func(snap model.FinalSnapshot) (*model.FinalEvaluation, error) {
		return &model.FinalEvaluation{IndividualAttemptID: snap.Individual.ID, IndividualScore: 100,
			FinalScore: 100, MaxScore: 100, FinalPercentage: 100, Status: model.StatusPassed, VerbalGrade: model.GradeExcellent}, nil
	})
	if err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}

	// A planner that ignores the snapshot still cannot credit twice.
	plan := func(snap model.AwardSnapshot) (*model.AwardPlan, error) {
		return &model.AwardPlan{
			LedgerID:  uuid.NewString(),
			Points:    snap.Project.Points,
			NewTotal:  snap.CurrentPoints + snap.Project.Points,
			NewLevel:  2,
			BadgeID:   &badge.ID,
			AttemptID: snap.Final.IndividualAttemptID,
		}, nil
	}
	applied, err := s.ApplyAward(ctx, final.ID, plan)
	if err != nil {
		t.Fatalf("ApplyAward: %v", err)
	}
	if applied == nil || applied.NewTotal != 50 {
		t.Fatalf("expected award of 50 points, got %+v", applied)
	}
	if _, err := s.ApplyAward(ctx, final.ID, plan); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on second award, got %v", err)
	}

	p, err := s.GetProgress(ctx, student)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Points != 50 || p.Level != 2 {
		t.Errorf("expected 50 points at level 2, got %d/%d", p.Points, p.Level)
	}
	if len(p.CompletedProjects) != 1 || p.CompletedProjects[0] != f.projectID {
		t.Errorf("expected project %d completed, got %v", f.projectID, p.CompletedProjects)
	}
	if len(p.Badges) != 1 || p.Badges[0].EvaluationAttemptID != ind.ID {
		t.Errorf("expected one badge tied to attempt %d, got %+v", ind.ID, p.Badges)
	}

	pending, err := s.PassedFinalsWithoutAward(ctx)
	if err != nil {
		t.Fatalf("PassedFinalsWithoutAward: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending awards, got %d", len(pending))
	}
}

func TestAllowRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedTeamProject(t, s)
	student := f.students[0]

	g := newAttempt(f.projectID, model.PhaseGroup, f.teamID, f.group.ID, 40)
	if err := s.InsertAttempt(ctx, g, nil); err != nil {
		t.Fatalf("InsertAttempt group: %v", err)
	}
	ind := newAttempt(f.projectID, model.PhaseIndividual, student, f.oral.ID, 50)
	if err := s.InsertAttempt(ctx, ind, nil); err != nil {
		t.Fatalf("InsertAttempt individual: %v", err)
	}

	tests := []struct {
		name        string
		reopenGroup bool
		wantIDs     int
	}{
		{"individual only", false, 1},
		{"group too", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := s.AllowRetry(ctx, f.projectID, student, tt.reopenGroup, func(model.FinalSnapshot) error { return nil })
			if err != nil {
				t.Fatalf("AllowRetry: %v", err)
			}
			if len(ids) != tt.wantIDs {
				t.Errorf("expected %d reopened attempts, got %v", tt.wantIDs, ids)
			}
		})
	}

	got, _ := s.GetAttempt(ctx, ind.ID)
	if !got.RetryAllowed {
		t.Error("expected individual attempt to allow retry")
	}

	veto := errors.New("not failed")
	if _, err := s.AllowRetry(ctx, f.projectID, student, false, func(model.FinalSnapshot) error { return veto }); !errors.Is(err, veto) {
		t.Errorf("expected veto error, got %v", err)
	}
}

func TestExportLatestFinals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedTeamProject(t, s)

	results, err := s.ExportLatestFinals(ctx, 0)
	if err != nil {
		t.Fatalf("ExportLatestFinals: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}

	ind := newAttempt(f.projectID, model.PhaseIndividual, f.students[0], f.oral.ID, 65)
	if err := s.InsertAttempt(ctx, ind, nil); err != nil {
		t.Fatalf("InsertAttempt: %v", err)
	}
	if _, _, err := s.SaveFinal(ctx, f.projectID, f.students[0], func(snap model.FinalSnapshot) (*model.FinalEvaluation, error) {
		return &model.FinalEvaluation{IndividualAttemptID: snap.Individual.ID, IndividualScore: 65, FinalScore: 65,
			MaxScore: 100, FinalPercentage: 65, Status: model.StatusPassed, VerbalGrade: model.GradeGood}, nil
	}); err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}

	results, err = s.ExportLatestFinals(ctx, f.projectID)
	if err != nil {
		t.Fatalf("ExportLatestFinals: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Username != "ana" || r.ProjectName != "Robots" || r.Individual == nil || r.Individual.ID != ind.ID {
		t.Errorf("unexpected export row: %+v", r)
	}
}

func TestTxIsolation(t *testing.T) {
	if opts := newTestStore(t).txOptions(); opts != nil {
		t.Errorf("expected default sqlite transactions, got %+v", opts)
	}
	pg := &Store{driver: DriverPostgres}
	opts := pg.txOptions()
	if opts == nil || opts.Isolation != sql.LevelSerializable {
		t.Errorf("expected serializable postgres transactions, got %+v", opts)
	}

	tests := []struct {
		code string
		want bool
	}{
		{"40001", true},
		{"23505", true},
		{"23503", false},
	}
	for _, tt := range tests {
		err := classify(&pgconn.PgError{Code: tt.code})
		if got := errors.Is(err, ErrConflict); got != tt.want {
			t.Errorf("code %s: expected conflict=%v, got %v", tt.code, tt.want, got)
		}
	}
}
