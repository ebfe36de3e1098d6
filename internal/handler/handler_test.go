package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/evalcard/internal/evaluation"
	appI18n "github.com/pavelanni/evalcard/internal/i18n"
	"github.com/pavelanni/evalcard/internal/model"
	"github.com/pavelanni/evalcard/internal/store"
)

const testPassword = "correct-horse"

type testServer struct {
	srv       *httptest.Server
	st        *store.Store
	projectID int64
	teamID    int64
	ana, ben  int64
}

func band() []model.Option {
	return []model.Option{
		{Percentage: 0, Description: "absent"},
		{Percentage: 20, Description: "poor"},
		{Percentage: 40, Description: "weak"},
		{Percentage: 60, Description: "fair"},
		{Percentage: 80, Description: "good"},
		{Percentage: 100, Description: "excellent"},
	}
}

func sectionsJSON() []model.Section {
	return []model.Section{{
		Name:   "Work",
		Weight: 100,
		Criteria: []model.Criterion{
			{Name: "Quality", ApplicableRoles: []string{model.RoleAll}, Options: band()},
			{Name: "Teamwork", ApplicableRoles: []string{model.RoleAll}, Options: band()},
		},
	}}
}

func attemptBody(quality, teamwork int) map[string]any {
	return map[string]any{
		"assessment_parts": []map[string]any{{
			"sections": []map[string]any{{
				"section": "Work",
				"picks": []map[string]any{
					{"criterion": "Quality", "percentage": quality},
					{"criterion": "Teamwork", "percentage": teamwork},
				},
			}},
		}},
	}
}

func mustUser(t *testing.T, st *store.Store, username string, role model.UserRole) int64 {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	id, err := st.CreateUser(context.Background(), model.User{
		Username: username, DisplayName: username, PasswordHash: string(hash), Role: role, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateUser %s: %v", username, err)
	}
	return id
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := evaluation.New(st, model.DefaultPolicy(), nil)
	h, err := New(st, svc, Config{JWTSecret: []byte(strings.Repeat("k", 32))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	ts := &testServer{srv: httptest.NewServer(r), st: st}
	t.Cleanup(ts.srv.Close)

	bg := context.Background()
	mustUser(t, st, "admin", model.UserRoleAdmin)
	teacherID := mustUser(t, st, "teacher", model.UserRoleTeacher)
	ts.ana = mustUser(t, st, "ana", model.UserRoleStudent)
	ts.ben = mustUser(t, st, "ben", model.UserRoleStudent)

	ts.projectID, err = st.CreateProject(bg, model.Project{Name: "Weather station", Kind: model.ProjectTeam, Points: 50})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	ts.teamID, err = st.CreateTeam(bg, model.Team{ProjectID: ts.projectID, Name: "Falcons"})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if err := st.AddTeamMember(bg, ts.teamID, ts.ana, "leader"); err != nil {
		t.Fatalf("AddTeamMember: %v", err)
	}
	if err := st.AddTeamMember(bg, ts.teamID, ts.ben, "developer"); err != nil {
		t.Fatalf("AddTeamMember: %v", err)
	}

	ctx := model.ContextWithPrincipal(bg, model.Principal{UserID: teacherID, Role: model.UserRoleTeacher})
	for _, phase := range []model.Phase{model.PhaseGroup, model.PhaseIndividual} {
		if err := svc.PutRubric(ctx, &model.Rubric{ProjectID: ts.projectID, Phase: phase, Name: "card", Sections: sectionsJSON()}); err != nil {
			t.Fatalf("PutRubric %s: %v", phase, err)
		}
	}
	return ts
}

type reply struct {
	status int
	body   []byte
	header http.Header
}

func (rp reply) object(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rp.body, &m); err != nil {
		t.Fatalf("decode %s: %v", rp.body, err)
	}
	return m
}

func (ts *testServer) call(t *testing.T, method, path, token string, body any, headers ...string) reply {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return reply{status: resp.StatusCode, body: data, header: resp.Header}
}

func (ts *testServer) login(t *testing.T, username string) string {
	t.Helper()
	rp := ts.call(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": username, "password": testPassword})
	if rp.status != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", username, rp.status, rp.body)
	}
	tok, _ := rp.object(t)["token"].(string)
	if tok == "" {
		t.Fatalf("login %s: expected a token", username)
	}
	return tok
}

func (ts *testServer) studentPath(studentID int64, suffix string) string {
	return fmt.Sprintf("/api/projects/%d/students/%d/%s", ts.projectID, studentID, suffix)
}

func (ts *testServer) teamPath(suffix string) string {
	return fmt.Sprintf("/api/projects/%d/teams/%d/%s", ts.projectID, ts.teamID, suffix)
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	rp := ts.call(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "teacher", "password": "wrong"})
	if rp.status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rp.status)
	}
	if got := rp.object(t)["error"]; got != "login_failed" {
		t.Errorf("expected login_failed, got %v", got)
	}

	rp = ts.call(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "teacher"})
	if rp.status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", rp.status)
	}

	tok := ts.login(t, "teacher")
	rp = ts.call(t, http.MethodGet, "/api/me", tok, nil)
	if rp.status != http.StatusOK {
		t.Fatalf("expected 200, got %d", rp.status)
	}
	if got := rp.object(t)["username"]; got != "teacher" {
		t.Errorf("expected teacher, got %v", got)
	}
	if strings.Contains(string(rp.body), "password") {
		t.Error("password hash must not be serialized")
	}
}

func TestUnauthenticated(t *testing.T) {
	ts := newTestServer(t)

	if rp := ts.call(t, http.MethodGet, "/api/me", "", nil); rp.status != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rp.status)
	}
	if rp := ts.call(t, http.MethodGet, "/api/me", "not.a.jwt", nil); rp.status != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad token, got %d", rp.status)
	}
}

func TestSessionCookie(t *testing.T) {
	ts := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "ana", "password": testPassword})
	resp, err := http.Post(ts.srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			session = c
		}
	}
	if session == nil || !session.HttpOnly {
		t.Fatalf("expected an HttpOnly session cookie, got %+v", session)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/me", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with session cookie, got %d", resp.StatusCode)
	}
}

func TestIndividualBlockedBeforeGroup(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.login(t, "teacher")

	rp := ts.call(t, http.MethodPost, ts.studentPath(ts.ana, "attempts"), tok, attemptBody(80, 80))
	if rp.status != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rp.status, rp.body)
	}
	obj := rp.object(t)
	if obj["blocked"] != true || obj["reason"] != evaluation.ReasonGroupIncomplete {
		t.Errorf("expected blocked group_phase_incomplete, got %v", obj)
	}

	rp = ts.call(t, http.MethodPost, ts.studentPath(ts.ana, "attempts"), tok, attemptBody(80, 80), "Accept-Language", "es")
	if got := rp.object(t)["message"]; got != "Primero debe completarse la fase grupal." {
		t.Errorf("expected Spanish block message, got %v", got)
	}
}

func TestRecordAndFinalize(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.login(t, "teacher")

	rp := ts.call(t, http.MethodPost, ts.teamPath("attempts"), tok, attemptBody(80, 80))
	if rp.status != http.StatusCreated {
		t.Fatalf("group attempt: expected 201, got %d: %s", rp.status, rp.body)
	}

	rp = ts.call(t, http.MethodPost, ts.studentPath(ts.ana, "attempts"), tok, attemptBody(60, 80))
	if rp.status != http.StatusCreated {
		t.Fatalf("individual attempt: expected 201, got %d: %s", rp.status, rp.body)
	}
	var out struct {
		Attempt model.Attempt `json:"attempt"`
		Finals  []struct {
			Final struct {
				FinalScore int    `json:"final_score"`
				Label      string `json:"verbal_grade_label"`
				Status     string `json:"status"`
			} `json:"final"`
			Award *model.AwardPlan `json:"award"`
		} `json:"finals"`
	}
	if err := json.Unmarshal(rp.body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Attempt.FinalScore != 70 || out.Attempt.Role != "leader" {
		t.Errorf("expected leader attempt scored 70, got %d as %q", out.Attempt.FinalScore, out.Attempt.Role)
	}
	if len(out.Finals) != 1 {
		t.Fatalf("expected one final outcome, got %d", len(out.Finals))
	}
	f := out.Finals[0]
	if f.Final.FinalScore != 150 || f.Final.Label != "Very good" || f.Final.Status != "passed" {
		t.Errorf("expected 150 / Very good / passed, got %+v", f.Final)
	}
	if f.Award == nil || f.Award.Points != 50 {
		t.Errorf("expected a 50 point award, got %+v", f.Award)
	}

	rp = ts.call(t, http.MethodGet, ts.studentPath(ts.ana, "final"), tok, nil)
	if rp.status != http.StatusOK {
		t.Fatalf("latest final: expected 200, got %d", rp.status)
	}

	rp = ts.call(t, http.MethodGet, ts.studentPath(ts.ben, "final"), tok, nil)
	if rp.status != http.StatusNotFound || rp.object(t)["error"] != "not_ready" {
		t.Errorf("expected 404 not_ready for ben, got %d %s", rp.status, rp.body)
	}

	// The student may read their own progress but nobody else's.
	anaTok := ts.login(t, "ana")
	rp = ts.call(t, http.MethodGet, fmt.Sprintf("/api/students/%d/progress", ts.ana), anaTok, nil)
	if rp.status != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d", rp.status)
	}
	if got := rp.object(t)["points"]; got != float64(50) {
		t.Errorf("expected 50 points, got %v", got)
	}
	rp = ts.call(t, http.MethodGet, fmt.Sprintf("/api/students/%d/progress", ts.ben), anaTok, nil)
	if rp.status != http.StatusForbidden {
		t.Errorf("expected 403 for another student's progress, got %d", rp.status)
	}

	rp = ts.call(t, http.MethodPost, ts.studentPath(ts.ana, "attempts"), tok, attemptBody(100, 100))
	if rp.status != http.StatusConflict || rp.object(t)["reason"] != evaluation.ReasonAlreadyFinalized {
		t.Errorf("expected already_finalized block, got %d %s", rp.status, rp.body)
	}

	rp = ts.call(t, http.MethodPut, fmt.Sprintf("/api/projects/%d/rubrics/group", ts.projectID), tok,
		map[string]any{"name": "new card", "sections": sectionsJSON()})
	if rp.status != http.StatusConflict || rp.object(t)["error"] != "rubric_in_use" {
		t.Errorf("expected rubric_in_use, got %d %s", rp.status, rp.body)
	}
}

func TestAttemptInputErrors(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.login(t, "teacher")

	rp := ts.call(t, http.MethodPost, ts.teamPath("attempts"), tok, map[string]any{})
	if rp.status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rp.status)
	}
	fields, _ := rp.object(t)["fields"].(map[string]any)
	if fields["assessment_parts"] != "required" {
		t.Errorf("expected assessment_parts required, got %v", fields)
	}

	rp = ts.call(t, http.MethodPost, ts.teamPath("attempts"), tok, attemptBody(50, 80))
	if rp.status != http.StatusUnprocessableEntity || rp.object(t)["error"] != "out_of_band" {
		t.Errorf("expected 422 out_of_band, got %d %s", rp.status, rp.body)
	}

	rp = ts.call(t, http.MethodPost, ts.teamPath("attempts"), tok, map[string]any{"bogus": 1})
	if rp.status != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown field, got %d", rp.status)
	}

	rp = ts.call(t, http.MethodPost, fmt.Sprintf("/api/projects/%d/teams/abc/attempts", ts.projectID), tok, attemptBody(80, 80))
	if rp.status != http.StatusBadRequest {
		t.Errorf("expected 400 for bad path ID, got %d", rp.status)
	}

	rp = ts.call(t, http.MethodPut, fmt.Sprintf("/api/projects/%d/rubrics/group", ts.projectID), tok,
		map[string]any{"name": "bad", "sections": []model.Section{{Name: "Only", Weight: 50, Criteria: sectionsJSON()[0].Criteria}}})
	if rp.status != http.StatusUnprocessableEntity || rp.object(t)["error"] != "invalid_rubric" {
		t.Errorf("expected 422 invalid_rubric, got %d %s", rp.status, rp.body)
	}
}

func TestStudentCannotRecord(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.login(t, "ana")

	rp := ts.call(t, http.MethodPost, ts.teamPath("attempts"), tok, attemptBody(80, 80))
	if rp.status != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rp.status)
	}
	rp = ts.call(t, http.MethodGet, "/api/admin/users", tok, nil)
	if rp.status != http.StatusForbidden {
		t.Errorf("expected 403 on admin route, got %d", rp.status)
	}
}

func TestRetryNeedsFailedFinal(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.login(t, "teacher")

	rp := ts.call(t, http.MethodPost, ts.studentPath(ts.ana, "retry"), tok, nil)
	if rp.status != http.StatusConflict || rp.object(t)["reason"] != evaluation.ReasonNoFinal {
		t.Fatalf("expected no_final refusal, got %d %s", rp.status, rp.body)
	}

	ts.call(t, http.MethodPost, ts.teamPath("attempts"), tok, attemptBody(40, 40))
	rp = ts.call(t, http.MethodPost, ts.studentPath(ts.ana, "attempts"), tok, attemptBody(40, 60))
	if rp.status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rp.status, rp.body)
	}

	rp = ts.call(t, http.MethodPost, ts.studentPath(ts.ana, "retry"), tok, nil)
	if rp.status != http.StatusOK {
		t.Fatalf("expected retry to be allowed, got %d %s", rp.status, rp.body)
	}
	if got := rp.object(t)["state"]; got != string(evaluation.StateIndividualPending) {
		t.Errorf("expected individual_pending, got %v", got)
	}

	rp = ts.call(t, http.MethodPost, ts.studentPath(ts.ana, "attempts"), tok, attemptBody(100, 100))
	if rp.status != http.StatusCreated {
		t.Errorf("expected retried attempt to be recorded, got %d %s", rp.status, rp.body)
	}
	rp = ts.call(t, http.MethodGet, ts.studentPath(ts.ana, "finals"), tok, nil)
	var finals []map[string]any
	if err := json.Unmarshal(rp.body, &finals); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(finals) != 2 {
		t.Errorf("expected 2 finals in history, got %d", len(finals))
	}
}

func TestAdminUsers(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.login(t, "admin")

	rp := ts.call(t, http.MethodPost, "/api/admin/users", tok, map[string]string{
		"username": "carla", "password": "short", "role": "student",
	})
	if rp.status != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", rp.status)
	}

	rp = ts.call(t, http.MethodPost, "/api/admin/users", tok, map[string]string{
		"username": "carla", "password": "long-enough", "role": "student",
	})
	if rp.status != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rp.status, rp.body)
	}
	rp = ts.call(t, http.MethodPost, "/api/admin/users", tok, map[string]string{
		"username": "carla", "password": "long-enough", "role": "student",
	})
	if rp.status != http.StatusConflict || rp.object(t)["error"] != "username_taken" {
		t.Errorf("expected 409 username_taken, got %d %s", rp.status, rp.body)
	}

	teacherTok := ts.login(t, "teacher")
	if rp := ts.call(t, http.MethodGet, "/api/admin/users", teacherTok, nil); rp.status != http.StatusForbidden {
		t.Errorf("expected 403 for teacher, got %d", rp.status)
	}

	rp = ts.call(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/toggle-active", ts.ben), tok, nil)
	if rp.status != http.StatusOK || rp.object(t)["active"] != false {
		t.Errorf("expected ben deactivated, got %d %s", rp.status, rp.body)
	}
	rp = ts.call(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "ben", "password": testPassword})
	if rp.status != http.StatusUnauthorized {
		t.Errorf("expected inactive user login to fail, got %d", rp.status)
	}
}

func TestSeedUpload(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.login(t, "admin")

	seedJSON := `{"projects": [{"name": "Robot arm", "kind": "individual", "points": 30}]}`
	upload := func() reply {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("seed_file", "robot.json")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write([]byte(seedJSON))
		mw.Close()

		req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/admin/seed", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return reply{status: resp.StatusCode, body: data}
	}

	rp := upload()
	if rp.status != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rp.status, rp.body)
	}
	if got := rp.object(t)["message"]; got != "Imported 1 project." {
		t.Errorf("unexpected message %v", got)
	}
	rp = upload()
	if got := rp.object(t)["message"]; got != "This file has already been imported." {
		t.Errorf("expected duplicate message, got %v", got)
	}

	p, err := ts.st.GetProjectByName(context.Background(), "Robot arm")
	if err != nil || p == nil || p.Points != 30 {
		t.Errorf("expected imported project, got %+v / %v", p, err)
	}
}

func TestFeedbackDisabled(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.login(t, "teacher")

	ts.call(t, http.MethodPost, ts.teamPath("attempts"), tok, attemptBody(80, 80))
	attempts, err := ts.st.ListAttempts(context.Background(), ts.projectID, model.PhaseGroup, ts.teamID)
	if err != nil || len(attempts) != 1 {
		t.Fatalf("expected one attempt, got %d / %v", len(attempts), err)
	}
	rp := ts.call(t, http.MethodPost, fmt.Sprintf("/api/attempts/%d/feedback", attempts[0].ID), tok, nil)
	if rp.status != http.StatusServiceUnavailable || rp.object(t)["error"] != "feedback_disabled" {
		t.Errorf("expected 503 feedback_disabled, got %d %s", rp.status, rp.body)
	}
}

func TestNewRejectsShortSecret(t *testing.T) {
	if _, err := New(nil, nil, Config{JWTSecret: []byte("short")}); err == nil {
		t.Error("expected error for a short JWT secret")
	}
}
