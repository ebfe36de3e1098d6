package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/evalcard/internal/evaluation"
	appI18n "github.com/pavelanni/evalcard/internal/i18n"
	"github.com/pavelanni/evalcard/internal/model"
)

type rubricRequest struct {
	Name     string          `json:"name" validate:"required"`
	Parts    []model.Part    `json:"parts" validate:"required_without=Sections"`
	Sections []model.Section `json:"sections" validate:"required_without=Parts"`
}

type attemptRequest struct {
	EvaluatorID  int64             `json:"evaluator_id" validate:"gte=0"`
	RubricID     int64             `json:"rubric_id" validate:"gte=0"`
	Role         string            `json:"role"`
	SubmissionID *int64            `json:"submission_id" validate:"omitempty,gt=0"`
	Selections   []model.PartPicks `json:"assessment_parts" validate:"required,min=1,dive"`
}

type badgeRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

type retryRequest struct {
	EvaluatorID int64 `json:"evaluator_id" validate:"gte=0"`
}

// finalView adds the localized verbal grade to a final evaluation.
type finalView struct {
	*model.FinalEvaluation
	GradeLabel string `json:"verbal_grade_label"`
}

type finalOutcomeView struct {
	evaluation.FinalOutcome
	Final *finalView `json:"final,omitempty"`
	Error string     `json:"error,omitempty"`
}

type outcomeView struct {
	Attempt *model.Attempt     `json:"attempt,omitempty"`
	Finals  []finalOutcomeView `json:"finals,omitempty"`
}

type blockedView struct {
	Blocked bool             `json:"blocked"`
	Reason  string           `json:"reason"`
	State   evaluation.State `json:"state"`
	Message string           `json:"message"`
}

func (h *Handler) finalView(r *http.Request, f *model.FinalEvaluation) *finalView {
	if f == nil {
		return nil
	}
	return &finalView{FinalEvaluation: f, GradeLabel: appI18n.Grade(r.Context(), f.VerbalGrade)}
}

func (h *Handler) finalOutcomeView(r *http.Request, fo evaluation.FinalOutcome) finalOutcomeView {
	v := finalOutcomeView{FinalOutcome: fo, Final: h.finalView(r, fo.Final)}
	if fo.Err != nil {
		v.Error = fo.Err.Error()
	}
	return v
}

// writeOutcome answers 201 with the recorded attempt, or 409 when PhaseGate blocked it.
func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out *evaluation.Outcome) {
	if out.Blocked != nil {
		writeJSON(w, http.StatusConflict, blockedView{
			Blocked: true,
			Reason:  out.Blocked.Reason,
			State:   out.Blocked.State,
			Message: appI18n.Reason(r.Context(), out.Blocked.Reason),
		})
		return
	}
	v := outcomeView{Attempt: out.Attempt}
	for _, fo := range out.Finals {
		v.Finals = append(v.Finals, h.finalOutcomeView(r, fo))
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func pathPhase(w http.ResponseWriter, r *http.Request) (model.Phase, bool) {
	phase := model.Phase(chi.URLParam(r, "phase"))
	if !phase.Valid() {
		writeJSON(w, http.StatusNotFound, apiError{Error: "not_found", Message: "unknown phase " + string(phase)})
		return "", false
	}
	return phase, true
}

func (h *Handler) handleGetRubric(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	phase, ok := pathPhase(w, r)
	if !ok {
		return
	}
	rb, err := h.svc.Rubric(r.Context(), projectID, phase)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

func (h *Handler) handlePutRubric(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	phase, ok := pathPhase(w, r)
	if !ok {
		return
	}
	var req rubricRequest
	if !h.decode(w, r, &req) {
		return
	}
	rb := &model.Rubric{
		ProjectID: projectID,
		Phase:     phase,
		Name:      req.Name,
		Parts:     req.Parts,
		Sections:  req.Sections,
	}
	if err := h.svc.PutRubric(r.Context(), rb); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

func (h *Handler) handlePutBadge(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var req badgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.svc.PutBadge(r.Context(), model.Badge{ProjectID: projectID, Name: req.Name, Description: req.Description})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleRecordGroup(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	teamID, ok := pathID(w, r, "teamID")
	if !ok {
		return
	}
	var req attemptRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Role != "" && req.Role != model.RoleAll {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "role_mismatch", Message: "group attempts are scored for the whole team"})
		return
	}
	out, err := h.svc.RecordGroupAttempt(r.Context(), evaluation.GroupInput{
		ProjectID:    projectID,
		TeamID:       teamID,
		EvaluatorID:  req.EvaluatorID,
		RubricID:     req.RubricID,
		SubmissionID: req.SubmissionID,
		Selections:   req.Selections,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeOutcome(w, r, out)
}

func (h *Handler) handleRecordIndividual(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	var req attemptRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.RecordIndividualAttempt(r.Context(), evaluation.IndividualInput{
		ProjectID:    projectID,
		StudentID:    studentID,
		EvaluatorID:  req.EvaluatorID,
		RubricID:     req.RubricID,
		Role:         req.Role,
		SubmissionID: req.SubmissionID,
		Selections:   req.Selections,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeOutcome(w, r, out)
}

func (h *Handler) handleTeamAttempts(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	teamID, ok := pathID(w, r, "teamID")
	if !ok {
		return
	}
	attempts, err := h.svc.TeamAttempts(r.Context(), projectID, teamID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) handleStudentAttempts(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	attempts, err := h.svc.StudentAttempts(r.Context(), projectID, studentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) handleTeamStatus(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	teamID, ok := pathID(w, r, "teamID")
	if !ok {
		return
	}
	st, err := h.svc.TeamStatus(r.Context(), projectID, teamID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleStudentStatus(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	st, err := h.svc.StudentStatus(r.Context(), projectID, studentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleLatestFinal(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	f, err := h.svc.LatestFinal(r.Context(), projectID, studentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.finalView(r, f))
}

func (h *Handler) handleComputeFinal(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	out, err := h.svc.ComputeFinal(r.Context(), projectID, studentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, h.finalOutcomeView(r, *out))
}

func (h *Handler) handleFinalHistory(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	finals, err := h.svc.FinalHistory(r.Context(), projectID, studentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]*finalView, 0, len(finals))
	for i := range finals {
		views = append(views, h.finalView(r, &finals[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleAllowRetry(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	var req retryRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.AllowRetry(r.Context(), evaluation.RetryInput{
		ProjectID:   projectID,
		StudentID:   studentID,
		EvaluatorID: req.EvaluatorID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRetryAward(w http.ResponseWriter, r *http.Request) {
	finalID, ok := pathID(w, r, "finalID")
	if !ok {
		return
	}
	plan, err := h.svc.RetryAward(r.Context(), finalID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"awarded": plan != nil, "award": plan})
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	p, err := h.svc.Progress(r.Context(), studentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleDraftFeedback(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := pathID(w, r, "attemptID")
	if !ok {
		return
	}
	lang := appI18n.Lang(r.Context())
	text, err := h.svc.DraftFeedback(r.Context(), attemptID, lang)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("feedback drafted", "attempt_id", attemptID, "lang", lang)
	writeJSON(w, http.StatusOK, map[string]any{"attempt_id": attemptID, "lang": lang, "feedback": text})
}
