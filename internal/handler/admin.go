package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/evalcard/internal/evaluation"
	appI18n "github.com/pavelanni/evalcard/internal/i18n"
	"github.com/pavelanni/evalcard/internal/model"
	"github.com/pavelanni/evalcard/internal/store"
)

type createUserRequest struct {
	Username    string         `json:"username" validate:"required,max=64"`
	DisplayName string         `json:"display_name" validate:"max=128"`
	Password    string         `json:"password" validate:"required,min=8"`
	Role        model.UserRole `json:"role" validate:"required,oneof=student teacher admin"`
}

type passwordRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	u := model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	}
	u.ID, err = h.store.CreateUser(r.Context(), u)
	if errors.Is(err, store.ErrConflict) {
		writeJSON(w, http.StatusConflict, apiError{Error: "username_taken", Message: req.Username})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	if err := h.store.ToggleUserActive(r.Context(), id); err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		h.fail(w, r, err)
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if u == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "not_found", Message: appI18n.T(r.Context(), "NotFound")})
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.SetUserPassword(r.Context(), id, string(hash)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadSeed imports a multipart seed_file. An unchanged file is reported as a duplicate.
func (h *Handler) handleUploadSeed(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid_request", Message: "file too large"})
		return
	}
	file, header, err := r.FormFile("seed_file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid_request", Message: "no file uploaded"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.importer.Import(r.Context(), "upload:"+header.Filename, data)
	if err != nil {
		slog.Warn("seed upload rejected", "filename", header.Filename, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "invalid_seed", Message: err.Error()})
		return
	}
	msg := appI18n.Tp(r.Context(), "ImportDone", res.Projects)
	if res.Skipped {
		msg = appI18n.T(r.Context(), "ImportDuplicate")
	}
	slog.Info("uploaded seed via admin", "filename", header.Filename, "skipped", res.Skipped)
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "result": res})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	var projectID int64
	if s := r.URL.Query().Get("project_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid_request", Message: "invalid project_id"})
			return
		}
		projectID = id
	}
	results, err := h.store.ExportLatestFinals(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.EvaluationExport{
		ExportedAt: time.Now().UTC(),
		ProjectID:  projectID,
		Results:    results,
	})
}

func (h *Handler) handleReconcileAwards(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ReconcileAwards(r.Context())
	var ae *evaluation.AwardError
	if err != nil && !errors.As(err, &ae) {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{"awarded": n}
	if err != nil {
		// Some awards failed; the rest were applied and stay applied.
		resp["errors"] = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusOK, resp)
}
