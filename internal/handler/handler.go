// Package handler exposes the evaluation operations as a JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/evalcard/internal/access"
	"github.com/pavelanni/evalcard/internal/evaluation"
	appI18n "github.com/pavelanni/evalcard/internal/i18n"
	"github.com/pavelanni/evalcard/internal/rubric"
	"github.com/pavelanni/evalcard/internal/seed"
	"github.com/pavelanni/evalcard/internal/store"
)

const maxBodyBytes = 1 << 20

// Config holds the HTTP-facing settings.
type Config struct {
	SecureCookies bool
	// JWTSecret enables bearer tokens when non-empty.
	JWTSecret []byte
	TokenTTL  time.Duration
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	svc      *evaluation.Service
	importer *seed.Importer
	config   Config
	validate *validator.Validate
}

// New creates a new Handler.
func New(s *store.Store, svc *evaluation.Service, cfg Config) (*Handler, error) {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if len(cfg.JWTSecret) > 0 && len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(cfg.JWTSecret))
	}
	return &Handler{
		store:    s,
		svc:      svc,
		importer: seed.NewImporter(s, svc),
		config:   cfg,
		validate: newValidator(),
	}, nil
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.handleLogin)
		r.Post("/auth/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Get("/me", h.handleMe)
			r.Post("/auth/token", h.handleToken)

			r.Get("/projects", h.handleListProjects)
			r.Route("/projects/{projectID}", func(r chi.Router) {
				r.Get("/rubrics/{phase}", h.handleGetRubric)
				r.Put("/rubrics/{phase}", h.handlePutRubric)
				r.Put("/badge", h.handlePutBadge)

				r.Get("/teams/{teamID}/attempts", h.handleTeamAttempts)
				r.Post("/teams/{teamID}/attempts", h.handleRecordGroup)
				r.Get("/teams/{teamID}/status", h.handleTeamStatus)

				r.Get("/students/{studentID}/attempts", h.handleStudentAttempts)
				r.Post("/students/{studentID}/attempts", h.handleRecordIndividual)
				r.Get("/students/{studentID}/status", h.handleStudentStatus)
				r.Get("/students/{studentID}/final", h.handleLatestFinal)
				r.Post("/students/{studentID}/final", h.handleComputeFinal)
				r.Get("/students/{studentID}/finals", h.handleFinalHistory)
				r.Post("/students/{studentID}/retry", h.handleAllowRetry)
			})

			r.Post("/finals/{finalID}/award", h.handleRetryAward)
			r.Get("/students/{studentID}/progress", h.handleProgress)
			r.Post("/attempts/{attemptID}/feedback", h.handleDraftFeedback)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.requireCapability(access.UsersManage))
				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Post("/users/{userID}/toggle-active", h.handleToggleUserActive)
				r.Put("/users/{userID}/password", h.handleSetPassword)
				r.Post("/seed", h.handleUploadSeed)
				r.Get("/export", h.handleExport)
				r.Post("/reconcile-awards", h.handleReconcileAwards)
			})
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// apiError is the body of every non-2xx response.
type apiError struct {
	Error     string            `json:"error"`
	Message   string            `json:"message,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			Error:   "invalid_request",
			Message: appI18n.T(r.Context(), "InvalidRequest") + " " + err.Error(),
		})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid_request", Message: err.Error()})
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fieldPath(fe.Namespace())] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, apiError{
			Error:   "invalid_request",
			Message: appI18n.T(r.Context(), "InvalidRequest"),
			Fields:  fields,
		})
		return false
	}
	return true
}

// fieldPath drops the struct name validator puts in front of the namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid_request", Message: "invalid " + name})
		return 0, false
	}
	return id, true
}

// fail maps a service error onto a status code and reason.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var (
		forbidden *access.ForbiddenError
		input     *evaluation.InputError
		retry     *evaluation.RetryError
		award     *evaluation.AwardError
	)
	switch {
	case errors.As(err, &forbidden):
		writeJSON(w, http.StatusForbidden, apiError{Error: "forbidden", Message: appI18n.T(ctx, "Forbidden")})
	case errors.As(err, &input):
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: input.Code, Message: input.Error()})
	case rubric.IsDefinitionError(err):
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "invalid_rubric", Message: err.Error()})
	case errors.Is(err, store.ErrRubricInUse):
		writeJSON(w, http.StatusConflict, apiError{Error: "rubric_in_use", Message: appI18n.T(ctx, "RubricInUse")})
	case errors.As(err, &retry):
		writeJSON(w, http.StatusConflict, apiError{
			Error:   "retry_not_allowed",
			Reason:  retry.Reason,
			Message: appI18n.Reason(ctx, retry.Reason),
		})
	case errors.Is(err, evaluation.ErrConcurrentUpdate), errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, apiError{
			Error:     "concurrent_update",
			Message:   appI18n.T(ctx, "ConcurrentUpdate"),
			Retryable: true,
		})
	case errors.Is(err, evaluation.ErrNotReady):
		writeJSON(w, http.StatusNotFound, apiError{Error: "not_ready", Message: appI18n.T(ctx, "NotReady")})
	case errors.Is(err, evaluation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Error: "not_found", Message: err.Error()})
	case errors.Is(err, evaluation.ErrNoDrafter):
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "feedback_disabled", Message: appI18n.T(ctx, "FeedbackDisabled")})
	case errors.As(err, &award):
		slog.Error("award failed", "final_id", award.FinalID, "error", award.Err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "award_failed", Message: err.Error(), Retryable: true})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal", Message: appI18n.T(ctx, "InternalError")})
	}
}
