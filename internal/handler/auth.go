package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/evalcard/internal/i18n"
	"github.com/pavelanni/evalcard/internal/model"
)

const sessionCookieName = "session"

// Claims are carried by bearer tokens. The subject is the user ID.
type Claims struct {
	Role model.UserRole `json:"role"`
	jwt.RegisteredClaims
}

type userCtxKey struct{}

func userFromContext(ctx context.Context) *model.User {
	u, _ := ctx.Value(userCtxKey{}).(*model.User)
	return u
}

// issueToken signs an HS256 token for the user.
func (h *Handler) issueToken(u model.User) (string, time.Time, error) {
	exp := time.Now().Add(h.config.TokenTTL)
	claims := Claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.config.JWTSecret)
	return tok, exp, err
}

// parseToken validates a bearer token and returns the user ID it names.
func (h *Handler) parseToken(raw string) (int64, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return h.config.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad subject %q: %w", claims.Subject, err)
	}
	return id, nil
}

// authenticate resolves the user from a bearer token or the session cookie.
func (h *Handler) authenticate(r *http.Request) (*model.User, error) {
	var userID int64
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if len(h.config.JWTSecret) == 0 {
			return nil, errors.New("bearer tokens are disabled")
		}
		id, err := h.parseToken(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return nil, err
		}
		userID = id
	} else {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			return nil, nil
		}
		sess, err := h.store.GetAuthSession(r.Context(), cookie.Value)
		if err != nil {
			return nil, fmt.Errorf("get auth session: %w", err)
		}
		if sess == nil {
			return nil, nil
		}
		userID = sess.UserID
	}

	user, err := h.store.GetUserByID(r.Context(), userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil || !user.Active {
		return nil, nil
	}
	return user, nil
}

// requireAuth puts the authenticated user and its principal into the request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authenticate(r)
		if err != nil {
			slog.Warn("authentication failed", "error", err)
		}
		if user == nil {
			writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized", Message: appI18n.T(r.Context(), "Unauthorized")})
			return
		}
		ctx := context.WithValue(r.Context(), userCtxKey{}, user)
		ctx = model.ContextWithPrincipal(ctx, model.Principal{UserID: user.ID, Role: user.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCapability returns middleware that checks the principal holds perm.
func (h *Handler) requireCapability(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h.svc.Authorize(r.Context(), perm); err != nil {
				h.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	User      model.User `json:"user"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		h.fail(w, r, fmt.Errorf("get user: %w", err))
		return
	}
	if user == nil || !user.Active ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "login_failed", Message: appI18n.T(r.Context(), "LoginError")})
		return
	}

	token, err := h.store.CreateAuthSession(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, fmt.Errorf("create auth session: %w", err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
	})

	resp := loginResponse{User: *user}
	if len(h.config.JWTSecret) > 0 {
		jwtToken, exp, err := h.issueToken(*user)
		if err != nil {
			h.fail(w, r, fmt.Errorf("issue token: %w", err))
			return
		}
		resp.Token, resp.ExpiresAt = jwtToken, &exp
	}
	slog.Info("user logged in", "user_id", user.ID, "role", user.Role)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		_ = h.store.DeleteAuthSession(r.Context(), cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFromContext(r.Context()))
}

// handleToken exchanges a session (or a still valid token) for a fresh bearer token.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if len(h.config.JWTSecret) == 0 {
		writeJSON(w, http.StatusNotFound, apiError{Error: "not_found", Message: "bearer tokens are disabled"})
		return
	}
	user := userFromContext(r.Context())
	tok, exp, err := h.issueToken(*user)
	if err != nil {
		h.fail(w, r, fmt.Errorf("issue token: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{User: *user, Token: tok, ExpiresAt: &exp})
}
