package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/auth"
)

// Browsers keep the refresh token in this httpOnly cookie.
const refreshTokenCookie = "relay_refresh_token"

// AuthHandler serves /api/v1/auth. secure marks cookies Secure when the
// server sits behind HTTPS.
type AuthHandler struct {
	svc    *auth.AuthService
	logger *zap.Logger
	secure bool
}

func NewAuthHandler(svc *auth.AuthService, logger *zap.Logger, secure bool) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger.Named("auth_handler"), secure: secure}
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// refreshRequest lets non-browser clients send the refresh token in the
// body instead of the cookie.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse carries the refresh token too: the terminal client has no
// cookie jar that survives restarts.
type tokenResponse struct {
	UserID       int64     `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		ErrBadRequest(w, "email and password are required")
		return
	}

	user, err := h.svc.Register(r.Context(), auth.RegisterRequest{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	switch {
	case err == nil:
		Created(w, toUserResponse(user))
	case errors.Is(err, auth.ErrEmailTaken):
		ErrConflict(w, "a user with this email already exists")
	case errors.Is(err, auth.ErrWeakPassword):
		ErrUnprocessable(w, "password must be at least 8 characters")
	default:
		h.logger.Error("register failed", zap.String("email", req.Email), zap.Error(err))
		ErrInternal(w)
	}
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Email == "" || req.Password == "" {
		ErrBadRequest(w, "email and password are required")
		return
	}

	pair, err := h.svc.Login(r.Context(), auth.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		// One 401 for both cases so accounts cannot be enumerated.
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserDisabled) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("login failed", zap.String("email", req.Email), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.respondWithTokens(w, pair)
}

// Refresh handles POST /api/v1/auth/refresh. The token is taken from the
// cookie, or from the JSON body when there is no cookie.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := refreshTokenFrom(w, r)
	if !ok {
		return
	}
	if raw == "" {
		ErrUnauthorized(w)
		return
	}

	pair, err := h.svc.RefreshToken(r.Context(), raw)
	if err != nil {
		if !isRejection(err) {
			h.logger.Error("refresh failed", zap.Error(err))
		}
		http.SetCookie(w, h.refreshCookie("", time.Time{}))
		ErrUnauthorized(w)
		return
	}

	h.respondWithTokens(w, pair)
}

// Logout handles POST /api/v1/auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := refreshTokenFrom(w, r)
	if !ok {
		return
	}

	if raw != "" {
		if err := h.svc.Logout(r.Context(), raw); err != nil {
			h.logger.Warn("logout error", zap.Error(err))
		}
	}

	http.SetCookie(w, h.refreshCookie("", time.Time{}))
	NoContent(w)
}

// refreshTokenFrom prefers the cookie and falls back to a JSON body. An
// empty string with ok means the request carried no token.
func refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	if c, err := r.Cookie(refreshTokenCookie); err == nil {
		return c.Value, true
	}
	if r.ContentLength == 0 {
		return "", true
	}
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return "", false
	}
	return body.RefreshToken, true
}

func (h *AuthHandler) respondWithTokens(w http.ResponseWriter, pair *auth.TokenPair) {
	http.SetCookie(w, h.refreshCookie(pair.RefreshToken, pair.RefreshTokenExpiresAt))
	Ok(w, tokenResponse{
		UserID:       pair.UserID,
		AccessToken:  pair.AccessToken,
		ExpiresAt:    pair.AccessTokenExpiresAt,
		RefreshToken: pair.RefreshToken,
	})
}

// refreshCookie is scoped to the auth routes. A zero expiry deletes it.
func (h *AuthHandler) refreshCookie(value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    value,
		Path:     "/api/v1/auth",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	}
	if expires.IsZero() {
		c.Expires, c.MaxAge = time.Unix(0, 0), -1
	}
	return c
}

// isRejection separates a refused token from a storage failure.
func isRejection(err error) bool {
	for _, target := range []error{auth.ErrRefreshTokenNotFound, auth.ErrTokenExpired, auth.ErrUserDisabled, auth.ErrUserNotFound} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
