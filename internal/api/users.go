package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/db"
	"github.com/relay-chat/relay/internal/repositories"
)

// UserHandler serves the current user's profile.
type UserHandler struct {
	repo   repositories.UserRepository
	logger *zap.Logger
}

func NewUserHandler(repo repositories.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		repo:   repo,
		logger: logger.Named("user_handler"),
	}
}

// userResponse never includes the password hash.
type userResponse struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	IsActive    bool       `json:"is_active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toUserResponse(u *db.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		IsActive:    u.IsActive,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// GetMe handles GET /api/v1/users/me.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.repo.GetByID(r.Context(), currentUserID(r))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get current user", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toUserResponse(user))
}
