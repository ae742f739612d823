package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/relay-chat/relay/internal/db"
)

type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository stores accounts in the users table.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// Create inserts user and fills in its id. A taken email yields ErrConflict.
func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return ErrConflict
	default:
		return fmt.Errorf("insert user: %w", err)
	}
}

func (r *gormUserRepository) GetByID(ctx context.Context, id int64) (*db.User, error) {
	return first[db.User](ctx, r.db, "load user", "id = ?", id)
}

// GetByEmail expects an already normalised address.
func (r *gormUserRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	return first[db.User](ctx, r.db, "load user by email", "email = ?", email)
}

func (r *gormUserRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.User{}).Where("id = ?", id).
		Update("last_login_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("stamp last login for user %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type gormRefreshTokenRepository struct {
	db *gorm.DB
}

// NewRefreshTokenRepository stores refresh token hashes. Raw tokens never
// reach the database.
func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &gormRefreshTokenRepository{db: db}
}

func (r *gormRefreshTokenRepository) Create(ctx context.Context, token *db.RefreshToken) error {
	token.ExpiresAt = token.ExpiresAt.UTC()
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *gormRefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	return first[db.RefreshToken](ctx, r.db, "load refresh token", "token_hash = ?", hash)
}

// DeleteByHash is a no-op for unknown hashes.
func (r *gormRefreshTokenRepository) DeleteByHash(ctx context.Context, hash string) error {
	_, err := r.deleteWhere(ctx, "revoke refresh token", "token_hash = ?", hash)
	return err
}

func (r *gormRefreshTokenRepository) DeleteAllForUser(ctx context.Context, userID int64) error {
	_, err := r.deleteWhere(ctx, "revoke sessions", "user_id = ?", userID)
	return err
}

// DeleteExpired reports how many rows expired before now.
func (r *gormRefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(ctx, "purge expired refresh tokens", "expires_at < ?", now.UTC())
}

func (r *gormRefreshTokenRepository) deleteWhere(ctx context.Context, op, where string, args ...any) (int64, error) {
	res := r.db.WithContext(ctx).Where(where, args...).Delete(&db.RefreshToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("%s: %w", op, res.Error)
	}
	return res.RowsAffected, nil
}
