package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relay-chat/relay/internal/db"
	"github.com/relay-chat/relay/internal/repositories"
)

const refreshTokenDuration = 7 * 24 * time.Hour

// LocalAuthProvider is the email/password backend. Only hashes of passwords
// and refresh tokens are persisted.
type LocalAuthProvider struct {
	users  repositories.UserRepository
	tokens repositories.RefreshTokenRepository
	jwt    *JWTManager
	now    func() time.Time
}

var _ AuthProvider = (*LocalAuthProvider)(nil)

func NewLocalAuthProvider(users repositories.UserRepository, tokens repositories.RefreshTokenRepository, jwt *JWTManager) *LocalAuthProvider {
	return &LocalAuthProvider{users: users, tokens: tokens, jwt: jwt, now: time.Now}
}

func (p *LocalAuthProvider) ProviderType() string { return "local" }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an active account. The display name defaults to the
// local part of the email.
func (p *LocalAuthProvider) Register(ctx context.Context, req RegisterRequest) (*db.User, error) {
	if len(req.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	email := normalizeEmail(req.Email)
	user := &db.User{Email: email, Password: hash, DisplayName: strings.TrimSpace(req.DisplayName), IsActive: true}
	if user.DisplayName == "" {
		user.DisplayName, _, _ = strings.Cut(email, "@")
	}

	err = p.users.Create(ctx, user)
	if errors.Is(err, repositories.ErrConflict) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", email, err)
	}
	return user, nil
}

func (p *LocalAuthProvider) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	user, err := p.users.GetByEmail(ctx, normalizeEmail(req.Email))
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if !verifyPassword(req.Password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}
	if err := p.users.UpdateLastLogin(ctx, user.ID, p.now()); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return p.issue(ctx, user, req.UserAgent)
}

// RefreshToken consumes rawToken and issues a new pair. The old row is gone
// before anything else can fail, so a token is never usable twice.
func (p *LocalAuthProvider) RefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	digest := hashRefreshToken(rawToken)

	stored, err := p.tokens.GetByHash(ctx, digest)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if err := p.tokens.DeleteByHash(ctx, digest); err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if p.now().After(stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := p.users.GetByID(ctx, stored.UserID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("refresh: %w", err)
	case !user.IsActive:
		return nil, ErrUserDisabled
	}
	return p.issue(ctx, user, stored.UserAgent)
}

// Logout forgets rawToken. Unknown tokens are ignored.
func (p *LocalAuthProvider) Logout(ctx context.Context, rawToken string) error {
	if err := p.tokens.DeleteByHash(ctx, hashRefreshToken(rawToken)); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (p *LocalAuthProvider) issue(ctx context.Context, user *db.User, userAgent string) (*TokenPair, error) {
	access, accessExp, err := p.jwt.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	raw, digest, err := newRefreshToken()
	if err != nil {
		return nil, err
	}

	row := &db.RefreshToken{
		UserID:    user.ID,
		TokenHash: digest,
		ExpiresAt: p.now().Add(refreshTokenDuration),
		UserAgent: userAgent,
	}
	if err := p.tokens.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &TokenPair{
		UserID:                user.ID,
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          raw,
		RefreshTokenExpiresAt: row.ExpiresAt,
	}, nil
}
