package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/relay-chat/relay/internal/db"
	"github.com/relay-chat/relay/internal/repositories"
)

// AuthService is the entry point for all authentication operations. The REST
// API and the WebSocket handshake depend on it, never on providers directly.
type AuthService struct {
	local      *LocalAuthProvider
	tokenRepo  repositories.RefreshTokenRepository
	jwtManager *JWTManager
}

func NewAuthService(
	local *LocalAuthProvider,
	tokenRepo repositories.RefreshTokenRepository,
	jwtManager *JWTManager,
) *AuthService {
	return &AuthService{
		local:      local,
		tokenRepo:  tokenRepo,
		jwtManager: jwtManager,
	}
}

func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*db.User, error) {
	return s.local.Register(ctx, req)
}

func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	return s.local.Login(ctx, req)
}

func (s *AuthService) RefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	return s.local.RefreshToken(ctx, rawToken)
}

func (s *AuthService) Logout(ctx context.Context, rawToken string) error {
	return s.local.Logout(ctx, rawToken)
}

// LogoutAllSessions deletes every refresh token of a user.
func (s *AuthService) LogoutAllSessions(ctx context.Context, userID int64) error {
	if err := s.tokenRepo.DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke sessions of user %d: %w", userID, err)
	}
	return nil
}

// PurgeExpiredTokens removes refresh tokens that can no longer be used.
// Called periodically by the scheduler.
func (s *AuthService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.tokenRepo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return n, nil
}

// ValidateAccessToken parses and verifies a JWT access token. Used by the
// HTTP middleware and the WebSocket handshake.
func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}
