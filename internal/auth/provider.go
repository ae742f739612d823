package auth

import (
	"context"
	"time"
)

// AuthProvider is implemented by every authentication backend. Relay ships
// only LocalAuthProvider (email/password).
type AuthProvider interface {
	// Login authenticates a user and returns a token pair on success.
	Login(ctx context.Context, req LoginRequest) (*TokenPair, error)

	// RefreshToken validates a refresh token, rotates it, and returns a new
	// token pair. The old refresh token is invalid after this call.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)

	// Logout invalidates the given refresh token. Access tokens remain valid
	// until they expire.
	Logout(ctx context.Context, refreshToken string) error

	ProviderType() string
}

// LoginRequest carries credentials for an email/password login attempt.
type LoginRequest struct {
	Email    string
	Password string

	// UserAgent is stored next to the refresh token for the sessions list.
	UserAgent string
}

// RegisterRequest carries the fields of a new local account.
type RegisterRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// TokenPair is returned after a successful login or token refresh. The HTTP
// layer returns AccessToken in the body and sets RefreshToken as an httpOnly
// cookie; non-browser clients may also read it from the body.
type TokenPair struct {
	UserID int64

	AccessToken          string
	AccessTokenExpiresAt time.Time

	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}
